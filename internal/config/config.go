package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL string `env:"RABBITMQ_URL,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`

	SMTPHost string `env:"SMTP_HOST,required=true"`
	SMTPPort int    `env:"SMTP_PORT,default=587"`
	SMTPUser string `env:"SMTP_USER"`
	SMTPPass string `env:"SMTP_PASS"`
	SMTPFrom string `env:"SMTP_FROM,required=true"`

	BotAPIBaseURL string `env:"BOT_API_BASE_URL,required=true"`
	BotToken      string `env:"BOT_TOKEN,required=true"`

	BizAPIBaseURL  string `env:"BIZ_API_BASE_URL,required=true"`
	BizSenderID    string `env:"BIZ_SENDER_ID,required=true"`
	BizAccessToken string `env:"BIZ_ACCESS_TOKEN,required=true"`

	DedupWindowSec        int `env:"DEDUP_WINDOW_SEC,default=300"`
	ClockSkewToleranceSec int `env:"CLOCK_SKEW_TOLERANCE_SEC,default=120"`
	EscalationTimeoutSec  int `env:"ESCALATION_TIMEOUT_SEC,default=600"`
	RetryBaseDelaySec     int `env:"RETRY_BASE_DELAY_SEC,default=30"`
	MaxAttempts           int `env:"MAX_ATTEMPTS,default=3"`
	SendTimeoutSec        int `env:"SEND_TIMEOUT_SEC,default=10"`

	RateLimitPerSec   int    `env:"RATE_LIMIT_PER_SEC,default=100"`
	WorkerConcurrency int    `env:"WORKER_CONCURRENCY,default=16"`
	APIPort           int    `env:"API_PORT,default=8080"`
	LogLevel          string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowSec) * time.Second
}

func (c *Config) ClockSkewTolerance() time.Duration {
	return time.Duration(c.ClockSkewToleranceSec) * time.Second
}

func (c *Config) EscalationTimeout() time.Duration {
	return time.Duration(c.EscalationTimeoutSec) * time.Second
}

func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelaySec) * time.Second
}

func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSec) * time.Second
}
