package audit

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultStreamName = "audit:alerts"
	defaultStreamCap  = 100_000
	recordTimeout     = 2 * time.Second
)

var _ Sink = (*RedisSink)(nil)

// RedisSink appends audit entries to a capped Redis Stream. Entries are
// dropped with a log line when Redis is unavailable.
type RedisSink struct {
	client *goredis.Client
	stream string
	maxLen int64
	logger *zap.Logger
	now    func() time.Time
}

func NewRedisSink(client *goredis.Client, logger *zap.Logger) (*RedisSink, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RedisSink{
		client: client,
		stream: defaultStreamName,
		maxLen: defaultStreamCap,
		logger: logger,
		now:    time.Now,
	}, nil
}

func (s *RedisSink) Record(ctx context.Context, entry Entry) {
	if s == nil || s.client == nil {
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}
	// Detach from the caller's deadline so a canceled request context does
	// not suppress the audit trail of work that already happened.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	at := entry.At
	if at.IsZero() {
		at = s.now()
	}

	err := s.client.XAdd(recordCtx, &goredis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"kind":    entry.Kind,
			"alertId": entry.AlertID,
			"actor":   entry.Actor,
			"detail":  entry.Detail,
			"at":      at.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		s.logger.Warn("audit entry dropped",
			zap.String("kind", entry.Kind),
			zap.String("alertId", entry.AlertID),
			zap.Error(err),
		)
	}
}
