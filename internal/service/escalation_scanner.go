package service

import (
	"context"
	"fmt"
	"time"

	"github.com/carewatch/alert-engine/internal/domain"
	"github.com/carewatch/alert-engine/internal/observability"
	"github.com/carewatch/alert-engine/internal/queue"
	"github.com/carewatch/alert-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultEscalationTimeout      = 10 * time.Minute
	defaultEscalationScanInterval = 30 * time.Second
	defaultEscalationScanLimit    = 100
)

// EscalationScanner watches for alerts nobody acknowledged within the
// escalation timeout and fans them out to the escalation recipient tier.
// Each alert escalates at most once.
type EscalationScanner struct {
	alerts    repository.AlertRepository
	lifecycle *LifecycleService
	publisher queue.Publisher
	logger    *zap.Logger
	metrics   *observability.Metrics
	timeout   time.Duration
	interval  time.Duration
	limit     int
	now       func() time.Time
}

func NewEscalationScanner(
	alerts repository.AlertRepository,
	lifecycle *LifecycleService,
	publisher queue.Publisher,
	timeout time.Duration,
	interval time.Duration,
	logger *zap.Logger,
) (*EscalationScanner, error) {
	if alerts == nil {
		return nil, fmt.Errorf("alert repository is required")
	}
	if lifecycle == nil {
		return nil, fmt.Errorf("lifecycle service is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if timeout <= 0 {
		timeout = defaultEscalationTimeout
	}
	if interval <= 0 {
		interval = defaultEscalationScanInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &EscalationScanner{
		alerts:    alerts,
		lifecycle: lifecycle,
		publisher: publisher,
		logger:    logger,
		timeout:   timeout,
		interval:  interval,
		limit:     defaultEscalationScanLimit,
		now:       time.Now,
	}, nil
}

func (s *EscalationScanner) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *EscalationScanner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.scanDue(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("escalation scan failed", zap.Error(err))
			}
		}
	}
}

func (s *EscalationScanner) scanDue(ctx context.Context) error {
	openedBefore := s.now().UTC().Add(-s.timeout)
	dueAlerts, err := s.alerts.FindEscalationDue(ctx, openedBefore, s.limit)
	if err != nil {
		return fmt.Errorf("failed to fetch escalation-due alerts: %w", err)
	}

	for i := range dueAlerts {
		alert := dueAlerts[i]

		// Publish before marking: a re-published message is deduplicated
		// by the dispatcher, while a marked-but-unpublished alert would
		// silently never reach the escalation tier.
		msg := queue.DispatchMessage{
			AlertID:  alert.ID,
			Tier:     domain.TierEscalation,
			Severity: alert.Severity,
		}
		if err := s.publisher.Publish(ctx, msg); err != nil {
			s.logger.Error("failed to enqueue escalation dispatch",
				zap.String("alertId", alert.ID),
				zap.Error(err),
			)
			continue
		}

		marked, err := s.lifecycle.MarkEscalated(ctx, alert.ID)
		if err != nil {
			s.logger.Error("failed to mark alert escalated",
				zap.String("alertId", alert.ID),
				zap.Error(err),
			)
			continue
		}
		if !marked {
			continue
		}

		if s.metrics != nil {
			s.metrics.IncEscalation()
		}
		s.logger.Warn("alert escalated after acknowledgement timeout",
			zap.String("alertId", alert.ID),
			zap.String("patientId", alert.PatientID),
			zap.Duration("timeout", s.timeout),
		)
	}

	return nil
}
