package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carewatch/alert-engine/internal/domain"
	"github.com/carewatch/alert-engine/internal/queue"
	"github.com/carewatch/alert-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultRetryScanInterval = 15 * time.Second
	defaultRetryScanLimit    = 200
)

// RetryScanner periodically re-enqueues dispatch work for delivery attempts
// whose retry time has come due. Retries for alerts that settled in the
// meantime are canceled instead.
type RetryScanner struct {
	alerts    repository.AlertRepository
	tracker   *DeliveryTracker
	publisher queue.Publisher
	logger    *zap.Logger
	interval  time.Duration
	limit     int
	now       func() time.Time
}

func NewRetryScanner(
	alerts repository.AlertRepository,
	tracker *DeliveryTracker,
	publisher queue.Publisher,
	interval time.Duration,
	limit int,
	logger *zap.Logger,
) (*RetryScanner, error) {
	if alerts == nil {
		return nil, fmt.Errorf("alert repository is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("delivery tracker is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if interval <= 0 {
		interval = defaultRetryScanInterval
	}
	if limit <= 0 {
		limit = defaultRetryScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetryScanner{
		alerts:    alerts,
		tracker:   tracker,
		publisher: publisher,
		logger:    logger,
		interval:  interval,
		limit:     limit,
		now:       time.Now,
	}, nil
}

func (s *RetryScanner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Run an initial scan so already-due retries do not wait for the first ticker edge.
	if err := s.scanDue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("retry scanner initial scan failed", zap.Error(err))
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
				s.logger.Error("retry scanner scan failed", zap.Error(err))
			}
		}
	}
}

func (s *RetryScanner) scanDue(ctx context.Context) error {
	dueAttempts, err := s.tracker.DueForRetry(ctx, s.now().UTC(), s.limit)
	if err != nil {
		return fmt.Errorf("failed to fetch due retries: %w", err)
	}

	alertsByID := make(map[string]*domain.Alert)
	published := make(map[string]bool)

	for i := range dueAttempts {
		attempt := dueAttempts[i]

		alert, ok := alertsByID[attempt.AlertID]
		if !ok {
			alert, err = s.alerts.GetByID(ctx, attempt.AlertID)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					s.logger.Warn("due retry references missing alert",
						zap.String("attemptId", attempt.ID),
						zap.String("alertId", attempt.AlertID),
					)
					if clearErr := s.tracker.ClearNextRetryAt(ctx, attempt.ID); clearErr != nil {
						s.logger.Error("failed to clear retry for missing alert",
							zap.String("attemptId", attempt.ID),
							zap.Error(clearErr),
						)
					}
					continue
				}
				s.logger.Error("failed to load alert for due retry",
					zap.String("alertId", attempt.AlertID),
					zap.Error(err),
				)
				continue
			}
			alertsByID[attempt.AlertID] = alert
		}

		if alert.State.IsTerminal() {
			if _, err := s.tracker.CancelUnsettled(ctx, alert.ID); err != nil {
				s.logger.Error("failed to cancel retries for settled alert",
					zap.String("alertId", alert.ID),
					zap.Error(err),
				)
			}
			continue
		}

		// One dispatch message per (alert, tier) covers every due pair;
		// the dispatcher skips pairs that are not ready.
		publishKey := alert.ID + "/" + attempt.Tier.String()
		if !published[publishKey] {
			msg := queue.DispatchMessage{
				AlertID:  alert.ID,
				Tier:     attempt.Tier,
				Severity: alert.Severity,
			}
			if err := s.publisher.Publish(ctx, msg); err != nil {
				s.logger.Error("failed to enqueue retry dispatch",
					zap.String("alertId", alert.ID),
					zap.String("tier", attempt.Tier.String()),
					zap.Error(err),
				)
				continue
			}
			published[publishKey] = true
		}

		if err := s.tracker.ClearNextRetryAt(ctx, attempt.ID); err != nil {
			s.logger.Error("failed to clear retry timestamp after enqueue",
				zap.String("attemptId", attempt.ID),
				zap.Error(err),
			)
		}
	}

	return nil
}
