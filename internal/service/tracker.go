package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carewatch/alert-engine/internal/domain"
	"github.com/carewatch/alert-engine/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeliveryTracker owns the delivery ledger: one row per attempt, latest
// row per (alert, channel, destination) pair carries the pair's status.
type DeliveryTracker struct {
	attempts repository.AttemptRepository
	logger   *zap.Logger
	now      func() time.Time
}

func NewDeliveryTracker(attempts repository.AttemptRepository, logger *zap.Logger) (*DeliveryTracker, error) {
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DeliveryTracker{
		attempts: attempts,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// RecordPending opens attempt N+1 for the pair and returns it. The caller
// settles the row with MarkSent, MarkFailed, or MarkExhausted.
func (t *DeliveryTracker) RecordPending(ctx context.Context, alertID string, channel domain.Channel, tier domain.Tier, destination string) (*domain.DeliveryAttempt, error) {
	latest, err := t.attempts.LatestForPair(ctx, alertID, channel, destination)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to load latest attempt: %w", err)
	}

	attemptNumber := 1
	if latest != nil {
		attemptNumber = latest.AttemptNumber + 1
	}

	now := t.now().UTC()
	attempt := &domain.DeliveryAttempt{
		ID:            uuid.NewString(),
		AlertID:       alertID,
		Channel:       channel,
		Tier:          tier,
		Destination:   destination,
		AttemptNumber: attemptNumber,
		Status:        domain.AttemptPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := attempt.Validate(); err != nil {
		return nil, err
	}

	if err := t.attempts.Create(ctx, attempt); err != nil {
		return nil, fmt.Errorf("failed to create delivery attempt: %w", err)
	}

	return attempt, nil
}

// MarkSent settles a pending attempt as delivered. It returns false when
// another process already recorded a send for the pair; the caller treats
// that as success and moves on.
func (t *DeliveryTracker) MarkSent(ctx context.Context, attemptID string, providerMessageID *string) (bool, error) {
	updated, err := t.attempts.MarkSent(ctx, attemptID, providerMessageID)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			t.logger.Debug("duplicate send detected, keeping first delivery",
				zap.String("attemptId", attemptID),
			)
			return false, nil
		}
		return false, fmt.Errorf("failed to mark attempt sent: %w", err)
	}

	return updated, nil
}

func (t *DeliveryTracker) MarkFailed(ctx context.Context, attemptID string, lastError string, nextRetryAt *time.Time) error {
	if _, err := t.attempts.MarkFailed(ctx, attemptID, lastError, nextRetryAt); err != nil {
		return fmt.Errorf("failed to mark attempt failed: %w", err)
	}
	return nil
}

func (t *DeliveryTracker) MarkExhausted(ctx context.Context, attemptID string, lastError string) error {
	if _, err := t.attempts.MarkExhausted(ctx, attemptID, lastError); err != nil {
		return fmt.Errorf("failed to mark attempt exhausted: %w", err)
	}
	return nil
}

// LatestForPair returns the pair's newest attempt row, or nil when the
// pair has never been attempted.
func (t *DeliveryTracker) LatestForPair(ctx context.Context, alertID string, channel domain.Channel, destination string) (*domain.DeliveryAttempt, error) {
	latest, err := t.attempts.LatestForPair(ctx, alertID, channel, destination)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return latest, nil
}

func (t *DeliveryTracker) ListByAlert(ctx context.Context, alertID string) ([]domain.DeliveryAttempt, error) {
	return t.attempts.ListByAlert(ctx, alertID)
}

func (t *DeliveryTracker) DueForRetry(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryAttempt, error) {
	return t.attempts.DueForRetry(ctx, now, limit)
}

func (t *DeliveryTracker) ClearNextRetryAt(ctx context.Context, attemptID string) error {
	return t.attempts.ClearNextRetryAt(ctx, attemptID)
}

// CancelUnsettled cancels attempts still waiting on a retry for an alert
// that reached a terminal state. In-flight sends are left alone; their
// outcomes are still recorded when they finish.
func (t *DeliveryTracker) CancelUnsettled(ctx context.Context, alertID string) (int64, error) {
	canceled, err := t.attempts.CancelUnsettled(ctx, alertID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel unsettled attempts: %w", err)
	}
	if canceled > 0 {
		t.logger.Info("canceled pending retries for settled alert",
			zap.String("alertId", alertID),
			zap.Int64("count", canceled),
		)
	}
	return canceled, nil
}
