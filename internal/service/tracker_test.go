package service

import (
	"context"
	"testing"
	"time"

	"github.com/carewatch/alert-engine/internal/domain"
)

func TestDeliveryTrackerRecordPending(t *testing.T) {
	t.Parallel()

	t.Run("first attempt is number one", func(t *testing.T) {
		t.Parallel()

		var created *domain.DeliveryAttempt
		attempts := &fakeAttemptRepo{
			createFn: func(ctx context.Context, a *domain.DeliveryAttempt) error {
				created = a
				return nil
			},
		}

		tracker, err := NewDeliveryTracker(attempts, nil)
		if err != nil {
			t.Fatalf("NewDeliveryTracker() error = %v", err)
		}

		attempt, err := tracker.RecordPending(context.Background(), "alert-1", domain.ChannelEmail, domain.TierPrimary, "kin@example.com")
		if err != nil {
			t.Fatalf("RecordPending() error = %v", err)
		}
		if attempt.AttemptNumber != 1 {
			t.Fatalf("attempt number = %d, want 1", attempt.AttemptNumber)
		}
		if attempt.Status != domain.AttemptPending {
			t.Fatalf("status = %s, want PENDING", attempt.Status)
		}
		if created == nil || created.ID == "" {
			t.Fatal("expected attempt row to be created with an id")
		}
	})

	t.Run("follows the latest attempt number", func(t *testing.T) {
		t.Parallel()

		attempts := &fakeAttemptRepo{
			latestForPairFn: func(ctx context.Context, alertID string, channel domain.Channel, destination string) (*domain.DeliveryAttempt, error) {
				return &domain.DeliveryAttempt{AttemptNumber: 2, Status: domain.AttemptFailed}, nil
			},
		}

		tracker, err := NewDeliveryTracker(attempts, nil)
		if err != nil {
			t.Fatalf("NewDeliveryTracker() error = %v", err)
		}

		attempt, err := tracker.RecordPending(context.Background(), "alert-1", domain.ChannelEmail, domain.TierPrimary, "kin@example.com")
		if err != nil {
			t.Fatalf("RecordPending() error = %v", err)
		}
		if attempt.AttemptNumber != 3 {
			t.Fatalf("attempt number = %d, want 3", attempt.AttemptNumber)
		}
	})
}

func TestDeliveryTrackerMarkSentConflict(t *testing.T) {
	t.Parallel()

	attempts := &fakeAttemptRepo{
		markSentFn: func(ctx context.Context, id string, providerMessageID *string) (bool, error) {
			return false, domain.ErrConflict
		},
	}

	tracker, err := NewDeliveryTracker(attempts, nil)
	if err != nil {
		t.Fatalf("NewDeliveryTracker() error = %v", err)
	}

	recorded, err := tracker.MarkSent(context.Background(), "attempt-1", nil)
	if err != nil {
		t.Fatalf("MarkSent() error = %v, want conflict swallowed", err)
	}
	if recorded {
		t.Fatal("expected conflict to report not recorded")
	}
}

func TestDeliveryTrackerLatestForPairMissing(t *testing.T) {
	t.Parallel()

	tracker, err := NewDeliveryTracker(&fakeAttemptRepo{}, nil)
	if err != nil {
		t.Fatalf("NewDeliveryTracker() error = %v", err)
	}

	latest, err := tracker.LatestForPair(context.Background(), "alert-1", domain.ChannelEmail, "kin@example.com")
	if err != nil {
		t.Fatalf("LatestForPair() error = %v", err)
	}
	if latest != nil {
		t.Fatalf("expected nil for never-attempted pair, got %+v", latest)
	}
}

func TestDeliveryTrackerCancelUnsettled(t *testing.T) {
	t.Parallel()

	var gotAlertID string
	attempts := &fakeAttemptRepo{
		cancelUnsettledFn: func(ctx context.Context, alertID string) (int64, error) {
			gotAlertID = alertID
			return 3, nil
		},
	}

	tracker, err := NewDeliveryTracker(attempts, nil)
	if err != nil {
		t.Fatalf("NewDeliveryTracker() error = %v", err)
	}

	count, err := tracker.CancelUnsettled(context.Background(), "alert-1")
	if err != nil {
		t.Fatalf("CancelUnsettled() error = %v", err)
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
	if gotAlertID != "alert-1" {
		t.Fatalf("alert id = %s, want alert-1", gotAlertID)
	}
}

func TestDeliveryTrackerRecordPendingTimestamps(t *testing.T) {
	t.Parallel()

	tracker, err := NewDeliveryTracker(&fakeAttemptRepo{}, nil)
	if err != nil {
		t.Fatalf("NewDeliveryTracker() error = %v", err)
	}

	fixed := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return fixed }

	attempt, err := tracker.RecordPending(context.Background(), "alert-1", domain.ChannelBotMessaging, domain.TierEscalation, "chat-9")
	if err != nil {
		t.Fatalf("RecordPending() error = %v", err)
	}
	if !attempt.CreatedAt.Equal(fixed) {
		t.Fatalf("created at = %v, want %v", attempt.CreatedAt, fixed)
	}
	if attempt.Tier != domain.TierEscalation {
		t.Fatalf("tier = %s, want ESCALATION", attempt.Tier)
	}
}
