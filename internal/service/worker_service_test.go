package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/carewatch/alert-engine/internal/adapter"
	"github.com/carewatch/alert-engine/internal/domain"
	"github.com/carewatch/alert-engine/internal/queue"
)

func TestNewWorkerService(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, &fakeAlertRepo{}, &fakeRecipientRepo{}, nil, adapter.NewRegistry(&fakeAdapter{channel: domain.ChannelEmail}))

	t.Run("requires consumer", func(t *testing.T) {
		t.Parallel()

		if _, err := NewWorkerService(nil, d, 4, nil); err == nil {
			t.Fatal("expected error for nil consumer")
		}
	})

	t.Run("requires dispatcher", func(t *testing.T) {
		t.Parallel()

		if _, err := NewWorkerService(&fakeConsumer{}, nil, 4, nil); err == nil {
			t.Fatal("expected error for nil dispatcher")
		}
	})

	t.Run("clamps concurrency", func(t *testing.T) {
		t.Parallel()

		svc, err := NewWorkerService(&fakeConsumer{}, d, 0, nil)
		if err != nil {
			t.Fatalf("NewWorkerService() error = %v", err)
		}
		if svc.concurrency != minWorkerConcurrency {
			t.Fatalf("concurrency = %d, want %d", svc.concurrency, minWorkerConcurrency)
		}
	})
}

func TestWorkerServiceProcessMessage(t *testing.T) {
	t.Parallel()

	t.Run("dispatches the referenced alert", func(t *testing.T) {
		t.Parallel()

		alerts := &fakeAlertRepo{
			getByIDFn: func(ctx context.Context, id string) (*domain.Alert, error) {
				return dispatchAlert(), nil
			},
		}
		recipients := &fakeRecipientRepo{
			recipientsForFn: func(ctx context.Context, patientID string, tier domain.Tier) ([]domain.CareRecipient, error) {
				return []domain.CareRecipient{{Channel: domain.ChannelEmail, Destination: "kin@example.com"}}, nil
			},
		}

		d := newTestDispatcher(t, alerts, recipients, nil, adapter.NewRegistry(&fakeAdapter{channel: domain.ChannelEmail}))
		svc, err := NewWorkerService(&fakeConsumer{}, d, 1, nil)
		if err != nil {
			t.Fatalf("NewWorkerService() error = %v", err)
		}

		msg := queue.DispatchMessage{
			AlertID:       "alert-1",
			CorrelationID: "corr-1",
			Tier:          domain.TierPrimary,
			Severity:      domain.SeverityCritical,
		}
		if err := svc.processMessage(context.Background(), msg); err != nil {
			t.Fatalf("processMessage() error = %v", err)
		}
	})

	t.Run("acks messages for vanished alerts", func(t *testing.T) {
		t.Parallel()

		d := newTestDispatcher(t, &fakeAlertRepo{}, &fakeRecipientRepo{}, nil, adapter.NewRegistry(&fakeAdapter{channel: domain.ChannelEmail}))
		svc, err := NewWorkerService(&fakeConsumer{}, d, 1, nil)
		if err != nil {
			t.Fatalf("NewWorkerService() error = %v", err)
		}

		msg := queue.DispatchMessage{AlertID: "ghost", Tier: domain.TierPrimary, Severity: domain.SeverityInfo}
		if err := svc.processMessage(context.Background(), msg); err != nil {
			t.Fatalf("processMessage() error = %v, want nil for missing alert", err)
		}
	})

	t.Run("propagates dispatch failures for redelivery", func(t *testing.T) {
		t.Parallel()

		alerts := &fakeAlertRepo{
			getByIDFn: func(ctx context.Context, id string) (*domain.Alert, error) {
				return nil, fmt.Errorf("database unavailable")
			},
		}

		d := newTestDispatcher(t, alerts, &fakeRecipientRepo{}, nil, adapter.NewRegistry(&fakeAdapter{channel: domain.ChannelEmail}))
		svc, err := NewWorkerService(&fakeConsumer{}, d, 1, nil)
		if err != nil {
			t.Fatalf("NewWorkerService() error = %v", err)
		}

		msg := queue.DispatchMessage{AlertID: "alert-1", Tier: domain.TierPrimary, Severity: domain.SeverityInfo}
		if err := svc.processMessage(context.Background(), msg); err == nil {
			t.Fatal("expected error so the message is redelivered")
		}
	})
}

func TestWorkerServiceStartStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	consumer := &fakeConsumer{
		consumeFn: func(ctx context.Context, handler queue.MessageHandler) error {
			<-ctx.Done()
			return nil
		},
	}

	d := newTestDispatcher(t, &fakeAlertRepo{}, &fakeRecipientRepo{}, nil, adapter.NewRegistry(&fakeAdapter{channel: domain.ChannelEmail}))
	svc, err := NewWorkerService(consumer, d, 3, nil)
	if err != nil {
		t.Fatalf("NewWorkerService() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not stop after context cancellation")
	}
}
