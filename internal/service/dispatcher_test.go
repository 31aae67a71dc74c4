package service

import (
	"context"
	"testing"
	"time"

	"github.com/carewatch/alert-engine/internal/adapter"
	"github.com/carewatch/alert-engine/internal/audit"
	"github.com/carewatch/alert-engine/internal/domain"
)

func newTestDispatcher(t *testing.T, alerts *fakeAlertRepo, recipients *fakeRecipientRepo, attempts *fakeAttemptRepo, adapters adapter.Registry) *Dispatcher {
	t.Helper()

	if attempts == nil {
		attempts = &fakeAttemptRepo{}
	}
	tracker, err := NewDeliveryTracker(attempts, nil)
	if err != nil {
		t.Fatalf("NewDeliveryTracker() error = %v", err)
	}

	d, err := NewDispatcher(alerts, recipients, tracker, adapters, &fakeRateLimiter{}, time.Second, 3, time.Second, nil)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	d.randIntn = func(n int) int { return 0 }
	return d
}

func dispatchAlert() *domain.Alert {
	return &domain.Alert{
		ID:             "alert-1",
		PatientID:      "patient-1",
		SourceType:     domain.SourceSensorWebhook,
		SourceEventKey: "fall-detected-42",
		Severity:       domain.SeverityCritical,
		State:          domain.StateOpen,
		Payload:        "fall detected in bathroom",
	}
}

func outcomeFor(t *testing.T, report *DispatchReport, channel domain.Channel) ChannelOutcome {
	t.Helper()

	for _, outcome := range report.Outcomes {
		if outcome.Channel == channel {
			return outcome
		}
	}
	t.Fatalf("no outcome for channel %s in %+v", channel, report.Outcomes)
	return ChannelOutcome{}
}

func TestDispatcherFansOutPerChannel(t *testing.T) {
	t.Parallel()

	alerts := &fakeAlertRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.Alert, error) {
			return dispatchAlert(), nil
		},
	}
	recipients := &fakeRecipientRepo{
		recipientsForFn: func(ctx context.Context, patientID string, tier domain.Tier) ([]domain.CareRecipient, error) {
			return []domain.CareRecipient{
				{PatientID: patientID, Channel: domain.ChannelEmail, Destination: "kin@example.com", Tier: tier},
				{PatientID: patientID, Channel: domain.ChannelBotMessaging, Destination: "chat-9", Tier: tier},
				{PatientID: patientID, Channel: domain.ChannelBusinessMessaging, Destination: "+15550001111", Tier: tier},
			}, nil
		},
	}

	attempts := &fakeAttemptRepo{}

	adapters := adapter.NewRegistry(
		&fakeAdapter{channel: domain.ChannelEmail},
		&fakeAdapter{channel: domain.ChannelBotMessaging},
		&fakeAdapter{
			channel: domain.ChannelBusinessMessaging,
			sendFn: func(ctx context.Context, destination string, msg adapter.Message) (*adapter.Receipt, error) {
				return nil, &adapter.AdapterError{StatusCode: 403, Message: "sender blocked", Transient: false}
			},
		},
	)

	d := newTestDispatcher(t, alerts, recipients, attempts, adapters)
	report, err := d.Dispatch(context.Background(), "alert-1", domain.TierPrimary)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if len(report.Outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(report.Outcomes))
	}
	if got := outcomeFor(t, report, domain.ChannelEmail); got.Status != domain.AttemptSent {
		t.Fatalf("email status = %s, want SENT", got.Status)
	}
	if got := outcomeFor(t, report, domain.ChannelBotMessaging); got.Status != domain.AttemptSent {
		t.Fatalf("bot status = %s, want SENT", got.Status)
	}
	// Permanent rejection exhausts the pair on the first attempt.
	if got := outcomeFor(t, report, domain.ChannelBusinessMessaging); got.Status != domain.AttemptExhausted {
		t.Fatalf("business status = %s, want EXHAUSTED", got.Status)
	}
	if !report.Delivered() {
		t.Fatal("expected report to count as delivered")
	}
	if report.Exhausted() {
		t.Fatal("partially delivered report must not be exhausted")
	}
}

func TestDispatcherSkipsSettledAndScheduledPairs(t *testing.T) {
	t.Parallel()

	future := time.Now().UTC().Add(time.Hour)
	latestByChannel := map[domain.Channel]*domain.DeliveryAttempt{
		domain.ChannelEmail:             {AttemptNumber: 1, Status: domain.AttemptSent},
		domain.ChannelBotMessaging:      {AttemptNumber: 1, Status: domain.AttemptFailed, NextRetryAt: &future},
		domain.ChannelBusinessMessaging: {AttemptNumber: 1, Status: domain.AttemptPending},
	}

	alerts := &fakeAlertRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.Alert, error) {
			return dispatchAlert(), nil
		},
	}
	recipients := &fakeRecipientRepo{
		recipientsForFn: func(ctx context.Context, patientID string, tier domain.Tier) ([]domain.CareRecipient, error) {
			return []domain.CareRecipient{
				{Channel: domain.ChannelEmail, Destination: "kin@example.com"},
				{Channel: domain.ChannelBotMessaging, Destination: "chat-9"},
				{Channel: domain.ChannelBusinessMessaging, Destination: "+15550001111"},
			}, nil
		},
	}

	createCalled := false
	attempts := &fakeAttemptRepo{
		latestForPairFn: func(ctx context.Context, alertID string, channel domain.Channel, destination string) (*domain.DeliveryAttempt, error) {
			return latestByChannel[channel], nil
		},
		createFn: func(ctx context.Context, a *domain.DeliveryAttempt) error {
			createCalled = true
			return nil
		},
	}

	sendCalled := false
	adapters := adapter.NewRegistry(&fakeAdapter{
		channel: domain.ChannelEmail,
		sendFn: func(ctx context.Context, destination string, msg adapter.Message) (*adapter.Receipt, error) {
			sendCalled = true
			return &adapter.Receipt{}, nil
		},
	})

	d := newTestDispatcher(t, alerts, recipients, attempts, adapters)
	report, err := d.Dispatch(context.Background(), "alert-1", domain.TierPrimary)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	for _, outcome := range report.Outcomes {
		if !outcome.Skipped {
			t.Fatalf("expected all pairs skipped, got %+v", outcome)
		}
	}
	if createCalled || sendCalled {
		t.Fatal("expected no attempts or sends for skipped pairs")
	}
}

func TestDispatcherTerminalAlertSkipsDispatch(t *testing.T) {
	t.Parallel()

	alerts := &fakeAlertRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.Alert, error) {
			a := dispatchAlert()
			a.State = domain.StateResolved
			return a, nil
		},
	}
	recipientsCalled := false
	recipients := &fakeRecipientRepo{
		recipientsForFn: func(ctx context.Context, patientID string, tier domain.Tier) ([]domain.CareRecipient, error) {
			recipientsCalled = true
			return nil, nil
		},
	}

	d := newTestDispatcher(t, alerts, recipients, nil, adapter.NewRegistry(&fakeAdapter{channel: domain.ChannelEmail}))
	report, err := d.Dispatch(context.Background(), "alert-1", domain.TierPrimary)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(report.Outcomes) != 0 {
		t.Fatalf("expected empty report, got %+v", report.Outcomes)
	}
	if recipientsCalled {
		t.Fatal("expected no recipient lookup for settled alert")
	}
}

func TestDispatcherAcknowledgedAlertSkipsEscalation(t *testing.T) {
	t.Parallel()

	alerts := &fakeAlertRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.Alert, error) {
			a := dispatchAlert()
			a.State = domain.StateAcknowledged
			return a, nil
		},
	}
	sent := false
	adapters := adapter.NewRegistry(&fakeAdapter{
		channel: domain.ChannelEmail,
		sendFn: func(ctx context.Context, destination string, msg adapter.Message) (*adapter.Receipt, error) {
			sent = true
			return &adapter.Receipt{}, nil
		},
	})
	recipients := &fakeRecipientRepo{
		recipientsForFn: func(ctx context.Context, patientID string, tier domain.Tier) ([]domain.CareRecipient, error) {
			return []domain.CareRecipient{
				{PatientID: patientID, Channel: domain.ChannelEmail, Destination: "secondary@example.com", Tier: tier},
			}, nil
		},
	}

	d := newTestDispatcher(t, alerts, recipients, nil, adapters)

	// A stale escalation message consumed after acknowledgement must not
	// page the escalation tier.
	report, err := d.Dispatch(context.Background(), "alert-1", domain.TierEscalation)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(report.Outcomes) != 0 {
		t.Fatalf("expected empty report, got %+v", report.Outcomes)
	}
	if sent {
		t.Fatal("expected no send for acknowledged alert")
	}

	// Primary-tier redeliveries still go out while the alert is open for
	// the caregiver to act on.
	report, err = d.Dispatch(context.Background(), "alert-1", domain.TierPrimary)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if got := outcomeFor(t, report, domain.ChannelEmail); got.Status != domain.AttemptSent {
		t.Fatalf("email status = %s, want SENT", got.Status)
	}
}

func TestDispatcherTransientFailureSchedulesRetry(t *testing.T) {
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

	var scheduledRetryAt *time.Time
	attempts := &fakeAttemptRepo{
		markFailedFn: func(ctx context.Context, id string, lastError string, nextRetryAt *time.Time) (bool, error) {
			scheduledRetryAt = nextRetryAt
			return true, nil
		},
	}

	adapters := adapter.NewRegistry(&fakeAdapter{
		channel: domain.ChannelEmail,
		sendFn: func(ctx context.Context, destination string, msg adapter.Message) (*adapter.Receipt, error) {
			return nil, &adapter.AdapterError{StatusCode: 503, Message: "smtp unavailable", Transient: true}
		},
	})

	d := newTestDispatcher(t, alerts, recipients, attempts, adapters)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	report, err := d.Dispatch(context.Background(), "alert-1", domain.TierPrimary)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if got := outcomeFor(t, report, domain.ChannelEmail); got.Status != domain.AttemptFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if scheduledRetryAt == nil {
		t.Fatal("expected a retry to be scheduled")
	}
	if want := now.Add(time.Second); !scheduledRetryAt.Equal(want) {
		t.Fatalf("retry at = %v, want %v", scheduledRetryAt, want)
	}
}

func TestDispatcherExhaustsRetryBudget(t *testing.T) {
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

	exhausted := false
	attempts := &fakeAttemptRepo{
		latestForPairFn: func(ctx context.Context, alertID string, channel domain.Channel, destination string) (*domain.DeliveryAttempt, error) {
			// Attempt two already failed and its retry time has passed.
			return &domain.DeliveryAttempt{AttemptNumber: 2, Status: domain.AttemptFailed}, nil
		},
		markExhaustedFn: func(ctx context.Context, id string, lastError string) (bool, error) {
			exhausted = true
			return true, nil
		},
	}

	adapters := adapter.NewRegistry(&fakeAdapter{
		channel: domain.ChannelEmail,
		sendFn: func(ctx context.Context, destination string, msg adapter.Message) (*adapter.Receipt, error) {
			return nil, &adapter.AdapterError{StatusCode: 503, Message: "still down", Transient: true}
		},
	})

	sink := &fakeSink{}
	d := newTestDispatcher(t, alerts, recipients, attempts, adapters)
	d.SetAuditSink(sink)

	report, err := d.Dispatch(context.Background(), "alert-1", domain.TierPrimary)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	got := outcomeFor(t, report, domain.ChannelEmail)
	if got.Status != domain.AttemptExhausted {
		t.Fatalf("status = %s, want EXHAUSTED", got.Status)
	}
	if got.AttemptNumber != 3 {
		t.Fatalf("attempt number = %d, want 3", got.AttemptNumber)
	}
	if !exhausted {
		t.Fatal("expected attempt to be marked exhausted")
	}
	if !report.Exhausted() {
		t.Fatal("expected report to be exhausted")
	}

	foundExhaustedEntry := false
	for _, entry := range sink.recorded() {
		if entry.Kind == audit.KindDispatchExhausted {
			foundExhaustedEntry = true
		}
	}
	if !foundExhaustedEntry {
		t.Fatal("expected an exhausted-dispatch audit entry")
	}
}

func TestDispatcherConcurrentSendKeepsFirstDelivery(t *testing.T) {
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
	attempts := &fakeAttemptRepo{
		markSentFn: func(ctx context.Context, id string, providerMessageID *string) (bool, error) {
			return false, domain.ErrConflict
		},
	}

	d := newTestDispatcher(t, alerts, recipients, attempts, adapter.NewRegistry(&fakeAdapter{channel: domain.ChannelEmail}))
	report, err := d.Dispatch(context.Background(), "alert-1", domain.TierPrimary)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	got := outcomeFor(t, report, domain.ChannelEmail)
	if got.Status != domain.AttemptSent || !got.Skipped {
		t.Fatalf("outcome = %+v, want skipped SENT", got)
	}
}

func TestDispatcherNoRecipients(t *testing.T) {
	t.Parallel()

	alerts := &fakeAlertRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.Alert, error) {
			return dispatchAlert(), nil
		},
	}

	d := newTestDispatcher(t, alerts, &fakeRecipientRepo{}, nil, adapter.NewRegistry(&fakeAdapter{channel: domain.ChannelEmail}))
	report, err := d.Dispatch(context.Background(), "alert-1", domain.TierEscalation)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(report.Outcomes) != 0 {
		t.Fatalf("expected empty report, got %+v", report.Outcomes)
	}
}

func TestDispatcherComputeRetryDelay(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, &fakeAlertRepo{}, &fakeRecipientRepo{}, nil, adapter.NewRegistry(&fakeAdapter{channel: domain.ChannelEmail}))
	d.retryBaseDelay = 30 * time.Second

	tests := []struct {
		attemptNumber int
		want          time.Duration
	}{
		{attemptNumber: 1, want: 30 * time.Second},
		{attemptNumber: 2, want: 60 * time.Second},
		{attemptNumber: 3, want: 120 * time.Second},
		{attemptNumber: 12, want: maxRetryDelay},
	}

	for _, tt := range tests {
		if got := d.computeRetryDelay(tt.attemptNumber); got != tt.want {
			t.Fatalf("computeRetryDelay(%d) = %v, want %v", tt.attemptNumber, got, tt.want)
		}
	}
}

func TestEscalationMessageSubjectPrefix(t *testing.T) {
	t.Parallel()

	alert := dispatchAlert()
	primary := renderMessage(alert, domain.TierPrimary)
	escalated := renderMessage(alert, domain.TierEscalation)

	if primary.Subject == escalated.Subject {
		t.Fatal("expected escalation subject to differ from primary")
	}
	if escalated.Subject[:11] != "ESCALATION:" {
		t.Fatalf("escalation subject = %q, want ESCALATION: prefix", escalated.Subject)
	}
}
