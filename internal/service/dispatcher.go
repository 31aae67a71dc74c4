package service

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/carewatch/alert-engine/internal/adapter"
	"github.com/carewatch/alert-engine/internal/audit"
	"github.com/carewatch/alert-engine/internal/domain"
	"github.com/carewatch/alert-engine/internal/observability"
	"github.com/carewatch/alert-engine/internal/ratelimit"
	"github.com/carewatch/alert-engine/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRetryBaseDelay = 30 * time.Second
	defaultMaxAttempts    = 3
	defaultSendTimeout    = 10 * time.Second
	maxRetryDelay         = 10 * time.Minute
	maxRetryJitterMillis  = 500
)

// ChannelOutcome reports what happened to one (channel, destination) pair
// during a dispatch pass.
type ChannelOutcome struct {
	Channel       domain.Channel
	Destination   string
	Status        domain.AttemptStatus
	AttemptNumber int
	Skipped       bool
	Error         string
}

// DispatchReport summarizes one fan-out pass over a recipient tier.
type DispatchReport struct {
	AlertID  string
	Tier     domain.Tier
	Outcomes []ChannelOutcome
}

// Delivered reports whether any pair has a recorded send, counting sends
// from earlier passes that this pass skipped over.
func (r *DispatchReport) Delivered() bool {
	for _, outcome := range r.Outcomes {
		if outcome.Status == domain.AttemptSent {
			return true
		}
	}
	return false
}

// Exhausted reports whether every pair is out of options: nothing was
// delivered and nothing is awaiting a retry.
func (r *DispatchReport) Exhausted() bool {
	if len(r.Outcomes) == 0 {
		return false
	}
	for _, outcome := range r.Outcomes {
		if outcome.Status != domain.AttemptExhausted && outcome.Status != domain.AttemptCanceled {
			return false
		}
	}
	return true
}

// Dispatcher fans one alert out to the recipient set of a tier, one
// concurrent delivery per (channel, destination) pair. A pass is
// idempotent: settled pairs and pairs awaiting a scheduled retry are
// skipped, so re-delivered queue messages are harmless.
type Dispatcher struct {
	alerts         repository.AlertRepository
	recipients     repository.RecipientRepository
	tracker        *DeliveryTracker
	adapters       adapter.Registry
	rateLimiter    ratelimit.RateLimiter
	sink           audit.Sink
	logger         *zap.Logger
	metrics        *observability.Metrics
	retryBaseDelay time.Duration
	maxAttempts    int
	sendTimeout    time.Duration
	now            func() time.Time
	randIntn       func(n int) int
}

func NewDispatcher(
	alerts repository.AlertRepository,
	recipients repository.RecipientRepository,
	tracker *DeliveryTracker,
	adapters adapter.Registry,
	rateLimiter ratelimit.RateLimiter,
	retryBaseDelay time.Duration,
	maxAttempts int,
	sendTimeout time.Duration,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if alerts == nil {
		return nil, fmt.Errorf("alert repository is required")
	}
	if recipients == nil {
		return nil, fmt.Errorf("recipient repository is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("delivery tracker is required")
	}
	if len(adapters) == 0 {
		return nil, fmt.Errorf("at least one channel adapter is required")
	}
	if rateLimiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if retryBaseDelay <= 0 {
		retryBaseDelay = defaultRetryBaseDelay
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		alerts:         alerts,
		recipients:     recipients,
		tracker:        tracker,
		adapters:       adapters,
		rateLimiter:    rateLimiter,
		sink:           audit.NopSink{},
		logger:         logger,
		retryBaseDelay: retryBaseDelay,
		maxAttempts:    maxAttempts,
		sendTimeout:    sendTimeout,
		now:            time.Now,
		randIntn:       rand.Intn,
	}, nil
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

func (d *Dispatcher) SetAuditSink(sink audit.Sink) {
	if d == nil || sink == nil {
		return
	}
	d.sink = sink
}

// Dispatch runs one fan-out pass for the alert against the given tier.
// Individual channel failures never fail the pass; they are recorded in
// the ledger and reflected in the report.
func (d *Dispatcher) Dispatch(ctx context.Context, alertID string, tier domain.Tier) (*DispatchReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	report := &DispatchReport{AlertID: alertID, Tier: tier}

	alert, err := d.alerts.GetByID(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if alert.State.IsTerminal() {
		d.logger.Info("skipping dispatch for settled alert",
			zap.String("alertId", alertID),
			zap.String("state", alert.State.String()),
		)
		return report, nil
	}
	if tier == domain.TierEscalation && alert.State != domain.StateOpen {
		// A caregiver acknowledged while the escalation message sat in
		// the queue; the secondary tier must not be paged anymore.
		d.logger.Info("skipping escalation dispatch for acknowledged alert",
			zap.String("alertId", alertID),
			zap.String("state", alert.State.String()),
		)
		return report, nil
	}

	recipients, err := d.recipients.RecipientsFor(ctx, alert.PatientID, tier)
	if err != nil {
		return nil, fmt.Errorf("failed to load recipients: %w", err)
	}
	if len(recipients) == 0 {
		d.logger.Warn("no recipients configured for tier",
			zap.String("alertId", alertID),
			zap.String("patientId", alert.PatientID),
			zap.String("tier", tier.String()),
		)
		return report, nil
	}

	tierLabel := strings.ToLower(tier.String())
	if d.metrics != nil {
		d.metrics.IncDispatchInFlight(tierLabel)
		defer d.metrics.DecDispatchInFlight(tierLabel)
	}

	msg := renderMessage(alert, tier)

	var mu sync.Mutex
	g, groupCtx := errgroup.WithContext(ctx)
	for i := range recipients {
		recipient := recipients[i]
		g.Go(func() error {
			outcome := d.deliverOne(groupCtx, alert, tier, recipient, msg)
			mu.Lock()
			report.Outcomes = append(report.Outcomes, outcome)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	d.recordReport(ctx, report)

	return report, nil
}

func (d *Dispatcher) deliverOne(ctx context.Context, alert *domain.Alert, tier domain.Tier, recipient domain.CareRecipient, msg adapter.Message) ChannelOutcome {
	outcome := ChannelOutcome{Channel: recipient.Channel, Destination: recipient.Destination}

	latest, err := d.tracker.LatestForPair(ctx, alert.ID, recipient.Channel, recipient.Destination)
	if err != nil {
		outcome.Status = domain.AttemptFailed
		outcome.Error = err.Error()
		d.logger.Error("failed to load delivery state for pair",
			zap.String("alertId", alert.ID),
			zap.String("channel", recipient.Channel.String()),
			zap.Error(err),
		)
		return outcome
	}

	if latest != nil {
		outcome.AttemptNumber = latest.AttemptNumber
		switch {
		case latest.Status.IsSettled():
			outcome.Status = latest.Status
			outcome.Skipped = true
			return outcome
		case latest.Status == domain.AttemptPending:
			// Another worker is mid-send for this pair.
			outcome.Status = domain.AttemptPending
			outcome.Skipped = true
			return outcome
		case latest.Status == domain.AttemptFailed && latest.NextRetryAt != nil && latest.NextRetryAt.After(d.now().UTC()):
			outcome.Status = domain.AttemptFailed
			outcome.Skipped = true
			return outcome
		}
	}

	channelLabel := strings.ToLower(recipient.Channel.String())

	attempt, err := d.tracker.RecordPending(ctx, alert.ID, recipient.Channel, tier, recipient.Destination)
	if err != nil {
		outcome.Status = domain.AttemptFailed
		outcome.Error = err.Error()
		d.logger.Error("failed to open delivery attempt",
			zap.String("alertId", alert.ID),
			zap.String("channel", channelLabel),
			zap.Error(err),
		)
		return outcome
	}
	outcome.AttemptNumber = attempt.AttemptNumber

	channelAdapter := d.adapters.For(recipient.Channel)
	if channelAdapter == nil {
		return d.settleFailure(ctx, attempt, outcome, channelLabel,
			fmt.Errorf("no adapter configured for channel %s", recipient.Channel), false)
	}

	if err := d.rateLimiter.Wait(ctx, channelLabel); err != nil {
		return d.settleFailure(ctx, attempt, outcome, channelLabel, fmt.Errorf("rate limiter wait failed: %w", err), true)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	sendStart := d.now()
	receipt, sendErr := channelAdapter.Send(sendCtx, recipient.Destination, msg)
	cancel()
	if d.metrics != nil {
		d.metrics.ObserveDeliverySendDuration(channelLabel, d.now().Sub(sendStart))
	}

	if sendErr != nil {
		return d.settleFailure(ctx, attempt, outcome, channelLabel, sendErr, adapter.IsTransient(sendErr))
	}

	var providerMessageID *string
	if receipt != nil && strings.TrimSpace(receipt.ProviderMessageID) != "" {
		providerMessageID = &receipt.ProviderMessageID
	}

	recorded, err := d.tracker.MarkSent(ctx, attempt.ID, providerMessageID)
	if err != nil {
		outcome.Status = domain.AttemptFailed
		outcome.Error = err.Error()
		return outcome
	}
	if !recorded {
		// A concurrent pass won the unique index; the pair is delivered
		// either way.
		outcome.Status = domain.AttemptSent
		outcome.Skipped = true
		return outcome
	}

	if d.metrics != nil {
		d.metrics.IncDeliverySent(channelLabel)
	}
	outcome.Status = domain.AttemptSent
	return outcome
}

func (d *Dispatcher) settleFailure(ctx context.Context, attempt *domain.DeliveryAttempt, outcome ChannelOutcome, channelLabel string, sendErr error, transient bool) ChannelOutcome {
	outcome.Error = sendErr.Error()
	// Settling must survive the send context being canceled.
	settleCtx := context.WithoutCancel(ctx)

	if transient && attempt.AttemptNumber < d.maxAttempts {
		nextRetryAt := d.now().UTC().Add(d.computeRetryDelay(attempt.AttemptNumber))
		if err := d.tracker.MarkFailed(settleCtx, attempt.ID, sendErr.Error(), &nextRetryAt); err != nil {
			d.logger.Error("failed to schedule retry",
				zap.String("attemptId", attempt.ID),
				zap.Error(err),
			)
		}
		if d.metrics != nil {
			d.metrics.IncRetryScheduled(channelLabel)
		}
		d.logger.Warn("delivery failed, retry scheduled",
			zap.String("alertId", attempt.AlertID),
			zap.String("channel", channelLabel),
			zap.Int("attempt", attempt.AttemptNumber),
			zap.Time("nextRetryAt", nextRetryAt),
			zap.Error(sendErr),
		)
		outcome.Status = domain.AttemptFailed
		return outcome
	}

	if err := d.tracker.MarkExhausted(settleCtx, attempt.ID, sendErr.Error()); err != nil {
		d.logger.Error("failed to mark attempt exhausted",
			zap.String("attemptId", attempt.ID),
			zap.Error(err),
		)
	}
	if d.metrics != nil {
		reason := "permanent_error"
		if transient {
			reason = "retry_exhausted"
		}
		d.metrics.IncDeliveryFailed(channelLabel, reason)
	}
	d.logger.Error("delivery exhausted for pair",
		zap.String("alertId", attempt.AlertID),
		zap.String("channel", channelLabel),
		zap.Int("attempt", attempt.AttemptNumber),
		zap.Bool("transient", transient),
		zap.Error(sendErr),
	)
	outcome.Status = domain.AttemptExhausted
	return outcome
}

func (d *Dispatcher) recordReport(ctx context.Context, report *DispatchReport) {
	sent, failed, skipped := 0, 0, 0
	for _, outcome := range report.Outcomes {
		switch {
		case outcome.Skipped:
			skipped++
		case outcome.Status == domain.AttemptSent:
			sent++
		default:
			failed++
		}
	}

	d.sink.Record(ctx, audit.Entry{
		Kind:    audit.KindDispatchReport,
		AlertID: report.AlertID,
		Actor:   "system",
		Detail:  fmt.Sprintf("tier=%s sent=%d failed=%d skipped=%d", report.Tier, sent, failed, skipped),
		At:      d.now().UTC(),
	})

	if report.Exhausted() {
		if d.metrics != nil {
			d.metrics.IncExhaustedDispatch()
		}
		d.sink.Record(ctx, audit.Entry{
			Kind:    audit.KindDispatchExhausted,
			AlertID: report.AlertID,
			Actor:   "system",
			Detail:  fmt.Sprintf("tier=%s all %d destinations exhausted", report.Tier, len(report.Outcomes)),
			At:      d.now().UTC(),
		})
		d.logger.Error("all delivery destinations exhausted",
			zap.String("alertId", report.AlertID),
			zap.String("tier", report.Tier.String()),
		)
	}
}

func (d *Dispatcher) computeRetryDelay(attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	delay := d.retryBaseDelay
	for i := 1; i < attemptNumber; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			delay = maxRetryDelay
			break
		}
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}

	jitterMillis := 0
	if d.randIntn != nil && maxRetryJitterMillis > 0 {
		jitterMillis = d.randIntn(maxRetryJitterMillis + 1)
	}

	return delay + time.Duration(jitterMillis)*time.Millisecond
}

func renderMessage(alert *domain.Alert, tier domain.Tier) adapter.Message {
	subject := fmt.Sprintf("[%s] Care alert for patient %s", alert.Severity, alert.PatientID)
	if tier == domain.TierEscalation {
		subject = "ESCALATION: " + subject
	}

	body := alert.Payload
	if strings.TrimSpace(body) == "" {
		body = fmt.Sprintf("%s event at %s", alert.SourceType, alert.OccurredAt.UTC().Format(time.RFC3339))
	}

	return adapter.Message{
		Subject:  subject,
		Body:     body,
		Severity: alert.Severity,
	}
}
