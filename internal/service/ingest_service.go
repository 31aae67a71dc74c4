package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/carewatch/alert-engine/internal/audit"
	"github.com/carewatch/alert-engine/internal/domain"
	"github.com/carewatch/alert-engine/internal/observability"
	"github.com/carewatch/alert-engine/internal/queue"
	"github.com/carewatch/alert-engine/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultDedupWindow        = 5 * time.Minute
	defaultClockSkewTolerance = 2 * time.Minute
)

// IngestEvent is one inbound monitoring event, as received from a sensor
// webhook or a manual report.
type IngestEvent struct {
	PatientID      string
	RelationshipID string
	SourceType     domain.SourceType
	SourceEventKey string
	Severity       domain.Severity
	Payload        string
	OccurredAt     time.Time
	CorrelationID  string
}

// IngestResult reports which alert an event landed on and whether it was
// collapsed into an existing one.
type IngestResult struct {
	Alert        *domain.Alert
	Deduplicated bool
}

// IngestService turns inbound events into alerts. Duplicate events for the
// same (patient, source event) within the dedup window collapse into the
// existing alert instead of creating a new one.
type IngestService struct {
	alerts             repository.AlertRepository
	transitions        repository.TransitionRepository
	publisher          queue.Publisher
	sink               audit.Sink
	logger             *zap.Logger
	metrics            *observability.Metrics
	dedupWindow        time.Duration
	clockSkewTolerance time.Duration
	group              singleflight.Group
	now                func() time.Time
}

func NewIngestService(
	alerts repository.AlertRepository,
	transitions repository.TransitionRepository,
	publisher queue.Publisher,
	sink audit.Sink,
	dedupWindow time.Duration,
	clockSkewTolerance time.Duration,
	logger *zap.Logger,
) (*IngestService, error) {
	if alerts == nil {
		return nil, fmt.Errorf("alert repository is required")
	}
	if transitions == nil {
		return nil, fmt.Errorf("transition repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if sink == nil {
		sink = audit.NopSink{}
	}
	if dedupWindow <= 0 {
		dedupWindow = defaultDedupWindow
	}
	if clockSkewTolerance <= 0 {
		clockSkewTolerance = defaultClockSkewTolerance
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &IngestService{
		alerts:             alerts,
		transitions:        transitions,
		publisher:          publisher,
		sink:               sink,
		logger:             logger,
		dedupWindow:        dedupWindow,
		clockSkewTolerance: clockSkewTolerance,
		now:                time.Now,
	}, nil
}

func (s *IngestService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Ingest creates or deduplicates an alert for the event. Creation and the
// dispatch publish are decoupled: a broker outage never loses the alert,
// only delays its fan-out.
func (s *IngestService) Ingest(ctx context.Context, event IngestEvent) (*IngestResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	alert, err := s.buildAlert(event)
	if err != nil {
		return nil, err
	}

	// Collapse concurrent duplicates in-process before touching the
	// database; the partial unique index covers races across processes.
	key := domain.DedupKey(event.PatientID, event.SourceEventKey)
	value, err, _ := s.group.Do(key, func() (interface{}, error) {
		return s.ingestOne(ctx, alert, event.CorrelationID)
	})
	if err != nil {
		return nil, err
	}

	result, ok := value.(*IngestResult)
	if !ok {
		return nil, fmt.Errorf("unexpected ingest result type %T", value)
	}
	return result, nil
}

func (s *IngestService) ingestOne(ctx context.Context, alert *domain.Alert, correlationID string) (*IngestResult, error) {
	since := s.now().UTC().Add(-s.dedupWindow)
	existing, err := s.alerts.FindRecentBySourceEvent(ctx, alert.PatientID, alert.SourceEventKey, since)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to check dedup window: %w", err)
	}
	if existing != nil {
		s.logger.Info("event deduplicated into existing alert",
			zap.String("alertId", existing.ID),
			zap.String("patientId", existing.PatientID),
			zap.String("sourceEventKey", existing.SourceEventKey),
		)
		if s.metrics != nil {
			s.metrics.IncAlertDeduplicated()
		}
		return &IngestResult{Alert: existing, Deduplicated: true}, nil
	}

	if err := s.alerts.Create(ctx, alert); err != nil {
		// Lost an insert race against another process; adopt its alert.
		active, findErr := s.alerts.FindActiveBySourceEvent(ctx, alert.PatientID, alert.SourceEventKey)
		if findErr == nil && active != nil {
			if s.metrics != nil {
				s.metrics.IncAlertDeduplicated()
			}
			return &IngestResult{Alert: active, Deduplicated: true}, nil
		}
		return nil, fmt.Errorf("failed to create alert: %w", err)
	}

	if err := s.recordCreated(ctx, alert); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.IncAlertCreated(strings.ToLower(alert.Severity.String()))
	}

	msg := queue.DispatchMessage{
		AlertID:       alert.ID,
		CorrelationID: correlationID,
		Tier:          domain.TierPrimary,
		Severity:      alert.Severity,
	}
	if err := s.publisher.Publish(ctx, msg); err != nil {
		s.logger.Error("failed to publish dispatch for new alert",
			zap.String("alertId", alert.ID),
			zap.Error(err),
		)
	}

	return &IngestResult{Alert: alert, Deduplicated: false}, nil
}

func (s *IngestService) buildAlert(event IngestEvent) (*domain.Alert, error) {
	now := s.now().UTC()

	occurredAt := event.OccurredAt.UTC()
	if occurredAt.IsZero() {
		occurredAt = now
	}

	severity := event.Severity
	if severity == "" {
		severity = domain.SeverityInfo
	}

	// A timestamp from the future means the reporting device's clock is
	// off; do not let a skewed clock hide an urgent event.
	if occurredAt.After(now.Add(s.clockSkewTolerance)) {
		s.logger.Warn("event timestamp is ahead of server clock",
			zap.String("patientId", event.PatientID),
			zap.Time("occurredAt", occurredAt),
			zap.Time("serverTime", now),
		)
		severity = severity.AtLeast(domain.SeverityWarning)
	}

	alert := &domain.Alert{
		ID:             uuid.NewString(),
		PatientID:      strings.TrimSpace(event.PatientID),
		RelationshipID: strings.TrimSpace(event.RelationshipID),
		SourceType:     event.SourceType,
		SourceEventKey: strings.TrimSpace(event.SourceEventKey),
		Severity:       severity,
		State:          domain.StateOpen,
		Payload:        event.Payload,
		OccurredAt:     occurredAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := alert.Validate(); err != nil {
		return nil, err
	}

	return alert, nil
}

func (s *IngestService) recordCreated(ctx context.Context, alert *domain.Alert) error {
	transition := &domain.AlertTransition{
		ID:        uuid.NewString(),
		AlertID:   alert.ID,
		FromState: domain.StateOpen,
		ToState:   domain.StateOpen,
		Kind:      domain.TransitionCreated,
		Actor:     "system",
		CreatedAt: s.now().UTC(),
	}
	if err := s.transitions.Append(ctx, transition); err != nil {
		return fmt.Errorf("failed to record creation transition: %w", err)
	}

	s.sink.Record(ctx, audit.Entry{
		Kind:    audit.KindTransition,
		AlertID: alert.ID,
		Actor:   "system",
		Detail:  fmt.Sprintf("created %s alert from %s", alert.Severity, alert.SourceType),
		At:      s.now().UTC(),
	})

	return nil
}
