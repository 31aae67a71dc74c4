package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/carewatch/alert-engine/internal/audit"
	"github.com/carewatch/alert-engine/internal/domain"
	"github.com/carewatch/alert-engine/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AlertDetail bundles an alert with its delivery ledger and history log.
type AlertDetail struct {
	Alert       *domain.Alert
	Attempts    []domain.DeliveryAttempt
	Transitions []domain.AlertTransition
}

// LifecycleService drives the alert state machine. All writes for one
// alert are serialized through a per-alert mutex; the conditional repo
// updates keep concurrent processes honest.
type LifecycleService struct {
	alerts      repository.AlertRepository
	transitions repository.TransitionRepository
	tracker     *DeliveryTracker
	sink        audit.Sink
	logger      *zap.Logger
	locks       *keyedMutex
	now         func() time.Time
}

func NewLifecycleService(
	alerts repository.AlertRepository,
	transitions repository.TransitionRepository,
	tracker *DeliveryTracker,
	sink audit.Sink,
	logger *zap.Logger,
) (*LifecycleService, error) {
	if alerts == nil {
		return nil, fmt.Errorf("alert repository is required")
	}
	if transitions == nil {
		return nil, fmt.Errorf("transition repository is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("delivery tracker is required")
	}
	if sink == nil {
		sink = audit.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &LifecycleService{
		alerts:      alerts,
		transitions: transitions,
		tracker:     tracker,
		sink:        sink,
		logger:      logger,
		locks:       newKeyedMutex(),
		now:         time.Now,
	}, nil
}

// Acknowledge marks an open alert as seen by a caregiver. Acknowledging an
// already acknowledged alert is a no-op success; acknowledging a settled
// alert is rejected.
func (s *LifecycleService) Acknowledge(ctx context.Context, alertID, principal string) (*domain.Alert, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return nil, fmt.Errorf("%w: principal is required", domain.ErrValidation)
	}

	unlock := s.locks.Lock(alertID)
	defer unlock()

	alert, err := s.alerts.GetByID(ctx, alertID)
	if err != nil {
		return nil, err
	}

	if alert.State == domain.StateAcknowledged {
		return alert, nil
	}
	if !alert.State.CanTransitionTo(domain.StateAcknowledged) {
		return nil, fmt.Errorf("%w: cannot acknowledge alert in state %s", domain.ErrInvalidTransition, alert.State)
	}

	at := s.now().UTC()
	updated, err := s.alerts.MarkAcknowledged(ctx, alertID, principal, at)
	if err != nil {
		return nil, fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	if !updated {
		// Another process moved the alert between the read and the
		// conditional update; re-read and judge the state we landed on.
		return s.reloadAfterLostUpdate(ctx, alertID, domain.StateAcknowledged)
	}

	s.recordTransition(ctx, alertID, alert.State, domain.StateAcknowledged, domain.TransitionAcknowledged, principal)

	return s.alerts.GetByID(ctx, alertID)
}

// Resolve settles an alert. Resolving an unacknowledged alert implicitly
// acknowledges it first, attributed to the same principal. Once terminal,
// pending retries for the alert are canceled.
func (s *LifecycleService) Resolve(ctx context.Context, alertID string, kind domain.ResolutionKind, principal string) (*domain.Alert, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return nil, fmt.Errorf("%w: principal is required", domain.ErrValidation)
	}
	if !kind.IsValid() {
		return nil, fmt.Errorf("%w: invalid resolution kind %q", domain.ErrValidation, kind)
	}

	unlock := s.locks.Lock(alertID)
	defer unlock()

	alert, err := s.alerts.GetByID(ctx, alertID)
	if err != nil {
		return nil, err
	}

	target := kind.TerminalState()
	if !alert.State.CanTransitionTo(target) {
		return nil, fmt.Errorf("%w: cannot resolve alert in state %s", domain.ErrInvalidTransition, alert.State)
	}

	at := s.now().UTC()
	updated, err := s.alerts.MarkResolved(ctx, alertID, kind, principal, at)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve alert: %w", err)
	}
	if !updated {
		return s.reloadAfterLostUpdate(ctx, alertID, target)
	}

	transitionKind := domain.TransitionResolved
	if target == domain.StateFalseAlarm {
		transitionKind = domain.TransitionFalseAlarm
	}
	s.recordTransition(ctx, alertID, alert.State, target, transitionKind, principal)

	if _, err := s.tracker.CancelUnsettled(ctx, alertID); err != nil {
		s.logger.Error("failed to cancel pending retries for resolved alert",
			zap.String("alertId", alertID),
			zap.Error(err),
		)
	}

	return s.alerts.GetByID(ctx, alertID)
}

// MarkEscalated records that the escalation tier was engaged for an alert.
// It fires at most once per alert and never changes the visible state.
func (s *LifecycleService) MarkEscalated(ctx context.Context, alertID string) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	unlock := s.locks.Lock(alertID)
	defer unlock()

	updated, err := s.alerts.MarkEscalated(ctx, alertID, s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to mark alert escalated: %w", err)
	}
	if !updated {
		return false, nil
	}

	s.recordTransition(ctx, alertID, domain.StateOpen, domain.StateOpen, domain.TransitionEscalated, "system")

	return true, nil
}

func (s *LifecycleService) Get(ctx context.Context, alertID string) (*AlertDetail, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	alert, err := s.alerts.GetByID(ctx, alertID)
	if err != nil {
		return nil, err
	}

	attempts, err := s.tracker.ListByAlert(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery attempts: %w", err)
	}

	transitions, err := s.transitions.ListByAlert(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}

	return &AlertDetail{Alert: alert, Attempts: attempts, Transitions: transitions}, nil
}

func (s *LifecycleService) List(ctx context.Context, params repository.ListParams) ([]domain.Alert, int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.alerts.List(ctx, params)
}

// reloadAfterLostUpdate re-reads the alert after a conditional update
// matched zero rows and decides whether the caller's intent was satisfied
// by a concurrent actor.
func (s *LifecycleService) reloadAfterLostUpdate(ctx context.Context, alertID string, wanted domain.State) (*domain.Alert, error) {
	alert, err := s.alerts.GetByID(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if alert.State == wanted {
		return alert, nil
	}
	if wanted == domain.StateAcknowledged && alert.State == domain.StateResolved {
		// A concurrent resolve also acknowledged; the caller's goal holds.
		return alert, nil
	}
	return nil, fmt.Errorf("%w: alert moved to state %s concurrently", domain.ErrInvalidTransition, alert.State)
}

func (s *LifecycleService) recordTransition(ctx context.Context, alertID string, from, to domain.State, kind domain.TransitionKind, actor string) {
	transition := &domain.AlertTransition{
		ID:        uuid.NewString(),
		AlertID:   alertID,
		FromState: from,
		ToState:   to,
		Kind:      kind,
		Actor:     actor,
		CreatedAt: s.now().UTC(),
	}
	if err := s.transitions.Append(ctx, transition); err != nil {
		s.logger.Error("failed to append alert transition",
			zap.String("alertId", alertID),
			zap.String("kind", kind.String()),
			zap.Error(err),
		)
	}

	s.sink.Record(ctx, audit.Entry{
		Kind:    audit.KindTransition,
		AlertID: alertID,
		Actor:   actor,
		Detail:  fmt.Sprintf("%s: %s -> %s", kind, from, to),
		At:      s.now().UTC(),
	})
}
