package domain

import (
	"fmt"
	"strings"
	"time"
)

// State represents the externally visible lifecycle state of an alert.
type State string

const (
	StateOpen         State = "OPEN"
	StateAcknowledged State = "ACKNOWLEDGED"
	StateResolved     State = "RESOLVED"
	StateFalseAlarm   State = "FALSE_ALARM"
)

func (s State) String() string { return string(s) }

func (s State) IsValid() bool {
	switch s {
	case StateOpen, StateAcknowledged, StateResolved, StateFalseAlarm:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are legal from s.
func (s State) IsTerminal() bool {
	return s == StateResolved || s == StateFalseAlarm
}

// CanTransitionTo reports whether the state machine permits s -> to.
// Resolution from OPEN is legal because resolving auto-acknowledges.
func (s State) CanTransitionTo(to State) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StateOpen:
		return to == StateAcknowledged || to == StateResolved || to == StateFalseAlarm
	case StateAcknowledged:
		return to == StateResolved || to == StateFalseAlarm
	}
	return false
}

func ParseStateFromString(s string) (State, error) {
	st := State(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid state %q", ErrValidation, s)
	}
	return st, nil
}

// Severity represents how urgent an alert is.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) String() string { return string(s) }

func (s Severity) IsValid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// AtLeast returns the more urgent of s and floor.
func (s Severity) AtLeast(floor Severity) Severity {
	if severityRank(s) < severityRank(floor) {
		return floor
	}
	return s
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

func ParseSeverityFromString(s string) (Severity, error) {
	sv := Severity(strings.ToUpper(strings.TrimSpace(s)))
	if !sv.IsValid() {
		return "", fmt.Errorf("%w: invalid severity %q", ErrValidation, s)
	}
	return sv, nil
}

// SourceType identifies what produced the inbound event behind an alert.
type SourceType string

const (
	SourceSensorInactivity SourceType = "SENSOR_INACTIVITY"
	SourceSensorWebhook    SourceType = "SENSOR_WEBHOOK"
	SourceManual           SourceType = "MANUAL"
)

func (s SourceType) String() string { return string(s) }

func (s SourceType) IsValid() bool {
	switch s {
	case SourceSensorInactivity, SourceSensorWebhook, SourceManual:
		return true
	}
	return false
}

func ParseSourceTypeFromString(s string) (SourceType, error) {
	st := SourceType(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid source type %q", ErrValidation, s)
	}
	return st, nil
}

// ResolutionKind records how a resolved alert was closed out.
type ResolutionKind string

const (
	ResolutionConfirmed  ResolutionKind = "CONFIRMED"
	ResolutionFalseAlarm ResolutionKind = "FALSE_ALARM"
)

func (k ResolutionKind) String() string { return string(k) }

func (k ResolutionKind) IsValid() bool {
	switch k {
	case ResolutionConfirmed, ResolutionFalseAlarm:
		return true
	}
	return false
}

// TerminalState maps a resolution kind to the state it closes the alert into.
func (k ResolutionKind) TerminalState() State {
	if k == ResolutionFalseAlarm {
		return StateFalseAlarm
	}
	return StateResolved
}

func ParseResolutionKindFromString(s string) (ResolutionKind, error) {
	k := ResolutionKind(strings.ToUpper(strings.TrimSpace(s)))
	if !k.IsValid() {
		return "", fmt.Errorf("%w: invalid resolution kind %q", ErrValidation, s)
	}
	return k, nil
}

const maxPayloadLength = 4000

// Alert is the core domain entity: one real-world event requiring
// caregiver attention. Alerts are append-only; terminal states are soft.
type Alert struct {
	ID             string
	PatientID      string
	RelationshipID string
	SourceType     SourceType
	SourceEventKey string
	Severity       Severity
	State          State
	Payload        string
	OccurredAt     time.Time
	AcknowledgedAt *time.Time
	AcknowledgedBy *string
	ResolvedAt     *time.Time
	ResolvedBy     *string
	ResolutionKind *ResolutionKind
	EscalatedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (a *Alert) Validate() error {
	if strings.TrimSpace(a.PatientID) == "" {
		return fmt.Errorf("%w: patient id is required", ErrValidation)
	}
	if strings.TrimSpace(a.SourceEventKey) == "" {
		return fmt.Errorf("%w: source event key is required", ErrValidation)
	}
	if !a.SourceType.IsValid() {
		return fmt.Errorf("%w: invalid source type %q", ErrValidation, a.SourceType)
	}
	if !a.Severity.IsValid() {
		return fmt.Errorf("%w: invalid severity %q", ErrValidation, a.Severity)
	}
	if !a.State.IsValid() {
		return fmt.Errorf("%w: invalid state %q", ErrValidation, a.State)
	}
	if payloadLen := len([]rune(a.Payload)); payloadLen > maxPayloadLength {
		return fmt.Errorf("%w: payload exceeds %d characters (got %d)", ErrValidation, maxPayloadLength, payloadLen)
	}
	return nil
}

// DedupKey is the lookup key that collapses duplicate source events for
// one patient into a single alert within the dedup window.
func DedupKey(patientID, sourceEventKey string) string {
	return strings.TrimSpace(patientID) + "/" + strings.TrimSpace(sourceEventKey)
}
