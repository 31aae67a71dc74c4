package domain

import "time"

// TransitionKind classifies an entry in the alert history log.
type TransitionKind string

const (
	TransitionCreated      TransitionKind = "CREATED"
	TransitionAcknowledged TransitionKind = "ACKNOWLEDGED"
	TransitionResolved     TransitionKind = "RESOLVED"
	TransitionFalseAlarm   TransitionKind = "FALSE_ALARM"
	// TransitionEscalated re-triggers dispatch against the escalation
	// recipient set without changing the alert's visible state.
	TransitionEscalated TransitionKind = "ESCALATED"
)

func (k TransitionKind) String() string { return string(k) }

// AlertTransition is one entry of the append-only alert history log. The
// alert row itself is a projection derived from these entries.
type AlertTransition struct {
	ID        string
	AlertID   string
	FromState State
	ToState   State
	Kind      TransitionKind
	Actor     string
	CreatedAt time.Time
}
