package domain

import (
	"fmt"
	"strings"
	"time"
)

// Channel represents an independent notification transport.
type Channel string

const (
	ChannelEmail             Channel = "EMAIL"
	ChannelBotMessaging      Channel = "BOT_MESSAGING"
	ChannelBusinessMessaging Channel = "BUSINESS_MESSAGING"
)

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelBotMessaging, ChannelBusinessMessaging:
		return true
	}
	return false
}

func ParseChannelFromString(s string) (Channel, error) {
	ch := Channel(strings.ToUpper(strings.TrimSpace(s)))
	if !ch.IsValid() {
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, s)
	}
	return ch, nil
}

// Channels returns the closed set of supported channels.
func Channels() []Channel {
	return []Channel{ChannelEmail, ChannelBotMessaging, ChannelBusinessMessaging}
}

// Tier distinguishes the original recipient set from the escalation set.
type Tier string

const (
	TierPrimary    Tier = "PRIMARY"
	TierEscalation Tier = "ESCALATION"
)

func (t Tier) String() string { return string(t) }

func (t Tier) IsValid() bool {
	return t == TierPrimary || t == TierEscalation
}

// AttemptStatus represents the outcome recorded for one delivery attempt.
type AttemptStatus string

const (
	AttemptPending AttemptStatus = "PENDING"
	AttemptSent    AttemptStatus = "SENT"
	AttemptFailed  AttemptStatus = "FAILED"
	// AttemptExhausted means the retry budget is spent or the destination
	// was permanently rejected; no further sends for the pair.
	AttemptExhausted AttemptStatus = "EXHAUSTED"
	// AttemptCanceled means the alert reached a terminal state before the
	// scheduled retry ran.
	AttemptCanceled AttemptStatus = "CANCELED"
)

func (s AttemptStatus) String() string { return string(s) }

func (s AttemptStatus) IsValid() bool {
	switch s {
	case AttemptPending, AttemptSent, AttemptFailed, AttemptExhausted, AttemptCanceled:
		return true
	}
	return false
}

// IsSettled reports whether no further delivery work is owed for the pair.
func (s AttemptStatus) IsSettled() bool {
	return s == AttemptSent || s == AttemptExhausted || s == AttemptCanceled
}

func ParseAttemptStatusFromString(s string) (AttemptStatus, error) {
	st := AttemptStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid attempt status %q", ErrValidation, s)
	}
	return st, nil
}

// DeliveryAttempt records delivery state for one (alert, channel, destination)
// pair. Rows are never deleted; the latest row per pair carries the pair's
// current status and retry schedule.
type DeliveryAttempt struct {
	ID                string
	AlertID           string
	Channel           Channel
	Tier              Tier
	Destination       string
	AttemptNumber     int
	Status            AttemptStatus
	LastError         *string
	ProviderMessageID *string
	NextRetryAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (a *DeliveryAttempt) Validate() error {
	if strings.TrimSpace(a.AlertID) == "" {
		return fmt.Errorf("%w: alert id is required", ErrValidation)
	}
	if !a.Channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", ErrValidation, a.Channel)
	}
	if !a.Tier.IsValid() {
		return fmt.Errorf("%w: invalid tier %q", ErrValidation, a.Tier)
	}
	if strings.TrimSpace(a.Destination) == "" {
		return fmt.Errorf("%w: destination is required", ErrValidation)
	}
	if a.AttemptNumber < 1 {
		return fmt.Errorf("%w: attempt number must be >= 1", ErrValidation)
	}
	if !a.Status.IsValid() {
		return fmt.Errorf("%w: invalid attempt status %q", ErrValidation, a.Status)
	}
	return nil
}
