package queue

import (
	"fmt"
	"strings"

	"github.com/carewatch/alert-engine/internal/domain"
)

// DispatchMessage is the broker payload asking the dispatcher to fan an
// alert out to the recipient set of the given tier.
type DispatchMessage struct {
	AlertID       string          `json:"alertId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Tier          domain.Tier     `json:"tier"`
	Severity      domain.Severity `json:"severity"`
}

func (m DispatchMessage) Validate() error {
	if strings.TrimSpace(m.AlertID) == "" {
		return fmt.Errorf("alertId is required")
	}
	if !m.Tier.IsValid() {
		return fmt.Errorf("invalid tier %q", m.Tier)
	}
	if !m.Severity.IsValid() {
		return fmt.Errorf("invalid severity %q", m.Severity)
	}
	return nil
}
