package queue

import (
	"context"

	"github.com/carewatch/alert-engine/internal/domain"
)

// Publisher publishes dispatch messages to the work queue.
type Publisher interface {
	Publish(ctx context.Context, msg DispatchMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message.
type MessageHandler func(ctx context.Context, msg DispatchMessage) error

// Consumer consumes dispatch messages from the work queue.
type Consumer interface {
	Consume(ctx context.Context, handler MessageHandler) error
	Close() error
}

const (
	// DispatchQueue carries fan-out work for newly created, retried, and
	// escalated alerts. Fan-out across channels happens inside the
	// dispatcher, so one queue serves all channels.
	DispatchQueue = "alert.dispatch"

	// DispatchDLQ receives messages rejected as malformed.
	DispatchDLQ = "dlq.alert.dispatch"

	dlxExchangeName        = "alerts.dlx"
	dlxRoutingKey          = "dispatch"
	queueMaxPriority int32 = 3
)

// PriorityValue maps alert severity to broker message priority so critical
// alerts jump the queue under backlog.
func PriorityValue(severity domain.Severity) uint8 {
	switch severity {
	case domain.SeverityCritical:
		return 3
	case domain.SeverityWarning:
		return 2
	case domain.SeverityInfo:
		return 1
	default:
		return 0
	}
}
