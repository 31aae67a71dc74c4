package adapter

import (
	"context"

	"github.com/carewatch/alert-engine/internal/domain"
)

// Message is a rendered alert ready for transport.
type Message struct {
	Subject  string
	Body     string
	Severity domain.Severity
}

// Receipt stores transport call metadata for audit and persistence.
type Receipt struct {
	StatusCode        int
	ProviderMessageID string
}

// Adapter is the outbound delivery port. Implementations own transport,
// auth, and destination validation for exactly one channel, translate
// transport failures into *AdapterError, and must be safe for concurrent
// use across alerts.
type Adapter interface {
	Channel() domain.Channel
	Send(ctx context.Context, destination string, msg Message) (*Receipt, error)
}

// Registry maps each channel to its adapter.
type Registry map[domain.Channel]Adapter

func NewRegistry(adapters ...Adapter) Registry {
	registry := make(Registry, len(adapters))
	for _, a := range adapters {
		if a == nil {
			continue
		}
		registry[a.Channel()] = a
	}
	return registry
}

// For returns the adapter for a channel, or nil when none is configured.
func (r Registry) For(channel domain.Channel) Adapter {
	return r[channel]
}
