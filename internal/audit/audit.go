// Package audit forwards lifecycle transitions and dispatch outcomes to an
// append-only operational log. Recording is fire-and-forget: a sink failure
// must never block or fail alert processing.
package audit

import (
	"context"
	"time"
)

// Entry kinds.
const (
	KindTransition        = "alert.transition"
	KindDispatchReport    = "dispatch.report"
	KindDispatchExhausted = "dispatch.exhausted"
)

// Entry is one audit-log record.
type Entry struct {
	Kind    string
	AlertID string
	Actor   string
	Detail  string
	At      time.Time
}

// Sink receives audit entries. Implementations swallow their own errors.
type Sink interface {
	Record(ctx context.Context, entry Entry)
}

// NopSink discards all entries.
type NopSink struct{}

func (NopSink) Record(context.Context, Entry) {}
