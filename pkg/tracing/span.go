// Package tracing provides a lightweight span-based tracing system that
// propagates trace context through Go contexts. Spans form parent-child
// trees that are logged via slog and can be snapshotted as JSON records
// for the search trace API.
package tracing

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const spanKey contextKey = "trace_span"

// Span represents a timed operation within a trace.
type Span struct {
	Name      string
	TraceID   string
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Children  []*Span
	Attrs     map[string]any
	mu        sync.Mutex
}

// Record is the serialisable form of a span tree.
type Record struct {
	Name       string         `json:"name"`
	TraceID    string         `json:"trace_id,omitempty"`
	StartTime  time.Time      `json:"start_time"`
	DurationMs float64        `json:"duration_ms"`
	Attrs      map[string]any `json:"attrs,omitempty"`
	Children   []Record       `json:"children,omitempty"`
}

// Sampled reports whether a new trace should be recorded for rate in [0,1].
func Sampled(rate float64) bool {
	switch {
	case rate >= 1:
		return true
	case rate <= 0:
		return false
	default:
		return rand.Float64() < rate
	}
}

// StartSpan creates a new root span and stores it in the returned context.
// An empty traceID is replaced by a random UUID.
func StartSpan(ctx context.Context, name string, traceID string) (context.Context, *Span) {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	span := &Span{
		Name:      name,
		TraceID:   traceID,
		StartTime: time.Now(),
		Children:  make([]*Span, 0),
		Attrs:     make(map[string]any),
	}
	return context.WithValue(ctx, spanKey, span), span
}

// StartChildSpan creates a child span linked to the parent in ctx. Without a
// parent the child is detached and nothing records it.
func StartChildSpan(ctx context.Context, name string) (context.Context, *Span) {
	parent := SpanFromContext(ctx)
	child := &Span{
		Name:      name,
		StartTime: time.Now(),
		Children:  make([]*Span, 0),
		Attrs:     make(map[string]any),
	}

	if parent != nil {
		child.TraceID = parent.TraceID
		parent.mu.Lock()
		parent.Children = append(parent.Children, child)
		parent.mu.Unlock()
	}

	return context.WithValue(ctx, spanKey, child), child
}

// End records the span's end time and duration.
func (s *Span) End() {
	s.mu.Lock()
	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)
	s.mu.Unlock()
}

// SetAttr attaches a key-value attribute to the span.
func (s *Span) SetAttr(key string, value any) {
	s.mu.Lock()
	s.Attrs[key] = value
	s.mu.Unlock()
}

// SpanFromContext extracts the current Span from ctx, or nil if none.
func SpanFromContext(ctx context.Context) *Span {
	if span, ok := ctx.Value(spanKey).(*Span); ok {
		return span
	}
	return nil
}

// Snapshot copies the span tree into a Record.
func (s *Span) Snapshot() Record {
	s.mu.Lock()
	rec := Record{
		Name:       s.Name,
		TraceID:    s.TraceID,
		StartTime:  s.StartTime,
		DurationMs: float64(s.Duration.Microseconds()) / 1000,
	}
	if len(s.Attrs) > 0 {
		rec.Attrs = make(map[string]any, len(s.Attrs))
		for k, v := range s.Attrs {
			rec.Attrs[k] = v
		}
	}
	children := append([]*Span(nil), s.Children...)
	s.mu.Unlock()

	for _, child := range children {
		rec.Children = append(rec.Children, child.Snapshot())
	}
	return rec
}

// Log writes the span tree to slog.
func (s *Span) Log() {
	s.logRecursive(0)
}

// logRecursive recursively logs spans with increasing depth.
func (s *Span) logRecursive(depth int) {
	rec := s.Snapshot()
	attrs := []any{
		"trace_id", rec.TraceID,
		"span", rec.Name,
		"duration_ms", rec.DurationMs,
		"depth", depth,
	}
	for k, v := range rec.Attrs {
		attrs = append(attrs, k, v)
	}
	slog.Debug("span", attrs...)

	s.mu.Lock()
	children := append([]*Span(nil), s.Children...)
	s.mu.Unlock()
	for _, child := range children {
		child.logRecursive(depth + 1)
	}
}
