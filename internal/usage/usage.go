// Package usage emits append-only usage records for billing and telemetry,
// and reads remaining budgets from an external store.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Record is one append-only usage log entry. Records are never mutated after
// creation.
type Record struct {
	CorrelationID string
	SessionID     string
	Level         slog.Level
	Message       string
	Feature       string
	Tokens        int64
	Cost          float64
	Success       bool
	Timestamp     time.Time
}

// Recorder appends usage records to a sink. Implementations must tolerate
// concurrent calls.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// LogRecorder writes every record to a structured logger. It is the default
// sink when no database is configured.
type LogRecorder struct {
	Log *slog.Logger
}

func (r *LogRecorder) Record(_ context.Context, rec Record) error {
	log := r.Log
	if log == nil {
		log = slog.Default()
	}
	log.LogAttrs(context.Background(), rec.Level, "usage",
		slog.String("correlation_id", rec.CorrelationID),
		slog.String("session_id", rec.SessionID),
		slog.String("message", rec.Message),
		slog.String("feature", rec.Feature),
		slog.Int64("tokens", rec.Tokens),
		slog.Float64("cost", rec.Cost),
		slog.Bool("success", rec.Success),
		slog.Time("timestamp", rec.Timestamp),
	)
	return nil
}

// MemoryRecorder keeps records in memory. Intended for tests.
type MemoryRecorder struct {
	mu      sync.Mutex
	records []Record
}

func (r *MemoryRecorder) Record(_ context.Context, rec Record) error {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
	return nil
}

// Records returns a copy of everything recorded so far.
func (r *MemoryRecorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}

var (
	_ Recorder = (*LogRecorder)(nil)
	_ Recorder = (*MemoryRecorder)(nil)
)
