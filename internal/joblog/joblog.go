// Package joblog provides per-job structured event scopes with sampling.
// Every job execution opens a scope tagged with queue and job name; failures
// are always emitted, successes are sampled to keep log volume bounded.
package joblog

import (
	"log/slog"
	"math/rand/v2"
	"time"
)

// Event is the structured record accumulated over one job execution.
type Event struct {
	Queue     string
	Job       string
	Operation string
	Fields    map[string]any
	Err       error
	Succeeded bool
	StartedAt time.Time
	Duration  time.Duration
}

// SampleConfig controls which events are emitted.
type SampleConfig struct {
	// SuccessRate is the probability in [0, 1] that a successful event is
	// emitted. Failures are always emitted.
	SuccessRate float64
}

// ShouldSample reports whether an event passes the sampling predicate.
func ShouldSample(ev *Event, cfg SampleConfig) bool {
	if !ev.Succeeded {
		return true
	}
	return rand.Float64() < cfg.SuccessRate
}

// Scope collects fields over one job execution and emits a single log line
// at the end. Not safe for concurrent use; each job gets its own scope.
type Scope struct {
	logger  *slog.Logger
	cfg     SampleConfig
	ev      Event
	emitted bool

	// sampler is swappable for tests; defaults to ShouldSample.
	sampler func(*Event, SampleConfig) bool
}

// NewScope opens a scope for one job on the named queue.
func NewScope(logger *slog.Logger, cfg SampleConfig, queue, job string) *Scope {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scope{
		logger: logger,
		cfg:    cfg,
		ev: Event{
			Queue:     queue,
			Job:       job,
			Fields:    make(map[string]any),
			StartedAt: time.Now(),
		},
		sampler: ShouldSample,
	}
}

// SetOperation names the logical operation the job performed, when it is
// finer-grained than the job name.
func (s *Scope) SetOperation(op string) {
	s.ev.Operation = op
}

// AddField attaches a key/value pair to the event.
func (s *Scope) AddField(key string, value any) {
	s.ev.Fields[key] = value
}

// AddFields attaches several key/value pairs to the event.
func (s *Scope) AddFields(fields map[string]any) {
	for k, v := range fields {
		s.ev.Fields[k] = v
	}
}

// SetError records the failure cause. Clears the success mark.
func (s *Scope) SetError(err error) {
	s.ev.Err = err
	s.ev.Succeeded = false
}

// Success marks the job as completed successfully.
func (s *Scope) Success() {
	s.ev.Succeeded = true
	s.ev.Err = nil
}

// Event returns the accumulated event, finalizing its duration.
func (s *Scope) Event() *Event {
	s.ev.Duration = time.Since(s.ev.StartedAt)
	return &s.ev
}

// Emit flushes the scope if it passes the sampling predicate. Safe to call
// from a defer; only the first call emits.
func (s *Scope) Emit() {
	if s.emitted {
		return
	}
	s.emitted = true

	ev := s.Event()
	if !s.sampler(ev, s.cfg) {
		return
	}

	attrs := []any{
		"queue", ev.Queue,
		"job", ev.Job,
		"duration_ms", ev.Duration.Milliseconds(),
	}
	if ev.Operation != "" {
		attrs = append(attrs, "operation", ev.Operation)
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, k, v)
	}

	if ev.Succeeded {
		s.logger.Info("job completed", attrs...)
		return
	}
	attrs = append(attrs, "error", ev.Err)
	s.logger.Error("job failed", attrs...)
}
