// Package eventloop implements the single-threaded cooperative scheduler
// spec.md §5 requires in place of a goroutine-per-connection model:
// socket-read rules, a periodic service-tick rule, and timer rules, all
// dispatched from one Run loop so every client sees the same
// server sample cursor per round.
package eventloop

import (
	"context"
	"log/slog"
	"time"
)

// Rule is one schedulable unit of work: an interest predicate (is there
// something to do?) and a body to run when it fires. Recover, if set, is
// invoked when Body returns an error; it decides whether the rule stays
// registered.
type Rule struct {
	Name   string
	Ready  func() bool
	Body   func(ctx context.Context) error
	Recover func(err error) (keep bool)

	cancelled bool
}

// Cancel marks the rule for removal. Cancellation is cooperative: it
// takes effect on the next dispatch pass, never mid-body (spec.md §5).
func (r *Rule) Cancel() { r.cancelled = true }

// EventLoop is the server's sole scheduler. Every rule it owns runs on
// the goroutine that calls Run; nothing here is safe for concurrent use
// from multiple goroutines, by design (spec.md §5: "no locks, no shared
// mutable state across threads").
type EventLoop struct {
	log        *slog.Logger
	rules      []*Rule
	pollEvery  time.Duration
	recoveries uint64
	nextStart  int // round-robin cursor into rules, so no rule can starve the rest
}

// New creates an EventLoop that polls rule readiness every pollEvery
// (standing in for the blocking, fd-based WaitNextEvent of the original
// design — see DESIGN.md) when nothing is immediately ready.
func New(log *slog.Logger, pollEvery time.Duration) *EventLoop {
	return &EventLoop{log: log, pollEvery: pollEvery}
}

// AddRule registers a rule. It is returned so the caller can Cancel it
// later.
func (l *EventLoop) AddRule(r *Rule) *Rule {
	l.rules = append(l.rules, r)
	return r
}

// Recoveries returns how many rule bodies have been recovered from an
// error, for the statistics/telemetry layer.
func (l *EventLoop) Recoveries() uint64 { return l.recoveries }

// Run dispatches rules until ctx is cancelled. Each pass runs at most one
// ready rule's body to completion, matching spec.md §5's "dispatches at
// most one ready rule per pass" — this keeps every side effect of a
// single dispatch strictly sequential and easy to reason about, at the
// cost of not batching independent ready rules within one pass.
func (l *EventLoop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.pollEvery)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if l.dispatchOne(ctx) {
			continue // keep draining ready rules before sleeping
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// dispatchOne runs the next ready rule's body in round-robin order and
// reports whether it did any work. Scanning resumes each pass from just
// after whichever rule ran last time, rather than always from index 0,
// so an always-ready rule (e.g. a non-blocking socket-read check) can
// never starve a later rule that is just as often ready (e.g. the
// periodic service tick) — every ready rule gets a turn before any one
// of them gets a second.
func (l *EventLoop) dispatchOne(ctx context.Context) bool {
	l.pruneCancelled()

	n := len(l.rules)
	if n == 0 {
		return false
	}
	if l.nextStart >= n {
		l.nextStart = 0
	}

	for i := 0; i < n; i++ {
		idx := (l.nextStart + i) % n
		r := l.rules[idx]
		if r.cancelled || !r.Ready() {
			continue
		}
		l.nextStart = idx + 1
		if err := r.Body(ctx); err != nil {
			l.handleError(r, err)
		}
		return true
	}
	return false
}

func (l *EventLoop) handleError(r *Rule, err error) {
	if r.Recover == nil {
		l.log.Error("event loop rule failed with no recovery path", "rule", r.Name, "error", err)
		r.Cancel()
		return
	}
	l.recoveries++
	if keep := r.Recover(err); !keep {
		r.Cancel()
	} else {
		l.log.Warn("event loop rule recovered", "rule", r.Name, "error", err)
	}
}

func (l *EventLoop) pruneCancelled() {
	live := l.rules[:0]
	for _, r := range l.rules {
		if !r.cancelled {
			live = append(live, r)
		}
	}
	l.rules = live
}
