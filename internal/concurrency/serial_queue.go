// Package concurrency provides the single-writer serialization primitive
// used by every CORE component that owns persisted or shared mutable
// state (spec.md §5, §9 "Concurrency-as-single-writer").
package concurrency

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/whotracksme/wtm-reporting/internal/common"
)

// SerialQueue runs closures one at a time, in submission order, on a single
// background goroutine. It is deliberately not a sync.Mutex: the regions it
// protects enclose suspension points (storage or network calls), and
// spec.md requires operations enqueued while another is in flight to be
// processed strictly in order, which a mutex alone does not guarantee
// under Go's runtime scheduler (a blocked Lock() waiter has no ordering
// guarantee relative to other waiters).
type SerialQueue struct {
	name   string
	logger arbor.ILogger

	mu      sync.Mutex
	pending chan func()
	closed  bool
}

// NewSerialQueue creates a named single-writer region. name is used only
// for logging/diagnostics (e.g. "pagedb", "scheduler").
func NewSerialQueue(name string, logger arbor.ILogger) *SerialQueue {
	q := &SerialQueue{
		name:    name,
		logger:  logger,
		pending: make(chan func(), 256),
	}
	common.SafeGo(logger, "serialqueue:"+name, q.loop)
	return q
}

func (q *SerialQueue) loop() {
	for fn := range q.pending {
		q.runOne(fn)
	}
}

func (q *SerialQueue) runOne(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if q.logger != nil {
				q.logger.Error().
					Str("region", q.name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("single-writer region recovered from panic")
			}
		}
	}()
	fn()
}

// Run submits fn and blocks until it has completed (or ctx is cancelled
// before fn starts running). fn itself is never cancelled mid-flight: once
// it starts, it runs to completion, matching spec.md §5's "in-flight
// handler invocations complete" rule.
func (q *SerialQueue) Run(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	submitted := func() {
		defer close(done)
		fn()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("single-writer region %q is closed", q.name)
	}
	select {
	case q.pending <- submitted:
	case <-ctx.Done():
		q.mu.Unlock()
		return ctx.Err()
	}
	q.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// fn still runs to completion on the background goroutine; the
		// caller just stops waiting for it.
		return ctx.Err()
	}
}

// Close stops accepting new work. Already-queued closures still run.
func (q *SerialQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.pending)
}
