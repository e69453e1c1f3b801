// Package jobs admits at most one long-running job at a time and keeps its result
// until a poller takes it.
//
// Slot lifecycle: Free -> Pending (token held) -> Running (token submitted) -> Free
// (result taken by Poll), or Pending -> Free when the token is released unsubmitted.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

var ErrTokenConsumed = errors.New("jobs: token already submitted or released")

type Status int

const (
	StatusFree Status = iota
	StatusPending
	StatusRunning
)

func (s Status) String() string {
	switch s {
	case StatusFree:
		return "none"
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	}
	return "unknown"
}

// Progress is the latest "done of total" published by the running job.
type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Job is the work to run. ctx is detached from the submitting request.
type Job[T any] func(ctx context.Context, tracker *Tracker) T

type handle[T any] struct {
	done   chan struct{}
	result T
}

func (h *handle[T]) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Coordinator is a single-flight slot for one job type. Share one per process.
type Coordinator[T any] struct {
	admitted atomic.Bool

	mu      sync.Mutex // guards running; never held while the job runs
	running *handle[T]

	progress    atomic.Pointer[Progress]
	panicResult func(recovered any) T
}

// New returns a free coordinator. panicResult turns a recovered panic into a
// result so a crashing job still finishes; nil yields the zero T.
func New[T any](panicResult func(recovered any) T) *Coordinator[T] {
	return &Coordinator[T]{panicResult: panicResult}
}

// TryAcquire admits the caller if the slot is free. Exactly one of any number of
// concurrent callers gets a token. The caller must Submit or Release it,
// typically with `defer tok.Release()`.
func (c *Coordinator[T]) TryAcquire() (*Token[T], bool) {
	if !c.admitted.CompareAndSwap(false, true) {
		return nil, false
	}
	return &Token[T]{c: c}, true
}

// Poll returns the finished result and frees the slot. It never blocks; while the
// job runs, or when no job was submitted, it returns false.
func (c *Coordinator[T]) Poll() (T, bool) {
	var zero T

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running == nil || !c.running.finished() {
		return zero, false
	}
	result := c.running.result
	c.running = nil
	c.progress.Store(nil)
	c.admitted.Store(false)
	return result, true
}

// Progress returns the latest snapshot published by the running job, if any.
func (c *Coordinator[T]) Progress() (Progress, bool) {
	p := c.progress.Load()
	if p == nil {
		return Progress{}, false
	}
	return *p, true
}

func (c *Coordinator[T]) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.running != nil:
		return StatusRunning
	case c.admitted.Load():
		return StatusPending
	default:
		return StatusFree
	}
}

// Token is the proof of admission. It is good for exactly one Submit.
type Token[T any] struct {
	c    *Coordinator[T]
	once sync.Once
	used atomic.Bool
}

// Submit starts job in its own goroutine and moves the slot to Running.
// Cancelling ctx after Submit returns does not cancel the job.
func (t *Token[T]) Submit(ctx context.Context, job Job[T]) error {
	if !t.used.CompareAndSwap(false, true) {
		return ErrTokenConsumed
	}

	h := &handle[T]{done: make(chan struct{})}
	tracker := NewTracker(func(p Progress) { t.c.progress.Store(&p) })

	t.c.mu.Lock()
	t.c.running = h
	t.c.mu.Unlock()

	go t.c.run(context.WithoutCancel(ctx), h, job, tracker)
	return nil
}

// Release frees the slot unless the token was submitted. It is idempotent.
func (t *Token[T]) Release() {
	t.once.Do(func() {
		if t.used.CompareAndSwap(false, true) {
			t.c.admitted.Store(false)
		}
	})
}

func (c *Coordinator[T]) run(ctx context.Context, h *handle[T], job Job[T], tracker *Tracker) {
	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			if c.panicResult != nil {
				h.result = c.panicResult(r)
			} else {
				var zero T
				h.result = zero
			}
		}
	}()
	h.result = job(ctx, tracker)
}

// Tracker lets a job publish its progress.
type Tracker struct {
	mu  sync.Mutex
	cur Progress
	set func(Progress)
}

// NewTracker returns a Tracker reporting to set, which may be nil.
func NewTracker(set func(Progress)) *Tracker {
	if set == nil {
		set = func(Progress) {}
	}
	return &Tracker{set: set}
}

// Snapshot returns the last published progress.
func (tr *Tracker) Snapshot() Progress {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.cur
}

func (tr *Tracker) Set(done, total int) {
	tr.mu.Lock()
	tr.cur = Progress{Done: done, Total: total}
	p := tr.cur
	tr.mu.Unlock()
	tr.set(p)
}

// Inc advances Done by one.
func (tr *Tracker) Inc() {
	tr.mu.Lock()
	tr.cur.Done++
	p := tr.cur
	tr.mu.Unlock()
	tr.set(p)
}

// PanicError wraps a value recovered from a crashing job.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("job panicked: %v", e.Value)
}
