// Package paint provides the frame-paint event loop that the detection loop
// runs on.
//
// A Scheduler owns one goroutine. Everything posted to it, and every frame
// callback, runs on that goroutine one at a time, so state touched only from
// callbacks needs no locking. Frame callbacks fire on the next display refresh
// tick; callbacks requested while a paint is running wait for the following
// tick.
package paint

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// taskQueueSize bounds the Post queue.
const taskQueueSize = 64

// ErrClosed is returned when work is submitted to a scheduler that has shut down.
var ErrClosed = errors.New("paint: scheduler closed")

// FrameID identifies a pending frame request. The zero value never identifies
// a request.
type FrameID uint64

// FrameCallback runs at a paint opportunity with the tick time.
type FrameCallback func(now time.Time)

// Scheduler is a single-goroutine event loop paced by a refresh ticker.
type Scheduler struct {
	clock    clock.Clock
	interval time.Duration
	ticker   *clock.Ticker
	tasks    chan func()

	mu     sync.Mutex
	frames map[FrameID]FrameCallback
	nextID FrameID
	closed bool

	done      chan struct{}
	closeOnce sync.Once
	exited    chan struct{}
}

// New creates a scheduler ticking at fps using clk. The ticker starts
// immediately so that mock clocks can be advanced before Run is entered.
func New(clk clock.Clock, fps int) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if fps <= 0 {
		fps = 30
	}
	interval := time.Second / time.Duration(fps)
	return &Scheduler{
		clock:    clk,
		interval: interval,
		ticker:   clk.Ticker(interval),
		tasks:    make(chan func(), taskQueueSize),
		frames:   make(map[FrameID]FrameCallback),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

// Interval returns the refresh period.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Clock returns the clock the scheduler is paced by.
func (s *Scheduler) Clock() clock.Clock {
	return s.clock
}

// Run executes posted tasks and frame callbacks until ctx is cancelled or
// Close is called. Pending frame requests are dropped on exit.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.exited)
	defer s.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case fn := <-s.tasks:
			fn()
		case now := <-s.ticker.C:
			s.paint(now)
		}
	}
}

// Close stops the scheduler. It does not wait for Run to return; use Wait.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
}

// Wait blocks until Run has returned.
func (s *Scheduler) Wait() {
	<-s.exited
}

func (s *Scheduler) shutdown() {
	s.ticker.Stop()
	s.mu.Lock()
	s.closed = true
	clear(s.frames)
	s.mu.Unlock()
}

// stopped reports whether Close was called or Run has returned. A select with
// a send case may pick the send even when both channels are closed.
func (s *Scheduler) stopped() bool {
	select {
	case <-s.done:
		return true
	case <-s.exited:
		return true
	default:
		return false
	}
}

// Post queues fn to run on the scheduler goroutine. It reports false when the
// scheduler has shut down; fn is then never run.
func (s *Scheduler) Post(fn func()) bool {
	if s.stopped() {
		return false
	}
	select {
	case <-s.done:
		return false
	case <-s.exited:
		return false
	case s.tasks <- fn:
		return true
	}
}

// Do runs fn on the scheduler goroutine and waits for it to finish. Calling Do
// from the scheduler goroutine deadlocks.
func (s *Scheduler) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}

	if s.stopped() {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	case <-s.exited:
		return ErrClosed
	case s.tasks <- task:
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.exited:
		// The task may have been queued behind the shutdown.
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// RequestFrame schedules cb for the next paint opportunity. It returns 0 when
// the scheduler has shut down.
func (s *Scheduler) RequestFrame(cb FrameCallback) FrameID {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0
	}
	s.nextID++
	s.frames[s.nextID] = cb
	return s.nextID
}

// CancelFrame removes a pending frame request. Unknown or already fired ids are
// ignored.
func (s *Scheduler) CancelFrame(id FrameID) {
	if id == 0 {
		return
	}
	s.mu.Lock()
	delete(s.frames, id)
	s.mu.Unlock()
}

// Pending returns the number of frame requests waiting for the next paint.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *Scheduler) paint(now time.Time) {
	s.mu.Lock()
	ids := make([]FrameID, 0, len(s.frames))
	for id := range s.frames {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	if len(ids) == 0 {
		return
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	// Only requests present when the tick arrived run now, and each one is
	// looked up again so a callback can cancel a later one in the same paint.
	for _, id := range ids {
		s.mu.Lock()
		cb, ok := s.frames[id]
		delete(s.frames, id)
		s.mu.Unlock()
		if ok {
			cb(now)
		}
	}
}
