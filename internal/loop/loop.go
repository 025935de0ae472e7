// Package loop runs every collector of the agent on one cooperative goroutine.
//
// Collectors never block: they suspend by scheduling a timer, an animation
// frame or a posted task, and every callback runs serially on the loop. This
// keeps per-element state machines and the report buffer free of locks.
package loop

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultFrameInterval approximates a 60Hz display refresh.
const DefaultFrameInterval = 16 * time.Millisecond

// Token cancels a scheduled callback. Cancelling a token whose callback has
// already run, or that was already cancelled, does nothing.
type Token interface {
	Cancel()
}

// Scheduler is the suspend-point surface collectors depend on.
type Scheduler interface {
	// Now returns the scheduler's current time.
	Now() time.Time
	// AfterFunc runs fn on the loop once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Token
	// RequestFrame runs fn on the next animation frame.
	RequestFrame(fn func(now time.Time)) Token
	// Post queues fn to run on the loop. Safe from any goroutine.
	Post(fn func())
}

// Loop is the production Scheduler.
type Loop struct {
	frameInterval time.Duration
	logger        *log.Logger

	mu     sync.Mutex
	queue  []func()
	frames []*frameToken
	wake   chan struct{}
}

// New creates a loop that fires animation frames every frameInterval.
func New(frameInterval time.Duration, logger *log.Logger) *Loop {
	if frameInterval <= 0 {
		frameInterval = DefaultFrameInterval
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Loop{
		frameInterval: frameInterval,
		logger:        logger,
		wake:          make(chan struct{}, 1),
	}
}

func (l *Loop) Now() time.Time {
	return time.Now()
}

type timerToken struct {
	timer *time.Timer
	done  atomic.Bool
}

func (t *timerToken) Cancel() {
	if t.done.CompareAndSwap(false, true) && t.timer != nil {
		t.timer.Stop()
	}
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) Token {
	tok := &timerToken{}
	tok.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if tok.done.CompareAndSwap(false, true) {
				fn()
			}
		})
	})
	return tok
}

type frameToken struct {
	fn        func(time.Time)
	cancelled atomic.Bool
}

func (f *frameToken) Cancel() {
	f.cancelled.Store(true)
}

func (l *Loop) RequestFrame(fn func(now time.Time)) Token {
	tok := &frameToken{fn: fn}
	l.mu.Lock()
	l.frames = append(l.frames, tok)
	l.mu.Unlock()
	return tok
}

func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Do runs fn on the loop and waits for it to return.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes posted tasks, timers and frames until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.frameInterval)
	defer ticker.Stop()

	for {
		l.drain()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		case now := <-ticker.C:
			l.runFrames(now)
		}
	}
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		tasks := l.queue
		l.queue = nil
		l.mu.Unlock()
		if len(tasks) == 0 {
			return
		}
		for _, fn := range tasks {
			l.call(fn)
		}
	}
}

// runFrames fires the frames requested before this tick. Frames requested
// from inside a callback wait for the next tick.
func (l *Loop) runFrames(now time.Time) {
	l.mu.Lock()
	frames := l.frames
	l.frames = nil
	l.mu.Unlock()

	for _, f := range frames {
		if f.cancelled.CompareAndSwap(false, true) {
			fn := f.fn
			l.call(func() { fn(now) })
		}
	}
}

func (l *Loop) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Printf("ERROR: loop task panicked: %v", r)
		}
	}()
	fn()
}
