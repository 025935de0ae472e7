// Package looptest provides a virtual-clock loop.Scheduler for tests.
package looptest

import (
	"sort"
	"time"

	"github.com/vincentbai/attentrace/internal/loop"
)

// Scheduler fires timers and animation frames only when the test advances
// its clock. Callbacks with the same due time run in scheduling order,
// timers before frames.
type Scheduler struct {
	FrameInterval time.Duration

	now    time.Time
	seq    uint64
	timers []*task
	frames []*task
	posted []func()
}

type task struct {
	due  time.Time
	seq  uint64
	fire func(now time.Time)
	done bool
}

func (t *task) Cancel() {
	t.done = true
}

// New returns a scheduler whose clock starts at start.
func New(start time.Time) *Scheduler {
	return &Scheduler{
		FrameInterval: loop.DefaultFrameInterval,
		now:           start,
	}
}

var _ loop.Scheduler = (*Scheduler)(nil)

func (s *Scheduler) Now() time.Time {
	return s.now
}

func (s *Scheduler) AfterFunc(d time.Duration, fn func()) loop.Token {
	if d < 0 {
		d = 0
	}
	s.seq++
	t := &task{due: s.now.Add(d), seq: s.seq, fire: func(time.Time) { fn() }}
	s.timers = append(s.timers, t)
	return t
}

func (s *Scheduler) RequestFrame(fn func(now time.Time)) loop.Token {
	s.seq++
	t := &task{due: s.now.Add(s.FrameInterval), seq: s.seq, fire: fn}
	s.frames = append(s.frames, t)
	return t
}

func (s *Scheduler) Post(fn func()) {
	s.posted = append(s.posted, fn)
}

// RunPending runs posted tasks, including ones posted while draining.
func (s *Scheduler) RunPending() {
	for len(s.posted) > 0 {
		tasks := s.posted
		s.posted = nil
		for _, fn := range tasks {
			fn()
		}
	}
}

// Advance moves the clock forward by d, firing everything that falls due.
func (s *Scheduler) Advance(d time.Duration) {
	target := s.now.Add(d)
	for {
		s.RunPending()
		due, ok := s.nextDue()
		if !ok || due.After(target) {
			break
		}
		s.now = due
		s.fireAt(due)
	}
	s.now = target
	s.RunPending()
}

// Pending reports how many timers and frames are still scheduled.
func (s *Scheduler) Pending() (timers, frames int) {
	for _, t := range s.timers {
		if !t.done {
			timers++
		}
	}
	for _, f := range s.frames {
		if !f.done {
			frames++
		}
	}
	return timers, frames
}

func (s *Scheduler) nextDue() (time.Time, bool) {
	var next time.Time
	found := false
	for _, list := range [][]*task{s.timers, s.frames} {
		for _, t := range list {
			if t.done {
				continue
			}
			if !found || t.due.Before(next) {
				next = t.due
				found = true
			}
		}
	}
	return next, found
}

func (s *Scheduler) fireAt(due time.Time) {
	run := func(list []*task) {
		var ready []*task
		for _, t := range list {
			if !t.done && t.due.Equal(due) {
				ready = append(ready, t)
			}
		}
		sort.Slice(ready, func(i, j int) bool { return ready[i].seq < ready[j].seq })
		for _, t := range ready {
			if t.done {
				continue
			}
			t.done = true
			t.fire(s.now)
		}
	}
	run(s.timers)
	run(s.frames)
	s.timers = compact(s.timers)
	s.frames = compact(s.frames)
}

func compact(list []*task) []*task {
	out := list[:0]
	for _, t := range list {
		if !t.done {
			out = append(out, t)
		}
	}
	return out
}
