// Package exposure confirms that tracked elements stayed at least half
// visible for a minimum dwell time.
package exposure

import (
	"log"
	"time"

	"github.com/vincentbai/attentrace/internal/dom"
	"github.com/vincentbai/attentrace/internal/loop"
)

const (
	DefaultShowRatio  = 0.5
	DefaultDwell      = 2 * time.Second
	DefaultMarkerAttr = "data-analytics-expose"
	DefaultIDAttr     = "data-analytics-id"
)

// State is where an element id sits in its dwell session.
type State int

const (
	Unseen State = iota
	PartiallyVisible
	Qualifying
	Confirmed
)

func (s State) String() string {
	switch s {
	case PartiallyVisible:
		return "partially-visible"
	case Qualifying:
		return "qualifying"
	case Confirmed:
		return "confirmed"
	default:
		return "unseen"
	}
}

type Config struct {
	ShowRatio  float64
	Dwell      time.Duration
	MarkerAttr string
	IDAttr     string
	OnReport   func(Exposure)
	Logger     *log.Logger
}

// Exposure is one confirmed dwell session.
type Exposure struct {
	ID       string          `json:"id"`
	Info     dom.ElementInfo `json:"elementInfo"`
	Duration int64           `json:"duration"`
	Ratio    float64         `json:"ratio"`

	Element *dom.Node `json:"-"`
}

// Intersection is one visibility notification for an observed element.
type Intersection struct {
	Target       *dom.Node
	Ratio        float64
	Intersecting bool
}

// Stats is a point-in-time view of the tracker.
type Stats struct {
	Tracked       int `json:"tracked"`
	Observed      int `json:"observed"`
	PendingTimers int `json:"pendingTimers"`
}

type entry struct {
	el       *dom.Node
	start    time.Time
	ratio    float64
	recorded bool
	deadline loop.Token
}

func (e *entry) stopDeadline() {
	if e.deadline != nil {
		e.deadline.Cancel()
		e.deadline = nil
	}
}

// Tracker runs the per-id dwell state machine. It must only be used from the
// scheduler's loop.
type Tracker struct {
	sched    loop.Scheduler
	cfg      Config
	disabled bool
	closed   bool

	observed map[*dom.Node]struct{}
	entries  map[string]*entry
	frame    loop.Token
}

func New(sched loop.Scheduler, cfg Config) *Tracker {
	if cfg.ShowRatio <= 0 {
		cfg.ShowRatio = DefaultShowRatio
	}
	if cfg.Dwell <= 0 {
		cfg.Dwell = DefaultDwell
	}
	if cfg.MarkerAttr == "" {
		cfg.MarkerAttr = DefaultMarkerAttr
	}
	if cfg.IDAttr == "" {
		cfg.IDAttr = DefaultIDAttr
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Tracker{
		sched:    sched,
		cfg:      cfg,
		observed: make(map[*dom.Node]struct{}),
		entries:  make(map[string]*entry),
	}
}

// Disabled returns a tracker that accepts every call and never reports. It
// stands in when the page cannot observe intersections.
func Disabled(logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.Default()
	}
	logger.Println("WARN: exposure tracking not supported by page, tracker disabled")
	return &Tracker{disabled: true}
}

func (t *Tracker) Disabled() bool {
	return t.disabled
}

// Track subscribes el to intersection notifications.
func (t *Tracker) Track(el *dom.Node) {
	if t.disabled || t.closed || el == nil {
		return
	}
	t.observed[el] = struct{}{}
}

// Untrack unsubscribes el and forgets its id.
func (t *Tracker) Untrack(el *dom.Node) {
	if t.disabled || el == nil {
		return
	}
	delete(t.observed, el)
	if id := el.Attr(t.cfg.IDAttr); id != "" {
		t.drop(id)
	}
}

// Observing reports whether el is subscribed.
func (t *Tracker) Observing(el *dom.Node) bool {
	_, ok := t.observed[el]
	return ok
}

// Discover tracks every marked element under doc's root and every marked
// element inserted later.
func (t *Tracker) Discover(doc *dom.Document) {
	if t.disabled || doc == nil {
		return
	}
	t.discover(doc.Root())
	doc.OnInsert(func(n *dom.Node) {
		if t.closed {
			return
		}
		if n.HasAttr(t.cfg.MarkerAttr) {
			t.Track(n)
		}
		t.discover(n)
	})
}

func (t *Tracker) discover(root *dom.Node) {
	for _, n := range root.QueryAll(t.cfg.MarkerAttr) {
		t.Track(n)
	}
}

// Observe applies a batch of intersection notifications.
func (t *Tracker) Observe(batch []Intersection) {
	if t.disabled || t.closed {
		return
	}
	for _, in := range batch {
		if _, ok := t.observed[in.Target]; !ok {
			continue
		}
		id := in.Target.Attr(t.cfg.IDAttr)
		if id == "" {
			t.Untrack(in.Target)
			continue
		}
		if !in.Intersecting {
			t.drop(id)
			if !in.Target.Connected() {
				t.Untrack(in.Target)
			}
			continue
		}
		t.visible(id, in)
	}
	t.ensurePolling()
}

func (t *Tracker) visible(id string, in Intersection) {
	e, ok := t.entries[id]
	if !ok {
		e = &entry{el: in.Target}
		t.entries[id] = e
	}
	e.el = in.Target
	e.ratio = in.Ratio

	if in.Ratio >= t.cfg.ShowRatio {
		if e.start.IsZero() {
			e.start = t.sched.Now()
			e.recorded = false
			e.deadline = t.sched.AfterFunc(t.cfg.Dwell, func() {
				e.deadline = nil
				if t.entries[id] == e {
					t.check(id, e, t.sched.Now())
				}
			})
		}
		return
	}
	e.start = time.Time{}
	e.recorded = false
	e.stopDeadline()
}

func (t *Tracker) drop(id string) {
	if e, ok := t.entries[id]; ok {
		e.stopDeadline()
		delete(t.entries, id)
	}
}

// check confirms e when its dwell has elapsed and reports whether e is still
// waiting.
func (t *Tracker) check(id string, e *entry, now time.Time) bool {
	if e.start.IsZero() || e.recorded {
		return false
	}
	if e.ratio < t.cfg.ShowRatio {
		e.recorded = false
		return false
	}
	elapsed := now.Sub(e.start)
	if elapsed < t.cfg.Dwell {
		return true
	}
	e.recorded = true
	e.stopDeadline()
	if t.cfg.OnReport != nil {
		t.cfg.OnReport(Exposure{
			ID:       id,
			Info:     e.el.Info(),
			Duration: elapsed.Milliseconds(),
			Ratio:    e.ratio,
			Element:  e.el,
		})
	}
	return false
}

func (t *Tracker) ensurePolling() {
	if t.frame != nil || len(t.entries) == 0 {
		return
	}
	t.frame = t.sched.RequestFrame(t.poll)
}

func (t *Tracker) poll(now time.Time) {
	t.frame = nil
	if t.closed {
		return
	}
	pending := false
	for id, e := range t.entries {
		if t.check(id, e, now) {
			pending = true
		}
	}
	if pending {
		t.frame = t.sched.RequestFrame(t.poll)
	}
}

// State returns the dwell state for id.
func (t *Tracker) State(id string) State {
	e, ok := t.entries[id]
	switch {
	case !ok:
		return Unseen
	case e.recorded:
		return Confirmed
	case !e.start.IsZero():
		return Qualifying
	default:
		return PartiallyVisible
	}
}

func (t *Tracker) Stats() Stats {
	s := Stats{Tracked: len(t.entries), Observed: len(t.observed)}
	for _, e := range t.entries {
		if e.deadline != nil {
			s.PendingTimers++
		}
	}
	return s
}

// Close cancels pending frames and timers and stops reacting to document
// insertions.
func (t *Tracker) Close() {
	if t.disabled || t.closed {
		return
	}
	t.closed = true
	if t.frame != nil {
		t.frame.Cancel()
		t.frame = nil
	}
	for id := range t.entries {
		t.drop(id)
	}
	t.observed = make(map[*dom.Node]struct{})
}
