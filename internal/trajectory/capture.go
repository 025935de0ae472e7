package trajectory

import (
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"

	"github.com/vincentbai/attentrace/internal/dom"
	"github.com/vincentbai/attentrace/internal/loop"
)

const (
	DefaultThrottle      = 50 * time.Millisecond
	DefaultSubRegionAttr = "data-observer-key"
)

var ErrUnknownSubject = errors.New("unknown capture subject")

// TextStructure is the role-tagged text of a subject at pointer enter.
type TextStructure struct {
	Header     string   `json:"header"`
	Salary     string   `json:"salary"`
	SalaryType string   `json:"salaryType"`
	Tags       []string `json:"tags"`
	Name       string   `json:"name"`
}

// MovingLog is the time the pointer spent inside one nested sub-region.
type MovingLog struct {
	SubKey    string `json:"subKey"`
	TimeSpent int64  `json:"timeSpent"`
}

// Recorder is everything captured for one subject key. It is also the
// literal shape the replay tool consumes.
type Recorder struct {
	Key           string        `json:"key"`
	Duration      int64         `json:"duration"`
	Positions     Trajectory    `json:"positions"`
	Rect          string        `json:"rect"`
	TextStructure TextStructure `json:"textStructure"`
	MovingLogs    []MovingLog   `json:"movingLogs"`
}

func newRecorder(key string) *Recorder {
	return &Recorder{Key: key, Positions: Trajectory{}, MovingLogs: []MovingLog{}}
}

// Options configures a Capture.
type Options struct {
	Throttle      time.Duration
	SubRegionAttr string
	// OnFinished runs after a pointer leaves a subject.
	OnFinished func(*Recorder)
	Logger     *log.Logger
}

type region struct {
	key   string
	start time.Time
}

type subject struct {
	key     string
	el      *dom.Node
	limiter *rate.Limiter

	active      bool
	windowBound bool
	enterTime   time.Time
	region      region
	movingLogs  []MovingLog
}

// Capture records pointer trajectories over registered subjects. Only one
// recorder is current at a time: a sample for a different key replaces it.
type Capture struct {
	sched loop.Scheduler
	opts  Options

	current  *Recorder
	logs     []*Recorder
	subjects map[string]*subject
}

func NewCapture(sched loop.Scheduler, opts Options) *Capture {
	if opts.Throttle <= 0 {
		opts.Throttle = DefaultThrottle
	}
	if opts.SubRegionAttr == "" {
		opts.SubRegionAttr = DefaultSubRegionAttr
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Capture{
		sched:    sched,
		opts:     opts,
		subjects: make(map[string]*subject),
	}
}

// Register binds key to el. Registering a new element for a known key drops
// the old binding and any capture in progress on it.
func (c *Capture) Register(key string, el *dom.Node) {
	if key == "" || el == nil {
		return
	}
	if old, ok := c.subjects[key]; ok && old.el == el {
		return
	}
	c.subjects[key] = &subject{
		key:     key,
		el:      el,
		limiter: rate.NewLimiter(rate.Every(c.opts.Throttle), 1),
	}
}

func (c *Capture) Unregister(key string) {
	delete(c.subjects, key)
}

func (c *Capture) lookup(key string) (*subject, error) {
	s, ok := c.subjects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSubject, key)
	}
	return s, nil
}

// PointerEnter starts capture on key with the pointer at client coordinates.
func (c *Capture) PointerEnter(key string, clientX, clientY float64) error {
	s, err := c.lookup(key)
	if err != nil {
		return err
	}
	now := c.sched.Now()
	s.active = true
	s.windowBound = true
	s.enterTime = now

	rec := c.recorderFor(key)
	rec.Rect = FormatRect(s.el.Rect.Width, s.el.Rect.Height)
	rec.TextStructure = textStructure(s.el)

	c.sample(s, clientX, clientY, now)
	return nil
}

// PointerMove samples at most once per throttle interval.
func (c *Capture) PointerMove(key string, clientX, clientY float64) error {
	s, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !s.active {
		return nil
	}
	now := c.sched.Now()
	if s.limiter.AllowN(now, 1) {
		c.sample(s, clientX, clientY, now)
	}
	return nil
}

// PointerLeave records the exit sample and finalises the recorder.
func (c *Capture) PointerLeave(key string, clientX, clientY float64) error {
	s, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !s.active {
		return nil
	}
	now := c.sched.Now()
	c.sample(s, clientX, clientY, now)
	c.closeRegion(s, now)

	rec := c.recorderFor(key)
	rec.Duration = now.Sub(s.enterTime).Milliseconds()
	rec.MovingLogs = s.movingLogs
	if rec.MovingLogs == nil {
		rec.MovingLogs = []MovingLog{}
	}

	s.active = false
	s.windowBound = false
	s.enterTime = time.Time{}
	s.movingLogs = nil

	if c.opts.OnFinished != nil {
		c.opts.OnFinished(rec)
	}
	return nil
}

// PointerOver handles a window-level move over target. While the target is
// inside an active subject the enclosing sub-region is tracked; moving
// outside the subject stops window tracking for it.
func (c *Capture) PointerOver(target *dom.Node) {
	now := c.sched.Now()
	for _, s := range c.subjects {
		if !s.windowBound {
			continue
		}
		if !s.el.Contains(target) {
			s.windowBound = false
			continue
		}
		c.enterRegion(s, target.Closest(c.opts.SubRegionAttr).Attr(c.opts.SubRegionAttr), now)
	}
}

// Drain returns the recorder log and clears it. The next sample starts a
// fresh recorder.
func (c *Capture) Drain() []*Recorder {
	out := c.logs
	c.logs = nil
	c.current = nil
	return out
}

func (c *Capture) recorderFor(key string) *Recorder {
	if c.current == nil || c.current.Key != key {
		c.current = newRecorder(key)
		c.logs = append(c.logs, c.current)
	}
	return c.current
}

func (c *Capture) sample(s *subject, clientX, clientY float64, now time.Time) {
	rec := c.recorderFor(s.key)
	x := clientX - s.el.Rect.Left
	y := clientY - s.el.Rect.Top
	rec.Positions = rec.Positions.Append(Pack(x, y), now)
}

func (c *Capture) enterRegion(s *subject, key string, now time.Time) {
	if key == s.region.key {
		return
	}
	c.closeRegion(s, now)
	s.region = region{key: key, start: now}
}

func (c *Capture) closeRegion(s *subject, now time.Time) {
	if s.region.key != "" {
		s.movingLogs = append(s.movingLogs, MovingLog{
			SubKey:    s.region.key,
			TimeSpent: now.Sub(s.region.start).Milliseconds(),
		})
	}
	s.region = region{}
}

func textStructure(el *dom.Node) TextStructure {
	first := func(role string) string {
		if nodes := el.QueryRole(role); len(nodes) > 0 {
			return nodes[0].TextContent()
		}
		return ""
	}
	tags := []string{}
	for _, n := range el.QueryRole("tags") {
		tags = append(tags, n.TextContent())
	}
	return TextStructure{
		Header:     first("header"),
		Salary:     first("salary"),
		SalaryType: first("salaryType"),
		Tags:       tags,
		Name:       first("company"),
	}
}
