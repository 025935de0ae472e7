package metrics

import (
	"fmt"
	"log"
	"math"
	"net/url"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultResourceThreshold     = 1500.0
	DefaultEventThreshold        = 200.0
	DefaultInteractionPercentile = 98.0

	clsSessionGap  = 1000.0
	clsSessionSpan = 5000.0

	dedupSize = 4096
)

// Report kinds passed to Config.OnReport.
const (
	KindClick    = "click_event"
	KindResource = "resource_event"
)

// Metric names passed to Config.OnMetric.
const (
	MetricLCP              = "lcp"
	MetricCLS              = "cls"
	MetricINP              = "inp"
	MetricTTFB             = "ttfb"
	MetricFCP              = "fcp"
	MetricFirstPaint       = "firstPaint"
	MetricNavigationTiming = "navigationTiming"
	MetricInteractionCount = "interactionCount"
	MetricSlowResources    = "slowResources"
)

type Config struct {
	// ResourceThreshold and EventThreshold are in milliseconds.
	ResourceThreshold float64
	EventThreshold    float64
	// ResourceDomains limits slow-resource reports to hosts containing one
	// of these. PageHost is always allowed.
	ResourceDomains       []string
	PageHost              string
	InteractionPercentile float64

	OnMetric func(name string, value any)
	// OnReport receives []ClickItem for KindClick and []ResourceItem for
	// KindResource.
	OnReport func(kind string, items any)
	OnFirst  func(FirstSnapshot)
	OnFinal  func(Snapshot)
	Logger   *log.Logger
}

// NavigationTiming is the phase breakdown of the page load, in ms.
type NavigationTiming struct {
	DNS              float64 `json:"dns"`
	TCP              float64 `json:"tcp"`
	SSL              float64 `json:"ssl"`
	Request          float64 `json:"request"`
	Response         float64 `json:"response"`
	DomProcessing    float64 `json:"domProcessing"`
	DomContentLoaded float64 `json:"domContentLoaded"`
	FullLoad         float64 `json:"fullLoad"`
	Redirect         float64 `json:"redirect"`
	Unload           float64 `json:"unload"`
}

func navigationTiming(n NavigationEntry) NavigationTiming {
	ssl := 0.0
	if n.SecureConnectionStart > 0 {
		ssl = n.ConnectEnd - n.SecureConnectionStart
	}
	return NavigationTiming{
		DNS:              n.DomainLookupEnd - n.DomainLookupStart,
		TCP:              n.ConnectEnd - n.ConnectStart,
		SSL:              ssl,
		Request:          n.ResponseStart - n.RequestStart,
		Response:         n.ResponseEnd - n.ResponseStart,
		DomProcessing:    n.DomComplete - n.DomInteractive,
		DomContentLoaded: n.DomContentLoadedEventEnd - n.DomContentLoadedEventStart,
		FullLoad:         n.LoadEventEnd - n.LoadEventStart,
		Redirect:         n.RedirectEnd - n.RedirectStart,
		Unload:           n.UnloadEventEnd - n.UnloadEventStart,
	}
}

// DomInfo identifies an element in a report item.
type DomInfo struct {
	Class string `json:"cls"`
	ID    string `json:"id"`
}

type ResourceItem struct {
	Type          string       `json:"type"`
	Name          string       `json:"name"`
	Duration      float64      `json:"duration"`
	Size          int64        `json:"size"`
	StartTime     float64      `json:"startTime"`
	InitiatorType string       `json:"initiatorType"`
	NetworkInfo   *NetworkInfo `json:"networkInfo"`
}

type ClickItem struct {
	Type    string  `json:"type"`
	RunTime float64 `json:"runTime"`
	DomPath string  `json:"domPath"`
	DomInfo DomInfo `json:"domInfo"`
}

type LCPEntry struct {
	DomInfo   DomInfo `json:"domInfo"`
	LoadTime  float64 `json:"loadTime"`
	Size      float64 `json:"size"`
	StartTime float64 `json:"startTime"`
	URL       string  `json:"url"`
}

// Snapshot is the current metric state. Unobserved metrics are nil.
type Snapshot struct {
	LCP              *float64          `json:"lcp"`
	CLS              *float64          `json:"cls"`
	INP              *float64          `json:"inp"`
	TTFB             *float64          `json:"ttfb"`
	FCP              *float64          `json:"fcp"`
	FirstPaint       *float64          `json:"firstPaint"`
	NavigationTiming *NavigationTiming `json:"navigationTiming"`
	SlowResources    []ResourceItem    `json:"slowResources"`
	InteractionCount int               `json:"interactionCount"`
	Custom           map[string]any    `json:"custom,omitempty"`
}

// FirstSnapshot is emitted once, when every loading metric has a value.
type FirstSnapshot struct {
	LCP              float64          `json:"lcp"`
	NavigationTiming NavigationTiming `json:"navigationTiming"`
	TTFB             float64          `json:"ttfb"`
	FCP              float64          `json:"fcp"`
	FirstPaint       float64          `json:"firstPaint"`
	NetworkInfo      *NetworkInfo     `json:"networkInfo"`
}

// Monitor is the aggregator contract. Inert monitors satisfy it with no-ops
// so callers never branch on platform support.
type Monitor interface {
	Snapshot() Snapshot
	ReportNow()
	AddCustomMetric(name string, value any)
	Destroy()
	Active() bool
}

type monitor struct {
	cfg      Config
	platform Platform

	snap         Snapshot
	lcpLocked    bool
	lcpEntries   []LCPEntry
	interactions []float64
	firstDone    bool
	destroyed    bool

	clsSessionStart float64
	clsLastShift    float64
	clsSessionValue float64
	clsInSession    bool

	seen *lru.Cache[string, struct{}]
	subs []Subscription
}

// New subscribes to every entry type the platform supports. With a nil
// platform, or one that supports none of them, it returns an inert monitor.
func New(cfg Config, platform Platform) Monitor {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if platform == nil || !supportsAny(platform) {
		cfg.Logger.Println("WARN: performance monitoring not supported")
		return inert{}
	}
	if cfg.ResourceThreshold <= 0 {
		cfg.ResourceThreshold = DefaultResourceThreshold
	}
	if cfg.EventThreshold <= 0 {
		cfg.EventThreshold = DefaultEventThreshold
	}
	if cfg.InteractionPercentile <= 0 || cfg.InteractionPercentile > 100 {
		cfg.InteractionPercentile = DefaultInteractionPercentile
	}

	seen, err := lru.New[string, struct{}](dedupSize)
	if err != nil {
		cfg.Logger.Printf("ERROR: dedup cache: %v", err)
		return inert{}
	}
	zero := 0.0
	m := &monitor{
		cfg:      cfg,
		platform: platform,
		snap:     Snapshot{CLS: &zero, SlowResources: []ResourceItem{}, Custom: map[string]any{}},
		seen:     seen,
	}

	m.observe(LargestPaint, m.onLargestPaint)
	m.observe(LayoutShift, m.onLayoutShift)
	m.observe(Event, m.onEvent)
	m.observe(Resource, m.onResource)
	m.observe(Paint, m.onPaint)
	m.observe(Navigation, m.onNavigation)
	m.captureNavigation()
	return m
}

var allTypes = []EntryType{LargestPaint, LayoutShift, Paint, Resource, Event, Navigation}

func supportsAny(p Platform) bool {
	for _, t := range allTypes {
		if p.Supports(t) {
			return true
		}
	}
	return false
}

func (m *monitor) Active() bool {
	return true
}

func (m *monitor) observe(t EntryType, fn func([]Entry)) {
	if !m.platform.Supports(t) {
		return
	}
	sub, err := m.platform.Observe(t, func(entries []Entry) {
		if m.destroyed {
			return
		}
		fn(entries)
	})
	if err != nil {
		m.cfg.Logger.Printf("WARN: %s observer setup failed: %v", t, err)
		return
	}
	m.subs = append(m.subs, sub)
}

func (m *monitor) update(name string, value any) {
	switch name {
	case MetricLCP:
		m.snap.LCP = ptr(value.(float64))
	case MetricCLS:
		m.snap.CLS = ptr(value.(float64))
	case MetricINP:
		m.snap.INP = ptr(value.(float64))
	case MetricTTFB:
		m.snap.TTFB = ptr(value.(float64))
	case MetricFCP:
		m.snap.FCP = ptr(value.(float64))
	case MetricFirstPaint:
		m.snap.FirstPaint = ptr(value.(float64))
	case MetricNavigationTiming:
		nt := value.(NavigationTiming)
		m.snap.NavigationTiming = &nt
	case MetricInteractionCount:
		m.snap.InteractionCount = value.(int)
	}

	if !m.firstDone && m.firstComplete() {
		m.firstDone = true
		if m.cfg.OnFirst != nil {
			m.cfg.OnFirst(FirstSnapshot{
				LCP:              *m.snap.LCP,
				NavigationTiming: *m.snap.NavigationTiming,
				TTFB:             *m.snap.TTFB,
				FCP:              *m.snap.FCP,
				FirstPaint:       *m.snap.FirstPaint,
				NetworkInfo:      m.platform.Connection(),
			})
		}
	}
	if m.cfg.OnMetric != nil {
		m.cfg.OnMetric(name, value)
	}
}

func (m *monitor) firstComplete() bool {
	s := m.snap
	return s.LCP != nil && s.NavigationTiming != nil && s.TTFB != nil && s.FCP != nil && s.FirstPaint != nil
}

// Only the first batch counts; the latest entry of that batch wins.
func (m *monitor) onLargestPaint(entries []Entry) {
	if len(entries) == 0 || m.lcpLocked {
		return
	}
	for _, e := range entries {
		if e.Element != nil {
			m.lcpEntries = append(m.lcpEntries, LCPEntry{
				DomInfo:   domInfo(e.Element.Attr("class"), e.Element.Attr("id")),
				LoadTime:  e.LoadTime,
				Size:      e.Size,
				StartTime: e.StartTime,
				URL:       e.URL,
			})
		}
	}
	m.lcpLocked = true
	m.update(MetricLCP, entries[len(entries)-1].StartTime)
}

// A shift joins the current session when it lands within clsSessionGap of
// the previous shift and clsSessionSpan of the session start.
func (m *monitor) onLayoutShift(entries []Entry) {
	for _, e := range entries {
		if e.HadRecentInput {
			continue
		}
		t := e.StartTime
		if !m.clsInSession || t-m.clsLastShift >= clsSessionGap || t-m.clsSessionStart >= clsSessionSpan {
			m.clsInSession = true
			m.clsSessionStart = t
			m.clsSessionValue = 0
		}
		m.clsLastShift = t
		m.clsSessionValue += e.Value
		m.update(MetricCLS, m.clsSessionValue)
	}
}

func (m *monitor) onPaint(entries []Entry) {
	for _, e := range entries {
		switch {
		case e.Name == "first-paint" && m.snap.FirstPaint == nil:
			m.update(MetricFirstPaint, e.StartTime)
		case e.Name == "first-contentful-paint" && m.snap.FCP == nil:
			m.update(MetricFCP, e.StartTime)
		}
	}
}

func (m *monitor) captureNavigation() {
	if nav, ok := m.platform.Navigation(); ok {
		m.setNavigation(nav)
	}
}

// A navigation entry observed after startup fills in timing the platform
// did not have yet.
func (m *monitor) onNavigation(entries []Entry) {
	for _, e := range entries {
		if e.Timing != nil {
			m.setNavigation(*e.Timing)
		}
	}
}

// setNavigation records navigation timing and TTFB once.
func (m *monitor) setNavigation(nav NavigationEntry) {
	if m.snap.NavigationTiming != nil {
		return
	}
	m.update(MetricNavigationTiming, navigationTiming(nav))
	m.update(MetricTTFB, nav.ResponseStart-nav.RequestStart)
}

func (m *monitor) onResource(entries []Entry) {
	var slow []ResourceItem
	for _, e := range entries {
		if e.Duration <= m.cfg.ResourceThreshold || !m.allowedHost(e.Name) {
			continue
		}
		if m.seen.Contains(e.Name) {
			continue
		}
		m.seen.Add(e.Name, struct{}{})
		slow = append(slow, ResourceItem{
			Type:          "resource",
			Name:          e.Name,
			Duration:      e.Duration,
			Size:          e.TransferSize,
			StartTime:     e.StartTime,
			InitiatorType: e.InitiatorType,
			NetworkInfo:   m.platform.Connection(),
		})
	}
	if len(slow) == 0 {
		return
	}
	m.snap.SlowResources = append(m.snap.SlowResources, slow...)
	if m.cfg.OnMetric != nil {
		m.cfg.OnMetric(MetricSlowResources, len(m.snap.SlowResources))
	}
	if m.cfg.OnReport != nil {
		m.cfg.OnReport(KindResource, slow)
	}
}

func (m *monitor) allowedHost(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Host
	if m.cfg.PageHost != "" && strings.Contains(host, m.cfg.PageHost) {
		return true
	}
	for _, d := range m.cfg.ResourceDomains {
		if d != "" && strings.Contains(host, d) {
			return true
		}
	}
	return false
}

func (m *monitor) onEvent(entries []Entry) {
	var slow []ClickItem
	for _, e := range entries {
		if e.InteractionID != 0 && e.Duration > 0 {
			m.interactions = append(m.interactions, e.Duration)
			m.update(MetricInteractionCount, len(m.interactions))
		}

		runTime := e.ProcessingEnd - e.ProcessingStart
		if e.Name != "click" || e.InteractionID == 0 || runTime <= m.cfg.EventThreshold {
			continue
		}
		path := e.Target.Path()
		key := fmt.Sprintf("%s|%s", path, KindClick)
		if m.seen.Contains(key) {
			continue
		}
		m.seen.Add(key, struct{}{})
		slow = append(slow, ClickItem{
			Type:    KindClick,
			RunTime: runTime,
			DomPath: path,
			DomInfo: domInfo(e.Target.Attr("class"), e.Target.Attr("id")),
		})
	}
	if len(slow) > 0 && m.cfg.OnReport != nil {
		m.cfg.OnReport(KindClick, slow)
	}
}

func (m *monitor) Snapshot() Snapshot {
	s := m.snap
	s.SlowResources = append([]ResourceItem(nil), m.snap.SlowResources...)
	s.Custom = make(map[string]any, len(m.snap.Custom))
	for k, v := range m.snap.Custom {
		s.Custom[k] = v
	}
	return s
}

// ReportNow finalises interaction latency at the configured percentile and
// hands the snapshot to OnFinal.
func (m *monitor) ReportNow() {
	if m.destroyed {
		return
	}
	if n := len(m.lcpEntries); n > 0 {
		m.update(MetricLCP, m.lcpEntries[n-1].StartTime)
	}
	if n := len(m.interactions); n > 0 {
		sorted := append([]float64(nil), m.interactions...)
		sort.Float64s(sorted)
		idx := int(math.Floor(float64(n) * m.cfg.InteractionPercentile / 100))
		if idx >= n {
			idx = n - 1
		}
		m.update(MetricINP, sorted[idx])
	}
	if m.cfg.OnFinal != nil {
		m.cfg.OnFinal(m.Snapshot())
	}
}

func (m *monitor) AddCustomMetric(name string, value any) {
	m.snap.Custom[name] = value
}

// Destroy disconnects every subscription once. Later calls do nothing.
func (m *monitor) Destroy() {
	if m.destroyed {
		return
	}
	m.destroyed = true
	for _, sub := range m.subs {
		if err := sub.Disconnect(); err != nil {
			m.cfg.Logger.Printf("WARN: observer disconnect: %v", err)
		}
	}
	m.subs = nil
}

func domInfo(class, id string) DomInfo {
	return DomInfo{Class: class, ID: id}
}

func ptr(v float64) *float64 {
	return &v
}

type inert struct{}

func (inert) Snapshot() Snapshot {
	return Snapshot{SlowResources: []ResourceItem{}}
}

func (inert) ReportNow() {}

func (inert) AddCustomMetric(string, any) {}

func (inert) Destroy() {}

func (inert) Active() bool {
	return false
}
