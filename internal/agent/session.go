package agent

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/vincentbai/attentrace/internal/dom"
	"github.com/vincentbai/attentrace/internal/exposure"
	"github.com/vincentbai/attentrace/internal/metrics"
	"github.com/vincentbai/attentrace/internal/models"
	"github.com/vincentbai/attentrace/internal/pageview"
	"github.com/vincentbai/attentrace/internal/report"
	"github.com/vincentbai/attentrace/internal/trajectory"
)

const elementDataAttr = "data-analytics-data"

// exposureReport is the exposure payload on the wire.
type exposureReport struct {
	ID          string          `json:"id"`
	ElementInfo dom.ElementInfo `json:"elementInfo"`
	ElementData any             `json:"elementData"`
	Duration    int64           `json:"duration"`
	Ratio       float64         `json:"ratio"`
}

// session is the collector set for one page load.
type session struct {
	agent    *Agent
	doc      *dom.Document
	platform *pagePlatform
	capture  *trajectory.Capture
	exposure *exposure.Tracker
	monitor  metrics.Monitor
	views    *pageview.Reporter

	// detached keeps removed nodes resolvable for late intersection and
	// timeline entries.
	detached map[int64]*dom.Node
}

func newSession(a *Agent, hello models.Hello) (*session, error) {
	root := hello.Document
	if root == nil {
		root = &dom.Node{ID: 0, Tag: "BODY"}
	}
	doc, err := dom.NewDocument(root)
	if err != nil {
		return nil, fmt.Errorf("failed to mirror document: %w", err)
	}

	s := &session{
		agent:    a,
		doc:      doc,
		platform: newPagePlatform(hello.Capabilities.EntryTypes, hello.Navigation, hello.Connection),
		detached: make(map[int64]*dom.Node),
	}

	s.capture = trajectory.NewCapture(a.sched, trajectory.Options{
		Throttle: a.cfg.Throttle,
		Logger:   a.logger,
	})
	s.registerSubjects(doc.Root())
	doc.OnInsert(s.registerSubjects)

	if hello.Capabilities.IntersectionObserver {
		s.exposure = exposure.New(a.sched, exposure.Config{
			ShowRatio: a.cfg.ShowRatio,
			Dwell:     a.cfg.Dwell,
			OnReport:  s.onExposure,
			Logger:    a.logger,
		})
	} else {
		s.exposure = exposure.Disabled(a.logger)
	}
	s.exposure.Discover(doc)

	s.monitor = metrics.New(metrics.Config{
		ResourceThreshold: float64(a.cfg.ResourceThreshold.Milliseconds()),
		EventThreshold:    float64(a.cfg.EventThreshold.Milliseconds()),
		ResourceDomains:   a.cfg.ResourceDomains,
		PageHost:          host(hello.Route.Href),
		OnReport:          s.onMetricsReport,
		OnFirst:           s.onFirst,
		OnFinal:           func(snap metrics.Snapshot) { a.final = &snap },
		Logger:            a.logger,
	}, s.platform)

	s.views = pageview.New(pageview.Config{
		Location: a.cfg.Location,
		Language: hello.Device.Language,
		User:     hello.User,
		OnReport: func(v pageview.View) { a.report(report.KindPageView, v) },
	})
	s.views.Start(hello.Route)
	return s, nil
}

func host(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func (s *session) registerSubjects(root *dom.Node) {
	attr := s.agent.cfg.SubjectAttr
	if root.HasAttr(attr) {
		s.capture.Register(root.Attr(attr), root)
	}
	for _, n := range root.QueryAll(attr) {
		s.capture.Register(n.Attr(attr), n)
	}
}

func (s *session) lookup(id int64) *dom.Node {
	if n := s.doc.Lookup(id); n != nil {
		return n
	}
	return s.detached[id]
}

func (s *session) handle(signal models.Signal) error {
	switch signal.Type {
	case models.TypeDOMInsert:
		d, err := models.Decode[models.DOMInsert](signal)
		if err != nil {
			return err
		}
		if d.Node == nil {
			return fmt.Errorf("dom.insert without node")
		}
		return s.doc.Insert(d.Parent, d.Node)

	case models.TypeDOMRemove:
		d, err := models.Decode[models.DOMRemove](signal)
		if err != nil {
			return err
		}
		if n := s.doc.Lookup(d.ID); n != nil {
			s.remember(n)
		}
		return s.doc.Remove(d.ID)

	case models.TypeDOMRect:
		d, err := models.Decode[models.DOMRect](signal)
		if err != nil {
			return err
		}
		return s.doc.SetRect(d.ID, d.Rect)

	case models.TypeDOMAttr:
		d, err := models.Decode[models.DOMAttr](signal)
		if err != nil {
			return err
		}
		if err := s.doc.SetAttr(d.ID, d.Name, d.Value); err != nil {
			return err
		}
		if d.Name == s.agent.cfg.SubjectAttr && d.Value != "" {
			s.capture.Register(d.Value, s.doc.Lookup(d.ID))
		}
		return nil

	case models.TypeIntersection:
		d, err := models.Decode[models.Intersection](signal)
		if err != nil {
			return err
		}
		batch := make([]exposure.Intersection, 0, len(d.Entries))
		for _, e := range d.Entries {
			n := s.lookup(e.ID)
			if n == nil {
				continue
			}
			batch = append(batch, exposure.Intersection{Target: n, Ratio: e.Ratio, Intersecting: e.Intersecting})
		}
		s.exposure.Observe(batch)
		return nil

	case models.TypePointerEnter, models.TypePointerMove, models.TypePointerLeave:
		d, err := models.Decode[models.Pointer](signal)
		if err != nil {
			return err
		}
		switch signal.Type {
		case models.TypePointerEnter:
			return s.capture.PointerEnter(d.Key, d.X, d.Y)
		case models.TypePointerMove:
			return s.capture.PointerMove(d.Key, d.X, d.Y)
		default:
			return s.capture.PointerLeave(d.Key, d.X, d.Y)
		}

	case models.TypePointerOver:
		d, err := models.Decode[models.Pointer](signal)
		if err != nil {
			return err
		}
		s.capture.PointerOver(s.lookup(d.Target))
		return nil

	case models.TypePerfEntries:
		d, err := models.Decode[models.PerfEntries](signal)
		if err != nil {
			return err
		}
		entries := make([]metrics.Entry, 0, len(d.Entries))
		for i, pe := range d.Entries {
			e := pe.Entry
			if e.Type == "" {
				e.Type = d.Type
			}
			if e.Type != d.Type {
				return fmt.Errorf("entry %d: %s entry in %s batch", i, e.Type, d.Type)
			}
			e.Timing = pe.NavigationEntry
			if pe.ElementID != 0 {
				e.Element = s.lookup(pe.ElementID)
			}
			if pe.TargetID != 0 {
				e.Target = s.lookup(pe.TargetID)
			}
			entries = append(entries, e)
		}
		s.platform.dispatch(d.Type, entries)
		return nil

	case models.TypeNavigate:
		route, err := models.Decode[pageview.Route](signal)
		if err != nil {
			return err
		}
		s.views.Navigate(route)
		return nil

	case models.TypeLifecycle:
		d, err := models.Decode[models.Lifecycle](signal)
		if err != nil {
			return err
		}
		if d.State == "hidden" {
			s.flushTrajectories()
			s.agent.queue.Hide()
		}
		return nil

	case models.TypeMetric:
		d, err := models.Decode[models.Metric](signal)
		if err != nil {
			return err
		}
		if d.Name == "" {
			return fmt.Errorf("metric without name")
		}
		s.monitor.AddCustomMetric(d.Name, d.Value)
		return nil
	}
	return fmt.Errorf("unhandled signal type %s", signal.Type)
}

func (s *session) remember(n *dom.Node) {
	s.detached[n.ID] = n
	for _, c := range n.Children {
		s.remember(c)
	}
}

func (s *session) onExposure(e exposure.Exposure) {
	s.agent.report(report.KindExposure, exposureReport{
		ID:          e.ID,
		ElementInfo: e.Info,
		ElementData: elementData(e.Element, s.agent),
		Duration:    e.Duration,
		Ratio:       e.Ratio,
	})
}

// elementData parses the element's JSON data attribute. Invalid JSON is
// reported as the raw string.
func elementData(n *dom.Node, a *Agent) any {
	raw := strings.TrimSpace(n.Attr(elementDataAttr))
	if raw == "" {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		a.logger.Printf("WARN: invalid %s on element %d: %v", elementDataAttr, n.ID, err)
		return raw
	}
	return v
}

func (s *session) onMetricsReport(kind string, items any) {
	k, err := report.ParseKind(kind)
	if err != nil {
		s.agent.logger.Printf("ERROR: metrics report: %v", err)
		return
	}
	s.agent.report(k, items)
}

func (s *session) onFirst(first metrics.FirstSnapshot) {
	if s.agent.cfg.Budget.exceeded(first.LCP, first.TTFB, first.FCP) {
		s.agent.report(report.KindInitPage, first)
	}
}

func (s *session) flushTrajectories() {
	for _, rec := range s.capture.Drain() {
		s.agent.report(report.KindTrajectory, rec)
	}
}

// close reports what the page collected and releases every collector.
func (s *session) close() {
	s.flushTrajectories()
	s.monitor.ReportNow()
	s.monitor.Destroy()
	s.exposure.Close()
}
