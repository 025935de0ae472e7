package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vincentbai/attentrace/internal/dom"
	"github.com/vincentbai/attentrace/internal/exposure"
	"github.com/vincentbai/attentrace/internal/loop/looptest"
	"github.com/vincentbai/attentrace/internal/metrics"
	"github.com/vincentbai/attentrace/internal/models"
	"github.com/vincentbai/attentrace/internal/pageview"
	"github.com/vincentbai/attentrace/internal/report"
	"github.com/vincentbai/attentrace/internal/trajectory"
)

type syncRunner struct{}

func (syncRunner) Do(_ context.Context, fn func()) error {
	fn()
	return nil
}

type fakeSender struct {
	bodies [][]byte
	dones  []func(error)
}

func (s *fakeSender) Send(_ context.Context, body []byte, done func(error)) {
	s.bodies = append(s.bodies, body)
	s.dones = append(s.dones, done)
}

type fakeBeacon struct {
	bodies [][]byte
}

func (b *fakeBeacon) Beacon(body []byte) bool {
	b.bodies = append(b.bodies, body)
	return true
}

func setupAgent(t *testing.T) (*Agent, *looptest.Scheduler, *fakeSender, *fakeBeacon) {
	t.Helper()

	sched := looptest.New(time.UnixMilli(1_700_000_000_000))
	sender := &fakeSender{}
	beacon := &fakeBeacon{}
	a, err := New(Config{
		Endpoint: "https://collect.example.com/report",
		Location: "ph",
		Logger:   log.New(io.Discard, "", 0),
	}, Deps{
		Scheduler: sched,
		Runner:    syncRunner{},
		Registry:  report.NewRegistry(),
		Sender:    sender,
		Beacon:    beacon,
	})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a, sched, sender, beacon
}

func page() *dom.Node {
	return &dom.Node{ID: 1, Tag: "BODY", Children: []*dom.Node{
		{
			ID:  2,
			Tag: "ARTICLE",
			Attrs: map[string]string{
				"data-analytics-id":     "job-1",
				"data-analytics-expose": "",
				"data-analytics-data":   `{"jobId":1}`,
			},
			Rect: dom.Rect{Left: 0, Top: 100, Width: 300, Height: 100},
			Children: []*dom.Node{
				{ID: 3, Tag: "H3", Attrs: map[string]string{"data-role": "header"}, Text: "Engineer"},
			},
		},
		{ID: 4, Tag: "BUTTON", Attrs: map[string]string{"id": "apply"}},
	}}
}

func hello(caps models.Capabilities, nav *metrics.NavigationEntry) models.Hello {
	return models.Hello{
		Capabilities: caps,
		Device:       report.DeviceInfo{UserAgent: "test", Language: "en"},
		Document:     page(),
		Navigation:   nav,
		Route:        pageview.Route{Href: "https://jobs.example.com/list?page=2", Title: "Jobs", Referrer: "https://search.example.org/"},
	}
}

func signal(t *testing.T, typ string, data any) models.Signal {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return models.Signal{TSUTC: 1_700_000_000_000, Type: typ, Data: raw}
}

func ingest(t *testing.T, a *Agent, signals ...models.Signal) {
	t.Helper()
	require.NoError(t, a.Ingest(context.Background(), signals))
}

// flushEvents forces a flush, acknowledges it and returns the batch.
func flushEvents(t *testing.T, a *Agent, sched *looptest.Scheduler, sender *fakeSender) []report.Event {
	t.Helper()
	require.True(t, a.queue.Flush(), "expected a flush")
	last := len(sender.bodies) - 1
	var batch report.Batch
	require.NoError(t, json.Unmarshal(sender.bodies[last], &batch))
	sender.dones[last](nil)
	sched.RunPending()
	return batch.Data
}

func payload[T any](t *testing.T, e report.Event) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(e.Payload, &v))
	return v
}

func kinds(events []report.Event) []report.Kind {
	out := make([]report.Kind, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestSignalBeforeHello(t *testing.T) {
	a, _, _, _ := setupAgent(t)

	err := a.Ingest(context.Background(), []models.Signal{signal(t, models.TypeDOMRemove, models.DOMRemove{ID: 2})})
	assert.True(t, errors.Is(err, ErrNoSession))
	assert.Equal(t, 1, a.Stats().Rejected)
}

func TestHelloReportsPageView(t *testing.T) {
	a, sched, sender, _ := setupAgent(t)
	ingest(t, a, signal(t, models.TypeHello, hello(models.Capabilities{}, nil)))

	events := flushEvents(t, a, sched, sender)
	require.Equal(t, []report.Kind{report.KindPageView}, kinds(events))
	assert.Equal(t, "test", events[0].DeviceInfo.UserAgent)
	assert.NotEmpty(t, events[0].DeviceInfo.SessionID)

	view := payload[pageview.View](t, events[0])
	assert.Equal(t, "ph", view.Location)
	assert.Equal(t, "en", view.Language)
	assert.Equal(t, "https://search.example.org/", view.From)
	assert.Equal(t, "https://jobs.example.com/list?page=2", view.Href)
}

func TestNavigateReportsNewPath(t *testing.T) {
	a, sched, sender, _ := setupAgent(t)
	ingest(t, a,
		signal(t, models.TypeHello, hello(models.Capabilities{}, nil)),
		signal(t, models.TypeNavigate, pageview.Route{Href: "https://jobs.example.com/list?page=3"}),
		signal(t, models.TypeNavigate, pageview.Route{Href: "https://jobs.example.com/jobs/42", Title: "Job"}),
	)

	events := flushEvents(t, a, sched, sender)
	require.Equal(t, []report.Kind{report.KindPageView, report.KindPageView}, kinds(events))
	view := payload[pageview.View](t, events[1])
	assert.Equal(t, "https://jobs.example.com/list", view.From)
	assert.Equal(t, "Job", view.Title)
}

func TestExposureReportCarriesElementData(t *testing.T) {
	a, sched, sender, _ := setupAgent(t)
	ingest(t, a,
		signal(t, models.TypeHello, hello(models.Capabilities{IntersectionObserver: true}, nil)),
		signal(t, models.TypeIntersection, models.Intersection{Entries: []models.IntersectionEntry{
			{ID: 2, Ratio: 0.8, Intersecting: true},
		}}),
	)
	sched.Advance(2 * time.Second)

	events := flushEvents(t, a, sched, sender)
	require.Equal(t, []report.Kind{report.KindPageView, report.KindExposure}, kinds(events))

	got := payload[map[string]any](t, events[1])
	assert.Equal(t, "job-1", got["id"])
	assert.Equal(t, map[string]any{"jobId": float64(1)}, got["elementData"])
	assert.Equal(t, float64(2000), got["duration"])
	info := got["elementInfo"].(map[string]any)
	assert.Equal(t, "article", info["tagName"])
}

func TestExposureDisabledWithoutObserver(t *testing.T) {
	a, sched, sender, _ := setupAgent(t)
	ingest(t, a,
		signal(t, models.TypeHello, hello(models.Capabilities{}, nil)),
		signal(t, models.TypeIntersection, models.Intersection{Entries: []models.IntersectionEntry{
			{ID: 2, Ratio: 1, Intersecting: true},
		}}),
	)
	// Past the dwell, short of the flush interval.
	sched.Advance(2500 * time.Millisecond)

	events := flushEvents(t, a, sched, sender)
	assert.Equal(t, []report.Kind{report.KindPageView}, kinds(events))
}

func TestRemovedElementResolvesForIntersection(t *testing.T) {
	a, _, _, _ := setupAgent(t)
	ingest(t, a,
		signal(t, models.TypeHello, hello(models.Capabilities{IntersectionObserver: true}, nil)),
		signal(t, models.TypeIntersection, models.Intersection{Entries: []models.IntersectionEntry{
			{ID: 2, Ratio: 0.8, Intersecting: true},
		}}),
		signal(t, models.TypeDOMRemove, models.DOMRemove{ID: 2}),
		signal(t, models.TypeIntersection, models.Intersection{Entries: []models.IntersectionEntry{
			{ID: 2, Ratio: 0, Intersecting: false},
		}}),
	)

	assert.Equal(t, &exposure.Stats{}, a.Stats().Exposure)
}

func TestInsertedElementIsTracked(t *testing.T) {
	a, _, _, _ := setupAgent(t)
	ingest(t, a,
		signal(t, models.TypeHello, hello(models.Capabilities{IntersectionObserver: true}, nil)),
		signal(t, models.TypeDOMInsert, models.DOMInsert{Parent: 1, Node: &dom.Node{
			ID:    10,
			Tag:   "ARTICLE",
			Attrs: map[string]string{"data-analytics-id": "job-2", "data-analytics-expose": ""},
		}}),
		signal(t, models.TypeIntersection, models.Intersection{Entries: []models.IntersectionEntry{
			{ID: 10, Ratio: 0.6, Intersecting: true},
		}}),
	)

	stats := a.Stats().Exposure
	require.NotNil(t, stats)
	assert.Equal(t, 2, stats.Observed)
	assert.Equal(t, 1, stats.Tracked)
	assert.Equal(t, exposure.Qualifying, a.session.exposure.State("job-2"))
}

func TestHiddenBeaconsTrajectories(t *testing.T) {
	a, sched, _, beacon := setupAgent(t)
	ingest(t, a,
		signal(t, models.TypeHello, hello(models.Capabilities{}, nil)),
		signal(t, models.TypePointerEnter, models.Pointer{Key: "job-1", X: 10, Y: 110}),
	)
	sched.Advance(100 * time.Millisecond)
	ingest(t, a,
		signal(t, models.TypePointerLeave, models.Pointer{Key: "job-1", X: 50, Y: 150}),
		signal(t, models.TypeLifecycle, models.Lifecycle{State: "hidden"}),
	)

	require.Len(t, beacon.bodies, 1)
	var batch report.Batch
	require.NoError(t, json.Unmarshal(beacon.bodies[0], &batch))
	require.Equal(t, []report.Kind{report.KindPageView, report.KindTrajectory}, kinds(batch.Data))

	rec := payload[trajectory.Recorder](t, batch.Data[1])
	assert.Equal(t, "job-1", rec.Key)
	assert.Equal(t, int64(100), rec.Duration)
	assert.Equal(t, 2, rec.Positions.Len())
	assert.Equal(t, trajectory.FormatRect(300, 100), rec.Rect)
	assert.Equal(t, "Engineer", rec.TextStructure.Header)

	// Hidden keeps the buffer for the next flush.
	assert.Equal(t, 2, a.Stats().Queue.Buffered)
}

func TestUnknownSubjectIsRejected(t *testing.T) {
	a, _, _, _ := setupAgent(t)
	ingest(t, a, signal(t, models.TypeHello, hello(models.Capabilities{}, nil)))

	err := a.Ingest(context.Background(), []models.Signal{
		signal(t, models.TypePointerEnter, models.Pointer{Key: "missing"}),
	})
	assert.True(t, errors.Is(err, trajectory.ErrUnknownSubject))
}

func TestInitPageBudget(t *testing.T) {
	tests := []struct {
		name          string
		responseStart float64
		wantInitPage  bool
	}{
		{name: "slow first byte", responseStart: 2300, wantInitPage: true},
		{name: "within budget", responseStart: 400, wantInitPage: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, sched, sender, _ := setupAgent(t)
			caps := models.Capabilities{EntryTypes: []metrics.EntryType{metrics.Paint, metrics.LargestPaint}}
			nav := &metrics.NavigationEntry{RequestStart: 100, ResponseStart: tt.responseStart, ResponseEnd: tt.responseStart + 50}
			ingest(t, a,
				signal(t, models.TypeHello, hello(caps, nav)),
				signal(t, models.TypePerfEntries, models.PerfEntries{Type: metrics.Paint, Entries: []models.PerfEntry{
					{Entry: metrics.Entry{Name: "first-paint", StartTime: 500}},
					{Entry: metrics.Entry{Name: "first-contentful-paint", StartTime: 600}},
				}}),
				signal(t, models.TypePerfEntries, models.PerfEntries{Type: metrics.LargestPaint, Entries: []models.PerfEntry{
					{Entry: metrics.Entry{StartTime: 1200, Size: 5000}, ElementID: 2},
				}}),
			)

			events := flushEvents(t, a, sched, sender)
			if !tt.wantInitPage {
				assert.Equal(t, []report.Kind{report.KindPageView}, kinds(events))
				return
			}
			require.Equal(t, []report.Kind{report.KindPageView, report.KindInitPage}, kinds(events))
			first := payload[metrics.FirstSnapshot](t, events[1])
			assert.Equal(t, 1200.0, first.LCP)
			assert.Equal(t, tt.responseStart-100, first.TTFB)
			assert.Equal(t, 600.0, first.FCP)
		})
	}
}

func TestSlowClickReported(t *testing.T) {
	a, sched, sender, _ := setupAgent(t)
	caps := models.Capabilities{EntryTypes: []metrics.EntryType{metrics.Event}}
	ingest(t, a,
		signal(t, models.TypeHello, hello(caps, nil)),
		signal(t, models.TypePerfEntries, models.PerfEntries{Type: metrics.Event, Entries: []models.PerfEntry{
			{Entry: metrics.Entry{Name: "click", Duration: 320, InteractionID: 7, ProcessingStart: 10, ProcessingEnd: 300}, TargetID: 4},
		}}),
	)

	events := flushEvents(t, a, sched, sender)
	require.Equal(t, []report.Kind{report.KindPageView, report.KindClick}, kinds(events))
	items := payload[[]metrics.ClickItem](t, events[1])
	require.Len(t, items, 1)
	assert.Equal(t, "body > button#apply", items[0].DomPath)
	assert.Equal(t, 290.0, items[0].RunTime)
	assert.Equal(t, "apply", items[0].DomInfo.ID)
}

func TestSecondHelloReplacesSession(t *testing.T) {
	a, _, _, _ := setupAgent(t)
	caps := models.Capabilities{EntryTypes: []metrics.EntryType{metrics.Paint}}
	ingest(t, a,
		signal(t, models.TypeHello, hello(caps, nil)),
		signal(t, models.TypeMetric, models.Metric{Name: "listSize", Value: 20}),
	)
	queue := a.queue
	first := a.session

	ingest(t, a, signal(t, models.TypeHello, hello(caps, nil)))

	stats := a.Stats()
	assert.Equal(t, 2, stats.Sessions)
	assert.Same(t, queue, a.queue)
	assert.NotSame(t, first, a.session)
	require.NotNil(t, stats.Final)
	assert.Equal(t, float64(20), stats.Final.Custom["listSize"])
	assert.Empty(t, first.platform.handlers)
}

func TestIngestAppliesValidSignals(t *testing.T) {
	a, _, _, _ := setupAgent(t)

	err := a.Ingest(context.Background(), []models.Signal{
		signal(t, models.TypeHello, hello(models.Capabilities{}, nil)),
		{TSUTC: 1, Type: "scroll"},
		signal(t, models.TypeDOMRect, models.DOMRect{ID: 4, Rect: dom.Rect{Width: 80, Height: 32}}),
	})
	require.Error(t, err)

	stats := a.Stats()
	assert.Equal(t, 2, stats.Signals)
	assert.Equal(t, 1, stats.Rejected)
	assert.Equal(t, 80.0, a.session.doc.Lookup(4).Rect.Width)
}

func TestNewValidatesDeps(t *testing.T) {
	_, err := New(Config{Endpoint: "https://collect.example.com"}, Deps{})
	assert.Error(t, err)

	_, err = New(Config{}, Deps{Scheduler: looptest.New(time.Now()), Runner: syncRunner{}, Sender: &fakeSender{}})
	assert.Error(t, err)
}

func TestLateNavigationEntryReportsInitPage(t *testing.T) {
	a, sched, sender, _ := setupAgent(t)
	caps := models.Capabilities{EntryTypes: []metrics.EntryType{metrics.Paint, metrics.LargestPaint, metrics.Navigation}}
	ingest(t, a,
		signal(t, models.TypeHello, hello(caps, nil)),
		signal(t, models.TypePerfEntries, models.PerfEntries{Type: metrics.LargestPaint, Entries: []models.PerfEntry{
			{Entry: metrics.Entry{StartTime: 9000, Size: 5000}, ElementID: 2},
		}}),
		signal(t, models.TypePerfEntries, models.PerfEntries{Type: metrics.Paint, Entries: []models.PerfEntry{
			{Entry: metrics.Entry{Name: "first-paint", StartTime: 500}},
			{Entry: metrics.Entry{Name: "first-contentful-paint", StartTime: 600}},
		}}),
	)
	assert.Nil(t, a.Stats().Metrics.TTFB)

	ingest(t, a, signal(t, models.TypePerfEntries, models.PerfEntries{Type: metrics.Navigation, Entries: []models.PerfEntry{
		{
			Entry:           metrics.Entry{Type: metrics.Navigation, Name: "https://jobs.example.com/list?page=2"},
			NavigationEntry: &metrics.NavigationEntry{RequestStart: 100, ResponseStart: 400, ResponseEnd: 450},
		},
	}}))

	events := flushEvents(t, a, sched, sender)
	require.Equal(t, []report.Kind{report.KindPageView, report.KindInitPage}, kinds(events))
	first := payload[metrics.FirstSnapshot](t, events[1])
	assert.Equal(t, 9000.0, first.LCP)
	assert.Equal(t, 300.0, first.TTFB)
}

func TestPerfEntryTypeMismatchIsRejected(t *testing.T) {
	a, _, _, _ := setupAgent(t)
	caps := models.Capabilities{EntryTypes: []metrics.EntryType{metrics.Paint, metrics.LargestPaint}}
	ingest(t, a, signal(t, models.TypeHello, hello(caps, nil)))

	err := a.Ingest(context.Background(), []models.Signal{
		signal(t, models.TypePerfEntries, models.PerfEntries{Type: metrics.Paint, Entries: []models.PerfEntry{
			{Entry: metrics.Entry{Name: "first-paint", StartTime: 500}},
			{Entry: metrics.Entry{Type: metrics.LargestPaint, StartTime: 1200}},
		}}),
	})
	assert.True(t, errors.Is(err, ErrRejected))

	snap := a.Stats().Metrics
	assert.Nil(t, snap.FirstPaint)
	assert.Nil(t, snap.LCP)
}

func TestInsertWithNullChildIsRejected(t *testing.T) {
	a, _, _, _ := setupAgent(t)
	ingest(t, a, signal(t, models.TypeHello, hello(models.Capabilities{}, nil)))

	err := a.Ingest(context.Background(), []models.Signal{{
		TSUTC: 1_700_000_000_000,
		Type:  models.TypeDOMInsert,
		Data:  json.RawMessage(`{"parent":1,"node":{"id":50,"tag":"DIV","children":[null]}}`),
	}})
	assert.True(t, errors.Is(err, ErrRejected))
	assert.True(t, errors.Is(err, dom.ErrNilNode))
	assert.Nil(t, a.session.doc.Lookup(50))
	assert.Equal(t, 1, a.Stats().Rejected)
}
