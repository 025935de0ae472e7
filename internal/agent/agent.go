// Package agent turns page shim signals into collector calls and bridges the
// collectors to the report queue.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/vincentbai/attentrace/internal/exposure"
	"github.com/vincentbai/attentrace/internal/loop"
	"github.com/vincentbai/attentrace/internal/metrics"
	"github.com/vincentbai/attentrace/internal/models"
	"github.com/vincentbai/attentrace/internal/report"
)

var (
	ErrNoSession = errors.New("no page session, send hello first")
	// ErrRejected wraps every error caused by the content of a signal.
	ErrRejected = errors.New("signal rejected")
)

// Budget is the loading budget; a first snapshot over any limit is reported
// as init-page.
type Budget struct {
	LCP  float64
	TTFB float64
	FCP  float64
}

var DefaultBudget = Budget{LCP: 2500, TTFB: 2000, FCP: 3000}

func (b Budget) exceeded(lcp, ttfb, fcp float64) bool {
	return lcp > b.LCP || ttfb >= b.TTFB || fcp >= b.FCP
}

type Config struct {
	Endpoint          string
	FlushInterval     time.Duration
	Dwell             time.Duration
	ShowRatio         float64
	Throttle          time.Duration
	ResourceThreshold time.Duration
	EventThreshold    time.Duration
	ResourceDomains   []string
	// SubjectAttr marks elements whose pointer trajectories are captured;
	// its value is the subject key.
	SubjectAttr string
	Location    string
	Budget      Budget
	Logger      *log.Logger
}

// Runner executes fn on the loop that owns the agent.
type Runner interface {
	Do(ctx context.Context, fn func()) error
}

// Stats is a point-in-time view of the agent.
type Stats struct {
	Signals   int               `json:"signals"`
	Rejected  int               `json:"rejected"`
	Sessions  int               `json:"sessions"`
	Queue     report.Stats      `json:"queue"`
	Exposure  *exposure.Stats   `json:"exposure,omitempty"`
	Monitored bool              `json:"monitored"`
	Metrics   *metrics.Snapshot `json:"metrics,omitempty"`
	// Final is the snapshot of the last closed page session.
	Final *metrics.Snapshot `json:"final,omitempty"`
}

// Agent owns one page session at a time and a long-lived report queue. All
// methods except Ingest and Snapshot must run on the scheduler's loop.
type Agent struct {
	sched    loop.Scheduler
	runner   Runner
	cfg      Config
	registry *report.Registry
	sender   report.Sender
	beacon   report.Beacon
	tracer   trace.Tracer
	logger   *log.Logger

	queue   *report.Queue
	session *session
	final   *metrics.Snapshot
	stats   Stats
}

// Deps are the agent's collaborators.
type Deps struct {
	Scheduler loop.Scheduler
	Runner    Runner
	Registry  *report.Registry
	Sender    report.Sender
	Beacon    report.Beacon
	Tracer    trace.Tracer
}

func New(cfg Config, deps Deps) (*Agent, error) {
	if deps.Scheduler == nil || deps.Runner == nil {
		return nil, fmt.Errorf("agent needs a scheduler and a runner")
	}
	if deps.Sender == nil {
		return nil, fmt.Errorf("agent needs a report sender")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("report endpoint cannot be empty")
	}
	if cfg.SubjectAttr == "" {
		cfg.SubjectAttr = "data-analytics-id"
	}
	if cfg.Budget == (Budget{}) {
		cfg.Budget = DefaultBudget
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if deps.Registry == nil {
		deps.Registry = report.NewRegistry()
	}
	return &Agent{
		sched:    deps.Scheduler,
		runner:   deps.Runner,
		cfg:      cfg,
		registry: deps.Registry,
		sender:   deps.Sender,
		beacon:   deps.Beacon,
		tracer:   deps.Tracer,
		logger:   cfg.Logger,
	}, nil
}

// Ingest validates signals and applies them on the agent loop, in order.
// Invalid signals are skipped and counted; the first error is returned after
// the whole batch was applied.
func (a *Agent) Ingest(ctx context.Context, signals []models.Signal) error {
	var first error
	err := a.runner.Do(ctx, func() {
		for _, s := range signals {
			if err := a.Handle(s); err != nil {
				a.stats.Rejected++
				if first == nil {
					first = fmt.Errorf("%w: %w", ErrRejected, err)
				}
			}
		}
	})
	if err != nil {
		return err
	}
	return first
}

// Snapshot reads Stats on the agent loop.
func (a *Agent) Snapshot(ctx context.Context) (Stats, error) {
	var s Stats
	err := a.runner.Do(ctx, func() { s = a.Stats() })
	return s, err
}

func (a *Agent) Stats() Stats {
	s := a.stats
	s.Final = a.final
	if a.queue != nil {
		s.Queue = a.queue.Stats()
	}
	if a.session != nil {
		es := a.session.exposure.Stats()
		snap := a.session.monitor.Snapshot()
		s.Exposure = &es
		s.Metrics = &snap
		s.Monitored = a.session.monitor.Active()
	}
	return s
}

// Handle applies one signal.
func (a *Agent) Handle(signal models.Signal) error {
	if err := models.ValidateSignal(signal); err != nil {
		return fmt.Errorf("invalid signal: %w", err)
	}
	a.stats.Signals++

	if signal.Type == models.TypeHello {
		hello, err := models.Decode[models.Hello](signal)
		if err != nil {
			return err
		}
		return a.open(hello)
	}
	if a.session == nil {
		return fmt.Errorf("%s: %w", signal.Type, ErrNoSession)
	}
	return a.session.handle(signal)
}

func (a *Agent) open(hello models.Hello) error {
	if a.queue == nil || a.queue.Closed() {
		q, err := a.registry.Open(a.sched, report.Config{
			Endpoint:      a.cfg.Endpoint,
			FlushInterval: a.cfg.FlushInterval,
			Device:        hello.Device,
			Sender:        a.sender,
			Beacon:        a.beacon,
			Tracer:        a.tracer,
			Logger:        a.logger,
		})
		if err != nil {
			return err
		}
		a.queue = q
	}

	if a.session != nil {
		a.session.close()
		a.session = nil
	}
	s, err := newSession(a, hello)
	if err != nil {
		return err
	}
	a.session = s
	a.stats.Sessions++
	return nil
}

func (a *Agent) report(kind report.Kind, payload any) {
	if a.queue == nil {
		return
	}
	if err := a.queue.Report(kind, payload); err != nil {
		a.logger.Printf("WARN: dropped %s report: %v", kind, err)
	}
}

// Close ends the page session, hands what is still buffered to the beacon
// and stops the queue's flush loop.
func (a *Agent) Close() {
	if a.session != nil {
		a.session.close()
		a.session = nil
	}
	if a.queue != nil {
		a.queue.Hide()
		a.queue.Close()
	}
}
