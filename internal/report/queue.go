package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vincentbai/attentrace/internal/loop"
)

const DefaultFlushInterval = 3 * time.Second

// Sender delivers one batch body. done must be called exactly once; it may be
// called from any goroutine.
type Sender interface {
	Send(ctx context.Context, body []byte, done func(error))
}

// Beacon hands a body to a one-way transport without waiting for delivery.
type Beacon interface {
	Beacon(body []byte) bool
}

type Config struct {
	Endpoint      string
	FlushInterval time.Duration
	Device        DeviceInfo
	Sender        Sender
	Beacon        Beacon
	Tracer        trace.Tracer
	Logger        *log.Logger
}

// Stats counts queue activity since construction.
type Stats struct {
	Buffered int  `json:"buffered"`
	InFlight bool `json:"inFlight"`
	Flushes  int  `json:"flushes"`
	Failures int  `json:"failures"`
	Sent     int  `json:"sent"`
	Beacons  int  `json:"beacons"`
}

// Queue buffers events and flushes them on animation frames once the flush
// interval has passed since the last attempt. At most one flush is in flight.
// All methods must run on the scheduler's loop.
type Queue struct {
	sched  loop.Scheduler
	cfg    Config
	tracer trace.Tracer

	buffer      []Event
	inFlight    bool
	lastAttempt time.Time
	frame       loop.Token
	closed      bool
	stats       Stats
}

func NewQueue(sched loop.Scheduler, cfg Config) (*Queue, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("report endpoint cannot be empty")
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("report sender cannot be nil")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Device.SessionID == "" {
		cfg.Device.SessionID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/vincentbai/attentrace/internal/report")
	}

	q := &Queue{
		sched:       sched,
		cfg:         cfg,
		tracer:      tracer,
		lastAttempt: sched.Now(),
	}
	q.frame = sched.RequestFrame(q.tick)
	return q, nil
}

func (q *Queue) Device() DeviceInfo {
	return q.cfg.Device
}

// Report appends an event. payload is marshalled immediately.
func (q *Queue) Report(kind Kind, payload any) error {
	if q.closed {
		return ErrClosed
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	q.buffer = append(q.buffer, Event{Type: kind, Payload: data, DeviceInfo: q.cfg.Device})
	return nil
}

func (q *Queue) Len() int {
	return len(q.buffer)
}

func (q *Queue) Stats() Stats {
	s := q.stats
	s.Buffered = len(q.buffer)
	s.InFlight = q.inFlight
	return s
}

func (q *Queue) tick(now time.Time) {
	q.frame = nil
	if q.closed {
		return
	}
	if len(q.buffer) > 0 && !q.inFlight && now.Sub(q.lastAttempt) > q.cfg.FlushInterval {
		q.Flush()
	}
	q.frame = q.sched.RequestFrame(q.tick)
}

// Flush sends the whole buffer as one batch. It reports false without sending
// when the buffer is empty or a flush is already in flight. Events reported
// while the batch is in flight stay queued after it completes.
func (q *Queue) Flush() bool {
	if q.closed || q.inFlight || len(q.buffer) == 0 {
		return false
	}
	n := len(q.buffer)
	body, err := q.body(n)
	if err != nil {
		q.cfg.Logger.Printf("ERROR: %v", err)
		return false
	}

	q.inFlight = true
	q.lastAttempt = q.sched.Now()
	q.stats.Flushes++

	ctx, span := q.tracer.Start(context.Background(), "report.flush", trace.WithAttributes(
		attribute.String("report.endpoint", q.cfg.Endpoint),
		attribute.Int("report.events", n),
		attribute.Int("report.bytes", len(body)),
	))
	q.cfg.Sender.Send(ctx, body, func(err error) {
		q.sched.Post(func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
			q.complete(n, err)
		})
	})
	return true
}

func (q *Queue) complete(n int, err error) {
	q.inFlight = false
	q.lastAttempt = q.sched.Now()
	if err != nil {
		q.stats.Failures++
		q.cfg.Logger.Printf("WARN: flush of %d events failed, keeping them for retry: %v", n, err)
		return
	}
	q.stats.Sent += n
	q.buffer = append([]Event(nil), q.buffer[n:]...)
}

// Hide hands the current buffer to the beacon transport. The buffer is kept;
// a later flush may deliver the same events again.
func (q *Queue) Hide() bool {
	if q.closed || len(q.buffer) == 0 || q.cfg.Beacon == nil {
		return false
	}
	body, err := q.body(len(q.buffer))
	if err != nil {
		q.cfg.Logger.Printf("ERROR: %v", err)
		return false
	}
	if !q.cfg.Beacon.Beacon(body) {
		q.cfg.Logger.Printf("WARN: beacon rejected %d events", len(q.buffer))
		return false
	}
	q.stats.Beacons++
	return true
}

func (q *Queue) body(n int) ([]byte, error) {
	body, err := json.Marshal(Batch{DeviceInfo: q.cfg.Device, Data: q.buffer[:n]})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch: %w", err)
	}
	return body, nil
}

// Close stops the flush loop. Buffered events are not sent.
func (q *Queue) Close() {
	if q.closed {
		return
	}
	q.closed = true
	if q.frame != nil {
		q.frame.Cancel()
		q.frame = nil
	}
}

func (q *Queue) Closed() bool {
	return q.closed
}
