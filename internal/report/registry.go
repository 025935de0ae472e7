package report

import (
	"fmt"
	"sync"

	"github.com/vincentbai/attentrace/internal/loop"
)

// Registry hands out one queue per endpoint.
type Registry struct {
	mu     sync.Mutex
	queues map[string]*Queue
}

func NewRegistry() *Registry {
	return &Registry{queues: make(map[string]*Queue)}
}

// Open returns the queue for cfg.Endpoint, constructing it on first use. A
// second Open with a different flush interval fails with ErrConfigConflict;
// the rest of cfg only applies to the first construction. Closed queues are
// replaced.
func (r *Registry) Open(sched loop.Scheduler, cfg Config) (*Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if q, ok := r.queues[cfg.Endpoint]; ok && !q.Closed() {
		if q.cfg.FlushInterval != interval {
			return nil, fmt.Errorf("%w: %s flushes every %s, asked for %s",
				ErrConfigConflict, cfg.Endpoint, q.cfg.FlushInterval, interval)
		}
		return q, nil
	}

	q, err := NewQueue(sched, cfg)
	if err != nil {
		return nil, err
	}
	r.queues[cfg.Endpoint] = q
	return q, nil
}
