package agent

import (
	"fmt"

	"github.com/vincentbai/attentrace/internal/metrics"
)

// pagePlatform replays perf.entries signals into metrics subscriptions.
type pagePlatform struct {
	supported  map[metrics.EntryType]bool
	handlers   map[metrics.EntryType]func([]metrics.Entry)
	navigation *metrics.NavigationEntry
	connection *metrics.NetworkInfo
}

func newPagePlatform(types []metrics.EntryType, nav *metrics.NavigationEntry, conn *metrics.NetworkInfo) *pagePlatform {
	p := &pagePlatform{
		supported:  make(map[metrics.EntryType]bool),
		handlers:   make(map[metrics.EntryType]func([]metrics.Entry)),
		navigation: nav,
		connection: conn,
	}
	for _, t := range types {
		p.supported[t] = true
	}
	return p
}

func (p *pagePlatform) Supports(t metrics.EntryType) bool {
	return p.supported[t]
}

func (p *pagePlatform) Observe(t metrics.EntryType, fn func([]metrics.Entry)) (metrics.Subscription, error) {
	if !p.supported[t] {
		return nil, fmt.Errorf("entry type %s not supported", t)
	}
	if _, ok := p.handlers[t]; ok {
		return nil, fmt.Errorf("entry type %s already observed", t)
	}
	p.handlers[t] = fn
	return subscription(func() error {
		delete(p.handlers, t)
		return nil
	}), nil
}

func (p *pagePlatform) Navigation() (metrics.NavigationEntry, bool) {
	if p.navigation == nil {
		return metrics.NavigationEntry{}, false
	}
	return *p.navigation, true
}

func (p *pagePlatform) Connection() *metrics.NetworkInfo {
	return p.connection
}

// dispatch reports whether anything was listening for t.
func (p *pagePlatform) dispatch(t metrics.EntryType, entries []metrics.Entry) bool {
	fn, ok := p.handlers[t]
	if !ok || len(entries) == 0 {
		return false
	}
	fn(entries)
	return true
}

type subscription func() error

func (s subscription) Disconnect() error {
	return s()
}
