// Package metrics aggregates page performance timeline entries into a
// snapshot of loading, interactivity and visual-stability metrics.
package metrics

import "github.com/vincentbai/attentrace/internal/dom"

// EntryType names a performance timeline entry stream.
type EntryType string

const (
	LargestPaint EntryType = "largest-contentful-paint"
	LayoutShift  EntryType = "layout-shift"
	Paint        EntryType = "paint"
	Resource     EntryType = "resource"
	Event        EntryType = "event"
	Navigation   EntryType = "navigation"
)

// Entry is one timeline entry. Only the fields of its type are set.
type Entry struct {
	Type      EntryType `json:"entryType"`
	Name      string    `json:"name"`
	StartTime float64   `json:"startTime"`
	Duration  float64   `json:"duration"`

	// largest-contentful-paint
	Element  *dom.Node `json:"-"`
	LoadTime float64   `json:"loadTime,omitempty"`
	Size     float64   `json:"size,omitempty"`
	URL      string    `json:"url,omitempty"`

	// layout-shift
	Value          float64 `json:"value,omitempty"`
	HadRecentInput bool    `json:"hadRecentInput,omitempty"`

	// event
	InteractionID   int64     `json:"interactionId,omitempty"`
	ProcessingStart float64   `json:"processingStart,omitempty"`
	ProcessingEnd   float64   `json:"processingEnd,omitempty"`
	Target          *dom.Node `json:"-"`

	// resource
	TransferSize  int64  `json:"transferSize,omitempty"`
	InitiatorType string `json:"initiatorType,omitempty"`

	// navigation
	Timing *NavigationEntry `json:"-"`
}

// NavigationEntry carries the navigation timing marks of the page load.
type NavigationEntry struct {
	RedirectStart              float64 `json:"redirectStart"`
	RedirectEnd                float64 `json:"redirectEnd"`
	UnloadEventStart           float64 `json:"unloadEventStart"`
	UnloadEventEnd             float64 `json:"unloadEventEnd"`
	DomainLookupStart          float64 `json:"domainLookupStart"`
	DomainLookupEnd            float64 `json:"domainLookupEnd"`
	ConnectStart               float64 `json:"connectStart"`
	ConnectEnd                 float64 `json:"connectEnd"`
	SecureConnectionStart      float64 `json:"secureConnectionStart"`
	RequestStart               float64 `json:"requestStart"`
	ResponseStart              float64 `json:"responseStart"`
	ResponseEnd                float64 `json:"responseEnd"`
	DomInteractive             float64 `json:"domInteractive"`
	DomContentLoadedEventStart float64 `json:"domContentLoadedEventStart"`
	DomContentLoadedEventEnd   float64 `json:"domContentLoadedEventEnd"`
	DomComplete                float64 `json:"domComplete"`
	LoadEventStart             float64 `json:"loadEventStart"`
	LoadEventEnd               float64 `json:"loadEventEnd"`
}

// NetworkInfo is the page's reported connection quality.
type NetworkInfo struct {
	EffectiveType string  `json:"type"`
	Downlink      float64 `json:"downlink"`
	RTT           float64 `json:"rtt"`
}

// Subscription is an active entry stream.
type Subscription interface {
	Disconnect() error
}

// Platform is the page capability surface the monitor observes.
type Platform interface {
	Supports(t EntryType) bool
	Observe(t EntryType, fn func([]Entry)) (Subscription, error)
	Navigation() (NavigationEntry, bool)
	Connection() *NetworkInfo
}
