package models

import (
	"encoding/json"
	"fmt"

	"github.com/vincentbai/attentrace/internal/dom"
	"github.com/vincentbai/attentrace/internal/metrics"
	"github.com/vincentbai/attentrace/internal/pageview"
	"github.com/vincentbai/attentrace/internal/report"
)

// Signal types sent by the page shim.
const (
	TypeHello        = "hello"
	TypeDOMInsert    = "dom.insert"
	TypeDOMRemove    = "dom.remove"
	TypeDOMRect      = "dom.rect"
	TypeDOMAttr      = "dom.attr"
	TypeIntersection = "intersection"
	TypePointerEnter = "pointer.enter"
	TypePointerMove  = "pointer.move"
	TypePointerLeave = "pointer.leave"
	TypePointerOver  = "pointer.over"
	TypePerfEntries  = "perf.entries"
	TypeNavigate     = "navigate"
	TypeLifecycle    = "lifecycle"
	TypeMetric       = "metric"
)

var validSignalTypes = map[string]bool{
	TypeHello:        true,
	TypeDOMInsert:    true,
	TypeDOMRemove:    true,
	TypeDOMRect:      true,
	TypeDOMAttr:      true,
	TypeIntersection: true,
	TypePointerEnter: true,
	TypePointerMove:  true,
	TypePointerLeave: true,
	TypePointerOver:  true,
	TypePerfEntries:  true,
	TypeNavigate:     true,
	TypeLifecycle:    true,
	TypeMetric:       true,
}

type Signal struct {
	TSUTC int64           `json:"ts_utc"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"` // shape depends on Type
}

type Batch struct {
	Signals []Signal `json:"signals"`
}

func ValidateSignal(signal Signal) error {
	if signal.Type == "" {
		return fmt.Errorf("Type cannot be empty")
	}
	if !validSignalTypes[signal.Type] {
		return fmt.Errorf("invalid signal type: %s", signal.Type)
	}
	if signal.TSUTC < 0 {
		return fmt.Errorf("timestamp cannot be negative")
	}
	if len(signal.Data) > 0 && !json.Valid(signal.Data) {
		return fmt.Errorf("data is not valid JSON")
	}
	return nil
}

// Decode unmarshals the signal's data into T.
func Decode[T any](signal Signal) (T, error) {
	var v T
	if len(signal.Data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(signal.Data, &v); err != nil {
		return v, fmt.Errorf("failed to decode %s data: %w", signal.Type, err)
	}
	return v, nil
}

// Capabilities is what the page can observe.
type Capabilities struct {
	IntersectionObserver bool                `json:"intersectionObserver"`
	EntryTypes           []metrics.EntryType `json:"entryTypes"`
}

// Hello opens a page session.
type Hello struct {
	Capabilities Capabilities             `json:"capabilities"`
	Device       report.DeviceInfo        `json:"device"`
	Document     *dom.Node                `json:"document"`
	Navigation   *metrics.NavigationEntry `json:"navigation"`
	Connection   *metrics.NetworkInfo     `json:"connection"`
	Route        pageview.Route           `json:"route"`
	User         *pageview.UserInfo       `json:"user"`
	PixelRatio   float64                  `json:"pixelRatio"`
}

type DOMInsert struct {
	Parent int64     `json:"parent"`
	Node   *dom.Node `json:"node"`
}

type DOMRemove struct {
	ID int64 `json:"id"`
}

type DOMRect struct {
	ID   int64    `json:"id"`
	Rect dom.Rect `json:"rect"`
}

type DOMAttr struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

type IntersectionEntry struct {
	ID           int64   `json:"id"`
	Ratio        float64 `json:"ratio"`
	Intersecting bool    `json:"intersecting"`
}

type Intersection struct {
	Entries []IntersectionEntry `json:"entries"`
}

// Pointer is a pointer event. Key names the capture subject; Target is the
// node under the pointer for pointer.over.
type Pointer struct {
	Key    string  `json:"key"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Target int64   `json:"target"`
}

// PerfEntry is a timeline entry with its element references as node ids.
// Navigation entries carry their timing marks inline.
type PerfEntry struct {
	metrics.Entry
	*metrics.NavigationEntry
	ElementID int64 `json:"elementId,omitempty"`
	TargetID  int64 `json:"targetId,omitempty"`
}

type PerfEntries struct {
	Type    metrics.EntryType `json:"entryType"`
	Entries []PerfEntry       `json:"entries"`
}

type Lifecycle struct {
	State string `json:"state"` // visible|hidden
}

type Metric struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}
