// Package report batches telemetry events and delivers them to the
// collection endpoint.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the closed set of event types the endpoint accepts.
type Kind string

const (
	KindPageView   Kind = "page_view"
	KindExposure   Kind = "exposure"
	KindInitPage   Kind = "init-page"
	KindClick      Kind = "click_event"
	KindResource   Kind = "resource_event"
	KindTrajectory Kind = "trajectory"
)

var kinds = map[Kind]bool{
	KindPageView:   true,
	KindExposure:   true,
	KindInitPage:   true,
	KindClick:      true,
	KindResource:   true,
	KindTrajectory: true,
}

var (
	ErrUnknownKind    = errors.New("unknown report kind")
	ErrClosed         = errors.New("report queue closed")
	ErrConfigConflict = errors.New("report queue already open with a different config")
)

func (k Kind) Valid() bool {
	return kinds[k]
}

func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// DeviceInfo describes the browser a session runs in. It is fixed when the
// queue is constructed.
type DeviceInfo struct {
	SessionID      string `json:"sessionId"`
	UserAgent      string `json:"userAgent"`
	Language       string `json:"language"`
	ScreenWidth    int    `json:"screenWidth"`
	ScreenHeight   int    `json:"screenHeight"`
	ViewportWidth  int    `json:"viewportWidth"`
	ViewportHeight int    `json:"viewportHeight"`
	Timezone       string `json:"timezone"`
}

// Event is one queued report.
type Event struct {
	Type       Kind            `json:"type"`
	Payload    json.RawMessage `json:"logData"`
	DeviceInfo DeviceInfo      `json:"browserInfo"`
}

// Batch is the body of one delivery.
type Batch struct {
	DeviceInfo DeviceInfo `json:"deviceInfo"`
	Data       []Event    `json:"data"`
}
