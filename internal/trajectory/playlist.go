package trajectory

import (
	"time"

	"github.com/vincentbai/attentrace/internal/loop"
)

// DefaultGap is the pause between two playlist items.
const DefaultGap = 2 * time.Second

// PlaylistOptions configures a Playlist.
type PlaylistOptions struct {
	Gap        time.Duration
	PixelRatio float64
	// Canvas returns the surface for one item.
	Canvas func(index int, rec *Recorder) Canvas
	// OnItem runs when an item finishes or fails to decode.
	OnItem     func(index int, rec *Recorder, err error)
	OnFinished func()
}

// Playlist replays recorders one after another, pausing Gap between items.
type Playlist struct {
	sched loop.Scheduler
	items []*Recorder
	opts  PlaylistOptions

	index   int
	player  *Player
	gap     loop.Token
	stopped bool
}

func NewPlaylist(sched loop.Scheduler, items []*Recorder, opts PlaylistOptions) *Playlist {
	if opts.Gap <= 0 {
		opts.Gap = DefaultGap
	}
	return &Playlist{sched: sched, items: items, opts: opts, index: -1}
}

// Start plays the first item.
func (pl *Playlist) Start() {
	pl.next()
}

// Skip cuts the current item or pause short and plays the next item now.
func (pl *Playlist) Skip() {
	if pl.stopped {
		return
	}
	pl.clear()
	pl.next()
}

// Cancel stops playback; no further callbacks run.
func (pl *Playlist) Cancel() {
	pl.stopped = true
	pl.clear()
}

// Current returns the index of the item playing or about to play.
func (pl *Playlist) Current() int {
	return pl.index
}

func (pl *Playlist) clear() {
	if pl.player != nil {
		pl.player.Cancel()
		pl.player = nil
	}
	if pl.gap != nil {
		pl.gap.Cancel()
		pl.gap = nil
	}
}

func (pl *Playlist) next() {
	if pl.stopped {
		return
	}
	pl.index++
	if pl.index >= len(pl.items) {
		pl.stopped = true
		if pl.opts.OnFinished != nil {
			pl.opts.OnFinished()
		}
		return
	}

	i := pl.index
	rec := pl.items[i]
	var canvas Canvas = nopCanvas{}
	if pl.opts.Canvas != nil {
		canvas = pl.opts.Canvas(i, rec)
	}

	player, err := Play(pl.sched, canvas, rec, PlayOptions{
		PixelRatio: pl.opts.PixelRatio,
		OnFinished: func() { pl.itemDone(i, rec) },
	})
	if err != nil {
		if pl.opts.OnItem != nil {
			pl.opts.OnItem(i, rec, err)
		}
		pl.next()
		return
	}
	pl.player = player
}

func (pl *Playlist) itemDone(i int, rec *Recorder) {
	pl.player = nil
	if pl.opts.OnItem != nil {
		pl.opts.OnItem(i, rec, nil)
	}
	if pl.stopped {
		return
	}
	if i == len(pl.items)-1 {
		pl.next()
		return
	}
	pl.gap = pl.sched.AfterFunc(pl.opts.Gap, func() {
		pl.gap = nil
		pl.next()
	})
}

type nopCanvas struct{}

func (nopCanvas) Resize(float64, float64) {}

func (nopCanvas) Clear() {}

func (nopCanvas) MoveTo(float64, float64) {}

func (nopCanvas) LineTo(float64, float64) {}

func (nopCanvas) Stroke() {}

func (nopCanvas) Dot(float64, float64, float64) {}
