package trajectory

import (
	"time"

	"github.com/vincentbai/attentrace/internal/loop"
)

// Padding is the total canvas padding around the subject rect, in CSS px.
const Padding = 8

// Canvas is the drawing surface a replay renders on.
type Canvas interface {
	Resize(width, height float64)
	Clear()
	MoveTo(x, y float64)
	LineTo(x, y float64)
	Stroke()
	Dot(x, y, radius float64)
}

// PlayOptions configures one playback.
type PlayOptions struct {
	// PixelRatio scales every coordinate; zero means 1.
	PixelRatio float64
	OnFinished func()
}

// Player animates one recorder. All methods must run on the scheduler's
// loop.
type Player struct {
	sched   loop.Scheduler
	canvas  Canvas
	dpr     float64
	triples []float64
	index   int

	timer      loop.Token
	onFinished func()
	finished   bool
	cancelled  bool
}

// Play decodes rec and starts animating it on canvas. The first point is
// drawn on the next loop turn. Malformed streams fail here, before anything
// is drawn.
func Play(sched loop.Scheduler, canvas Canvas, rec *Recorder, opts PlayOptions) (*Player, error) {
	triples, err := Expand(rec.Positions)
	if err != nil {
		return nil, err
	}
	width, height, err := ParseRect(rec.Rect)
	if err != nil {
		return nil, err
	}
	dpr := opts.PixelRatio
	if dpr <= 0 {
		dpr = 1
	}

	canvas.Resize(float64(width)*dpr+Padding*dpr, float64(height)*dpr+Padding*dpr)

	p := &Player{
		sched:      sched,
		canvas:     canvas,
		dpr:        dpr,
		triples:    triples,
		onFinished: opts.OnFinished,
	}
	p.timer = sched.AfterFunc(0, p.step)
	return p, nil
}

func (p *Player) step() {
	if p.cancelled || p.finished {
		return
	}
	if p.index >= len(p.triples) {
		p.finish()
		return
	}

	i := p.index
	half := float64(Padding) / 2
	x := p.triples[i]*p.dpr + half
	y := p.triples[i+1]*p.dpr + half

	if i == 0 {
		p.canvas.Clear()
		p.canvas.MoveTo(x, y)
	} else {
		p.canvas.LineTo(x, y)
	}
	p.canvas.Stroke()
	p.canvas.Dot(x, y, 1.5*p.dpr)

	p.index += 3
	if p.index >= len(p.triples) {
		p.finish()
		return
	}

	// The wait after point i is interval[i] - interval[i-1]; it lags the
	// recorded gaps by one sample.
	prev := 0.0
	if i > 0 {
		prev = p.triples[i-1]
	}
	delay := p.triples[i+2] - prev
	if delay < 0 {
		delay = 0
	}
	p.timer = p.sched.AfterFunc(time.Duration(delay*float64(time.Millisecond)), p.step)
}

func (p *Player) finish() {
	p.finished = true
	p.timer = nil
	if p.onFinished != nil {
		p.onFinished()
	}
}

// Cancel stops the playback. A cancelled playback never reports completion.
func (p *Player) Cancel() {
	if p.finished || p.cancelled {
		return
	}
	p.cancelled = true
	if p.timer != nil {
		p.timer.Cancel()
		p.timer = nil
	}
}

// Finished reports whether the last point has been drawn.
func (p *Player) Finished() bool {
	return p.finished
}

// Points returns the number of points drawn so far.
func (p *Player) Points() int {
	return p.index / 3
}
