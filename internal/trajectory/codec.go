// Package trajectory captures pointer paths over listing items, packs them
// into a compact numeric stream and replays them for review.
package trajectory

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// sentinel is appended to the packed y digits so a trailing zero in y
// survives float formatting (y=20 must not come back as 2).
const sentinel = "1"

var (
	ErrOddLength         = errors.New("trajectory stream has odd length")
	ErrMalformedPosition = errors.New("malformed packed position")
	ErrMalformedRect     = errors.New("malformed rect")
)

// Pack folds integer parts of x and y into one number "<x>.<y>1". y is
// clamped to zero. Only valid while both fit as plain integers; the scheme
// round-trips exactly for 0 <= x, y < 1e6.
func Pack(x, y float64) float64 {
	xi := int64(x)
	yi := int64(y)
	if yi < 0 {
		yi = 0
	}
	v, _ := strconv.ParseFloat(fmt.Sprintf("%d.%d%s", xi, yi, sentinel), 64)
	return v
}

// Unpack reverses Pack.
func Unpack(v float64) (x, y int, err error) {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	intPart, frac, ok := strings.Cut(s, ".")
	if !ok || len(frac) < 2 || !strings.HasSuffix(frac, sentinel) {
		return 0, 0, fmt.Errorf("%w: %s", ErrMalformedPosition, s)
	}
	x, err = strconv.Atoi(intPart)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %s", ErrMalformedPosition, s)
	}
	y, err = strconv.Atoi(frac[:len(frac)-len(sentinel)])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %s", ErrMalformedPosition, s)
	}
	return x, y, nil
}

// Trajectory is the flat (packedXY, timeField) pair stream.
type Trajectory []float64

// Len returns the number of samples.
func (t Trajectory) Len() int {
	return len(t) / 2
}

// Append adds one sample captured at now. The first time field is the
// absolute capture instant in unix milliseconds; every later one is the
// offset from that first instant, not from the previous sample.
func (t Trajectory) Append(packed float64, now time.Time) Trajectory {
	ms := float64(now.UnixMilli())
	if len(t) >= 2 {
		ms -= t[1]
	}
	return append(t, packed, ms)
}

// Expand turns the stream into flat (x, y, interval) triples. The first
// interval is always 0 whatever was stored.
func Expand(stream []float64) ([]float64, error) {
	if len(stream)%2 != 0 {
		return nil, fmt.Errorf("%w: %d values", ErrOddLength, len(stream))
	}
	out := make([]float64, 0, len(stream)/2*3)
	for i := 0; i < len(stream); i += 2 {
		x, y, err := Unpack(stream[i])
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i/2, err)
		}
		interval := stream[i+1]
		if i == 0 {
			interval = 0
		}
		out = append(out, float64(x), float64(y), interval)
	}
	return out, nil
}

// FormatRect renders the "<width>.<height>" rect string.
func FormatRect(width, height float64) string {
	return fmt.Sprintf("%d.%d", int64(width), int64(height))
}

// ParseRect reverses FormatRect.
func ParseRect(rect string) (width, height int, err error) {
	w, h, ok := strings.Cut(rect, ".")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedRect, rect)
	}
	if width, err = strconv.Atoi(w); err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedRect, rect)
	}
	if height, err = strconv.Atoi(h); err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedRect, rect)
	}
	return width, height, nil
}
