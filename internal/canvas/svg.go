// Package canvas provides drawing surfaces for trajectory replays.
package canvas

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// DefaultLineWidth is the stroke width used when none is given.
const DefaultLineWidth = 0.8

type point struct {
	x, y float64
}

type dot struct {
	point
	r float64
}

// SVG accumulates drawing operations and renders them as one SVG document.
type SVG struct {
	width, height float64
	lineWidth     float64

	paths   [][]point
	dots    []dot
	strokes int
}

// NewSVG returns an empty surface with the given line width.
func NewSVG(lineWidth float64) *SVG {
	if lineWidth <= 0 {
		lineWidth = DefaultLineWidth
	}
	return &SVG{lineWidth: lineWidth}
}

func (s *SVG) Resize(width, height float64) {
	s.width, s.height = width, height
}

func (s *SVG) Clear() {
	s.paths = nil
	s.dots = nil
}

func (s *SVG) MoveTo(x, y float64) {
	s.paths = append(s.paths, []point{{x, y}})
}

func (s *SVG) LineTo(x, y float64) {
	if len(s.paths) == 0 {
		s.MoveTo(x, y)
		return
	}
	last := len(s.paths) - 1
	s.paths[last] = append(s.paths[last], point{x, y})
}

func (s *SVG) Stroke() {
	s.strokes++
}

func (s *SVG) Dot(x, y, radius float64) {
	s.dots = append(s.dots, dot{point{x, y}, radius})
}

// Points returns how many path vertices have been drawn.
func (s *SVG) Points() int {
	n := 0
	for _, p := range s.paths {
		n += len(p)
	}
	return n
}

// WriteTo renders the document.
func (s *SVG) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	bw := bufio.NewWriter(cw)

	fmt.Fprintf(bw, `<svg xmlns="http://www.w3.org/2000/svg" width="%s" height="%s" viewBox="0 0 %s %s">`+"\n",
		num(s.width), num(s.height), num(s.width), num(s.height))
	for _, p := range s.paths {
		if len(p) == 0 {
			continue
		}
		var d strings.Builder
		for i, pt := range p {
			if i == 0 {
				d.WriteString("M")
			} else {
				d.WriteString(" L")
			}
			d.WriteString(num(pt.x) + " " + num(pt.y))
		}
		fmt.Fprintf(bw, `  <path d="%s" fill="none" stroke="red" stroke-width="%s"/>`+"\n", d.String(), num(s.lineWidth))
	}
	for _, dt := range s.dots {
		fmt.Fprintf(bw, `  <circle cx="%s" cy="%s" r="%s" fill="rgba(0,0,255,0.7)"/>`+"\n", num(dt.x), num(dt.y), num(dt.r))
	}
	bw.WriteString("</svg>\n")

	if err := bw.Flush(); err != nil {
		return cw.n, fmt.Errorf("failed to write svg: %w", err)
	}
	return cw.n, nil
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
