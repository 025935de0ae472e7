// Package dom mirrors the tagged part of a page's document tree.
//
// The page shim serialises elements that carry identification attributes
// (data-item-id, data-analytics-id, data-observer-key, data-role, ...) and
// streams structural mutations. Collectors read attributes, role-tagged text
// and bounding rects from this mirror instead of the live page.
package dom

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	ErrUnknownNode   = errors.New("unknown node")
	ErrDuplicateNode = errors.New("duplicate node id")
	ErrNilNode       = errors.New("nil node")
)

// Rect is a bounding client rect in CSS pixels.
type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Node is one mirrored element.
type Node struct {
	ID       int64             `json:"id"`
	Tag      string            `json:"tag"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Text     string            `json:"text,omitempty"`
	Rect     Rect              `json:"rect"`
	Children []*Node           `json:"children,omitempty"`

	parent *Node
	doc    *Document
}

// Attr returns the attribute value, or "" when absent.
func (n *Node) Attr(name string) string {
	if n == nil {
		return ""
	}
	return n.Attrs[name]
}

func (n *Node) HasAttr(name string) bool {
	if n == nil {
		return false
	}
	_, ok := n.Attrs[name]
	return ok
}

func (n *Node) Parent() *Node {
	return n.parent
}

// Closest returns the nearest inclusive ancestor carrying attr.
func (n *Node) Closest(attr string) *Node {
	for cur := n; cur != nil; cur = cur.parent {
		if cur.HasAttr(attr) {
			return cur
		}
	}
	return nil
}

// Contains reports whether other is n or one of its descendants.
func (n *Node) Contains(other *Node) bool {
	for cur := other; cur != nil; cur = cur.parent {
		if cur == n {
			return true
		}
	}
	return false
}

// QueryAll returns the descendants of n (excluding n) that carry attr, in
// document order.
func (n *Node) QueryAll(attr string) []*Node {
	var out []*Node
	var walk func(*Node)
	walk = func(cur *Node) {
		for _, c := range cur.Children {
			if c.HasAttr(attr) {
				out = append(out, c)
			}
			walk(c)
		}
	}
	walk(n)
	return out
}

// QueryRole returns the descendants tagged data-role=role.
func (n *Node) QueryRole(role string) []*Node {
	var out []*Node
	for _, c := range n.QueryAll("data-role") {
		if c.Attr("data-role") == role {
			out = append(out, c)
		}
	}
	return out
}

// TextContent concatenates the text of n and its descendants.
func (n *Node) TextContent() string {
	var b strings.Builder
	var walk func(*Node)
	walk = func(cur *Node) {
		b.WriteString(cur.Text)
		for _, c := range cur.Children {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// Connected reports whether n is still attached to its document.
func (n *Node) Connected() bool {
	if n == nil || n.doc == nil {
		return false
	}
	root := n
	for root.parent != nil {
		root = root.parent
	}
	return root == n.doc.root
}

// Position is a rounded rect plus its area.
type Position struct {
	Top    int `json:"top"`
	Left   int `json:"left"`
	Width  int `json:"width"`
	Height int `json:"height"`
	Area   int `json:"area"`
}

// ElementInfo is the content snapshot attached to exposure reports.
type ElementInfo struct {
	TagName   string            `json:"tagName"`
	ID        string            `json:"id"`
	ClassName string            `json:"className"`
	Text      string            `json:"text"`
	Href      string            `json:"href"`
	Src       string            `json:"src"`
	Alt       string            `json:"alt"`
	Title     string            `json:"title"`
	Data      map[string]string `json:"data,omitempty"`
	Position  Position          `json:"position"`
}

var infoDataAttrs = []string{"data-id", "data-name", "data-type", "data-category"}

const maxInfoText = 100

func (n *Node) Info() ElementInfo {
	text := n.TextContent()
	if r := []rune(text); len(r) > maxInfoText {
		text = string(r[:maxInfoText])
	}
	info := ElementInfo{
		TagName:   strings.ToLower(n.Tag),
		ID:        n.Attr("id"),
		ClassName: n.Attr("class"),
		Text:      strings.TrimSpace(text),
		Href:      n.Attr("href"),
		Src:       n.Attr("src"),
		Alt:       n.Attr("alt"),
		Title:     n.Attr("title"),
		Position: Position{
			Top:    round(n.Rect.Top),
			Left:   round(n.Rect.Left),
			Width:  round(n.Rect.Width),
			Height: round(n.Rect.Height),
			Area:   round(n.Rect.Width * n.Rect.Height),
		},
	}
	for _, attr := range infoDataAttrs {
		if v := n.Attr(attr); v != "" {
			if info.Data == nil {
				info.Data = make(map[string]string)
			}
			info.Data[strings.TrimPrefix(attr, "data-")] = v
		}
	}
	return info
}

// Path returns a CSS-like path from the root to n, e.g.
// "body > div.list > button#apply".
func (n *Node) Path() string {
	var parts []string
	for cur := n; cur != nil; cur = cur.parent {
		sel := strings.ToLower(cur.Tag)
		switch {
		case cur.Attr("id") != "":
			sel += "#" + cur.Attr("id")
		case len(strings.Fields(cur.Attr("class"))) > 0:
			sel += "." + strings.Join(strings.Fields(cur.Attr("class")), ".")
		case cur.parent != nil:
			sel += fmt.Sprintf(":nth-child(%d)", cur.index()+1)
		}
		parts = append(parts, sel)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}

func (n *Node) index() int {
	for i, c := range n.parent.Children {
		if c == n {
			return i
		}
	}
	return -1
}

func round(v float64) int {
	return int(math.Round(v))
}
