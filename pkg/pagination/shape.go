package pagination

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrNoShape is returned when a body matches none of the given shapes.
var ErrNoShape = errors.New("response matches no known shape")

// ErrInvalidJSON is returned for bodies that are not JSON at all.
var ErrInvalidJSON = errors.New("response is not valid JSON")

// Shape describes one response layout with gjson paths. Items, Cursor,
// HasMore and Count are relative to Root; an empty Root means the document.
type Shape struct {
	Name    string `yaml:"name"`
	Root    string `yaml:"root"`
	Items   string `yaml:"items"`
	Cursor  string `yaml:"cursor"`
	HasMore string `yaml:"has_more"`
	Count   string `yaml:"count"`
}

// FeedShape is the nested graph layout:
// {"data":{"user":{"feed":{"count":N,"page_info":{...},"edges":[{"node":{"shortcode":...}}]}}}}.
func FeedShape() Shape {
	return Shape{
		Name:    "feed",
		Root:    "data.user.feed",
		Items:   "edges.#.node.shortcode",
		Cursor:  "page_info.end_cursor",
		HasMore: "page_info.has_next_page",
		Count:   "count",
	}
}

// ListShape is the flat list layout:
// {"items":[{"code":...}],"next_max_id":...,"more_available":bool,"num_results":N}.
func ListShape() Shape {
	return Shape{
		Name:    "list",
		Items:   "items.#.code",
		Cursor:  "next_max_id",
		HasMore: "more_available",
		Count:   "num_results",
	}
}

// Extract parses body with this shape. It reports false when the layout does
// not match.
func (s Shape) Extract(body []byte) (Page, bool) {
	root := gjson.ParseBytes(body)
	if s.Root != "" {
		root = root.Get(s.Root)
		if !root.IsObject() {
			return Page{}, false
		}
	}

	items := root.Get(s.Items)
	if !items.IsArray() {
		return Page{}, false
	}

	page := Page{Shape: s.Name}
	for _, item := range items.Array() {
		if id := item.String(); id != "" {
			page.Items = append(page.Items, id)
		}
	}

	if s.Cursor != "" {
		page.NextCursor = root.Get(s.Cursor).String()
	}
	if s.HasMore != "" {
		page.HasMore = root.Get(s.HasMore).Bool()
	} else {
		page.HasMore = page.NextCursor != ""
	}
	if s.Count != "" {
		page.Claimed = int(root.Get(s.Count).Int())
	}
	return page, true
}

// ParsePage returns the page extracted by the first matching shape.
func ParsePage(body []byte, shapes []Shape) (Page, error) {
	if !gjson.ValidBytes(body) {
		return Page{}, ErrInvalidJSON
	}
	for _, s := range shapes {
		if page, ok := s.Extract(body); ok {
			return page, nil
		}
	}
	return Page{}, fmt.Errorf("%w (tried %d)", ErrNoShape, len(shapes))
}
