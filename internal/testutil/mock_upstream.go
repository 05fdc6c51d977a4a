// Package testutil provides a mock upstream for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockResponse defines one canned response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// Feed is a paginated collection served by the mock.
type Feed struct {
	Items    []string
	PageSize int

	// Claimed overrides the total reported to clients; zero means len(Items).
	Claimed int

	// Truncate maps a cursor to the number of times a request at that cursor
	// is answered with a soft-throttled page: half the items, no next cursor,
	// has_next_page=false.
	Truncate map[string]int
}

// MockUpstream is a configurable fake of the remote service.
//
// Built-in routes:
//
//	/                    token page (headers and meta tags)
//	/api/feed            nested feed layout (?entity=&after=&first=)
//	/api/list            flat list layout (?entity=&max_id=)
//	/profile/{entity}/   HTML page linking to items
//	/api/item/{id}       one raw record
type MockUpstream struct {
	server *httptest.Server

	mu       sync.Mutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
	queued   map[string][]MockResponse
	feeds    map[string]*Feed
	lists    map[string]*Feed
	pages    map[string]string
	records  map[string]string
	counts   map[string]int

	// Tracking
	RequestCount      int
	LastRequestHeader http.Header
}

// NewMockUpstream starts a mock upstream server.
func NewMockUpstream() *MockUpstream {
	m := &MockUpstream{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
		queued:   make(map[string][]MockResponse),
		feeds:    make(map[string]*Feed),
		lists:    make(map[string]*Feed),
		pages:    make(map[string]string),
		records:  make(map[string]string),
		counts:   make(map[string]int),
	}

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.RequestCount++
		m.counts[r.URL.Path]++
		m.LastRequestHeader = r.Header.Clone()

		var queued *MockResponse
		if q := m.queued[r.URL.Path]; len(q) > 0 {
			queued = &q[0]
			m.queued[r.URL.Path] = q[1:]
		}
		handler, exists := m.handlers[r.URL.Path]
		m.mu.Unlock()

		switch {
		case queued != nil:
			writeResponse(w, *queued)
		case exists:
			handler(w, r)
		default:
			m.route(w, r)
		}
	}))

	return m
}

// URL returns the mock server URL.
func (m *MockUpstream) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockUpstream) Close() {
	m.server.Close()
}

// SetHandler sets a custom handler for a specific path.
func (m *MockUpstream) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockUpstream) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, resp)
	})
}

// Enqueue makes the next requests to path return the given responses, in
// order, before normal routing resumes.
func (m *MockUpstream) Enqueue(path string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued[path] = append(m.queued[path], responses...)
}

// SetFeed serves items for an entity on /api/feed.
func (m *MockUpstream) SetFeed(entity string, feed Feed) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeds[entity] = cloneFeed(feed)
}

// SetList serves items for an entity on /api/list.
func (m *MockUpstream) SetList(entity string, feed Feed) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[entity] = cloneFeed(feed)
}

// SetPage serves an HTML document at /profile/{entity}/.
func (m *MockUpstream) SetPage(entity, html string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[entity] = html
}

// SetRecord serves a raw record at /api/item/{id}.
func (m *MockUpstream) SetRecord(id, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id] = body
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockUpstream) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RequestCount
}

// PathCount returns the number of requests made to one path.
func (m *MockUpstream) PathCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[path]
}

// LastHeader returns the headers of the most recent request.
func (m *MockUpstream) LastHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LastRequestHeader.Clone()
}

func (m *MockUpstream) route(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	q := r.URL.Query()

	switch {
	case path == "/":
		w.Header().Set("X-Claim-Token", "claim-from-header")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `<html><head><meta name="app_id" content="936619743392459"></head>`+
			`<body><script>window._cfg = {"csrf_token":"csrf-from-script"};</script></body></html>`)

	case path == "/api/feed":
		m.serveFeed(w, m.feeds, q.Get("entity"), q.Get("after"), q.Get("first"), feedBody)

	case path == "/api/list":
		m.serveFeed(w, m.lists, q.Get("entity"), q.Get("max_id"), q.Get("count"), listBody)

	case strings.HasPrefix(path, "/profile/"):
		entity := strings.Trim(strings.TrimPrefix(path, "/profile/"), "/")
		m.mu.Lock()
		html, ok := m.pages[entity]
		m.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, html)

	case strings.HasPrefix(path, "/api/item/"):
		id := strings.Trim(strings.TrimPrefix(path, "/api/item/"), "/")
		m.mu.Lock()
		body, ok := m.records[id]
		m.mu.Unlock()
		if !ok {
			writeResponse(w, NewNotFoundResponse())
			return
		}
		writeResponse(w, MockResponse{StatusCode: http.StatusOK, Body: body, Headers: jsonHeaders()})

	default:
		writeResponse(w, NewNotFoundResponse())
	}
}

type bodyFunc func(items []string, next string, hasNext bool, claimed int) any

func (m *MockUpstream) serveFeed(w http.ResponseWriter, feeds map[string]*Feed, entity, cursor, first string, body bodyFunc) {
	m.mu.Lock()
	feed, ok := feeds[entity]
	if !ok {
		m.mu.Unlock()
		writeResponse(w, NewNotFoundResponse())
		return
	}

	offset, _ := strconv.Atoi(cursor)
	size := feed.PageSize
	if n, err := strconv.Atoi(first); err == nil && n > 0 && (size == 0 || n < size) {
		size = n
	}
	if size <= 0 {
		size = 50
	}
	end := min(offset+size, len(feed.Items))
	if offset > end {
		offset = end
	}
	items := feed.Items[offset:end]
	next := FeedCursor(end)
	hasNext := end < len(feed.Items)

	truncated := false
	if feed.Truncate[cursor] > 0 {
		feed.Truncate[cursor]--
		items = items[:len(items)/2]
		next, hasNext, truncated = "", false, true
	}
	if !hasNext {
		next = ""
	}
	claimed := feed.Claimed
	if claimed == 0 {
		claimed = len(feed.Items)
	}
	m.mu.Unlock()

	payload, _ := json.Marshal(body(items, next, hasNext, claimed))
	headers := jsonHeaders()
	if truncated {
		headers["X-Mock-Truncated"] = "true"
	}
	writeResponse(w, MockResponse{StatusCode: http.StatusOK, Body: string(payload), Headers: headers})
}

func feedBody(items []string, next string, hasNext bool, claimed int) any {
	edges := make([]map[string]any, 0, len(items))
	for _, id := range items {
		edges = append(edges, map[string]any{"node": map[string]any{"shortcode": id}})
	}
	var endCursor any
	if next != "" {
		endCursor = next
	}
	return map[string]any{
		"data": map[string]any{
			"user": map[string]any{
				"feed": map[string]any{
					"count":     claimed,
					"page_info": map[string]any{"has_next_page": hasNext, "end_cursor": endCursor},
					"edges":     edges,
				},
			},
		},
		"status": "ok",
	}
}

func listBody(items []string, next string, hasNext bool, claimed int) any {
	list := make([]map[string]any, 0, len(items))
	for _, id := range items {
		list = append(list, map[string]any{"code": id})
	}
	return map[string]any{
		"items":          list,
		"next_max_id":    next,
		"more_available": hasNext,
		"num_results":    len(items),
		"status":         "ok",
	}
}

// FeedCursor returns the cursor the mock hands out for an item offset.
func FeedCursor(offset int) string {
	if offset == 0 {
		return ""
	}
	return strconv.Itoa(offset)
}

// GenerateIDs returns n distinct identifiers of the upstream's 11-character format.
func GenerateIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("Id%09d", i)
	}
	return ids
}

func cloneFeed(f Feed) *Feed {
	out := f
	out.Items = append([]string(nil), f.Items...)
	out.Truncate = make(map[string]int, len(f.Truncate))
	for k, v := range f.Truncate {
		out.Truncate[k] = v
	}
	return &out
}

func jsonHeaders() map[string]string {
	return map[string]string{"Content-Type": "application/json; charset=utf-8"}
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"message":"Please wait a few minutes before you try again.","status":"fail"}`,
		Headers:    jsonHeaders(),
	}
}

// NewBlockedResponse creates a 403 Forbidden response.
func NewBlockedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusForbidden,
		Body:       `{"message":"login_required","status":"fail"}`,
		Headers:    jsonHeaders(),
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"message":"Internal server error","status":"fail"}`,
		Headers:    jsonHeaders(),
	}
}

// NewNotFoundResponse creates a 404 Not Found response.
func NewNotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"message":"not found","status":"fail"}`,
		Headers:    jsonHeaders(),
	}
}

// NewSoftRateLimitResponse creates a 200 response whose body says to slow down.
func NewSoftRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"message":"Please wait a few minutes before you try again.","status":"fail"}`,
		Headers:    jsonHeaders(),
	}
}
