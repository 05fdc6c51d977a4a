package client

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Sternrassler/discovery-harvester/internal/testutil"
	"github.com/Sternrassler/discovery-harvester/pkg/credentials"
	"github.com/rs/zerolog"
)

func newTestClient() *Client {
	cfg := DefaultConfig()
	cfg.Impersonate = false
	cfg.Timeout = 5 * time.Second
	return New(cfg, zerolog.Nop())
}

func TestSend_NonThrowingOnErrorStatus(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/broken", testutil.NewServerErrorResponse())

	resp, err := newTestClient().Send(context.Background(), Request{URL: mock.URL() + "/broken"})
	if err != nil {
		t.Fatalf("Send() error = %v, want nil for 500", err)
	}
	if resp.Status != http.StatusInternalServerError {
		t.Errorf("Status = %d, want 500", resp.Status)
	}
	if len(resp.Body) == 0 {
		t.Error("Body is empty")
	}
}

func TestSend_TransportFailure(t *testing.T) {
	mock := testutil.NewMockUpstream()
	url := mock.URL()
	mock.Close()

	_, err := newTestClient().Send(context.Background(), Request{URL: url + "/"})
	if err == nil {
		t.Fatal("Send() to closed server error = nil")
	}
	if got := Classify(err); got != ErrorClassServerOrNetwork {
		t.Errorf("Classify(transport error) = %q, want %q", got, ErrorClassServerOrNetwork)
	}
}

func TestSend_RequestTimeout(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/slow", testutil.MockResponse{StatusCode: 200, Delay: 500 * time.Millisecond})

	_, err := newTestClient().Send(context.Background(), Request{URL: mock.URL() + "/slow", Timeout: 20 * time.Millisecond})
	if got := Classify(err); got != ErrorClassServerOrNetwork {
		t.Errorf("Classify(timeout) = %q, want %q (err = %v)", got, ErrorClassServerOrNetwork, err)
	}
}

func TestFetch_AppliesSession(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/ok", testutil.MockResponse{StatusCode: 200, Body: `{"status":"ok"}`})

	sess := &credentials.Session{
		ID:           "s1",
		CredentialID: "a",
		Cookies:      map[string]string{"sessionid": "abc", "csrftoken": "tok"},
		UserAgent:    "UA/test",
	}
	req := Request{URL: mock.URL() + "/ok", Header: http.Header{"X-App-Id": {"42"}}}

	if _, err := newTestClient().Fetch(context.Background(), sess, req); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	h := mock.LastHeader()
	if got := h.Get("Cookie"); got != "csrftoken=tok; sessionid=abc" {
		t.Errorf("Cookie = %q, want sorted session cookies", got)
	}
	if got := h.Get("User-Agent"); got != "UA/test" {
		t.Errorf("User-Agent = %q, want UA/test", got)
	}
	if got := h.Get("X-App-Id"); got != "42" {
		t.Errorf("X-App-Id = %q, want 42", got)
	}
	if req.Header.Get("Cookie") != "" {
		t.Error("Fetch() mutated the caller's header")
	}
}

func TestFetch_ClassifiesStatus(t *testing.T) {
	tests := []struct {
		name     string
		resp     testutil.MockResponse
		expected ErrorClass
	}{
		{name: "forbidden", resp: testutil.NewBlockedResponse(), expected: ErrorClassBlocked},
		{name: "too many requests", resp: testutil.NewRateLimitResponse(), expected: ErrorClassRateLimited},
		{name: "server error", resp: testutil.NewServerErrorResponse(), expected: ErrorClassServerOrNetwork},
		{name: "not found", resp: testutil.NewNotFoundResponse(), expected: ErrorClassNonRetryable},
		{name: "soft rate limit body", resp: testutil.NewSoftRateLimitResponse(), expected: ErrorClassRateLimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockUpstream()
			defer mock.Close()
			mock.SetResponse("/x", tt.resp)

			resp, err := newTestClient().Fetch(context.Background(), nil, Request{URL: mock.URL() + "/x"})
			var reqErr *RequestError
			if !errors.As(err, &reqErr) {
				t.Fatalf("Fetch() error = %v, want *RequestError", err)
			}
			if reqErr.ErrorClass != tt.expected {
				t.Errorf("ErrorClass = %q, want %q", reqErr.ErrorClass, tt.expected)
			}
			if resp == nil || resp.Status != tt.resp.StatusCode {
				t.Errorf("Fetch() response status mismatch, want %d", tt.resp.StatusCode)
			}
		})
	}
}

func TestEndpoint_Request(t *testing.T) {
	ep := Endpoint{
		Method:   http.MethodPost,
		URL:      "https://upstream.test/api/feed?doc_id={doc_id}&entity={entity}&after={cursor}&first={page_size}",
		Body:     `{"id":"{entity}","after":"{cursor}"}`,
		DocID:    "7950326061742207",
		PageSize: 12,
		Headers:  map[string]string{"X-Requested-With": "XMLHttpRequest"},
	}

	req := ep.Request(map[string]string{"entity": "some user", "cursor": "QVF&x"})

	wantURL := "https://upstream.test/api/feed?doc_id=7950326061742207&entity=some+user&after=QVF%26x&first=12"
	if req.URL != wantURL {
		t.Errorf("URL = %q, want %q", req.URL, wantURL)
	}
	if got := string(req.Body); got != `{"id":"some user","after":"QVF&x"}` {
		t.Errorf("Body = %q", got)
	}
	if req.Method != http.MethodPost {
		t.Errorf("Method = %q, want POST", req.Method)
	}
	if got := req.Header.Get("X-Requested-With"); got != "XMLHttpRequest" {
		t.Errorf("X-Requested-With = %q", got)
	}
}

func TestEndpoint_DefaultsToGet(t *testing.T) {
	req := Endpoint{URL: "https://upstream.test/{entity}/"}.Request(map[string]string{"entity": "alice"})
	if req.Method != http.MethodGet {
		t.Errorf("Method = %q, want GET", req.Method)
	}
	if req.URL != "https://upstream.test/alice/" {
		t.Errorf("URL = %q", req.URL)
	}
}
