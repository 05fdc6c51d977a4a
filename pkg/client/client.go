// Package client provides the upstream HTTP capability, the error taxonomy
// and the RetryOrchestrator that wraps every network operation.
package client

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/Sternrassler/discovery-harvester/pkg/credentials"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Config holds the HTTP capability configuration.
type Config struct {
	// Timeout applies to requests that do not set their own.
	Timeout time.Duration `yaml:"timeout"`

	// Proxy routes all requests through the given URL when set.
	Proxy string `yaml:"proxy"`

	// Impersonate wraps the transport with browser-like TLS and headers.
	Impersonate bool `yaml:"impersonate"`

	// UserAgent is used for sessions without their own user agent.
	UserAgent string `yaml:"user_agent"`

	// Headers are sent with every request.
	Headers map[string]string `yaml:"headers"`
}

// DefaultConfig returns a browser-like client configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:     30 * time.Second,
		Impersonate: true,
		UserAgent:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
		Headers: map[string]string{
			"Accept":          "*/*",
			"Accept-Language": "en-US,en;q=0.9",
		},
	}
}

// Request is one outgoing call.
type Request struct {
	Method  string
	URL     string
	Header  http.Header
	Body    []byte
	Timeout time.Duration
}

// Response is a fully read upstream response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Client sends requests to the upstream.
type Client struct {
	http   *resty.Client
	config Config
	logger zerolog.Logger
}

// New creates a client.
func New(cfg Config, logger zerolog.Logger) *Client {
	httpClient := resty.New()
	// Cookies come from the leased session, never from a shared jar.
	httpClient.SetCookieJar(nil)
	if cfg.Impersonate {
		httpClient.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(httpClient.GetClient().Transport)
	}
	if cfg.Proxy != "" {
		httpClient.SetProxy(cfg.Proxy)
	}
	if cfg.Timeout > 0 {
		httpClient.SetTimeout(cfg.Timeout)
	}
	for name, value := range cfg.Headers {
		httpClient.SetHeader(name, value)
	}
	if cfg.UserAgent != "" {
		httpClient.SetHeader("User-Agent", cfg.UserAgent)
	}

	return &Client{
		http:   httpClient,
		config: cfg,
		logger: logger,
	}
}

// Send performs one request. Non-2xx statuses are returned as a Response;
// only transport failures produce an error.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	r := c.http.R().
		SetContext(ctx).
		SetHeaderMultiValues(req.Header)
	if len(req.Body) > 0 {
		r.SetBody(req.Body)
	}

	startTime := time.Now()
	resp, err := r.Execute(method, req.URL)
	requestDuration.Observe(time.Since(startTime).Seconds())
	if err != nil {
		requestsTotal.WithLabelValues("transport_error").Inc()
		c.logger.Debug().
			Err(err).
			Str("method", method).
			Str("url", req.URL).
			Msg("Transport failure")
		return nil, fmt.Errorf("send %s %s: %w", method, req.URL, err)
	}

	requestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode())).Inc()
	return &Response{
		Status: resp.StatusCode(),
		Header: resp.Header(),
		Body:   resp.Body(),
	}, nil
}

// Fetch sends req on behalf of a session and turns failed statuses into a
// classified *RequestError. A 2xx body that carries a rate-limit message is
// also reported as rate_limited.
func (c *Client) Fetch(ctx context.Context, sess *credentials.Session, req Request) (*Response, error) {
	req.Header = withSession(req.Header, sess)

	resp, err := c.Send(ctx, req)
	if err != nil {
		return nil, err
	}

	if class := ClassifyStatus(resp.Status); class != "" {
		c.logger.Debug().
			Str("url", req.URL).
			Int("status", resp.Status).
			Str("error_class", string(class)).
			Msg("Upstream request error")
		return resp, &RequestError{
			StatusCode: resp.Status,
			ErrorClass: class,
			Message:    http.StatusText(resp.Status),
		}
	}

	if len(resp.Body) < 512 && containsRateLimitPhrase(string(resp.Body)) {
		return resp, &RequestError{
			StatusCode: resp.Status,
			ErrorClass: ErrorClassRateLimited,
			Message:    "rate limit message in response body",
		}
	}

	return resp, nil
}

// withSession returns a copy of h carrying the session's cookies and user agent.
func withSession(h http.Header, sess *credentials.Session) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	if sess == nil {
		return out
	}

	if len(sess.Cookies) > 0 {
		names := make([]string, 0, len(sess.Cookies))
		for name := range sess.Cookies {
			names = append(names, name)
		}
		sort.Strings(names)

		pairs := make([]string, 0, len(names))
		for _, name := range names {
			pairs = append(pairs, name+"="+sess.Cookies[name])
		}
		out.Set("Cookie", strings.Join(pairs, "; "))
	}
	if sess.UserAgent != "" {
		out.Set("User-Agent", sess.UserAgent)
	}
	return out
}
