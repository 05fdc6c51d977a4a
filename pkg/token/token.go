// Package token extracts and refreshes the short-lived per-session values
// (claim token, app id, anti-forgery token) the upstream expects on every
// request.
//
// Nothing in this package fails its caller: a missing token degrades to the
// configured default and a failed refresh keeps the stale value.
package token

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/Sternrassler/discovery-harvester/internal/clock"
	"github.com/Sternrassler/discovery-harvester/pkg/credentials"
	"github.com/rs/zerolog"
)

// Fields names one value per token kind.
type Fields struct {
	Claim string `yaml:"claim"`
	AppID string `yaml:"app_id"`
	CSRF  string `yaml:"csrf"`
}

// Config describes where tokens are found and how often they are re-derived.
type Config struct {
	// ResponseHeaders are the response header names carrying each token.
	ResponseHeaders Fields `yaml:"response_headers"`

	// RequestHeaders are the header names each token is sent under.
	RequestHeaders Fields `yaml:"request_headers"`

	// MetaNames are the document meta/script keys searched when a header is absent.
	MetaNames Fields `yaml:"meta_names"`

	// CSRFCookie is the session cookie holding the anti-forgery token.
	CSRFCookie string `yaml:"csrf_cookie"`

	// Defaults are used when a value is found nowhere.
	Defaults Fields `yaml:"defaults"`

	// RefreshEvery re-derives the claim token after this many successful calls.
	RefreshEvery int `yaml:"refresh_every"`

	// TTL re-derives tokens older than this regardless of call count.
	TTL time.Duration `yaml:"ttl"`

	// RefreshURL is the lightweight page requested to re-derive tokens.
	RefreshURL string `yaml:"refresh_url"`
}

// DefaultConfig returns the reference token configuration.
func DefaultConfig() Config {
	return Config{
		ResponseHeaders: Fields{Claim: "X-Claim-Token", AppID: "X-App-Id", CSRF: "X-Csrf-Token"},
		RequestHeaders:  Fields{Claim: "X-Claim-Token", AppID: "X-App-Id", CSRF: "X-Csrf-Token"},
		MetaNames:       Fields{Claim: "claim_token", AppID: "app_id", CSRF: "csrf_token"},
		CSRFCookie:      "csrftoken",
		Defaults:        Fields{Claim: "0", AppID: "0", CSRF: "missing"},
		RefreshEvery:    25,
		TTL:             10 * time.Minute,
	}
}

// Fetcher issues the lightweight refresh request for a session.
type Fetcher interface {
	FetchTokens(ctx context.Context, sess *credentials.Session) (http.Header, []byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, sess *credentials.Session) (http.Header, []byte, error)

// FetchTokens calls f.
func (f FetcherFunc) FetchTokens(ctx context.Context, sess *credentials.Session) (http.Header, []byte, error) {
	return f(ctx, sess)
}

// Lifecycle extracts, stores and refreshes session tokens.
type Lifecycle struct {
	store   *credentials.Store
	fetcher Fetcher
	cfg     Config
	clock   clock.Clock
	logger  zerolog.Logger

	patternsMu sync.Mutex
	patterns   map[string]*regexp.Regexp
}

// NewLifecycle creates a token lifecycle. A nil fetcher disables refreshes,
// which suits anonymous pools.
func NewLifecycle(store *credentials.Store, fetcher Fetcher, cfg Config, clk clock.Clock, logger zerolog.Logger) *Lifecycle {
	return &Lifecycle{
		store:    store,
		fetcher:  fetcher,
		cfg:      cfg,
		clock:    clock.OrSystem(clk),
		logger:   logger,
		patterns: make(map[string]*regexp.Regexp),
	}
}

// Extract pulls the three token values from a response, falling back from
// headers to document fields to defaults, stores them on the session and
// returns them.
func (l *Lifecycle) Extract(headers http.Header, body []byte, sess *credentials.Session) credentials.TokenSet {
	var doc *goquery.Document
	document := func() *goquery.Document {
		if doc == nil && len(body) > 0 {
			parsed, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
			if err != nil {
				l.logger.Debug().Err(err).Msg("Token body not parseable as document")
				parsed = &goquery.Document{Selection: &goquery.Selection{}}
			}
			doc = parsed
		}
		return doc
	}

	lookup := func(header, meta, fallback string) (string, string) {
		if header != "" {
			if v := strings.TrimSpace(headers.Get(header)); v != "" {
				return v, "header"
			}
		}
		if meta != "" && len(body) > 0 {
			if v := metaValue(document(), meta); v != "" {
				return v, "meta"
			}
			if v := l.scriptValue(body, meta); v != "" {
				return v, "script"
			}
		}
		return "", ""
	}

	claim, claimSrc := lookup(l.cfg.ResponseHeaders.Claim, l.cfg.MetaNames.Claim, l.cfg.Defaults.Claim)
	appID, appSrc := lookup(l.cfg.ResponseHeaders.AppID, l.cfg.MetaNames.AppID, l.cfg.Defaults.AppID)
	csrf, csrfSrc := lookup(l.cfg.ResponseHeaders.CSRF, l.cfg.MetaNames.CSRF, l.cfg.Defaults.CSRF)
	if csrf == "" && sess != nil && l.cfg.CSRFCookie != "" {
		if v := sess.Cookies[l.cfg.CSRFCookie]; v != "" {
			csrf, csrfSrc = v, "cookie"
		}
	}

	tokens := credentials.TokenSet{
		ClaimToken:  orDefault(claim, l.cfg.Defaults.Claim),
		AppID:       orDefault(appID, l.cfg.Defaults.AppID),
		CSRFToken:   orDefault(csrf, l.cfg.Defaults.CSRF),
		ExtractedAt: l.clock.Now(),
	}
	for kind, src := range map[string]string{"claim": claimSrc, "app_id": appSrc, "csrf": csrfSrc} {
		if src == "" {
			src = "default"
		}
		extractionsTotal.WithLabelValues(kind, src).Inc()
	}

	if sess != nil && l.store != nil {
		l.store.SetTokens(sess, tokens)
	}
	return tokens
}

// RefreshIfDue re-derives the session's tokens when the call counter hits a
// multiple of RefreshEvery or the tokens have outlived their TTL. It reports
// whether a refresh succeeded.
func (l *Lifecycle) RefreshIfDue(ctx context.Context, sess *credentials.Session, callCounter int) bool {
	due := l.cfg.RefreshEvery > 0 && callCounter > 0 && callCounter%l.cfg.RefreshEvery == 0
	reason := "call_count"
	if !due && l.cfg.TTL > 0 {
		tokens := l.store.Tokens(sess)
		if !tokens.ExtractedAt.IsZero() && l.clock.Now().Sub(tokens.ExtractedAt) >= l.cfg.TTL {
			due, reason = true, "ttl"
		}
	}
	if !due {
		return false
	}
	return l.refresh(ctx, sess, reason)
}

// Ensure extracts tokens for a session that has none yet.
func (l *Lifecycle) Ensure(ctx context.Context, sess *credentials.Session) {
	if !l.store.Tokens(sess).IsZero() {
		return
	}
	if !l.refresh(ctx, sess, "initial") {
		// Store defaults so requests still carry every header.
		l.Extract(http.Header{}, nil, sess)
	}
}

// ForceRefresh re-derives tokens unconditionally. Failures are swallowed.
func (l *Lifecycle) ForceRefresh(ctx context.Context, sess *credentials.Session) {
	l.refresh(ctx, sess, "forced")
}

func (l *Lifecycle) refresh(ctx context.Context, sess *credentials.Session, reason string) bool {
	if l.fetcher == nil || sess == nil {
		return false
	}

	headers, body, err := l.fetcher.FetchTokens(ctx, sess)
	if err != nil {
		refreshesTotal.WithLabelValues(reason, "failed").Inc()
		l.logger.Warn().
			Err(err).
			Str("session_id", sess.ID).
			Str("reason", reason).
			Msg("Token refresh failed, keeping stale tokens")
		return false
	}

	tokens := l.Extract(headers, body, sess)
	refreshesTotal.WithLabelValues(reason, "ok").Inc()
	l.logger.Debug().
		Str("session_id", sess.ID).
		Str("reason", reason).
		Bool("default_claim", tokens.ClaimToken == l.cfg.Defaults.Claim).
		Msg("Tokens refreshed")
	return true
}

// Headers returns the session's tokens under the configured request header
// names, substituting defaults for missing values.
func (l *Lifecycle) Headers(sess *credentials.Session) http.Header {
	tokens := l.store.Tokens(sess)
	h := http.Header{}
	set := func(name, value, fallback string) {
		if name == "" {
			return
		}
		if v := orDefault(value, fallback); v != "" {
			h.Set(name, v)
		}
	}
	set(l.cfg.RequestHeaders.Claim, tokens.ClaimToken, l.cfg.Defaults.Claim)
	set(l.cfg.RequestHeaders.AppID, tokens.AppID, l.cfg.Defaults.AppID)
	set(l.cfg.RequestHeaders.CSRF, tokens.CSRFToken, l.cfg.Defaults.CSRF)
	return h
}

func metaValue(doc *goquery.Document, name string) string {
	if doc == nil {
		return ""
	}
	sel := fmt.Sprintf(`meta[name=%q], meta[property=%q]`, name, name)
	return strings.TrimSpace(doc.Find(sel).First().AttrOr("content", ""))
}

// scriptValue finds `"name":"value"` anywhere in the body, which covers inline
// script config blobs and JSON responses alike.
func (l *Lifecycle) scriptValue(body []byte, name string) string {
	l.patternsMu.Lock()
	re, ok := l.patterns[name]
	if !ok {
		re = regexp.MustCompile(`"` + regexp.QuoteMeta(name) + `"\s*:\s*"([^"\\]+)"`)
		l.patterns[name] = re
	}
	l.patternsMu.Unlock()

	if m := re.FindSubmatch(body); len(m) == 2 {
		return string(m[1])
	}
	return ""
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
