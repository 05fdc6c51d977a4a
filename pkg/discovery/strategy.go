package discovery

import (
	"context"
	"net/http"

	"github.com/Sternrassler/discovery-harvester/pkg/client"
	"github.com/Sternrassler/discovery-harvester/pkg/credentials"
	"github.com/rs/zerolog"
)

// Kind tags a strategy variant.
type Kind string

const (
	KindPrimaryPaginated Kind = "primary_paginated"
	KindAlternateShape   Kind = "alternate_shape"
	KindDocumentScrape   Kind = "document_scrape"
	KindStaticFallback   Kind = "static_fallback"
)

// Strategy is one way of discovering an entity's items. Run merges what it
// finds through env.Merge and returns an error only when it gave up; items
// merged before the error are kept.
type Strategy interface {
	Name() string
	Kind() Kind
	Run(ctx context.Context, env *Env) error
}

// Fetcher sends a request on behalf of a session. *client.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, sess *credentials.Session, req client.Request) (*client.Response, error)
}

// HeaderSource supplies per-session token headers. *token.Lifecycle implements it.
type HeaderSource interface {
	Headers(sess *credentials.Session) http.Header
}

// Env is what a strategy sees while running for one entity.
type Env struct {
	Entity string
	Target int

	Orchestrator *client.Orchestrator
	Fetcher      Fetcher
	Tokens       HeaderSource
	Logger       zerolog.Logger

	result    *Result
	validator *Validator
	stats     *StrategyStats
}

// Merge validates candidates and adds the valid ones to the result. It
// returns how many were new.
func (e *Env) Merge(candidates []string) int {
	accepted, rejected := e.validator.Filter(candidates)
	if rejected > 0 {
		identifiersRejected.Add(float64(rejected))
		e.stats.addRejected(rejected)
	}
	return e.result.Add(accepted...)
}

// Found returns the number of distinct identifiers merged so far.
func (e *Env) Found() int {
	return e.result.Len()
}

// Satisfied reports whether the target has been reached.
func (e *Env) Satisfied() bool {
	return e.result.Len() >= e.Target
}

// Execute runs op through the orchestrator and records its report.
func (e *Env) Execute(ctx context.Context, maxAttempts int, op client.Operation) error {
	report, err := e.Orchestrator.Execute(ctx, maxAttempts, op)
	e.stats.addReport(report)
	return err
}

// request renders an endpoint and attaches the session's token headers.
func (e *Env) request(ep client.Endpoint, sess *credentials.Session, vars map[string]string) client.Request {
	req := ep.Request(vars)
	if e.Tokens != nil {
		for name, values := range e.Tokens.Headers(sess) {
			if req.Header.Get(name) == "" {
				req.Header[name] = values
			}
		}
	}
	return req
}

// StrategyStats are the observability counters of one strategy run.
// A strategy runs on one goroutine, so they are not synchronised.
type StrategyStats struct {
	Attempts        int                       `json:"attempts"`
	Errors          map[client.ErrorClass]int `json:"errors,omitempty"`
	ThrottleRetries int                       `json:"throttle_retries,omitempty"`
	Rejected        int                       `json:"rejected,omitempty"`
}

func newStrategyStats() *StrategyStats {
	return &StrategyStats{Errors: make(map[client.ErrorClass]int)}
}

func (s *StrategyStats) addReport(r client.Report) {
	s.Attempts += r.Attempts
	for class, n := range r.Errors {
		s.Errors[class] += n
	}
}

func (s *StrategyStats) addRejected(n int) {
	s.Rejected += n
}
