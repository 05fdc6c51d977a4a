// Package extract fetches, maps and stores the records of discovered items.
//
// Items of one entity are processed with bounded concurrency. A failing item
// is recorded in the Report and never stops the others; only cancellation
// ends extraction early.
package extract

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Sternrassler/discovery-harvester/pkg/cache"
	"github.com/Sternrassler/discovery-harvester/pkg/client"
	"github.com/Sternrassler/discovery-harvester/pkg/credentials"
	"github.com/Sternrassler/discovery-harvester/pkg/logging"
	"github.com/Sternrassler/discovery-harvester/pkg/sink"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Config holds extraction settings.
type Config struct {
	// Endpoint fetches one item; {entity} and {item_id} are substituted.
	Endpoint client.Endpoint `yaml:"endpoint"`

	// Concurrency bounds in-flight items per entity.
	Concurrency int `yaml:"concurrency"`

	// MaxAttempts per item; zero uses the orchestrator default.
	MaxAttempts int `yaml:"max_attempts"`

	Mapper JSONMapper `yaml:"mapper"`
}

// DefaultConfig returns the default extraction configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency: 4,
		Mapper:      DefaultJSONMapper(),
	}
}

// Fetcher sends a request on behalf of a session.
type Fetcher interface {
	Fetch(ctx context.Context, sess *credentials.Session, req client.Request) (*client.Response, error)
}

// Cache is the raw record cache. *cache.Manager implements it.
type Cache interface {
	Get(ctx context.Context, key cache.Key) (*cache.Entry, error)
	Set(ctx context.Context, key cache.Key, entry *cache.Entry) error
	TTL() time.Duration
}

// HeaderSource supplies per-session token headers.
type HeaderSource interface {
	Headers(sess *credentials.Session) http.Header
}

// Report summarises one entity's extraction.
type Report struct {
	Entity  string            `json:"entity"`
	Total   int               `json:"total"`
	Fetched int               `json:"fetched"`
	Cached  int               `json:"cached"`
	Failed  int               `json:"failed"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// Extractor runs the extraction phase.
type Extractor struct {
	cfg          Config
	orchestrator *client.Orchestrator
	fetcher      Fetcher
	sink         sink.Sink
	mapper       Mapper
	cache        Cache
	tokens       HeaderSource
	logger       zerolog.Logger
}

// Option customises an Extractor.
type Option func(*Extractor)

// WithCache enables the raw record cache.
func WithCache(c Cache) Option {
	return func(x *Extractor) { x.cache = c }
}

// WithMapper replaces the configured JSON mapper.
func WithMapper(m Mapper) Option {
	return func(x *Extractor) { x.mapper = m }
}

// WithTokens attaches token headers to item requests.
func WithTokens(t HeaderSource) Option {
	return func(x *Extractor) { x.tokens = t }
}

// New creates an extractor.
func New(cfg Config, orchestrator *client.Orchestrator, fetcher Fetcher, out sink.Sink, logger zerolog.Logger, opts ...Option) *Extractor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	x := &Extractor{
		cfg:          cfg,
		orchestrator: orchestrator,
		fetcher:      fetcher,
		sink:         out,
		mapper:       cfg.Mapper,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Extract processes ids for entity. The error is non-nil only when ctx was
// cancelled; the report then covers the items finished so far.
func (x *Extractor) Extract(ctx context.Context, entity string, ids []string) (*Report, error) {
	logger := logging.WithEntity(x.logger, entity)
	report := &Report{Entity: entity, Total: len(ids), Errors: make(map[string]string)}
	var mu sync.Mutex

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(x.cfg.Concurrency)

	for _, id := range ids {
		if egCtx.Err() != nil {
			break
		}
		eg.Go(func() error {
			start := time.Now()
			cached, err := x.extractOne(egCtx, entity, id)
			itemDuration.Observe(time.Since(start).Seconds())

			if err != nil && ctx.Err() != nil {
				return ctx.Err()
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed++
				report.Errors[id] = err.Error()
				itemsTotal.WithLabelValues("failed").Inc()
				logger.Warn().Err(err).Str("item_id", id).Msg("Item extraction failed")
			case cached:
				report.Cached++
				itemsTotal.WithLabelValues("cached").Inc()
			default:
				report.Fetched++
				itemsTotal.WithLabelValues("fetched").Inc()
			}
			return nil
		})
	}

	err := eg.Wait()
	if err == nil {
		err = ctx.Err()
	}

	event := logger.Info()
	if report.Failed > 0 {
		event = logger.Warn()
	}
	event.
		Int("total", report.Total).
		Int("fetched", report.Fetched).
		Int("cached", report.Cached).
		Int("failed", report.Failed).
		Msg("Extraction finished")

	return report, err
}

// extractOne serves an item from cache when possible, otherwise fetches it
// through the orchestrator. It reports whether the cache served it.
func (x *Extractor) extractOne(ctx context.Context, entity, id string) (bool, error) {
	key := cache.Key{Entity: entity, ItemID: id}

	if rec, ok := x.fromCache(ctx, key); ok {
		if err := x.sink.WriteRecord(ctx, rec); err != nil {
			return true, fmt.Errorf("write record: %w", err)
		}
		return true, nil
	}

	var rec sink.Record
	var resp *client.Response
	_, err := x.orchestrator.Execute(ctx, x.cfg.MaxAttempts, func(ctx context.Context, sess *credentials.Session, attempt int) error {
		req := x.cfg.Endpoint.Request(map[string]string{"entity": entity, "item_id": id})
		if x.tokens != nil {
			for name, values := range x.tokens.Headers(sess) {
				if req.Header.Get(name) == "" {
					req.Header[name] = values
				}
			}
		}
		r, err := x.fetcher.Fetch(ctx, sess, req)
		if err != nil {
			return err
		}
		m, err := x.mapper.Map(entity, id, r.Body)
		if err != nil {
			return client.Malformed("item %s: %v", id, err)
		}
		rec, resp = m, r
		return nil
	})
	if err != nil {
		return false, err
	}

	rec.FetchedAt = time.Now().UTC()
	if err := x.sink.WriteRecord(ctx, rec); err != nil {
		return false, fmt.Errorf("write record: %w", err)
	}

	if x.cache != nil {
		if err := x.cache.Set(ctx, key, cache.EntryFromResponse(resp, x.cache.TTL())); err != nil {
			x.logger.Warn().Err(err).Str("item_id", id).Msg("Failed to cache record")
		}
	}
	return false, nil
}

func (x *Extractor) fromCache(ctx context.Context, key cache.Key) (sink.Record, bool) {
	if x.cache == nil {
		return sink.Record{}, false
	}
	entry, err := x.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			x.logger.Warn().Err(err).Str("item_id", key.ItemID).Msg("Cache lookup failed")
		}
		return sink.Record{}, false
	}
	rec, err := x.mapper.Map(key.Entity, key.ItemID, entry.Data)
	if err != nil {
		x.logger.Warn().Err(err).Str("item_id", key.ItemID).Msg("Cached record unusable, refetching")
		return sink.Record{}, false
	}
	rec.FetchedAt = entry.CachedAt
	return rec, true
}
