package discovery

import (
	"context"
	"fmt"

	"github.com/Sternrassler/discovery-harvester/pkg/client"
	"github.com/Sternrassler/discovery-harvester/pkg/credentials"
	"github.com/Sternrassler/discovery-harvester/pkg/pagination"
)

// DefaultSoftThrottleCap bounds re-requests of a soft-throttled cursor.
const DefaultSoftThrottleCap = 3

// PaginatedConfig configures a cursor-walking strategy.
type PaginatedConfig struct {
	Name     string             `yaml:"name"`
	Endpoint client.Endpoint    `yaml:"endpoint"`
	Shapes   []pagination.Shape `yaml:"shapes"`

	// MaxAttempts per page; zero uses the orchestrator default.
	MaxAttempts int `yaml:"max_attempts"`

	// MaxPages bounds the walk, throttle re-requests included.
	MaxPages int `yaml:"max_pages"`

	// SoftThrottleCap is the number of times a truncated end-of-stream page
	// is re-requested on a fresh session. Zero disables detection.
	SoftThrottleCap int `yaml:"soft_throttle_cap"`
}

// Paginated walks a cursor-paginated endpoint. The primary variant detects
// soft throttling; the alternate variant targets a different endpoint and
// response shape and takes end-of-stream at face value.
type Paginated struct {
	cfg  PaginatedConfig
	kind Kind
}

// NewPrimaryPaginated creates the primary strategy.
func NewPrimaryPaginated(cfg PaginatedConfig) *Paginated {
	if cfg.Name == "" {
		cfg.Name = "primary"
	}
	if len(cfg.Shapes) == 0 {
		cfg.Shapes = []pagination.Shape{pagination.FeedShape(), pagination.ListShape()}
	}
	if cfg.SoftThrottleCap == 0 {
		cfg.SoftThrottleCap = DefaultSoftThrottleCap
	}
	return newPaginated(cfg, KindPrimaryPaginated)
}

// NewAlternateShape creates the alternate paginated strategy.
func NewAlternateShape(cfg PaginatedConfig) *Paginated {
	if cfg.Name == "" {
		cfg.Name = "alternate"
	}
	if len(cfg.Shapes) == 0 {
		cfg.Shapes = []pagination.Shape{pagination.ListShape(), pagination.FeedShape()}
	}
	cfg.SoftThrottleCap = 0
	return newPaginated(cfg, KindAlternateShape)
}

func newPaginated(cfg PaginatedConfig, kind Kind) *Paginated {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1000
	}
	if cfg.SoftThrottleCap < 0 {
		cfg.SoftThrottleCap = 0
	}
	return &Paginated{cfg: cfg, kind: kind}
}

// Name returns the configured strategy name.
func (s *Paginated) Name() string { return s.cfg.Name }

// Kind returns the strategy variant.
func (s *Paginated) Kind() Kind { return s.kind }

// Run fetches pages in cursor order until end of stream, the target is met or
// a page fails after retries.
func (s *Paginated) Run(ctx context.Context, env *Env) error {
	var cursor pagination.Cursor
	throttleRetries := 0

	for requests := 0; requests < s.cfg.MaxPages; requests++ {
		if env.Satisfied() {
			return nil
		}

		token := cursor.Token()
		var page pagination.Page
		var served *credentials.Session

		err := env.Execute(ctx, s.cfg.MaxAttempts, func(ctx context.Context, sess *credentials.Session, attempt int) error {
			req := env.request(s.cfg.Endpoint, sess, map[string]string{
				"entity": env.Entity,
				"cursor": token,
			})
			resp, err := env.Fetcher.Fetch(ctx, sess, req)
			if err != nil {
				return err
			}
			p, err := pagination.ParsePage(resp.Body, s.cfg.Shapes)
			if err != nil {
				return client.Malformed("%s page at batch %d: %v", s.cfg.Name, cursor.Batch(), err)
			}
			page, served = p, sess
			return nil
		})
		if err != nil {
			return fmt.Errorf("%s at batch %d: %w", s.cfg.Name, cursor.Batch(), err)
		}

		cursor.Observe(page)
		added := env.Merge(page.Items)

		env.Logger.Debug().
			Str("strategy", s.cfg.Name).
			Int("batch", cursor.Batch()).
			Int("page_items", len(page.Items)).
			Int("added", added).
			Int("found", env.Found()).
			Int("claimed", cursor.Claimed()).
			Bool("has_more", !page.EndOfStream()).
			Msg("Page merged")

		if page.EndOfStream() && s.softThrottled(env, &cursor, page) {
			if throttleRetries < s.cfg.SoftThrottleCap {
				throttleRetries++
				env.stats.ThrottleRetries++
				softThrottleRetries.Inc()
				env.Orchestrator.Rotate(served)

				env.Logger.Warn().
					Str("strategy", s.cfg.Name).
					Int("found", env.Found()).
					Int("claimed", cursor.Claimed()).
					Int("throttle_retry", throttleRetries).
					Msg("Soft throttle detected, re-requesting cursor on fresh session")
				continue
			}

			env.Logger.Warn().
				Str("strategy", s.cfg.Name).
				Int("found", env.Found()).
				Int("claimed", cursor.Claimed()).
				Msg("Soft throttle cap reached, accepting truncated result")
			cursor.Advance(page)
			return nil
		}

		cursor.Advance(page)
		if page.EndOfStream() {
			return nil
		}
		if page.NextCursor == token {
			env.Logger.Warn().
				Str("strategy", s.cfg.Name).
				Str("cursor", token).
				Msg("Cursor did not advance, stopping walk")
			return nil
		}
	}

	env.Logger.Warn().
		Str("strategy", s.cfg.Name).
		Int("max_pages", s.cfg.MaxPages).
		Msg("Page limit reached")
	return nil
}

// softThrottled reports whether an end-of-stream page came too early: the
// upstream claims more items than it has served on this walk, counting every
// raw item whether or not it passed validation, and the target is unmet.
func (s *Paginated) softThrottled(env *Env, cursor *pagination.Cursor, last pagination.Page) bool {
	if s.cfg.SoftThrottleCap <= 0 {
		return false
	}
	claimed := cursor.Claimed()
	served := cursor.Retrieved() + len(last.Items)
	return claimed > 0 && served < claimed && !env.Satisfied()
}
