package discovery

import (
	"context"
	"fmt"
)

// SeedSource supplies previously known identifiers for an entity.
type SeedSource interface {
	Seeds(ctx context.Context, entity string) ([]string, error)
}

// StaticSeeds is a fixed entity → identifiers table.
type StaticSeeds map[string][]string

// Seeds returns the identifiers listed for entity.
func (s StaticSeeds) Seeds(_ context.Context, entity string) ([]string, error) {
	return s[entity], nil
}

// StaticFallback is the last resort: identifiers from a seed source, no
// upstream traffic.
type StaticFallback struct {
	name   string
	source SeedSource
}

// NewStaticFallback creates the static strategy.
func NewStaticFallback(name string, source SeedSource) *StaticFallback {
	if name == "" {
		name = "static"
	}
	return &StaticFallback{name: name, source: source}
}

// Name returns the strategy name.
func (s *StaticFallback) Name() string { return s.name }

// Kind returns KindStaticFallback.
func (s *StaticFallback) Kind() Kind { return KindStaticFallback }

// Run merges the seeds for the entity.
func (s *StaticFallback) Run(ctx context.Context, env *Env) error {
	ids, err := s.source.Seeds(ctx, env.Entity)
	if err != nil {
		return fmt.Errorf("%s seeds: %w", s.name, err)
	}
	env.Merge(ids)
	return nil
}

// MultiSeeds concatenates several seed sources. A failing source is skipped
// when another one produced identifiers.
type MultiSeeds []SeedSource

// Seeds returns the identifiers of every source in order.
func (m MultiSeeds) Seeds(ctx context.Context, entity string) ([]string, error) {
	var out []string
	var firstErr error
	for _, src := range m {
		ids, err := src.Seeds(ctx, entity)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, ids...)
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}
