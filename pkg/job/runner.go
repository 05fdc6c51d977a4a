// Package job drives a harvest over many entities: discovery, persistence of
// the discovered identifiers, then extraction of their records.
package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/discovery-harvester/pkg/discovery"
	"github.com/Sternrassler/discovery-harvester/pkg/extract"
	"github.com/Sternrassler/discovery-harvester/pkg/logging"
	"github.com/Sternrassler/discovery-harvester/pkg/sink"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Target is one entity and how many identifiers to discover for it.
type Target struct {
	Entity string `yaml:"entity"`
	Count  int    `yaml:"count"`
}

// Config holds runner settings.
type Config struct {
	// Workers bounds entities processed at the same time.
	Workers int `yaml:"workers"`

	// SkipExtraction stops after discovery.
	SkipExtraction bool `yaml:"skip_extraction"`
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() Config {
	return Config{Workers: 2}
}

// EntityResult is what happened to one entity.
type EntityResult struct {
	Entity     string             `json:"entity"`
	Discovery  *discovery.Outcome `json:"discovery,omitempty"`
	Extraction *extract.Report    `json:"extraction,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// Summary aggregates a run.
type Summary struct {
	Entities  int            `json:"entities"`
	Success   int            `json:"success"`
	Partial   int            `json:"partial"`
	Exhausted int            `json:"exhausted"`
	Failed    int            `json:"failed"`
	Items     int            `json:"items"`
	Records   int            `json:"records"`
	Duration  time.Duration  `json:"duration"`
	Results   []EntityResult `json:"results"`
}

// Runner runs harvest jobs.
type Runner struct {
	cfg        Config
	pipeline   *discovery.Pipeline
	strategies []discovery.Strategy
	extractor  *extract.Extractor
	sink       sink.Sink
	logger     zerolog.Logger
}

// NewRunner creates a runner. extractor may be nil, which behaves like
// SkipExtraction.
func NewRunner(cfg Config, pipeline *discovery.Pipeline, strategies []discovery.Strategy, extractor *extract.Extractor, out sink.Sink, logger zerolog.Logger) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Runner{
		cfg:        cfg,
		pipeline:   pipeline,
		strategies: strategies,
		extractor:  extractor,
		sink:       out,
		logger:     logger,
	}
}

// Run processes every target. One entity's failure never fails the run;
// the returned error is the context error when the run was cancelled.
// Results keep the order of targets.
func (r *Runner) Run(ctx context.Context, targets []Target) (*Summary, error) {
	start := time.Now()
	results := make([]EntityResult, len(targets))
	done := make([]bool, len(targets))
	var mu sync.Mutex

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.cfg.Workers)

	for i, target := range targets {
		if egCtx.Err() != nil {
			break
		}
		eg.Go(func() error {
			res, err := r.runOne(egCtx, target)
			mu.Lock()
			results[i], done[i] = res, true
			mu.Unlock()
			if err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		})
	}

	err := eg.Wait()
	if err == nil {
		err = ctx.Err()
	}

	summary := &Summary{Duration: time.Since(start)}
	for i, res := range results {
		if !done[i] {
			continue
		}
		summary.add(res)
	}

	r.logger.Info().
		Int("entities", summary.Entities).
		Int("success", summary.Success).
		Int("partial", summary.Partial).
		Int("exhausted", summary.Exhausted).
		Int("failed", summary.Failed).
		Int("items", summary.Items).
		Int("records", summary.Records).
		Dur("duration", summary.Duration).
		Bool("cancelled", err != nil).
		Msg("Harvest finished")

	return summary, err
}

func (s *Summary) add(res EntityResult) {
	s.Entities++
	s.Results = append(s.Results, res)

	if res.Discovery == nil {
		s.Failed++
		return
	}
	switch res.Discovery.Status {
	case discovery.StatusSuccess:
		s.Success++
	case discovery.StatusPartial:
		s.Partial++
	default:
		s.Exhausted++
	}
	s.Items += len(res.Discovery.Items)
	if res.Extraction != nil {
		s.Records += res.Extraction.Fetched + res.Extraction.Cached
	}
}

func (r *Runner) runOne(ctx context.Context, target Target) (EntityResult, error) {
	logger := logging.WithEntity(r.logger, target.Entity)
	res := EntityResult{Entity: target.Entity}

	outcome, err := r.pipeline.Discover(ctx, target.Entity, target.Count, r.strategies)
	if outcome == nil {
		res.Error = err.Error()
		entitiesTotal.WithLabelValues("failed").Inc()
		logger.Error().Err(err).Msg("Discovery rejected")
		return res, err
	}
	res.Discovery = outcome
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	entitiesTotal.WithLabelValues(string(outcome.Status)).Inc()

	if err := r.sink.WriteDiscovery(ctx, toDiscovery(outcome)); err != nil {
		logger.Error().Err(err).Msg("Failed to persist discovery")
		res.Error = fmt.Sprintf("write discovery: %v", err)
	}

	if r.cfg.SkipExtraction || r.extractor == nil || len(outcome.Items) == 0 {
		return res, nil
	}

	report, err := r.extractor.Extract(ctx, target.Entity, outcome.Items)
	res.Extraction = report
	if err != nil {
		if res.Error == "" {
			res.Error = err.Error()
		}
		return res, err
	}
	return res, nil
}

func toDiscovery(o *discovery.Outcome) sink.Discovery {
	names := make([]string, 0, len(o.Strategies))
	for _, s := range o.Strategies {
		names = append(names, s.Name)
	}
	return sink.Discovery{
		Entity:       o.Entity,
		Status:       string(o.Status),
		Target:       o.Target,
		Items:        o.Items,
		Strategies:   names,
		DiscoveredAt: time.Now().UTC(),
	}
}
