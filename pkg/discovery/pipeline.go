// Package discovery finds the item identifiers of one entity by walking an
// ordered chain of strategies until a target count is reached or every
// strategy has been tried.
//
// The pipeline moves through trying(i) → merging → done. Strategies merge
// into one deduplicated Result through a shared format validator; one that
// fails after its retries, or finds nothing, hands over to the next. Only
// cancellation and invalid arguments surface as errors: running out of
// strategies is reported through Outcome.Status.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/discovery-harvester/pkg/client"
	"github.com/Sternrassler/discovery-harvester/pkg/logging"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Status is the terminal state of one discovery.
type Status string

const (
	// StatusSuccess means the target count was reached.
	StatusSuccess Status = "success"

	// StatusPartial means some items were found, fewer than the target.
	StatusPartial Status = "partial"

	// StatusExhausted means every strategy ran and nothing was found.
	StatusExhausted Status = "exhausted"
)

// ErrInvalidTarget is returned for a non-positive target count.
var ErrInvalidTarget = errors.New("target count must be positive")

// Config holds pipeline settings.
type Config struct {
	// IDLength is the exact identifier length accepted by the validator.
	IDLength int `yaml:"id_length"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// DefaultConfig returns the reference pipeline configuration.
func DefaultConfig() Config {
	return Config{
		IDLength: DefaultIDLength,
		Breaker:  DefaultBreakerConfig(),
	}
}

// StrategyReport describes one strategy's run for one entity.
type StrategyReport struct {
	Name    string        `json:"name"`
	Kind    Kind          `json:"kind"`
	Added   int           `json:"added"`
	Skipped bool          `json:"skipped,omitempty"`
	Error   string        `json:"error,omitempty"`
	Stats   StrategyStats `json:"stats"`
}

// Outcome is the result of Discover.
type Outcome struct {
	Entity     string           `json:"entity"`
	Target     int              `json:"target"`
	Items      []string         `json:"items"`
	Status     Status           `json:"status"`
	Strategies []StrategyReport `json:"strategies"`
	Duration   time.Duration    `json:"duration"`
}

// Attempts sums operation attempts across strategies.
func (o *Outcome) Attempts() int {
	n := 0
	for _, s := range o.Strategies {
		n += s.Stats.Attempts
	}
	return n
}

// ThrottleRetries sums soft-throttle re-requests across strategies.
func (o *Outcome) ThrottleRetries() int {
	n := 0
	for _, s := range o.Strategies {
		n += s.Stats.ThrottleRetries
	}
	return n
}

// Rejected sums identifiers dropped by the validator.
func (o *Outcome) Rejected() int {
	n := 0
	for _, s := range o.Strategies {
		n += s.Stats.Rejected
	}
	return n
}

// Pipeline runs strategy chains. It is safe for concurrent use across entities.
type Pipeline struct {
	orchestrator *client.Orchestrator
	fetcher      Fetcher
	tokens       HeaderSource
	validator    *Validator
	breakers     *breakers
	logger       zerolog.Logger
}

// NewPipeline creates a pipeline. tokens may be nil.
func NewPipeline(cfg Config, orchestrator *client.Orchestrator, fetcher Fetcher, tokens HeaderSource, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		orchestrator: orchestrator,
		fetcher:      fetcher,
		tokens:       tokens,
		validator:    NewValidator(cfg.IDLength),
		breakers:     newBreakers(cfg.Breaker, logger),
		logger:       logger,
	}
}

// Validator returns the identifier validator used by the pipeline.
func (p *Pipeline) Validator() *Validator {
	return p.validator
}

// Discover runs strategies in order for entity until target identifiers are
// found. On cancellation it returns the outcome so far together with the
// context error.
func (p *Pipeline) Discover(ctx context.Context, entity string, target int, strategies []Strategy) (*Outcome, error) {
	if target <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTarget, target)
	}

	start := time.Now()
	logger := logging.WithEntity(p.logger, entity)
	result := NewResult()
	out := &Outcome{Entity: entity, Target: target}

	for i, s := range strategies {
		if err := ctx.Err(); err != nil {
			p.finish(out, result, start)
			return out, err
		}

		logger.Debug().
			Int("strategy_index", i).
			Str("strategy", s.Name()).
			Str("kind", string(s.Kind())).
			Msg("Trying strategy")

		env := &Env{
			Entity:       entity,
			Target:       target,
			Orchestrator: p.orchestrator,
			Fetcher:      p.fetcher,
			Tokens:       p.tokens,
			Logger:       logger,
			result:       result,
			validator:    p.validator,
			stats:        newStrategyStats(),
		}

		before := result.Len()
		err := p.breakers.run(s.Name(), func() error { return s.Run(ctx, env) })
		report := StrategyReport{
			Name:  s.Name(),
			Kind:  s.Kind(),
			Added: result.Len() - before,
			Stats: *env.stats,
		}
		if err != nil {
			report.Error = err.Error()
			report.Skipped = errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
		}
		out.Strategies = append(out.Strategies, report)
		strategyRuns.WithLabelValues(s.Name(), runLabel(report, err)).Inc()

		if ctxErr := ctx.Err(); ctxErr != nil {
			p.finish(out, result, start)
			return out, ctxErr
		}

		event := logger.Debug()
		if err != nil {
			event = logger.Warn().Err(err)
		}
		event.
			Str("strategy", s.Name()).
			Int("added", report.Added).
			Int("found", result.Len()).
			Int("attempts", report.Stats.Attempts).
			Bool("skipped", report.Skipped).
			Msg("Strategy finished")

		if result.Len() >= target {
			break
		}
	}

	p.finish(out, result, start)
	discoveryTotal.WithLabelValues(string(out.Status)).Inc()

	var event *zerolog.Event
	switch out.Status {
	case StatusSuccess:
		event = logger.Info()
	case StatusPartial:
		event = logger.Warn()
	default:
		event = logger.Error()
	}
	event.
		Str("status", string(out.Status)).
		Int("items", len(out.Items)).
		Int("target", target).
		Int("attempts", out.Attempts()).
		Int("throttle_retries", out.ThrottleRetries()).
		Int("rejected", out.Rejected()).
		Int("strategies_tried", len(out.Strategies)).
		Dur("duration", out.Duration).
		Msg("Discovery finished")

	return out, nil
}

// finish fills items and status from the result. Items beyond the target are
// dropped.
func (p *Pipeline) finish(out *Outcome, result *Result, start time.Time) {
	items := result.Items()
	if len(items) > out.Target {
		items = items[:out.Target]
	}
	out.Items = items
	out.Duration = time.Since(start)

	switch {
	case len(items) >= out.Target:
		out.Status = StatusSuccess
	case len(items) > 0:
		out.Status = StatusPartial
	default:
		out.Status = StatusExhausted
	}
}

func runLabel(r StrategyReport, err error) string {
	switch {
	case r.Skipped:
		return "skipped"
	case r.Added > 0:
		return "items"
	case err != nil:
		return "failed"
	default:
		return "empty"
	}
}
