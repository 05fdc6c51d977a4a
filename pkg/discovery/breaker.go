package discovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Sternrassler/discovery-harvester/pkg/client"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// BreakerConfig configures the per-strategy circuit breakers. A strategy that
// keeps failing across entities (for example after the upstream changed its
// document identifier) is skipped until Timeout passes.
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker. Zero disables breakers.
	ConsecutiveFailures uint32 `yaml:"consecutive_failures"`

	// MaxRequests allowed in half-open state.
	MaxRequests uint32 `yaml:"max_requests"`

	// Interval clears counts in closed state.
	Interval time.Duration `yaml:"interval"`

	// Timeout is how long the breaker stays open.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultBreakerConfig returns the reference breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		MaxRequests:         1,
		Interval:            10 * time.Minute,
		Timeout:             5 * time.Minute,
	}
}

// breakers holds one gobreaker per strategy name, shared by all entities.
type breakers struct {
	cfg    BreakerConfig
	logger zerolog.Logger

	mu sync.Mutex
	m  map[string]*gobreaker.CircuitBreaker
}

func newBreakers(cfg BreakerConfig, logger zerolog.Logger) *breakers {
	return &breakers{cfg: cfg, logger: logger, m: make(map[string]*gobreaker.CircuitBreaker)}
}

func (b *breakers) get(name string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.m[name]; ok {
		return cb
	}
	threshold := b.cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: b.cfg.MaxRequests,
		Interval:    b.cfg.Interval,
		Timeout:     b.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			b.logger.Warn().
				Str("strategy", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Strategy circuit breaker state changed")
		},
		IsSuccessful: breakerSuccess,
	})
	b.m[name] = cb
	return cb
}

// run executes fn through the named breaker. An open breaker returns
// gobreaker.ErrOpenState without calling fn.
func (b *breakers) run(name string, fn func() error) error {
	if b.cfg.ConsecutiveFailures == 0 {
		return fn()
	}
	_, err := b.get(name).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// breakerSuccess treats a missing target and cancellation as healthy: neither
// says anything about whether the strategy still works.
func breakerSuccess(err error) bool {
	return err == nil ||
		client.Classify(err) == client.ErrorClassNonRetryable ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, client.ErrContextCancelled)
}
