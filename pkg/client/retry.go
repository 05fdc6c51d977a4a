package client

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/Sternrassler/discovery-harvester/internal/clock"
	"github.com/Sternrassler/discovery-harvester/pkg/credentials"
	"github.com/Sternrassler/discovery-harvester/pkg/throttle"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is used when Execute is called with maxAttempts <= 0.
	MaxAttempts int `yaml:"max_attempts"`

	// BaseDelay is the first retry delay before jitter.
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps every computed retry delay.
	MaxDelay time.Duration `yaml:"max_delay"`

	// PoolExhaustedDelay is the minimum wait after the credential pool ran dry.
	PoolExhaustedDelay time.Duration `yaml:"pool_exhausted_delay"`

	// BlockWindow and BlockThreshold trigger a proactive token refresh when
	// the pool sees that many blocks within the window.
	BlockWindow    time.Duration `yaml:"block_window"`
	BlockThreshold int           `yaml:"block_threshold"`

	// MalformedRetries is how often a malformed response is retried before
	// the operation gives up.
	MalformedRetries int `yaml:"malformed_retries"`
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:        4,
		BaseDelay:          1 * time.Second,
		MaxDelay:           15 * time.Second,
		PoolExhaustedDelay: 5 * time.Second,
		BlockWindow:        5 * time.Minute,
		BlockThreshold:     2,
		MalformedRetries:   1,
	}
}

// Operation is one idempotent network call. It receives the session leased
// for this attempt and the 1-based attempt number.
type Operation func(ctx context.Context, sess *credentials.Session, attempt int) error

// TokenRefresher keeps session tokens current. *token.Lifecycle implements it.
type TokenRefresher interface {
	Ensure(ctx context.Context, sess *credentials.Session)
	RefreshIfDue(ctx context.Context, sess *credentials.Session, callCounter int) bool
	ForceRefresh(ctx context.Context, sess *credentials.Session)
}

// Report summarises one Execute call.
type Report struct {
	Attempts int
	Errors   map[ErrorClass]int
}

// Orchestrator runs operations with bounded retries and error-specific
// recovery: blocked or rate-limited credentials are benched and their session
// retired, repeated blocks force a token refresh, and every wait is cancellable.
type Orchestrator struct {
	store  *credentials.Store
	pacer  *throttle.Controller
	tokens TokenRefresher
	slots  *semaphore.Weighted
	config RetryConfig
	clock  clock.Clock
	rand   func() float64
	logger zerolog.Logger

	mu     sync.Mutex
	blocks []time.Time
}

// OrchestratorOption customises an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithTokens enables token maintenance around each attempt.
func WithTokens(tokens TokenRefresher) OrchestratorOption {
	return func(o *Orchestrator) { o.tokens = tokens }
}

// WithSlots bounds concurrent operations with a semaphore shared by all callers.
func WithSlots(slots *semaphore.Weighted) OrchestratorOption {
	return func(o *Orchestrator) { o.slots = slots }
}

// WithJitter replaces the [0,1) random source behind backoff jitter.
func WithJitter(fn func() float64) OrchestratorOption {
	return func(o *Orchestrator) { o.rand = fn }
}

// WithClock replaces the clock used for the block window.
func WithClock(clk clock.Clock) OrchestratorOption {
	return func(o *Orchestrator) { o.clock = clock.OrSystem(clk) }
}

// NewOrchestrator creates a retry orchestrator.
func NewOrchestrator(store *credentials.Store, pacer *throttle.Controller, cfg RetryConfig, logger zerolog.Logger, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:  store,
		pacer:  pacer,
		config: cfg,
		clock:  clock.System{},
		rand:   rand.Float64,
		logger: logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute runs op until it succeeds, fails with a non-retryable error, or
// maxAttempts attempts have failed. The returned error wraps the last
// classified error; use Classify to recover its class.
func (o *Orchestrator) Execute(ctx context.Context, maxAttempts int, op Operation) (Report, error) {
	if maxAttempts <= 0 {
		maxAttempts = max(o.config.MaxAttempts, 1)
	}

	report := Report{Errors: make(map[ErrorClass]int)}
	var lastErr error
	var lastClass ErrorClass
	malformed := 0
	refresh := false

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}

		report.Attempts = attempt
		var err error
		refresh, err = o.attempt(ctx, attempt, refresh, op)
		if err == nil {
			if attempt > 1 {
				o.logger.Info().
					Str("error_class", string(lastClass)).
					Int("attempt", attempt).
					Msg("Operation succeeded after retry")
			}
			return report, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return report, fmt.Errorf("%w: %w", ErrContextCancelled, ctxErr)
		}

		errorClass := Classify(err)
		report.Errors[errorClass]++
		lastErr, lastClass = err, errorClass

		if !shouldRetry(errorClass) {
			o.logger.Debug().
				Err(err).
				Str("error_class", string(errorClass)).
				Int("attempt", attempt).
				Msg("Non-retryable error")
			return report, err
		}

		if errorClass == ErrorClassMalformed {
			malformed++
			if malformed > o.config.MalformedRetries {
				break
			}
		}

		if attempt >= maxAttempts {
			break
		}

		delay := o.Backoff(attempt)
		if errorClass == ErrorClassPoolExhausted && delay < o.config.PoolExhaustedDelay {
			delay = o.config.PoolExhaustedDelay
		}

		retriesTotal.WithLabelValues(string(errorClass)).Inc()
		retryBackoffSeconds.WithLabelValues(string(errorClass)).Observe(delay.Seconds())

		o.logger.Debug().
			Err(err).
			Str("error_class", string(errorClass)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying operation after backoff")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			o.logger.Warn().
				Str("error_class", string(errorClass)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return report, fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}
	}

	retryExhaustedTotal.WithLabelValues(string(lastClass)).Inc()
	o.logger.Warn().
		Err(lastErr).
		Str("error_class", string(lastClass)).
		Int("attempts", report.Attempts).
		Msg("Retry attempts exhausted")

	return report, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, report.Attempts, lastErr)
}

// attempt takes a worker slot, leases a session, paces, refreshes tokens,
// runs op and applies the recovery action for its outcome. Waiting for a
// leased set to come free happens inside the attempt and is not a failure.
// It reports whether the next attempt must refresh tokens before sending.
func (o *Orchestrator) attempt(ctx context.Context, n int, refresh bool, op Operation) (bool, error) {
	if o.slots != nil {
		if err := o.slots.Acquire(ctx, 1); err != nil {
			return refresh, err
		}
		defer o.slots.Release(1)
	}

	sess, err := o.store.Lease(ctx)
	if err != nil {
		return refresh, err
	}
	defer o.store.Release(sess)

	if err := o.pace(ctx, sess); err != nil {
		return refresh, err
	}

	if o.tokens != nil {
		fetching := refresh || o.store.Tokens(sess).IsZero()
		if refresh {
			proactiveRefreshTotal.Inc()
			o.logger.Info().
				Str("credential_id", sess.CredentialID).
				Msg("Proactive token refresh after repeated blocks")
			o.tokens.ForceRefresh(ctx, sess)
		}
		o.tokens.Ensure(ctx, sess)

		// The refresh request counts against the session's pacing.
		if fetching {
			if err := o.pace(ctx, sess); err != nil {
				return false, err
			}
		}
	}

	err = op(ctx, sess, n)
	if err == nil {
		calls := o.store.RecordCall(sess)
		if o.tokens != nil {
			o.tokens.RefreshIfDue(ctx, sess, calls)
		}
		return false, nil
	}
	if ctx.Err() != nil {
		return false, err
	}

	switch Classify(err) {
	case ErrorClassBlocked:
		o.bench(sess)
		return o.recordBlock(), err
	case ErrorClassRateLimited:
		o.bench(sess)
	}
	return false, err
}

func (o *Orchestrator) pace(ctx context.Context, sess *credentials.Session) error {
	if o.pacer == nil {
		return nil
	}
	return o.pacer.Wait(ctx, sess)
}

// Rotate retires a session that served a soft-throttled response, so the next
// operation runs on a fresh session. The credential set stays active.
func (o *Orchestrator) Rotate(sess *credentials.Session) {
	o.store.RetireSession(sess)
	if o.pacer != nil {
		o.pacer.RecordOutcome(sess, true)
	}
}

// bench takes the session's credential set out of rotation and retires the session.
func (o *Orchestrator) bench(sess *credentials.Session) {
	o.store.MarkBlocked(sess.CredentialID)
	o.store.RetireSession(sess)
	if o.pacer != nil {
		o.pacer.RecordOutcome(sess, true)
	}
}

// recordBlock notes a block anywhere in the pool and reports whether the
// trailing window now holds BlockThreshold or more. The window is pool-wide
// since a benched set cannot be blocked again before its cooldown ends.
func (o *Orchestrator) recordBlock() bool {
	now := o.clock.Now()
	cutoff := now.Add(-o.config.BlockWindow)

	o.mu.Lock()
	defer o.mu.Unlock()

	recent := o.blocks[:0]
	for _, at := range o.blocks {
		if at.After(cutoff) {
			recent = append(recent, at)
		}
	}
	o.blocks = append(recent, now)

	return o.config.BlockThreshold > 0 && len(o.blocks) >= o.config.BlockThreshold
}

// Backoff returns the delay after a failed attempt:
// BaseDelay * jitter(0.5..1.5) * 2^(attempt-1), capped at MaxDelay.
func (o *Orchestrator) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	jitter := 0.5 + o.rand()
	delay := float64(o.config.BaseDelay) * jitter * math.Pow(2, float64(attempt-1))
	if o.config.MaxDelay > 0 && delay > float64(o.config.MaxDelay) {
		return o.config.MaxDelay
	}
	return time.Duration(delay)
}
