package throttle

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/Sternrassler/discovery-harvester/internal/clock"
	"github.com/Sternrassler/discovery-harvester/pkg/credentials"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Controller computes and applies per-session request delays.
type Controller struct {
	cfg    Config
	clock  clock.Clock
	rand   func() float64
	global *rate.Limiter
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// Option customises a Controller.
type Option func(*Controller)

// WithRand replaces the [0,1) random source used for the base delay.
func WithRand(fn func() float64) Option {
	return func(c *Controller) { c.rand = fn }
}

// WithClock replaces the clock.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) { c.clock = clock.OrSystem(clk) }
}

// NewController creates a throttling controller.
func NewController(cfg Config, logger zerolog.Logger, opts ...Option) *Controller {
	c := &Controller{
		cfg:      cfg,
		clock:    clock.System{},
		rand:     rand.Float64,
		logger:   logger,
		sessions: make(map[string]*sessionState),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst < 1 {
			burst = 1
		}
		c.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DelayFor returns the delay to apply before the session's next request.
func (c *Controller) DelayFor(sess *credentials.Session) time.Duration {
	now := c.clock.Now()

	c.mu.Lock()
	st := c.stateLocked(identity(sess))
	blocked := st.recentlyBlocked(now, c.cfg.BlockDecay)
	tooSoon := st.tooSoon(now, c.cfg.MinSpacing)
	c.mu.Unlock()

	delay := c.cfg.BaseMin
	if spread := c.cfg.BaseMax - c.cfg.BaseMin; spread > 0 {
		delay += time.Duration(c.rand() * float64(spread))
	}
	if blocked {
		delay += c.cfg.BlockPenalty
		penaltiesTotal.WithLabelValues("recent_block").Inc()
	}
	if tooSoon {
		delay += c.cfg.SpacingPenalty
		penaltiesTotal.WithLabelValues("spacing").Inc()
	}
	if c.cfg.MaxDelay > 0 && delay > c.cfg.MaxDelay {
		delay = c.cfg.MaxDelay
	}
	return delay
}

// RecordOutcome updates the session's block recency.
func (c *Controller) RecordOutcome(sess *credentials.Session, wasBlocked bool) {
	if !wasBlocked {
		return
	}
	c.mu.Lock()
	c.stateLocked(identity(sess)).lastBlock = c.clock.Now()
	c.mu.Unlock()
}

// Wait sleeps for DelayFor(sess), then for a global rate token, and stamps the
// request time. It returns early with the context error on cancellation.
func (c *Controller) Wait(ctx context.Context, sess *credentials.Session) error {
	delay := c.DelayFor(sess)
	delaySeconds.Observe(delay.Seconds())

	if delay > 0 {
		c.logger.Debug().
			Str("session_id", sess.ID).
			Dur("delay", delay).
			Msg("Pacing request")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if c.global != nil {
		if err := c.global.Wait(ctx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.stateLocked(identity(sess)).lastRequest = c.clock.Now()
	c.mu.Unlock()
	return nil
}

// identity keys pacing history by credential set, so a replacement session
// inherits the block recency of the one it replaces.
func identity(sess *credentials.Session) string {
	if sess.CredentialID != "" {
		return sess.CredentialID
	}
	return sess.ID
}

func (c *Controller) stateLocked(id string) *sessionState {
	st, ok := c.sessions[id]
	if !ok {
		st = &sessionState{}
		c.sessions[id] = st
	}
	return st
}
