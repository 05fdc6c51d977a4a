// Package throttle paces outgoing requests per session identity.
// A session's delay depends only on its own recent history: a block on one
// session never slows another, and penalties decay once a session goes quiet.
package throttle

import (
	"time"
)

// Config holds the pacing parameters.
type Config struct {
	// BaseMin and BaseMax bound the uniformly random base delay.
	BaseMin time.Duration `yaml:"base_min"`
	BaseMax time.Duration `yaml:"base_max"`

	// BlockPenalty is added while the session's last block is younger than BlockDecay.
	BlockPenalty time.Duration `yaml:"block_penalty"`
	BlockDecay   time.Duration `yaml:"block_decay"`

	// SpacingPenalty is added when the previous request on the session was
	// less than MinSpacing ago.
	SpacingPenalty time.Duration `yaml:"spacing_penalty"`
	MinSpacing     time.Duration `yaml:"min_spacing"`

	// MaxDelay clamps the total.
	MaxDelay time.Duration `yaml:"max_delay"`

	// GlobalRPS caps the request rate across all sessions. Zero disables it.
	GlobalRPS   float64 `yaml:"global_rps"`
	GlobalBurst int     `yaml:"global_burst"`
}

// DefaultConfig returns the reference pacing.
func DefaultConfig() Config {
	return Config{
		BaseMin:        1 * time.Second,
		BaseMax:        3 * time.Second,
		BlockPenalty:   5 * time.Second,
		BlockDecay:     2 * time.Minute,
		SpacingPenalty: 1 * time.Second,
		MinSpacing:     2 * time.Second,
		MaxDelay:       10 * time.Second,
		GlobalRPS:      0,
		GlobalBurst:    1,
	}
}

// sessionState is the pacing history of one session.
type sessionState struct {
	lastBlock   time.Time
	lastRequest time.Time
}

// recentlyBlocked reports whether the last block is still within the decay window.
func (s *sessionState) recentlyBlocked(now time.Time, decay time.Duration) bool {
	return !s.lastBlock.IsZero() && now.Sub(s.lastBlock) < decay
}

// tooSoon reports whether the previous request was closer than the minimum spacing.
func (s *sessionState) tooSoon(now time.Time, spacing time.Duration) bool {
	return !s.lastRequest.IsZero() && now.Sub(s.lastRequest) < spacing
}
