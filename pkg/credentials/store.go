package credentials

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/Sternrassler/discovery-harvester/internal/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config holds pool tuning values.
type Config struct {
	// Cooldown is how long a blocked set stays unusable.
	Cooldown time.Duration `yaml:"cooldown"`

	// MaxSessionUses retires a session once it has served this many operations.
	MaxSessionUses int `yaml:"max_session_uses"`
}

// DefaultConfig returns the reference pool configuration.
func DefaultConfig() Config {
	return Config{
		Cooldown:       15 * time.Minute,
		MaxSessionUses: 200,
	}
}

// Store is the single owner of credential sets and sessions.
type Store struct {
	mu     sync.Mutex
	sets   []*CredentialSet
	byID   map[string]*CredentialSet
	cfg    Config
	clock  clock.Clock
	logger zerolog.Logger

	// changed is closed and replaced whenever a lease ends or a set changes
	// status, waking Lease callers.
	changed chan struct{}
}

// NewStore creates a store over the given sets.
func NewStore(cfg Config, sets []*CredentialSet, clk clock.Clock, logger zerolog.Logger) (*Store, error) {
	if len(sets) == 0 {
		return nil, ErrEmptyPool
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if cfg.MaxSessionUses <= 0 {
		cfg.MaxSessionUses = DefaultConfig().MaxSessionUses
	}

	byID := make(map[string]*CredentialSet, len(sets))
	for _, set := range sets {
		if _, dup := byID[set.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCredential, set.ID)
		}
		if set.status == "" {
			set.status = StatusActive
		}
		byID[set.ID] = set
	}

	s := &Store{
		sets:    sets,
		byID:    byID,
		cfg:     cfg,
		clock:   clock.OrSystem(clk),
		logger:  logger,
		changed: make(chan struct{}),
	}
	s.updateGauges()
	return s, nil
}

// Acquire leases the least-recently-used active set and returns the session
// bound to it. It returns ErrPoolExhausted when every set is blocked and
// ErrAllLeased when the free sets are all in use.
func (s *Store) Acquire() (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquireLocked()
}

// Lease is Acquire for callers that can wait: while every active set is
// leased it blocks until one is released or ctx ends. ErrPoolExhausted is
// still returned at once when every set is blocked.
func (s *Store) Lease(ctx context.Context) (*Session, error) {
	for {
		s.mu.Lock()
		sess, err := s.acquireLocked()
		changed := s.changed
		s.mu.Unlock()

		if !errors.Is(err, ErrAllLeased) {
			return sess, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

func (s *Store) acquireLocked() (*Session, error) {
	s.sweepLocked()

	var pick *CredentialSet
	active := 0
	for _, set := range s.sets {
		if set.status != StatusActive {
			continue
		}
		active++
		if set.leasedTo != nil {
			continue
		}
		if pick == nil || set.lastUsed.Before(pick.lastUsed) {
			pick = set
		}
	}
	if active == 0 {
		poolExhaustedTotal.Inc()
		s.logger.Warn().
			Int("pool_size", len(s.sets)).
			Msg("Every credential set is blocked")
		return nil, ErrPoolExhausted
	}
	if pick == nil {
		return nil, ErrAllLeased
	}

	sess := pick.current
	if sess != nil && sess.uses >= s.cfg.MaxSessionUses {
		s.retireLocked(pick, sess, "usage ceiling")
		sess = nil
	}
	if sess == nil {
		sess = &Session{
			ID:           uuid.NewString(),
			CredentialID: pick.ID,
			Cookies:      maps.Clone(pick.Cookies),
			UserAgent:    pick.UserAgent,
			CreatedAt:    s.clock.Now(),
		}
		pick.current = sess
		s.logger.Debug().
			Str("credential_id", pick.ID).
			Str("session_id", sess.ID).
			Msg("Session created")
	}
	pick.leasedTo = sess
	s.updateGauges()

	return sess, nil
}

// Release returns a leased set to the pool. Releasing a session that does not
// hold the lease is a no-op.
func (s *Store) Release(sess *Session) {
	if sess == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.byID[sess.CredentialID]
	if !ok || set.leasedTo != sess {
		return
	}
	set.leasedTo = nil
	set.lastUsed = s.clock.Now()
	set.uses++
	s.updateGauges()
	s.notifyLocked()
}

// MarkBlocked moves a set to blocked and starts its cooldown. Calling it on an
// already-blocked set changes nothing.
func (s *Store) MarkBlocked(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.byID[id]
	if !ok || set.status == StatusBlocked {
		return
	}
	now := s.clock.Now()
	set.status = StatusBlocked
	set.blockedAt = now
	if set.current != nil {
		set.current.lastBlock = now
	}
	blockedTotal.Inc()
	s.updateGauges()
	s.notifyLocked()

	s.logger.Warn().
		Str("credential_id", id).
		Dur("cooldown", s.cfg.Cooldown).
		Msg("Credential set blocked")
}

// Sweep returns every set whose cooldown has elapsed to active.
func (s *Store) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
}

func (s *Store) sweepLocked() {
	now := s.clock.Now()
	changed := false
	for _, set := range s.sets {
		if set.status == StatusBlocked && !now.Before(set.blockedAt.Add(s.cfg.Cooldown)) {
			set.status = StatusActive
			changed = true
			s.logger.Info().
				Str("credential_id", set.ID).
				Msg("Credential set cooldown elapsed")
		}
	}
	if changed {
		s.updateGauges()
		s.notifyLocked()
	}
}

func (s *Store) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// StatusOf reports a set's status as of now, applying any elapsed cooldown.
func (s *Store) StatusOf(id string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.byID[id]
	if !ok {
		return "", false
	}
	if set.status == StatusBlocked && !s.clock.Now().Before(set.blockedAt.Add(s.cfg.Cooldown)) {
		set.status = StatusActive
		s.updateGauges()
		s.notifyLocked()
	}
	return set.status, true
}

// BlockedAt returns when a set was last blocked.
func (s *Store) BlockedAt(id string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.byID[id]; ok {
		return set.blockedAt
	}
	return time.Time{}
}

// RetireSession retires a session and clears its tokens. The underlying
// credential set is left alone.
func (s *Store) RetireSession(sess *Session) {
	if sess == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retireLocked(s.byID[sess.CredentialID], sess, "retired by caller")
}

func (s *Store) retireLocked(set *CredentialSet, sess *Session, reason string) {
	if sess.retired {
		return
	}
	sess.retired = true
	sess.tokens = TokenSet{}
	if set != nil && set.current == sess {
		set.current = nil
	}
	sessionsRetiredTotal.Inc()
	s.logger.Debug().
		Str("session_id", sess.ID).
		Str("credential_id", sess.CredentialID).
		Str("reason", reason).
		Msg("Session retired")
}

// IsRetired reports whether the session has been retired.
func (s *Store) IsRetired(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sess.retired
}

// SetTokens stores freshly extracted tokens on a live session and resets its
// call counter. Tokens for retired sessions are discarded.
func (s *Store) SetTokens(sess *Session, tokens TokenSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.retired {
		return
	}
	tokens.Calls = 0
	sess.tokens = tokens
}

// Tokens returns the session's current tokens.
func (s *Store) Tokens(sess *Session) TokenSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sess.tokens
}

// RecordCall counts one successful operation on the session and returns the
// number of calls since the last token extraction.
func (s *Store) RecordCall(sess *Session) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.uses++
	sess.tokens.Calls++
	return sess.tokens.Calls
}

// Info returns a snapshot of a session's mutable state.
func (s *Store) Info(sess *Session) SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:           sess.ID,
		CredentialID: sess.CredentialID,
		Uses:         sess.uses,
		Retired:      sess.retired,
		Tokens:       sess.tokens,
		LastBlock:    sess.lastBlock,
	}
}

// Stats summarises the pool.
func (s *Store) Stats() PoolStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

func (s *Store) statsLocked() PoolStats {
	st := PoolStats{Total: len(s.sets)}
	for _, set := range s.sets {
		switch set.status {
		case StatusActive:
			st.Active++
		case StatusBlocked:
			st.Blocked++
		}
		if set.leasedTo != nil {
			st.Leased++
		}
	}
	return st
}

func (s *Store) updateGauges() {
	st := s.statsLocked()
	credentialsActive.Set(float64(st.Active))
	credentialsLeased.Set(float64(st.Leased))
}
