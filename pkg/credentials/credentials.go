// Package credentials owns the pool of cookie bundles (credential sets) and the
// sessions built on top of them.
//
// Every mutation of pool state goes through Store, which serialises them with a
// single mutex: two concurrent Acquire calls never lease the same set, and a
// Sweep returning a set to active cannot interleave with a MarkBlocked on it.
package credentials

import (
	"errors"
	"maps"
	"time"
)

// Status is the availability of a credential set.
type Status string

const (
	// StatusActive sets can be leased.
	StatusActive Status = "active"

	// StatusBlocked sets are cooling down after an upstream block.
	StatusBlocked Status = "blocked"
)

var (
	// ErrPoolExhausted is returned when every set is blocked. Callers treat it
	// as retryable after a delay.
	ErrPoolExhausted = errors.New("credential pool exhausted")

	// ErrAllLeased is returned by Acquire when active sets exist but every one
	// is leased. Lease waits instead of returning it.
	ErrAllLeased = errors.New("every active credential set is leased")

	// ErrEmptyPool is returned when a store is built without any credential set.
	ErrEmptyPool = errors.New("credential pool is empty")

	// ErrDuplicateCredential is returned when two sets share an identifier.
	ErrDuplicateCredential = errors.New("duplicate credential set id")
)

// CredentialSet is a named cookie bundle with a block/cooldown lifecycle.
// Its mutable state is owned by the Store.
type CredentialSet struct {
	ID        string
	Cookies   map[string]string
	UserAgent string

	status    Status
	blockedAt time.Time
	lastUsed  time.Time
	uses      int
	leasedTo  *Session
	current   *Session
}

// NewCredentialSet creates an active credential set.
func NewCredentialSet(id string, cookies map[string]string, userAgent string) *CredentialSet {
	return &CredentialSet{
		ID:        id,
		Cookies:   maps.Clone(cookies),
		UserAgent: userAgent,
		status:    StatusActive,
	}
}

// TokenSet holds the short-lived per-session values the upstream requires.
type TokenSet struct {
	ClaimToken  string
	AppID       string
	CSRFToken   string
	ExtractedAt time.Time

	// Calls counts successful operations since the last extraction.
	Calls int
}

// IsZero reports whether no token has been extracted yet.
func (t TokenSet) IsZero() bool {
	return t.ExtractedAt.IsZero() && t.ClaimToken == "" && t.AppID == "" && t.CSRFToken == ""
}

// Session is a logical request identity bound to one credential set.
// Exported fields are immutable after creation; everything else is read and
// written through the Store.
type Session struct {
	ID           string
	CredentialID string
	Cookies      map[string]string
	UserAgent    string
	CreatedAt    time.Time

	uses      int
	retired   bool
	tokens    TokenSet
	lastBlock time.Time
}

// SessionInfo is a point-in-time copy of a session's mutable state.
type SessionInfo struct {
	ID           string
	CredentialID string
	Uses         int
	Retired      bool
	Tokens       TokenSet
	LastBlock    time.Time
}

// PoolStats summarises the pool.
type PoolStats struct {
	Total   int
	Active  int
	Blocked int
	Leased  int
}
