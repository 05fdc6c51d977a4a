// Package sink persists discovery outcomes and extracted records.
//
// Every sink is append-only: a record written once is never rewritten, and
// identifier sets only grow. Sinks are safe for concurrent use.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Discovery is the persisted form of one entity's discovery outcome.
type Discovery struct {
	Entity       string    `json:"entity"`
	Status       string    `json:"status"`
	Target       int       `json:"target"`
	Items        []string  `json:"items"`
	Strategies   []string  `json:"strategies,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Record is one extracted item.
type Record struct {
	Entity    string          `json:"entity"`
	ItemID    string          `json:"item_id"`
	Caption   string          `json:"caption,omitempty"`
	Hashtags  []string        `json:"hashtags,omitempty"`
	TakenAt   time.Time       `json:"taken_at,omitzero"`
	MediaURLs []string        `json:"media_urls,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Sink receives discovery outcomes and records.
type Sink interface {
	WriteDiscovery(ctx context.Context, d Discovery) error
	WriteRecord(ctx context.Context, r Record) error
}

// Multi fans every write out to all sinks. A failing sink does not stop the
// others; the errors are joined.
type Multi []Sink

// WriteDiscovery writes d to every sink.
func (m Multi) WriteDiscovery(ctx context.Context, d Discovery) error {
	var errs []error
	for _, s := range m {
		if err := s.WriteDiscovery(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WriteRecord writes r to every sink.
func (m Multi) WriteRecord(ctx context.Context, r Record) error {
	var errs []error
	for _, s := range m {
		if err := s.WriteRecord(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func observe(sink, kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	writesTotal.WithLabelValues(sink, kind, result).Inc()
}
