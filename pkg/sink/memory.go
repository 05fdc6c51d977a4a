package sink

import (
	"context"
	"sync"
)

// MemorySink keeps everything in memory. Useful for tests and dry runs.
type MemorySink struct {
	mu          sync.Mutex
	discoveries []Discovery
	records     []Record
}

// NewMemorySink creates an empty memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// WriteDiscovery appends d.
func (s *MemorySink) WriteDiscovery(_ context.Context, d Discovery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.Items = append([]string(nil), d.Items...)
	s.discoveries = append(s.discoveries, d)
	observe("memory", "discovery", nil)
	return nil
}

// WriteRecord appends r.
func (s *MemorySink) WriteRecord(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	observe("memory", "record", nil)
	return nil
}

// Discoveries returns a copy of the written discoveries.
func (s *MemorySink) Discoveries() []Discovery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Discovery(nil), s.discoveries...)
}

// Records returns a copy of the written records.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}
