package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	// DiscoveriesFile is the JSON Lines file holding discovery outcomes.
	DiscoveriesFile = "discoveries.jsonl"

	// RecordsFile is the JSON Lines file holding records.
	RecordsFile = "records.jsonl"
)

// FileSink appends JSON Lines to two files in a directory.
type FileSink struct {
	mu          sync.Mutex
	discoveries *os.File
	records     *os.File
}

// NewFileSink opens (or creates) the sink files under dir.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sink dir: %w", err)
	}

	discoveries, err := openAppend(filepath.Join(dir, DiscoveriesFile))
	if err != nil {
		return nil, err
	}
	records, err := openAppend(filepath.Join(dir, RecordsFile))
	if err != nil {
		discoveries.Close()
		return nil, err
	}
	return &FileSink{discoveries: discoveries, records: records}, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}

// WriteDiscovery appends d as one line.
func (s *FileSink) WriteDiscovery(_ context.Context, d Discovery) error {
	err := s.appendLine(s.discoveries, d)
	observe("file", "discovery", err)
	return err
}

// WriteRecord appends r as one line.
func (s *FileSink) WriteRecord(_ context.Context, r Record) error {
	err := s.appendLine(s.records, r)
	observe("file", "record", err)
	return err
}

func (s *FileSink) appendLine(f *os.File, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal line: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append %s: %w", f.Name(), err)
	}
	return nil
}

// Close flushes and closes both files.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first error
	for _, f := range []*os.File{s.discoveries, s.records} {
		if err := f.Sync(); err != nil && first == nil {
			first = err
		}
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
