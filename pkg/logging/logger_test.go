package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("Expected default level to be Info, got %s", cfg.Level)
	}

	if cfg.Pretty != false {
		t.Error("Expected default pretty to be false")
	}
}

func TestSetup(t *testing.T) {
	tests := []struct {
		name      string
		pretty    bool
		wantJSON  bool
		wantValue string
	}{
		{name: "json", pretty: false, wantJSON: true, wantValue: `"credential_id":"main"`},
		{name: "console", pretty: true, wantJSON: false, wantValue: "credential_id="},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			logger := Setup(Config{Level: LevelInfo, Pretty: tt.pretty, Output: buf})

			logger.Info().Str("credential_id", "main").Msg("Credential set blocked")

			output := buf.String()
			if got := strings.HasPrefix(output, "{"); got != tt.wantJSON {
				t.Errorf("JSON output = %v, want %v (%q)", got, tt.wantJSON, output)
			}
			if !strings.Contains(output, "Credential set blocked") {
				t.Errorf("Expected message in output, got %q", output)
			}
			if !strings.Contains(output, tt.wantValue) {
				t.Errorf("Expected %q in output, got %q", tt.wantValue, output)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    LogLevel
		expected zerolog.Level
	}{
		{LevelDebug, zerolog.DebugLevel},
		{LevelInfo, zerolog.InfoLevel},
		{LevelWarn, zerolog.WarnLevel},
		{LevelError, zerolog.ErrorLevel},
		{"warning", zerolog.WarnLevel},
		{"invalid", zerolog.InfoLevel}, // Should default to Info
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			result := ParseLevel(tt.input)
			if result != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: buf,
	})

	logger := NewLogger("credential-store")
	logger.Info().Msg("test message")

	output := buf.String()
	if !strings.Contains(output, `"component":"credential-store"`) {
		t.Errorf("Expected output to contain component field, got %q", output)
	}
	if !strings.Contains(output, "test message") {
		t.Errorf("Expected output to contain 'test message', got %q", output)
	}
}

func TestLogLevelFiltering(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  []string
	}{
		{LevelDebug, []string{"page fetched", "entity partial", "retrying", "entity exhausted"}},
		{LevelInfo, []string{"entity partial", "retrying", "entity exhausted"}},
		{LevelWarn, []string{"retrying", "entity exhausted"}},
		{LevelError, []string{"entity exhausted"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			buf := &bytes.Buffer{}
			Setup(Config{Level: tt.level, Output: buf})

			logger := NewLogger("job")
			logger.Debug().Msg("page fetched")
			logger.Info().Msg("entity partial")
			logger.Warn().Msg("retrying")
			logger.Error().Msg("entity exhausted")

			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			if len(lines) != len(tt.want) {
				t.Fatalf("lines = %d, want %d: %q", len(lines), len(tt.want), buf.String())
			}
			for i, msg := range tt.want {
				if !strings.Contains(lines[i], msg) {
					t.Errorf("line %d = %q, want %q", i, lines[i], msg)
				}
			}
		})
	}
}

func TestWithEntity(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelDebug, Output: buf})

	logger := WithEntity(NewLogger("discovery"), "natgeo")
	logger.Debug().Msg("page fetched")

	output := buf.String()
	if !strings.Contains(output, `"entity":"natgeo"`) {
		t.Errorf("Expected entity field, got %q", output)
	}
	if !strings.Contains(output, `"component":"discovery"`) {
		t.Errorf("Expected component field, got %q", output)
	}
}

func TestSetup_NilOutputFallsBackToStderr(t *testing.T) {
	logger := Setup(Config{Level: LevelError})
	// Must not panic on a nil writer.
	logger.Debug().Msg("filtered")
}
