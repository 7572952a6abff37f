package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ndvalle/mostrador/internal/config"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(config.LogConfig{Level: "debug", Format: "json"}, &buf)
	log.Debug().Str("conversation", "42").Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %q", buf.String())
	}
	if entry["message"] != "hello" {
		t.Errorf("message = %v, want hello", entry["message"])
	}
	if entry["conversation"] != "42" {
		t.Errorf("conversation = %v, want 42", entry["conversation"])
	}
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := New(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	log.Info().Msg("dropped")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %q", buf.String())
	}
	log.Warn().Msg("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("warn not logged: %q", buf.String())
	}
}

func TestNew_BadLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(config.LogConfig{Level: "chatty", Format: "json"}, &buf)
	log.Debug().Msg("dropped")
	log.Info().Msg("kept")
	if strings.Contains(buf.String(), "dropped") || !strings.Contains(buf.String(), "kept") {
		t.Errorf("unexpected output: %q", buf.String())
	}
}

func TestNew_AutoOnBufferIsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LogConfig{Level: "info", Format: "auto"}, &buf)
	logger.Info().Msg("x")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("auto format on non-terminal should be JSON, got %q", buf.String())
	}
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LogConfig{Level: "info", Format: "console"}, &buf)
	logger.Info().Msg("plain")
	if strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), "plain") {
		t.Errorf("console output = %q", buf.String())
	}
}
