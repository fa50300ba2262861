package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/scoutbase/trailsync/internal/config"
)

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	logger.Info("drain complete", "confirmed", 3)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not json: %v (%s)", err, buf.String())
	}
	if entry["msg"] != "drain complete" {
		t.Fatalf("unexpected message: %v", entry["msg"])
	}
	if entry["component"] != "trailsync" {
		t.Fatalf("missing component attr: %v", entry)
	}
	if entry["confirmed"] != float64(3) {
		t.Fatalf("missing structured attr: %v", entry)
	}
}

func TestNewWithWriterText(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newWithWriter(config.LoggingConfig{Level: "debug", Format: "text"}, &buf)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	logger.Debug("cache miss", "key", "budget_categories")
	if !strings.Contains(buf.String(), "cache miss") {
		t.Fatalf("debug line missing at debug level: %s", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newWithWriter(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	logger.Info("suppressed")
	if buf.Len() != 0 {
		t.Fatalf("info line emitted at warn level: %s", buf.String())
	}
	logger.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("warn line missing: %s", buf.String())
	}
}

func TestDefaultsWhenUnset(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newWithWriter(config.LoggingConfig{}, &buf)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	logger.Info("hello")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("default format should be json: %v", err)
	}
}

func TestRejectsUnknownLevelAndFormat(t *testing.T) {
	if _, err := New(config.LoggingConfig{Level: "verbose"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if _, err := New(config.LoggingConfig{Format: "logfmt"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
