package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"trackcore/internal/config"
)

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("edit rejected", "operation", "add_links")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one record, got %q", buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["msg"] != "edit rejected" || rec["operation"] != "add_links" || rec["app"] != "trackcore" {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(config.LogConfig{Level: "debug"}, &buf)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	logger.Debug("edit applied", "commands", 2)
	if !strings.Contains(buf.String(), "commands=2") {
		t.Fatalf("unexpected text output %q", buf.String())
	}
}

func TestNewRejectsUnknownSettings(t *testing.T) {
	if _, err := New(config.LogConfig{Level: "loud"}, nil); err == nil {
		t.Fatalf("expected level error")
	}
	if _, err := New(config.LogConfig{Format: "xml"}, nil); err == nil {
		t.Fatalf("expected format error")
	}
	if lvl, err := ParseLevel("WARNING"); err != nil || lvl != slog.LevelWarn {
		t.Fatalf("parse warning: %v %v", lvl, err)
	}
}

func TestDiscard(t *testing.T) {
	Discard().Error("dropped")
}
