package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := WithJobID(newLogger(&buf, "info", FormatJSON), "job-1")
	logger.Debug("hidden")
	logger.Info("visible", "keeps", 3)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1: %q", len(lines), buf.String())
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if rec["job_id"] != "job-1" {
		t.Errorf("job_id = %v, want job-1", rec["job_id"])
	}
	if rec["keeps"] != float64(3) {
		t.Errorf("keeps = %v, want 3", rec["keeps"])
	}
}

func TestNewLogger_Text(t *testing.T) {
	var buf bytes.Buffer
	WithComponent(newLogger(&buf, "debug", FormatText), "api").Debug("hello")
	if !strings.Contains(buf.String(), "component=api") {
		t.Fatalf("text output missing component: %q", buf.String())
	}
}

func TestResolveFormat_Explicit(t *testing.T) {
	if got := resolveFormat("TEXT", 0); got != FormatText {
		t.Errorf("resolveFormat(TEXT) = %q", got)
	}
	if got := resolveFormat("json", 0); got != FormatJSON {
		t.Errorf("resolveFormat(json) = %q", got)
	}
}

func TestSanitizeURL(t *testing.T) {
	tests := map[string]string{
		"https://cdn.example.com/a.mp4?sig=secret": "https://cdn.example.com/a.mp4",
		"https://cdn.example.com/a.mp4#t=10":       "https://cdn.example.com/a.mp4",
		"/tmp/local.mp4":                           "/tmp/local.mp4",
	}
	for in, want := range tests {
		if got := SanitizeURL(in); got != want {
			t.Errorf("SanitizeURL(%q) = %q, want %q", in, got, want)
		}
	}
}
