package plog

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"notice", LevelNotice},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := LevelFromString(tt.in); got != tt.want {
			t.Errorf("LevelFromString(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNoticeLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(&buf) // keep tests from writing to the terminal

	SetLevel(slog.LevelInfo)
	Notice("COPY", "path", "a/b.flac")
	if strings.Contains(buf.String(), "COPY") {
		t.Errorf("notice record emitted at info level: %q", buf.String())
	}

	SetLevel(LevelNotice)
	Notice("COPY", "path", "a/b.flac")
	out := buf.String()
	if !strings.Contains(out, "COPY") || !strings.Contains(out, "a/b.flac") {
		t.Errorf("notice record missing after lowering level: %q", out)
	}
	if !strings.Contains(out, "NOTICE") {
		t.Errorf("custom level name not rendered: %q", out)
	}
}

func TestWarnAlwaysEmitted(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)

	SetLevel(slog.LevelWarn)
	Info("should be suppressed")
	Warn("watch out", "reason", "test")

	out := buf.String()
	if strings.Contains(out, "suppressed") {
		t.Errorf("info record emitted at warn level: %q", out)
	}
	if !strings.Contains(out, "watch out") {
		t.Errorf("warn record missing: %q", out)
	}
	SetLevel(slog.LevelInfo)
}
