package logger

import (
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"bogus", slog.LevelWarn},
		{"", slog.LevelWarn},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.input)
		if err != nil {
			t.Fatalf("ParseLevel(%q) returned error: %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNormalizeLevel(t *testing.T) {
	if got := normalizeLevel(slog.LevelWarn); got != "WARN" {
		t.Errorf("normalizeLevel(warn) = %q, want WARN", got)
	}
	if got := normalizeLevel(slog.LevelInfo); got != "INFO" {
		t.Errorf("normalizeLevel(info) = %q, want INFO", got)
	}
}

func TestGetLoggerLazyInit(t *testing.T) {
	defaultLogger = nil
	if GetLogger() == nil {
		t.Fatal("GetLogger() returned nil")
	}
}
