package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevelDefaultsToInfo(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for input, expected := range tests {
		if got := parseLevel(input); got != expected {
			t.Fatalf("parseLevel(%q) = %v, want %v", input, got, expected)
		}
	}
}

func TestNewLoggerBuildsBothFormats(t *testing.T) {
	for _, format := range []string{FormatJSON, FormatConsole, ""} {
		logger, err := NewLogger("debug", format)
		if err != nil {
			t.Fatalf("unexpected error for format %q: %v", format, err)
		}
		if !logger.Core().Enabled(zapcore.DebugLevel) {
			t.Fatalf("expected debug level to be enabled for format %q", format)
		}
	}
}

func TestComponentTagsEntries(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	Component(zap.New(core), "lock").Info("acquire ok")

	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	if entries[0].ContextMap()["component"] != "lock" {
		t.Fatalf("expected component field, got %#v", entries[0].ContextMap())
	}
	if Component(nil, "x") == nil {
		t.Fatalf("expected nop logger for nil parent")
	}
}
