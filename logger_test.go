package auth

import (
	"bytes"
	"strings"
	"testing"
)

func TestLeveledLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelWarn)

	logger.Debug("debug %d", 1)
	logger.Info("info %d", 2)
	logger.Warn("SECURITY: rejected %s", "state")
	logger.Error("failed %s", "exchange")

	out := buf.String()
	if strings.Contains(out, "debug 1") || strings.Contains(out, "info 2") {
		t.Errorf("Expected messages below the threshold to be dropped, got %q", out)
	}
	if !strings.Contains(out, "[WARN] SECURITY: rejected state") {
		t.Errorf("Expected warn line, got %q", out)
	}
	if !strings.Contains(out, "[ERROR] failed exchange") {
		t.Errorf("Expected error line, got %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		" INFO ":  LevelInfo,
		"warning": LevelWarn,
		"warn":    LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestTruncateString(t *testing.T) {
	if got := truncateString("mcp_0123456789abcdef", 10); got != "mcp_012345..." {
		t.Errorf("Unexpected truncation: %s", got)
	}
	if got := truncateString("short", 10); got != "short" {
		t.Errorf("Short strings must be kept, got %s", got)
	}
}
