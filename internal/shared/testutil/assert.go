package testutil

import (
	"log/slog"
	"strings"
	"testing"
)

// AssertLogContains fails t unless a record at level contains message
func AssertLogContains(t testing.TB, h *CaptureHandler, level slog.Level, message string) {
	t.Helper()

	records := h.GetRecordsByLevel(level)
	for _, r := range records {
		if strings.Contains(r.Message, message) {
			return
		}
	}
	t.Errorf("no %s record contains %q", level, message)
	for _, r := range records {
		t.Logf("  %s: %s", level, r.Message)
	}
}

// AssertLogAttr fails t unless some record carries key with want
func AssertLogAttr(t testing.TB, h *CaptureHandler, key string, want any) {
	t.Helper()

	if h.ContainsAttr(key, want) {
		return
	}
	t.Errorf("no record carries %s=%v (%T)", key, want, want)
	for _, r := range h.Records() {
		if v, ok := r.Attr(key); ok {
			t.Logf("  %s: %s=%v (%T)", r.Message, key, v, v)
		}
	}
}

// AssertNoErrors fails t for every error-level record
func AssertNoErrors(t testing.TB, h *CaptureHandler) {
	t.Helper()

	for _, r := range h.GetRecordsByLevel(slog.LevelError) {
		t.Errorf("unexpected error log: %s %v", r.Message, r.Attrs)
	}
}
