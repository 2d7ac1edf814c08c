package serviceerr

import (
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewComposesCodeAndUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := New("leases.acquire", "upsert_failed", cause)
	if err.Error() != "leases.acquire.upsert_failed: boom" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	wrapped := fmt.Errorf("outer: %w", err)
	if CodeOf(wrapped) != "leases.acquire.upsert_failed" {
		t.Fatalf("expected code through wrapping, got %q", CodeOf(wrapped))
	}
	if CodeOf(cause) != "" {
		t.Fatalf("expected empty code for plain errors")
	}
}

func TestLogRecordsOperationAndReason(t *testing.T) {
	core, recorded := observer.New(zapcore.ErrorLevel)
	Log(zap.New(core), "store error", "stationdata.put", "upsert_failed", errors.New("x"), zap.String("station", "802"))
	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["operation"] != "stationdata.put" || fields["reason"] != "upsert_failed" || fields["station"] != "802" {
		t.Fatalf("unexpected fields %#v", fields)
	}
	Log(nil, "ignored", "op", "reason", nil)
}
