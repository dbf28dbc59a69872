package circuitbreaker

import (
	"context"
	"testing"
	"time"
)

func TestManager(t *testing.T) {
	manager := NewManager(quietLogger())

	store := manager.GetOrCreate("conversation-store", Config{MaxFailures: 1, Timeout: time.Minute})
	if store == nil {
		t.Fatal("Expected circuit breaker, got nil")
	}
	if again := manager.GetOrCreate("conversation-store", Config{MaxFailures: 9}); again != store {
		t.Error("Expected same circuit breaker instance")
	}
	if store.Name() != "conversation-store" {
		t.Errorf("Expected name from manager key, got %q", store.Name())
	}

	manager.GetOrCreate("catalog", Config{MaxFailures: 3, Timeout: time.Minute})
	if manager.Get("missing") != nil {
		t.Error("Expected nil for unknown breaker")
	}

	snaps := manager.Snapshots()
	if len(snaps) != 2 || snaps[0].Name != "catalog" || snaps[1].Name != "conversation-store" {
		t.Fatalf("Unexpected snapshots: %+v", snaps)
	}

	if manager.AnyOpen() {
		t.Error("Expected no open breakers")
	}
	store.Execute(context.Background(), fail)
	if !manager.AnyOpen() {
		t.Error("Expected an open breaker")
	}

	if !manager.Reset("conversation-store") {
		t.Error("Expected reset to find the breaker")
	}
	if manager.Reset("missing") {
		t.Error("Expected reset of unknown breaker to report false")
	}
	if manager.AnyOpen() {
		t.Error("Expected no open breakers after reset")
	}
}
