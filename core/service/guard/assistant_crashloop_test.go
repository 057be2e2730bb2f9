package guard

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"assistant_server/adapter/out/store"
)

func TestCrashLoopGuardTripsAboveThreshold(t *testing.T) {
	kv := store.NewMemoryStore()
	defer kv.Close()

	notifier := &captureNotifier{}
	g := NewCrashLoopGuard(kv, notifier, 5, time.Hour, zerolog.Nop())
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if !g.OnStartup(ctx) {
			t.Fatalf("start %d should be allowed", i)
		}
	}

	if g.OnStartup(ctx) {
		t.Fatal("6th start within window should be refused")
	}
	if !g.Halted() {
		t.Fatal("guard should report halted after trip")
	}

	_, criticals := notifier.counts()
	if criticals != 1 {
		t.Fatalf("criticals = %d, want 1 operator alert on trip", criticals)
	}
}

func TestCrashLoopGuardWindowExpiry(t *testing.T) {
	kv := store.NewMemoryStore()
	defer kv.Close()

	g := NewCrashLoopGuard(kv, nil, 2, 60*time.Millisecond, zerolog.Nop())
	ctx := context.Background()

	g.OnStartup(ctx)
	g.OnStartup(ctx)
	if g.OnStartup(ctx) {
		t.Fatal("3rd start within window should be refused")
	}

	time.Sleep(90 * time.Millisecond)

	if !g.OnStartup(ctx) {
		t.Fatal("start after window expiry should be allowed")
	}
}

func TestCrashLoopGuardHealthyReset(t *testing.T) {
	kv := store.NewMemoryStore()
	defer kv.Close()

	g := NewCrashLoopGuard(kv, nil, 3, time.Hour, zerolog.Nop())
	ctx := context.Background()

	g.OnStartup(ctx)
	g.OnStartup(ctx)
	g.MarkHealthy(ctx)

	count, _ := g.State(ctx)
	if count != 0 {
		t.Fatalf("count after healthy handshake = %d, want 0", count)
	}

	// A full round of restarts is available again.
	for i := 1; i <= 3; i++ {
		if !g.OnStartup(ctx) {
			t.Fatalf("start %d after reset should be allowed", i)
		}
	}
}

func TestCrashLoopGuardOperatorReset(t *testing.T) {
	kv := store.NewMemoryStore()
	defer kv.Close()

	g := NewCrashLoopGuard(kv, nil, 1, time.Hour, zerolog.Nop())
	ctx := context.Background()

	g.OnStartup(ctx)
	if g.OnStartup(ctx) {
		t.Fatal("2nd start should trip the guard")
	}

	if err := g.Reset(ctx); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if g.Halted() {
		t.Fatal("guard should not be halted after operator reset")
	}
	if !g.OnStartup(ctx) {
		t.Fatal("start after operator reset should be allowed")
	}
}

func TestCrashLoopGuardFailsOpenOnStoreOutage(t *testing.T) {
	kv := store.NewMemoryStore()
	kv.Close() // not used; broken store below

	g := NewCrashLoopGuard(brokenStore{}, nil, 1, time.Hour, zerolog.Nop())

	if !g.OnStartup(context.Background()) {
		t.Fatal("guard must fail open for connectivity when its store is unreachable")
	}
}
