package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/poisync/internal/poisync"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("POISYNC_TEST_INT", "42")
	got := intEnv("POISYNC_TEST_INT", 7)
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("POISYNC_TEST_INT_BAD", "not-a-number")
	got := intEnv("POISYNC_TEST_INT_BAD", 7)
	if got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("POISYNC_TEST_DURATION", "150ms")
	got := durationEnv("POISYNC_TEST_DURATION", time.Second)
	if got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestBoolEnv(t *testing.T) {
	t.Setenv("POISYNC_TEST_BOOL", "true")
	if !boolEnv("POISYNC_TEST_BOOL", false) {
		t.Fatalf("expected true")
	}
	t.Setenv("POISYNC_TEST_BOOL", "maybe")
	if boolEnv("POISYNC_TEST_BOOL", false) {
		t.Fatalf("expected fallback false on invalid value")
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("POISYNC_TEST_INT_UNSET")
	_ = os.Unsetenv("POISYNC_TEST_INT64_UNSET")

	if got := intEnv("POISYNC_TEST_INT_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
	if got := int64Env("POISYNC_TEST_INT64_UNSET", 1<<20); got != 1<<20 {
		t.Fatalf("expected fallback 1MiB, got %d", got)
	}
}

func TestStorageProfiles(t *testing.T) {
	t.Setenv("POISYNC_DATA_DIR", "/var/lib/poisync")
	t.Setenv("POISYNC_POSTGRES_DSN", "")
	cases := map[string]string{
		"":              "memory://",
		"memory":        "memory://",
		"durable-local": "file:///var/lib/poisync/records.json",
		"sqlite":        "sqlite:///var/lib/poisync/poisync.db",
	}
	for profile, want := range cases {
		t.Setenv("POISYNC_BACKEND_PROFILE", profile)
		got, err := storageProfileDefaultsFromEnv()
		if err != nil || got != want {
			t.Fatalf("profile %q: expected %s, got %s (%v)", profile, want, got, err)
		}
	}

	t.Setenv("POISYNC_BACKEND_PROFILE", "production")
	if _, err := storageProfileDefaultsFromEnv(); err == nil || !strings.Contains(err.Error(), "POISYNC_POSTGRES_DSN") {
		t.Fatalf("expected production profile to require a postgres dsn, got %v", err)
	}
	t.Setenv("POISYNC_POSTGRES_DSN", "postgres://db/poisync")
	if got, err := storageProfileDefaultsFromEnv(); err != nil || got != "postgres://db/poisync" {
		t.Fatalf("expected postgres dsn, got %s (%v)", got, err)
	}

	t.Setenv("POISYNC_BACKEND_PROFILE", "cassandra")
	if _, err := storageProfileDefaultsFromEnv(); err == nil {
		t.Fatalf("expected unsupported profile error")
	}
}

func TestBuildRecordStoreFromEnvPrefersExplicitDSN(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("POISYNC_BACKEND_PROFILE", "memory")
	t.Setenv("POISYNC_STORE_DSN", "sqlite://"+filepath.Join(dir, "explicit.db"))
	store, err := buildRecordStoreFromEnv()
	if err != nil {
		t.Fatalf("build store: %v", err)
	}
	defer store.Close()
	if !strings.HasPrefix(store.Describe(), "sqlite://") {
		t.Fatalf("expected sqlite store, got %s", store.Describe())
	}
}

type closeTrackingStore struct {
	*poisync.MemoryStore
	closed bool
}

func (s *closeTrackingStore) Close() error {
	s.closed = true
	return s.MemoryStore.Close()
}

func useTrackingStore(t *testing.T) *closeTrackingStore {
	t.Helper()
	store := &closeTrackingStore{MemoryStore: poisync.NewMemoryStore()}
	previous := buildStore
	buildStore = func() (poisync.RecordStore, error) { return store, nil }
	t.Cleanup(func() { buildStore = previous })
	return store
}

func TestRunReturnsListenErrorAndClosesStore(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()
	t.Setenv("POISYNC_ADDR", busy.Addr().String())
	store := useTrackingStore(t)

	err = run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "server failed") {
		t.Fatalf("expected listen failure, got %v", err)
	}
	if !store.closed {
		t.Fatalf("expected store to be closed after a listen failure")
	}
}

func TestRunShutsDownWhenContextEnds(t *testing.T) {
	t.Setenv("POISYNC_ADDR", "127.0.0.1:0")
	store := useTrackingStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := run(ctx); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
	if !store.closed {
		t.Fatalf("expected store to be closed on shutdown")
	}
}
