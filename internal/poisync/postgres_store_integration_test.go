package poisync

import (
	"context"
	"os"
	"strings"
	"testing"
)

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("POISYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set POISYNC_TEST_POSTGRES_DSN to run postgres integration tests")
	}
	return dsn
}

func postgresStoreFactory(dsn string) storeFactory {
	return func(t *testing.T) RecordStore {
		store, err := NewPostgresStore(dsn)
		if err != nil {
			t.Fatalf("new postgres store: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return store
	}
}

func TestPostgresIntegrationSyncSuite(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	runSyncSuite(t, postgresStoreFactory(dsn))
}

func TestPostgresIntegrationSearchIDsAreSequential(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	store := postgresStoreFactory(dsn)(t)
	svc, _ := newTestService(t, store, ServiceOptions{})
	user := uniqueUserID(t)

	mustPush(t, svc, PushRequest{UserID: user, SearchHistory: []SearchHistory{
		{SearchQuery: "one"}, {SearchQuery: "two"}, {SearchQuery: "three"},
	}})
	rows, err := store.SearchHistory(context.Background(), Query{UserID: user})
	if err != nil {
		t.Fatalf("list search history: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected three rows, got %+v", rows)
	}
	for i := 1; i < len(rows); i++ {
		if *rows[i].ID <= *rows[i-1].ID {
			t.Fatalf("expected increasing ids, got %d after %d", *rows[i].ID, *rows[i-1].ID)
		}
	}
}
