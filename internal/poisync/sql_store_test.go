package poisync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestSQLDialectRebind(t *testing.T) {
	query := "SELECT a FROM t WHERE x = ? AND y > ? AND z = ?"
	if got := postgresDialect.rebind(query); got != "SELECT a FROM t WHERE x = $1 AND y > $2 AND z = $3" {
		t.Fatalf("unexpected postgres rebind: %s", got)
	}
	sqlite := sqlDialect{}
	if got := sqlite.rebind(query); got != query {
		t.Fatalf("expected positional query unchanged, got %s", got)
	}
}

func TestSQLTimeScan(t *testing.T) {
	want := time.Date(2025, 3, 1, 12, 0, 0, 123456000, time.UTC)
	encoded := want.Format(sqliteTimeLayout)
	if len(encoded) != len("2025-03-01T12:00:00.123456000Z") {
		t.Fatalf("expected fixed-width encoding, got %q", encoded)
	}

	for _, src := range []any{want, encoded, []byte(encoded), want.In(time.FixedZone("x", 3600))} {
		var st sqlTime
		if err := st.Scan(src); err != nil {
			t.Fatalf("scan %T: %v", src, err)
		}
		if !st.Valid || !st.Time.Equal(want) || st.Time.Location() != time.UTC {
			t.Fatalf("scan %T: expected %s UTC, got %+v", src, want, st)
		}
	}

	var null sqlTime
	if err := null.Scan(nil); err != nil || null.Valid || null.ptr() != nil {
		t.Fatalf("expected NULL to scan as invalid, got %+v (%v)", null, err)
	}
	var bad sqlTime
	if err := bad.Scan(42); err == nil {
		t.Fatalf("expected error for integer timestamp column")
	}
}

func TestSQLiteTimeEncodingSortsLexically(t *testing.T) {
	early := time.Date(2025, 3, 1, 12, 0, 0, 5000, time.UTC).Format(sqliteTimeLayout)
	late := time.Date(2025, 3, 1, 12, 0, 0, 100000000, time.UTC).Format(sqliteTimeLayout)
	if !(early < late) {
		t.Fatalf("expected %q < %q", early, late)
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "poisync.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	svc, _ := newTestService(t, store, ServiceOptions{})
	mustPush(t, svc, PushRequest{
		UserID:        "u1",
		Favorites:     []FavoritePOI{{PoiID: "p1", Nombre: "Cafe", Lat: f64(19.5), Calificacion: f64(4)}},
		SearchHistory: []SearchHistory{{SearchQuery: "tacos", Latitude: f64(1.25)}},
	})
	if err := store.Close(); err != nil {
		t.Fatalf("close sqlite: %v", err)
	}

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	favorites, err := reopened.Favorites(context.Background(), Query{UserID: "u1"})
	if err != nil {
		t.Fatalf("list favorites: %v", err)
	}
	if len(favorites) != 1 || favorites[0].Lat == nil || *favorites[0].Lat != 19.5 || favorites[0].Lon != nil {
		t.Fatalf("unexpected favorites after reopen: %+v", favorites)
	}
	history, err := reopened.SearchHistory(context.Background(), Query{UserID: "u1"})
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(history) != 1 || history[0].ID == nil || *history[0].ID != 1 {
		t.Fatalf("expected first autoincrement id, got %+v", history)
	}
	if reopened.Describe() != "sqlite://"+path {
		t.Fatalf("unexpected describe %q", reopened.Describe())
	}
}

func TestSQLiteStoreConcurrentPushesToSameKey(t *testing.T) {
	store := sqliteStoreFactory(t)
	svc, err := NewService(ServiceOptions{Store: store, Logger: discardLogger{}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Push(context.Background(), PushRequest{
				UserID:    "u1",
				DeviceID:  fmt.Sprintf("device-%d", i),
				Favorites: []FavoritePOI{{PoiID: "shared", Nombre: fmt.Sprintf("writer %d", i)}},
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent push failed: %v", err)
		}
	}

	favorites, err := store.Favorites(context.Background(), Query{UserID: "u1"})
	if err != nil {
		t.Fatalf("list favorites: %v", err)
	}
	if len(favorites) != 1 {
		t.Fatalf("expected one row for the shared key, got %+v", favorites)
	}
}

func TestSQLStoreOpenFailureIsStoreError(t *testing.T) {
	store, err := NewPostgresStore("postgres://localhost/unused")
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	store.openDB = func(driverName, dsn string) (*sql.DB, error) {
		return nil, errors.New("driver unavailable")
	}
	_, err = store.Favorites(context.Background(), Query{UserID: "u1"})
	if !errors.Is(err, ErrStore) {
		t.Fatalf("expected store error, got %v", err)
	}
	if store.Describe() != "postgres://localhost/unused" {
		t.Fatalf("unexpected describe %q", store.Describe())
	}
}

func TestNewSQLStoresRejectEmptyDSN(t *testing.T) {
	if _, err := NewPostgresStore("  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty postgres dsn, got %v", err)
	}
	if _, err := NewSQLiteStore(""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty sqlite path, got %v", err)
	}
}
