package poisync

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var testUserCounter uint64

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type discardLogger struct{}

func (discardLogger) Printf(string, ...any) {}

type storeFactory func(t *testing.T) RecordStore

func memoryStoreFactory(t *testing.T) RecordStore {
	return NewMemoryStore()
}

func jsonFileStoreFactory(t *testing.T) RecordStore {
	store, err := NewJSONFileStore(filepath.Join(t.TempDir(), "records.json"))
	if err != nil {
		t.Fatalf("new json file store: %v", err)
	}
	return store
}

func sqliteStoreFactory(t *testing.T) RecordStore {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestService(t *testing.T, store RecordStore, opts ServiceOptions) (*Service, *manualClock) {
	t.Helper()
	clock := newManualClock()
	opts.Store = store
	opts.Clock = clock
	if opts.Logger == nil {
		opts.Logger = discardLogger{}
	}
	svc, err := NewService(opts)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, clock
}

// uniqueUserID keeps tests isolated on backends shared across runs.
func uniqueUserID(t *testing.T) string {
	n := atomic.AddUint64(&testUserCounter, 1)
	name := strings.NewReplacer("/", "-", " ", "-").Replace(t.Name())
	return fmt.Sprintf("%s-%d-%d", name, time.Now().UnixNano(), n)
}

func f64(v float64) *float64 {
	return &v
}

func mustPush(t *testing.T, svc *Service, req PushRequest) PushSummary {
	t.Helper()
	summary, err := svc.Push(context.Background(), req)
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	return summary
}

func mustPull(t *testing.T, svc *Service, userID string, watermark *time.Time) PullResponse {
	t.Helper()
	resp, err := svc.Pull(context.Background(), userID, watermark)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	return resp
}

func favoriteIDs(items []FavoritePOI) map[string]bool {
	out := map[string]bool{}
	for _, item := range items {
		out[item.PoiID] = true
	}
	return out
}

func cachedIDs(items []CachedPOI) map[string]bool {
	out := map[string]bool{}
	for _, item := range items {
		out[item.PoiID] = true
	}
	return out
}

func searchQueries(items []SearchHistory) map[string]bool {
	out := map[string]bool{}
	for _, item := range items {
		out[item.SearchQuery] = true
	}
	return out
}

func findFavorite(items []FavoritePOI, poiID string) (FavoritePOI, bool) {
	for _, item := range items {
		if item.PoiID == poiID {
			return item, true
		}
	}
	return FavoritePOI{}, false
}

func findSearch(items []SearchHistory, query string) (SearchHistory, bool) {
	for _, item := range items {
		if item.SearchQuery == query {
			return item, true
		}
	}
	return SearchHistory{}, false
}

func sameKeys(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for key := range a {
		if !b[key] {
			return false
		}
	}
	return true
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "<nil>"
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatFloat(v *float64) string {
	if v == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%g", *v)
}

// favoriteState renders every stored field except updatedAt.
func favoriteState(f FavoritePOI) string {
	return strings.Join([]string{
		f.UserID, f.PoiID, f.Nombre, f.Descripcion, f.Categoria, f.Direccion,
		formatFloat(f.Lat), formatFloat(f.Lon), formatFloat(f.Calificacion), f.ImagenURL,
		formatTime(f.CreatedAt), fmt.Sprint(f.Deleted),
	}, "|")
}

// cachedState renders every stored field except cachedAt.
func cachedState(c CachedPOI) string {
	return strings.Join([]string{
		c.UserID, c.PoiID, c.Nombre, c.Descripcion, c.Categoria, c.Direccion,
		formatFloat(c.Lat), formatFloat(c.Lon), formatFloat(c.Calificacion), c.ImagenURL,
		formatTime(c.ExpiresAt),
	}, "|")
}

func searchState(h SearchHistory) string {
	id := "<nil>"
	if h.ID != nil {
		id = fmt.Sprint(*h.ID)
	}
	return strings.Join([]string{
		id, h.UserID, h.DeviceID, h.SearchQuery, h.SearchType,
		formatFloat(h.Latitude), formatFloat(h.Longitude), formatTime(h.CreatedAt), fmt.Sprint(h.Deleted),
	}, "|")
}

// faultyStore fails the write of one poiId inside an otherwise healthy
// atomic scope.
type faultyStore struct {
	RecordStore
	failPoiID string
}

func (s *faultyStore) RunAtomically(ctx context.Context, fn func(tx Tx) error) error {
	return s.RecordStore.RunAtomically(ctx, func(tx Tx) error {
		return fn(&faultyTx{Tx: tx, failPoiID: s.failPoiID})
	})
}

type faultyTx struct {
	Tx
	failPoiID string
}

func (tx *faultyTx) UpsertFavorite(ctx context.Context, userID, poiID string, merge FavoriteMerge) (FavoritePOI, error) {
	if poiID == tx.failPoiID {
		return FavoritePOI{}, storeErr("upsert favorite", fmt.Errorf("disk full"))
	}
	return tx.Tx.UpsertFavorite(ctx, userID, poiID, merge)
}

func (tx *faultyTx) UpsertCachedPOI(ctx context.Context, userID, poiID string, merge CachedMerge) (CachedPOI, error) {
	if poiID == tx.failPoiID {
		return CachedPOI{}, storeErr("upsert cached", fmt.Errorf("disk full"))
	}
	return tx.Tx.UpsertCachedPOI(ctx, userID, poiID, merge)
}
