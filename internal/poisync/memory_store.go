package poisync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type recordKey struct {
	userID string
	poiID  string
}

// MemoryStore keeps every record in process memory. When created with a file
// path it also persists a JSON snapshot after each committed write, so a
// single-node deployment survives restarts.
type MemoryStore struct {
	mu         sync.RWMutex
	favorites  map[recordKey]FavoritePOI
	cached     map[recordKey]CachedPOI
	history    map[int64]SearchHistory
	historySeq int64
	path       string
}

type persistedRecords struct {
	Favorites     []FavoritePOI   `json:"favorites"`
	Cached        []CachedPOI     `json:"cached"`
	SearchHistory []SearchHistory `json:"searchHistory"`
	SearchSeq     int64           `json:"searchSeq"`
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		favorites: map[recordKey]FavoritePOI{},
		cached:    map[recordKey]CachedPOI{},
		history:   map[int64]SearchHistory{},
	}
}

func NewJSONFileStore(path string) (*MemoryStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := NewMemoryStore()
	s.path = path
	if err := s.load(); err != nil {
		return nil, storeErr("load "+path, err)
	}
	return s, nil
}

func (s *MemoryStore) Describe() string {
	if s.path != "" {
		return "file://" + s.path
	}
	return "memory"
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) Favorites(ctx context.Context, q Query) ([]FavoritePOI, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FavoritePOI, 0)
	for key, row := range s.favorites {
		if key.userID != q.UserID {
			continue
		}
		if row.Deleted && !q.IncludeDeleted {
			continue
		}
		if !changedAfter(row.UpdatedAt, q.ChangedAfter) {
			continue
		}
		out = append(out, row.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PoiID < out[j].PoiID })
	return out, nil
}

func (s *MemoryStore) CachedPOIs(ctx context.Context, q Query) ([]CachedPOI, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CachedPOI, 0)
	for key, row := range s.cached {
		if key.userID != q.UserID {
			continue
		}
		if !changedAfter(row.CachedAt, q.ChangedAfter) {
			continue
		}
		out = append(out, row.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PoiID < out[j].PoiID })
	return out, nil
}

func (s *MemoryStore) SearchHistory(ctx context.Context, q Query) ([]SearchHistory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SearchHistory, 0)
	for _, row := range s.history {
		if row.UserID != q.UserID {
			continue
		}
		if q.DeviceID != "" && row.DeviceID != q.DeviceID {
			continue
		}
		if row.Deleted && !q.IncludeDeleted {
			continue
		}
		if !changedAfter(row.CreatedAt, q.ChangedAfter) {
			continue
		}
		out = append(out, row.clone())
	}
	sort.Slice(out, func(i, j int) bool { return *out[i].ID < *out[j].ID })
	return out, nil
}

func (s *MemoryStore) Counts(ctx context.Context, userID string) (RecordCounts, error) {
	if err := ctx.Err(); err != nil {
		return RecordCounts{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := RecordCounts{UserID: userID}
	for key, row := range s.favorites {
		if key.userID == userID && !row.Deleted {
			counts.Favorites++
		}
	}
	for key := range s.cached {
		if key.userID == userID {
			counts.Cached++
		}
	}
	for _, row := range s.history {
		if row.UserID == userID && !row.Deleted {
			counts.SearchHistory++
		}
	}
	return counts, nil
}

func (s *MemoryStore) RunAtomically(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{store: s}
	err := fn(tx)
	if err == nil {
		err = s.saveLocked()
	}
	if err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *MemoryStore) PurgeExpiredCache(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := map[recordKey]CachedPOI{}
	for key, row := range s.cached {
		if row.ExpiresAt != nil && row.ExpiresAt.Before(now) {
			removed[key] = row
			delete(s.cached, key)
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}
	if err := s.saveLocked(); err != nil {
		for key, row := range removed {
			s.cached[key] = row
		}
		return 0, err
	}
	return len(removed), nil
}

type memoryTx struct {
	store *MemoryStore
	undo  []func()
}

func (tx *memoryTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memoryTx) UpsertFavorite(ctx context.Context, userID, poiID string, merge FavoriteMerge) (FavoritePOI, error) {
	if err := ctx.Err(); err != nil {
		return FavoritePOI{}, err
	}
	s := tx.store
	key := recordKey{userID: userID, poiID: poiID}
	prev, found := s.favorites[key]
	var existing *FavoritePOI
	if found {
		current := prev.clone()
		existing = &current
	}
	next, err := merge(existing)
	if err != nil {
		return FavoritePOI{}, err
	}
	next.UserID = userID
	next.PoiID = poiID
	s.favorites[key] = next.clone()
	if found {
		tx.undo = append(tx.undo, func() { s.favorites[key] = prev })
	} else {
		tx.undo = append(tx.undo, func() { delete(s.favorites, key) })
	}
	return next, nil
}

func (tx *memoryTx) UpsertCachedPOI(ctx context.Context, userID, poiID string, merge CachedMerge) (CachedPOI, error) {
	if err := ctx.Err(); err != nil {
		return CachedPOI{}, err
	}
	s := tx.store
	key := recordKey{userID: userID, poiID: poiID}
	prev, found := s.cached[key]
	var existing *CachedPOI
	if found {
		current := prev.clone()
		existing = &current
	}
	next, err := merge(existing)
	if err != nil {
		return CachedPOI{}, err
	}
	next.UserID = userID
	next.PoiID = poiID
	s.cached[key] = next.clone()
	if found {
		tx.undo = append(tx.undo, func() { s.cached[key] = prev })
	} else {
		tx.undo = append(tx.undo, func() { delete(s.cached, key) })
	}
	return next, nil
}

func (tx *memoryTx) UpsertSearchHistory(ctx context.Context, userID string, id *int64, merge SearchHistoryMerge) (SearchHistory, error) {
	if err := ctx.Err(); err != nil {
		return SearchHistory{}, err
	}
	s := tx.store
	var existing *SearchHistory
	var prev SearchHistory
	found := false
	if id != nil {
		if row, ok := s.history[*id]; ok && row.UserID == userID {
			prev = row
			found = true
			current := row.clone()
			existing = &current
		}
	}
	next, err := merge(existing)
	if err != nil {
		return SearchHistory{}, err
	}
	next.UserID = userID
	if found {
		next.ID = int64Ptr(*prev.ID)
		s.history[*prev.ID] = next.clone()
		tx.undo = append(tx.undo, func() { s.history[*prev.ID] = prev })
		return next, nil
	}
	prevSeq := s.historySeq
	s.historySeq++
	newID := s.historySeq
	next.ID = int64Ptr(newID)
	s.history[newID] = next.clone()
	tx.undo = append(tx.undo, func() {
		delete(s.history, newID)
		s.historySeq = prevSeq
	})
	return next, nil
}

func (s *MemoryStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot persistedRecords
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	for _, row := range snapshot.Favorites {
		s.favorites[recordKey{userID: row.UserID, poiID: row.PoiID}] = row
	}
	for _, row := range snapshot.Cached {
		s.cached[recordKey{userID: row.UserID, poiID: row.PoiID}] = row
	}
	for _, row := range snapshot.SearchHistory {
		if row.ID == nil {
			continue
		}
		s.history[*row.ID] = row
		if *row.ID > s.historySeq {
			s.historySeq = *row.ID
		}
	}
	if snapshot.SearchSeq > s.historySeq {
		s.historySeq = snapshot.SearchSeq
	}
	return nil
}

func (s *MemoryStore) saveLocked() error {
	if s.path == "" {
		return nil
	}
	snapshot := persistedRecords{
		Favorites:     make([]FavoritePOI, 0, len(s.favorites)),
		Cached:        make([]CachedPOI, 0, len(s.cached)),
		SearchHistory: make([]SearchHistory, 0, len(s.history)),
		SearchSeq:     s.historySeq,
	}
	for _, row := range s.favorites {
		snapshot.Favorites = append(snapshot.Favorites, row)
	}
	for _, row := range s.cached {
		snapshot.Cached = append(snapshot.Cached, row)
	}
	for _, row := range s.history {
		snapshot.SearchHistory = append(snapshot.SearchHistory, row)
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return storeErr("encode snapshot", err)
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return storeErr("save snapshot", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return storeErr("save snapshot", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return storeErr("save snapshot", err)
	}
	return nil
}

func changedAfter(changedAt *time.Time, watermark *time.Time) bool {
	if watermark == nil {
		return true
	}
	if changedAt == nil {
		return false
	}
	return changedAt.After(*watermark)
}
