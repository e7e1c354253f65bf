package poisync

import (
	"context"
	"time"
)

// Query selects one user's rows of a single kind. A nil ChangedAfter selects
// every row; otherwise only rows whose change timestamp is strictly after it.
// The change timestamp is updatedAt for favorites, cachedAt for cached POIs
// and createdAt for search history.
type Query struct {
	UserID         string
	ChangedAfter   *time.Time
	IncludeDeleted bool
	DeviceID       string
}

type RecordReader interface {
	Favorites(ctx context.Context, q Query) ([]FavoritePOI, error)
	CachedPOIs(ctx context.Context, q Query) ([]CachedPOI, error)
	SearchHistory(ctx context.Context, q Query) ([]SearchHistory, error)
}

// Merge functions receive the stored row, or nil when the key is new, and
// return the row to write.
type (
	FavoriteMerge      func(existing *FavoritePOI) (FavoritePOI, error)
	CachedMerge        func(existing *CachedPOI) (CachedPOI, error)
	SearchHistoryMerge func(existing *SearchHistory) (SearchHistory, error)
)

// Tx is the write side of one atomic scope. Each Upsert is an upsertByKey:
// the lookup and the write of a key are atomic with respect to concurrent
// writers of the same key.
type Tx interface {
	UpsertFavorite(ctx context.Context, userID, poiID string, merge FavoriteMerge) (FavoritePOI, error)
	UpsertCachedPOI(ctx context.Context, userID, poiID string, merge CachedMerge) (CachedPOI, error)
	// UpsertSearchHistory looks id up among userID's rows when id is non-nil.
	// A new row always receives a fresh store-assigned identifier.
	UpsertSearchHistory(ctx context.Context, userID string, id *int64, merge SearchHistoryMerge) (SearchHistory, error)
}

type RecordStore interface {
	RecordReader
	// RunAtomically applies fn's writes as one unit. Any error returned by fn
	// or by the commit leaves the store as it was before the call.
	RunAtomically(ctx context.Context, fn func(tx Tx) error) error
	Counts(ctx context.Context, userID string) (RecordCounts, error)
	PurgeExpiredCache(ctx context.Context, now time.Time) (int, error)
	Describe() string
	Close() error
}
