package poisync

import (
	"context"
	"fmt"
	"time"
)

// Pull returns the records of userID that changed after watermark. A nil
// watermark is a first sync and returns the complete live set instead.
//
// Incremental pulls include favorite tombstones so deletions reach other
// devices; first syncs leave them out. Search-history tombstones are never
// returned.
//
// ServerTimestamp is read after the queries. A push that commits between a
// query and that read is not returned by this pull and is older than the
// next watermark, so the caller can miss it.
func (s *Service) Pull(ctx context.Context, userID string, watermark *time.Time) (PullResponse, error) {
	userID, err := requireUserID(userID)
	if err != nil {
		return PullResponse{}, err
	}
	incremental := watermark != nil
	var after *time.Time
	if incremental {
		after = timePtr(watermark.UTC())
	}

	favorites, err := s.store.Favorites(ctx, Query{UserID: userID, ChangedAfter: after, IncludeDeleted: incremental})
	if err != nil {
		return PullResponse{}, fmt.Errorf("pull favorites: %w", err)
	}
	cached, err := s.store.CachedPOIs(ctx, Query{UserID: userID, ChangedAfter: after})
	if err != nil {
		return PullResponse{}, fmt.Errorf("pull cached: %w", err)
	}
	history, err := s.store.SearchHistory(ctx, Query{UserID: userID, ChangedAfter: after})
	if err != nil {
		return PullResponse{}, fmt.Errorf("pull search history: %w", err)
	}

	resp := PullResponse{
		ServerTimestamp: s.now(),
		Favorites:       nonNil(favorites),
		Cached:          nonNil(cached),
		SearchHistory:   nonNil(history),
	}
	mode := "full"
	if incremental {
		mode = "incremental"
	}
	s.logger.Printf("poisync: %s pull user=%s favorites=%d cached=%d searchHistory=%d",
		mode, userID, len(resp.Favorites), len(resp.Cached), len(resp.SearchHistory))
	return resp, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
