package poisync

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Push applies one client batch. Every item is validated before the first
// write, and all writes of the batch commit or roll back together.
//
// The incoming write always wins: mutable fields are overwritten without
// comparing client timestamps. Server-owned timestamps (updatedAt, cachedAt
// and search-history createdAt) are taken from the service clock and never
// move backwards for a given row.
func (s *Service) Push(ctx context.Context, req PushRequest) (PushSummary, error) {
	if err := normalizePush(&req); err != nil {
		return PushSummary{}, err
	}
	now := s.now()

	var summary PushSummary
	err := s.store.RunAtomically(ctx, func(tx Tx) error {
		summary = PushSummary{}
		for _, item := range req.Favorites {
			if _, err := tx.UpsertFavorite(ctx, req.UserID, item.PoiID, mergeFavorite(item, now)); err != nil {
				return fmt.Errorf("favorite %s: %w", item.PoiID, err)
			}
			summary.Favorites++
		}
		for _, item := range req.Cached {
			if _, err := tx.UpsertCachedPOI(ctx, req.UserID, item.PoiID, s.mergeCached(item, now)); err != nil {
				return fmt.Errorf("cached %s: %w", item.PoiID, err)
			}
			summary.Cached++
		}
		for _, item := range req.SearchHistory {
			stored, err := tx.UpsertSearchHistory(ctx, req.UserID, item.ID, s.mergeSearchHistory(item, now))
			if err != nil {
				return fmt.Errorf("search history: %w", err)
			}
			if item.ID == nil || stored.ID == nil || *stored.ID != *item.ID {
				summary.CreatedSearchIDs++
			}
			summary.SearchHistory++
		}
		return nil
	})
	if err != nil {
		s.logger.Printf("poisync: push rejected user=%s device=%s: %v", req.UserID, req.DeviceID, err)
		return PushSummary{}, err
	}
	s.logger.Printf("poisync: push applied user=%s device=%s favorites=%d cached=%d searchHistory=%d newSearchIds=%d",
		req.UserID, req.DeviceID, summary.Favorites, summary.Cached, summary.SearchHistory, summary.CreatedSearchIDs)
	return summary, nil
}

func mergeFavorite(in FavoritePOI, now time.Time) FavoriteMerge {
	return func(existing *FavoritePOI) (FavoritePOI, error) {
		out := in.clone()
		var previous *time.Time
		switch {
		case existing != nil && existing.CreatedAt != nil:
			out.CreatedAt = copyTime(existing.CreatedAt)
		case in.CreatedAt != nil:
			out.CreatedAt = timePtr(normalizeTime(*in.CreatedAt))
		default:
			out.CreatedAt = timePtr(now)
		}
		if existing != nil {
			previous = existing.UpdatedAt
		}
		out.UpdatedAt = timePtr(advance(now, previous))
		return out, nil
	}
}

func (s *Service) mergeCached(in CachedPOI, now time.Time) CachedMerge {
	return func(existing *CachedPOI) (CachedPOI, error) {
		out := in.clone()
		var previous *time.Time
		if existing != nil {
			previous = existing.CachedAt
		}
		cachedAt := advance(now, previous)
		out.CachedAt = timePtr(cachedAt)
		if in.ExpiresAt != nil {
			out.ExpiresAt = timePtr(normalizeTime(*in.ExpiresAt))
		} else {
			out.ExpiresAt = timePtr(cachedAt.Add(s.cacheTTL))
		}
		return out, nil
	}
}

func (s *Service) mergeSearchHistory(in SearchHistory, now time.Time) SearchHistoryMerge {
	return func(existing *SearchHistory) (SearchHistory, error) {
		out := in.clone()
		if existing != nil {
			out.ID = int64Ptr(*existing.ID)
			out.CreatedAt = copyTime(existing.CreatedAt)
			return out, nil
		}
		if in.ID != nil && s.strictIDs {
			return SearchHistory{}, &NotFoundError{Kind: KindSearchHistory, Key: strconv.FormatInt(*in.ID, 10)}
		}
		out.ID = nil
		out.CreatedAt = timePtr(now)
		return out, nil
	}
}

// advance returns now, or the smallest representable instant after previous
// when the clock has not moved past it.
func advance(now time.Time, previous *time.Time) time.Time {
	if previous == nil || now.After(*previous) {
		return now
	}
	return normalizeTime(*previous).Add(TimestampResolution)
}

// normalizePush checks every item and rewrites it into its stored form:
// owner filled from the batch, strings trimmed, search queries NFC-normalized.
func normalizePush(req *PushRequest) error {
	req.UserID = strings.TrimSpace(req.UserID)
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	if req.UserID == "" {
		return &ValidationError{Field: "userId", Message: "is required"}
	}

	for i := range req.Favorites {
		item := &req.Favorites[i]
		if err := normalizeOwner(&item.UserID, req.UserID, KindFavorite, i); err != nil {
			return err
		}
		if err := normalizePOIFields(KindFavorite, i, &item.PoiID, &item.Nombre, item.Lat, item.Lon, item.Calificacion); err != nil {
			return err
		}
	}

	for i := range req.Cached {
		item := &req.Cached[i]
		if err := normalizeOwner(&item.UserID, req.UserID, KindCached, i); err != nil {
			return err
		}
		if err := normalizePOIFields(KindCached, i, &item.PoiID, &item.Nombre, item.Lat, item.Lon, item.Calificacion); err != nil {
			return err
		}
	}

	for i := range req.SearchHistory {
		item := &req.SearchHistory[i]
		if err := normalizeOwner(&item.UserID, req.UserID, KindSearchHistory, i); err != nil {
			return err
		}
		item.SearchQuery = norm.NFC.String(strings.TrimSpace(item.SearchQuery))
		if item.SearchQuery == "" {
			return &ValidationError{Kind: KindSearchHistory, Index: i, Field: "searchQuery", Message: "is required"}
		}
		item.SearchType = strings.TrimSpace(item.SearchType)
		item.DeviceID = strings.TrimSpace(item.DeviceID)
		if item.DeviceID == "" {
			item.DeviceID = req.DeviceID
		}
		if item.ID != nil && *item.ID <= 0 {
			return &ValidationError{Kind: KindSearchHistory, Index: i, Field: "id", Message: "must be positive"}
		}
		if err := checkCoordinates(KindSearchHistory, i, "latitude", "longitude", item.Latitude, item.Longitude); err != nil {
			return err
		}
	}
	return nil
}

func normalizeOwner(itemUserID *string, batchUserID, kind string, index int) error {
	owner := strings.TrimSpace(*itemUserID)
	if owner == "" {
		*itemUserID = batchUserID
		return nil
	}
	if owner != batchUserID {
		return &ValidationError{Kind: kind, Index: index, Field: "userId", Message: "does not match the batch userId"}
	}
	*itemUserID = owner
	return nil
}

func normalizePOIFields(kind string, index int, poiID, nombre *string, lat, lon, rating *float64) error {
	*poiID = strings.TrimSpace(*poiID)
	if *poiID == "" {
		return &ValidationError{Kind: kind, Index: index, Field: "poiId", Message: "is required"}
	}
	*nombre = strings.TrimSpace(*nombre)
	if *nombre == "" {
		return &ValidationError{Kind: kind, Index: index, Field: "nombre", Message: "is required"}
	}
	if err := checkCoordinates(kind, index, "lat", "lon", lat, lon); err != nil {
		return err
	}
	if rating != nil && (math.IsNaN(*rating) || math.IsInf(*rating, 0)) {
		return &ValidationError{Kind: kind, Index: index, Field: "calificacion", Message: "must be a finite number"}
	}
	return nil
}

func checkCoordinates(kind string, index int, latField, lonField string, lat, lon *float64) error {
	if lat != nil && (math.IsNaN(*lat) || *lat < -90 || *lat > 90) {
		return &ValidationError{Kind: kind, Index: index, Field: latField, Message: "must be within [-90, 90]"}
	}
	if lon != nil && (math.IsNaN(*lon) || *lon < -180 || *lon > 180) {
		return &ValidationError{Kind: kind, Index: index, Field: lonField, Message: "must be within [-180, 180]"}
	}
	return nil
}
