package poisync

import (
	"errors"
	"testing"
	"time"
)

func TestDecodePushRequestValid(t *testing.T) {
	body := []byte(`{
		"deviceId": "phone-1",
		"userId": "u1",
		"lastSyncAt": "2025-03-01T10:00:00Z",
		"favorites": [{"poiId": "p1", "nombre": "Cafe", "lat": 19.4, "lon": -99.1, "deleted": null,
			"createdAt": "2025-02-01T08:00:00.5Z"}],
		"cached": [{"poiId": "c1", "nombre": "Cached", "expiresAt": "2025-04-01T00:00:00+02:00"}],
		"searchHistory": [{"id": 7, "searchQuery": "tacos", "searchType": "text"}]
	}`)
	req, err := DecodePushRequest(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.UserID != "u1" || req.DeviceID != "phone-1" || req.LastSyncAt == nil {
		t.Fatalf("unexpected envelope: %+v", req)
	}
	if len(req.Favorites) != 1 || *req.Favorites[0].Lat != 19.4 || req.Favorites[0].Deleted {
		t.Fatalf("unexpected favorites: %+v", req.Favorites)
	}
	wantExpiry := time.Date(2025, 3, 31, 22, 0, 0, 0, time.UTC)
	if !req.Cached[0].ExpiresAt.Equal(wantExpiry) {
		t.Fatalf("expected expiresAt %s, got %s", wantExpiry, req.Cached[0].ExpiresAt)
	}
	if req.SearchHistory[0].ID == nil || *req.SearchHistory[0].ID != 7 {
		t.Fatalf("unexpected search history: %+v", req.SearchHistory)
	}
}

func TestDecodePushRequestZonelessTimestamps(t *testing.T) {
	body := []byte(`{
		"userId": "u1",
		"lastSyncAt": "2025-03-01T10:00:00",
		"favorites": [{"poiId": "p1", "nombre": "Cafe", "lat": 19.4, "createdAt": "2025-02-01T08:00:00.5", "updatedAt": "2025-02-02T09:15"}],
		"cached": [{"poiId": "c1", "nombre": "Cached", "cachedAt": "2025-03-01T00:00:00", "expiresAt": "2025-04-01T00:00"}],
		"searchHistory": [{"searchQuery": "tacos", "createdAt": "2025-02-28T23:59:59.000001"}]
	}`)
	req, err := DecodePushRequest(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	checks := []struct {
		name string
		got  *time.Time
		want time.Time
	}{
		{"lastSyncAt", req.LastSyncAt, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"favorite createdAt", req.Favorites[0].CreatedAt, time.Date(2025, 2, 1, 8, 0, 0, 500000000, time.UTC)},
		{"favorite updatedAt", req.Favorites[0].UpdatedAt, time.Date(2025, 2, 2, 9, 15, 0, 0, time.UTC)},
		{"cachedAt", req.Cached[0].CachedAt, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"expiresAt", req.Cached[0].ExpiresAt, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)},
		{"search createdAt", req.SearchHistory[0].CreatedAt, time.Date(2025, 2, 28, 23, 59, 59, 1000, time.UTC)},
	}
	for _, c := range checks {
		if c.got == nil || !c.got.Equal(c.want) {
			t.Fatalf("%s: expected %s, got %v", c.name, c.want, c.got)
		}
	}
	if *req.Favorites[0].Lat != 19.4 {
		t.Fatalf("expected lat preserved, got %v", *req.Favorites[0].Lat)
	}
}

func TestParseTimestamp(t *testing.T) {
	got, err := ParseTimestamp("2025-03-01T12:00:00+02:00")
	if err != nil || !got.Equal(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)) || got.Location() != time.UTC {
		t.Fatalf("unexpected offset parse: %s (%v)", got, err)
	}
	for _, raw := range []string{"", "yesterday", "2025-03-01", "2025-13-01T00:00:00"} {
		if _, err := ParseTimestamp(raw); err == nil {
			t.Fatalf("%q: expected an error", raw)
		}
	}
}

func TestDecodePushRequestMalformedJSON(t *testing.T) {
	_, err := DecodePushRequest([]byte(`{"userId": "u1",`))
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if errors.Is(err, ErrValidation) {
		t.Fatalf("malformed JSON should not be a validation error")
	}
}

func TestDecodePushRequestSchemaViolations(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		kind  string
		index int
		field string
	}{
		{"missing user", `{"favorites": []}`, "", 0, ""},
		{"missing poi id", `{"userId": "u1", "favorites": [{"nombre": "x"}]}`, KindFavorite, 0, "item"},
		{"wrong type", `{"userId": "u1", "cached": [{"poiId": "c1", "nombre": "x"}, {"poiId": "c2", "nombre": "y", "lat": "north"}]}`, KindCached, 1, "lat"},
		{"bad timestamp", `{"userId": "u1", "favorites": [{"poiId": "p1", "nombre": "x", "createdAt": "yesterday"}]}`, KindFavorite, 0, "createdAt"},
		{"non-positive id", `{"userId": "u1", "searchHistory": [{"id": 0, "searchQuery": "x"}]}`, KindSearchHistory, 0, "id"},
	}
	for _, tc := range cases {
		_, err := DecodePushRequest([]byte(tc.body))
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected *ValidationError, got %T", tc.name, err)
		}
		if tc.kind != "" && (verr.Kind != tc.kind || verr.Index != tc.index || verr.Field != tc.field) {
			t.Fatalf("%s: expected %s[%d].%s, got %+v", tc.name, tc.kind, tc.index, tc.field, verr)
		}
		if verr.Message == "" {
			t.Fatalf("%s: expected a message", tc.name)
		}
	}
}
