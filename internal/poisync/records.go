package poisync

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation     = errors.New("validation failed")
	ErrNotFound       = errors.New("not found")
	ErrStore          = errors.New("store failure")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

const (
	KindFavorite      = "favorites"
	KindCached        = "cached"
	KindSearchHistory = "searchHistory"
)

// ValidationError rejects a pushed record before any write of its batch.
type ValidationError struct {
	Kind    string
	Index   int
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Kind != "" && e.Field != "":
		return fmt.Sprintf("%s[%d].%s: %s", e.Kind, e.Index, e.Field, e.Message)
	case e.Field != "":
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	default:
		return e.Message
	}
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Key)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// StoreError wraps a record store I/O failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	if e.Err == nil {
		return e.Op + ": store failure"
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return target == ErrStore
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

type FavoritePOI struct {
	PoiID        string     `json:"poiId"`
	UserID       string     `json:"userId"`
	Nombre       string     `json:"nombre"`
	Descripcion  string     `json:"descripcion,omitempty"`
	Categoria    string     `json:"categoria,omitempty"`
	Direccion    string     `json:"direccion,omitempty"`
	Lat          *float64   `json:"lat,omitempty"`
	Lon          *float64   `json:"lon,omitempty"`
	Calificacion *float64   `json:"calificacion,omitempty"`
	ImagenURL    string     `json:"imagenUrl,omitempty"`
	CreatedAt    *time.Time `json:"createdAt,omitempty"`
	UpdatedAt    *time.Time `json:"updatedAt,omitempty"`
	Deleted      bool       `json:"deleted"`
}

type CachedPOI struct {
	PoiID        string     `json:"poiId"`
	UserID       string     `json:"userId"`
	Nombre       string     `json:"nombre"`
	Descripcion  string     `json:"descripcion,omitempty"`
	Categoria    string     `json:"categoria,omitempty"`
	Direccion    string     `json:"direccion,omitempty"`
	Lat          *float64   `json:"lat,omitempty"`
	Lon          *float64   `json:"lon,omitempty"`
	Calificacion *float64   `json:"calificacion,omitempty"`
	ImagenURL    string     `json:"imagenUrl,omitempty"`
	CachedAt     *time.Time `json:"cachedAt,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}

type SearchHistory struct {
	ID          *int64     `json:"id,omitempty"`
	UserID      string     `json:"userId"`
	DeviceID    string     `json:"deviceId,omitempty"`
	SearchQuery string     `json:"searchQuery"`
	SearchType  string     `json:"searchType,omitempty"`
	Latitude    *float64   `json:"latitude,omitempty"`
	Longitude   *float64   `json:"longitude,omitempty"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
	Deleted     bool       `json:"deleted"`
}

// PushRequest is one client batch. DeviceID and LastSyncAt are carried for
// logging only; the reconciler does not act on them.
type PushRequest struct {
	DeviceID      string          `json:"deviceId"`
	UserID        string          `json:"userId"`
	LastSyncAt    *time.Time      `json:"lastSyncAt,omitempty"`
	Favorites     []FavoritePOI   `json:"favorites,omitempty"`
	Cached        []CachedPOI     `json:"cached,omitempty"`
	SearchHistory []SearchHistory `json:"searchHistory,omitempty"`
}

type PushSummary struct {
	Favorites        int `json:"favorites"`
	Cached           int `json:"cached"`
	SearchHistory    int `json:"searchHistory"`
	CreatedSearchIDs int `json:"createdSearchIds"`
}

type PullResponse struct {
	ServerTimestamp time.Time       `json:"serverTimestamp"`
	Favorites       []FavoritePOI   `json:"favorites"`
	Cached          []CachedPOI     `json:"cached"`
	SearchHistory   []SearchHistory `json:"searchHistory"`
}

type RecordCounts struct {
	UserID        string `json:"userId"`
	Favorites     int    `json:"favorites"`
	Cached        int    `json:"cached"`
	SearchHistory int    `json:"searchHistory"`
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func int64Ptr(v int64) *int64 {
	return &v
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func copyTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func (f FavoritePOI) clone() FavoritePOI {
	f.Lat = copyFloat(f.Lat)
	f.Lon = copyFloat(f.Lon)
	f.Calificacion = copyFloat(f.Calificacion)
	f.CreatedAt = copyTime(f.CreatedAt)
	f.UpdatedAt = copyTime(f.UpdatedAt)
	return f
}

func (c CachedPOI) clone() CachedPOI {
	c.Lat = copyFloat(c.Lat)
	c.Lon = copyFloat(c.Lon)
	c.Calificacion = copyFloat(c.Calificacion)
	c.CachedAt = copyTime(c.CachedAt)
	c.ExpiresAt = copyTime(c.ExpiresAt)
	return c
}

func (h SearchHistory) clone() SearchHistory {
	if h.ID != nil {
		h.ID = int64Ptr(*h.ID)
	}
	h.Latitude = copyFloat(h.Latitude)
	h.Longitude = copyFloat(h.Longitude)
	h.CreatedAt = copyTime(h.CreatedAt)
	return h
}
