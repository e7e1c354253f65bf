package poisync

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"
)

const DefaultCacheTTL = 7 * 24 * time.Hour

type Logger interface {
	Printf(format string, args ...any)
}

type ServiceOptions struct {
	Store RecordStore
	Clock Clock
	// CacheTTL is added to cachedAt when a pushed CachedPOI has no expiresAt.
	CacheTTL time.Duration
	// StrictSearchHistoryIDs rejects pushes naming a search-history id the
	// user does not own instead of inserting them as new rows.
	StrictSearchHistoryIDs bool
	Logger                 Logger
}

// Service binds the delta computer and the reconciler to one record store.
// It holds no per-client state; every call is independent.
type Service struct {
	store     RecordStore
	clock     Clock
	cacheTTL  time.Duration
	strictIDs bool
	logger    Logger
}

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("poisync: record store is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock
	}
	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		store:     opts.Store,
		clock:     clock,
		cacheTTL:  cacheTTL,
		strictIDs: opts.StrictSearchHistoryIDs,
		logger:    logger,
	}, nil
}

func (s *Service) Store() RecordStore {
	return s.store
}

func (s *Service) now() time.Time {
	return normalizeTime(s.clock.Now())
}

// Stats counts live favorites, every cached row and live search history.
func (s *Service) Stats(ctx context.Context, userID string) (RecordCounts, error) {
	userID, err := requireUserID(userID)
	if err != nil {
		return RecordCounts{}, err
	}
	return s.store.Counts(ctx, userID)
}

func (s *Service) DeviceSearchHistory(ctx context.Context, userID, deviceID string) ([]SearchHistory, error) {
	userID, err := requireUserID(userID)
	if err != nil {
		return nil, err
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, &ValidationError{Field: "deviceId", Message: "is required"}
	}
	return s.store.SearchHistory(ctx, Query{UserID: userID, DeviceID: deviceID})
}

// PurgeExpiredCache deletes cached POIs whose expiresAt is before now.
func (s *Service) PurgeExpiredCache(ctx context.Context) (int, error) {
	n, err := s.store.PurgeExpiredCache(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Printf("poisync: purged %d expired cached POIs", n)
	}
	return n, nil
}

// requireUserID returns userID trimmed the same way push stores it.
func requireUserID(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", &ValidationError{Field: "userId", Message: "is required"}
	}
	return userID, nil
}
