package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/poisync/internal/poisync"
	"github.com/google/uuid"
)

const correlationHeader = "X-Correlation-Id"

type ServerConfig struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          poisync.Logger
}

type Server struct {
	svc         *poisync.Service
	cfg         ServerConfig
	rateLimiter *rateLimiter
	metrics     http.Handler
	logger      poisync.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
	// nextPrune bounds how often expired entries are swept.
	nextPrune time.Time
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(svc *poisync.Service) *Server {
	return NewServerWithConfig(svc, ServerConfig{})
}

func NewServerWithConfig(svc *poisync.Service, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		svc:         svc,
		cfg:         cfg,
		rateLimiter: limiter,
		metrics:     metricsHandler(),
		logger:      logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return
	}

	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	w.Header().Set(correlationHeader, correlationID)

	route := routeName(r)
	started := time.Now()
	httpActiveRequests.Inc()
	rec := &statusRecorder{ResponseWriter: w}
	defer func() {
		httpActiveRequests.Dec()
		observeRequest(r.Method, route, rec.status, started)
	}()

	switch route {
	case "health":
		writeJSON(rec, http.StatusOK, map[string]string{"status": "ok", "store": s.svc.Store().Describe()})
	case "push":
		s.handlePush(rec, r, correlationID)
	case "pull":
		s.handlePull(rec, r, correlationID)
	case "stats":
		s.handleStats(rec, r, correlationID)
	case "device_search_history":
		s.handleDeviceSearchHistory(rec, r, correlationID)
	default:
		writeError(rec, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func routeName(r *http.Request) string {
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == "/health" && r.Method == http.MethodGet:
		return "health"
	case path == "/api/v1/sync/push" && r.Method == http.MethodPost:
		return "push"
	case path == "/api/v1/sync/pull" && r.Method == http.MethodGet:
		return "pull"
	case path == "/api/v1/sync/stats" && r.Method == http.MethodGet:
		return "stats"
	case path == "/api/v1/sync/search-history" && r.Method == http.MethodGet:
		return "device_search_history"
	default:
		return "unmatched"
	}
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	req, err := poisync.DecodePushRequest(body)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	if !s.allow(w, req.UserID, r, correlationID) {
		return
	}
	summary, err := s.svc.Push(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	syncRecordsTotal.WithLabelValues("push", poisync.KindFavorite).Add(float64(summary.Favorites))
	syncRecordsTotal.WithLabelValues("push", poisync.KindCached).Add(float64(summary.Cached))
	syncRecordsTotal.WithLabelValues("push", poisync.KindSearchHistory).Add(float64(summary.SearchHistory))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request, correlationID string) {
	query := r.URL.Query()
	userID := query.Get("userId")
	watermark, err := parseWatermark(query.Get("lastSyncAt"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "lastSyncAt must be an ISO-8601 date-time", correlationID)
		return
	}
	if !s.allow(w, userID, r, correlationID) {
		return
	}
	resp, err := s.svc.Pull(r.Context(), userID, watermark)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	mode := "full"
	if watermark != nil {
		mode = "incremental"
	}
	pullsTotal.WithLabelValues(mode).Inc()
	syncRecordsTotal.WithLabelValues("pull", poisync.KindFavorite).Add(float64(len(resp.Favorites)))
	syncRecordsTotal.WithLabelValues("pull", poisync.KindCached).Add(float64(len(resp.Cached)))
	syncRecordsTotal.WithLabelValues("pull", poisync.KindSearchHistory).Add(float64(len(resp.SearchHistory)))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, correlationID string) {
	userID := r.URL.Query().Get("userId")
	if !s.allow(w, userID, r, correlationID) {
		return
	}
	counts, err := s.svc.Stats(r.Context(), userID)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleDeviceSearchHistory(w http.ResponseWriter, r *http.Request, correlationID string) {
	query := r.URL.Query()
	userID := query.Get("userId")
	if !s.allow(w, userID, r, correlationID) {
		return
	}
	rows, err := s.svc.DeviceSearchHistory(r.Context(), userID, query.Get("deviceId"))
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"searchHistory": rows})
}

// allow applies the per-user rate limit. Requests without a user fall back to
// the remote address.
func (s *Server) allow(w http.ResponseWriter, userID string, r *http.Request, correlationID string) bool {
	if s.rateLimiter == nil {
		return true
	}
	key := strings.TrimSpace(userID)
	if key == "" {
		key = "addr|" + remoteHost(r.RemoteAddr)
	}
	if s.rateLimiter.allow(key, time.Now().UTC()) {
		return true
	}
	retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
	return false
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, poisync.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error(), correlationID)
	case errors.Is(err, poisync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, poisync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.logger.Printf("httpapi: request %s aborted: %v", correlationID, err)
		writeError(w, http.StatusServiceUnavailable, "store_error", "request aborted before completion", correlationID)
	default:
		s.logger.Printf("httpapi: request %s failed: %v", correlationID, err)
		writeError(w, http.StatusInternalServerError, "store_error", "failed to synchronize changes", correlationID)
	}
}

// parseWatermark accepts RFC 3339 or a zone-less ISO-8601 local date-time,
// which is read as UTC. An empty value means first sync.
func parseWatermark(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parsed, err := poisync.ParseTimestamp(raw)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func remoteHost(addr string) string {
	if i := strings.LastIndex(addr, ":"); i > 0 {
		return addr[:i]
	}
	return addr
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(correlationHeader))
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !now.Before(r.nextPrune) {
		r.prune(now)
	}
	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

// prune drops keys whose window has ended. Callers hold r.mu.
func (r *rateLimiter) prune(now time.Time) {
	for key, entry := range r.entries {
		if now.After(entry.resetAt) {
			delete(r.entries, key)
		}
	}
	r.nextPrune = now.Add(r.window)
}
