package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/poisync/internal/poisync"
)

const (
	stateFileName    = "state.json"
	outboxFileName   = "outbox.json"
	inflightFileName = "outbox.inflight.json"
	mirrorFileName   = "mirror.json"
)

type Logger interface {
	Printf(format string, args ...any)
}

type SyncerOptions struct {
	UserID   string
	DeviceID string
	// Dir holds the state, outbox and mirror files.
	Dir    string
	Logger Logger
}

// Changes is a set of local edits waiting to be pushed.
type Changes struct {
	Favorites     []poisync.FavoritePOI   `json:"favorites,omitempty"`
	Cached        []poisync.CachedPOI     `json:"cached,omitempty"`
	SearchHistory []poisync.SearchHistory `json:"searchHistory,omitempty"`
}

func (c Changes) Empty() bool {
	return len(c.Favorites) == 0 && len(c.Cached) == 0 && len(c.SearchHistory) == 0
}

func (c Changes) Len() int {
	return len(c.Favorites) + len(c.Cached) + len(c.SearchHistory)
}

func (c *Changes) append(other Changes) {
	c.Favorites = append(c.Favorites, other.Favorites...)
	c.Cached = append(c.Cached, other.Cached...)
	c.SearchHistory = append(c.SearchHistory, other.SearchHistory...)
}

// Snapshot is the device's local copy of the server state.
type Snapshot struct {
	Favorites     []poisync.FavoritePOI   `json:"favorites"`
	Cached        []poisync.CachedPOI     `json:"cached"`
	SearchHistory []poisync.SearchHistory `json:"searchHistory"`
}

type SyncResult struct {
	Pushed     int       `json:"pushed"`
	FullPull   bool      `json:"fullPull"`
	Pulled     int       `json:"pulled"`
	Removed    int       `json:"removed"`
	LastSyncAt time.Time `json:"lastSyncAt"`
}

type syncState struct {
	UserID     string     `json:"userId"`
	DeviceID   string     `json:"deviceId"`
	LastSyncAt *time.Time `json:"lastSyncAt,omitempty"`
}

type mirror struct {
	favorites map[string]poisync.FavoritePOI
	cached    map[string]poisync.CachedPOI
	history   map[int64]poisync.SearchHistory
}

type Syncer struct {
	client   RemoteClient
	userID   string
	deviceID string
	dir      string
	logger   Logger

	mu     sync.Mutex
	state  syncState
	mirror mirror
	loaded bool
}

func NewSyncer(client RemoteClient, opts SyncerOptions) (*Syncer, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	userID := strings.TrimSpace(opts.UserID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	dirRaw := strings.TrimSpace(opts.Dir)
	if dirRaw == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	dir := filepath.Clean(dirRaw)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Syncer{
		client:   client,
		userID:   userID,
		deviceID: strings.TrimSpace(opts.DeviceID),
		dir:      dir,
		logger:   opts.Logger,
		mirror:   newMirror(),
	}, nil
}

func newMirror() mirror {
	return mirror{
		favorites: map[string]poisync.FavoritePOI{},
		cached:    map[string]poisync.CachedPOI{},
		history:   map[int64]poisync.SearchHistory{},
	}
}

func (s *Syncer) Dir() string {
	return s.dir
}

func (s *Syncer) OutboxPath() string {
	return filepath.Join(s.dir, outboxFileName)
}

// Enqueue appends local edits to the outbox. They are sent on the next sync.
func (s *Syncer) Enqueue(changes Changes) error {
	if changes.Empty() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, err := readChanges(s.OutboxPath())
	if err != nil {
		return err
	}
	pending.append(changes)
	return writeJSONFile(s.OutboxPath(), pending)
}

// Pending returns every edit not yet acknowledged by the server.
func (s *Syncer) Pending() (Changes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inflight, err := readChanges(filepath.Join(s.dir, inflightFileName))
	if err != nil {
		return Changes{}, err
	}
	queued, err := readChanges(s.OutboxPath())
	if err != nil {
		return Changes{}, err
	}
	inflight.append(queued)
	return inflight, nil
}

// LastSyncAt is the watermark of the last successful pull, nil before the
// first one.
func (s *Syncer) LastSyncAt() (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadState(); err != nil {
		return nil, err
	}
	if s.state.LastSyncAt == nil {
		return nil, nil
	}
	ts := *s.state.LastSyncAt
	return &ts, nil
}

func (s *Syncer) Snapshot() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadState(); err != nil {
		return Snapshot{}, err
	}
	return s.mirror.snapshot(), nil
}

// Reset drops the watermark so the next sync is a full pull.
func (s *Syncer) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadState(); err != nil {
		return err
	}
	s.state.LastSyncAt = nil
	return s.saveState()
}

// SyncOnce pushes the outbox, then pulls changes since the stored watermark
// into the mirror.
func (s *Syncer) SyncOnce(ctx context.Context) (SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadState(); err != nil {
		return SyncResult{}, err
	}
	pushed, err := s.pushOutbox(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("push: %w", err)
	}
	result, err := s.pullRemote(ctx)
	if err != nil {
		return SyncResult{Pushed: pushed}, fmt.Errorf("pull: %w", err)
	}
	result.Pushed = pushed
	return result, nil
}

// pushOutbox moves the outbox aside before sending it, so edits queued during
// the request land in a fresh outbox. A batch left in flight by a failed
// attempt is resent first.
func (s *Syncer) pushOutbox(ctx context.Context) (int, error) {
	inflightPath := filepath.Join(s.dir, inflightFileName)
	if _, err := os.Stat(inflightPath); errors.Is(err, os.ErrNotExist) {
		if err := os.Rename(s.OutboxPath(), inflightPath); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return 0, nil
			}
			return 0, err
		}
	} else if err != nil {
		return 0, err
	}

	batch, err := readChanges(inflightPath)
	if err != nil {
		return 0, err
	}
	if !batch.Empty() {
		req := poisync.PushRequest{
			DeviceID:      s.deviceID,
			UserID:        s.userID,
			LastSyncAt:    s.state.LastSyncAt,
			Favorites:     batch.Favorites,
			Cached:        batch.Cached,
			SearchHistory: batch.SearchHistory,
		}
		if err := s.client.Push(ctx, req); err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) && !httpErr.Temporary() {
				s.quarantine(inflightPath, httpErr)
			}
			return 0, err
		}
		s.logf("pushed %d local changes", batch.Len())
	}
	if err := os.Remove(inflightPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, err
	}
	return batch.Len(), nil
}

// quarantine sets aside a batch the server rejected outright so it does not
// block later syncs.
func (s *Syncer) quarantine(path string, cause *HTTPError) {
	rejected := filepath.Join(s.dir, fmt.Sprintf("outbox.rejected-%d.json", time.Now().UnixNano()))
	if err := os.Rename(path, rejected); err != nil {
		s.logf("failed to set aside rejected batch: %v", err)
		return
	}
	s.logf("server rejected batch (%s); moved to %s", cause.Code, filepath.Base(rejected))
}

func (s *Syncer) pullRemote(ctx context.Context) (SyncResult, error) {
	watermark := s.state.LastSyncAt
	resp, err := s.client.Pull(ctx, s.userID, watermark)
	if err != nil {
		return SyncResult{}, err
	}
	result := SyncResult{FullPull: watermark == nil, LastSyncAt: resp.ServerTimestamp}
	if result.FullPull {
		s.mirror = newMirror()
	}
	for _, fav := range resp.Favorites {
		result.Pulled++
		if fav.Deleted {
			if _, ok := s.mirror.favorites[fav.PoiID]; ok {
				delete(s.mirror.favorites, fav.PoiID)
				result.Removed++
			}
			continue
		}
		s.mirror.favorites[fav.PoiID] = fav
	}
	for _, cached := range resp.Cached {
		result.Pulled++
		s.mirror.cached[cached.PoiID] = cached
	}
	for key, cached := range s.mirror.cached {
		if cached.ExpiresAt != nil && cached.ExpiresAt.Before(resp.ServerTimestamp) {
			delete(s.mirror.cached, key)
			result.Removed++
		}
	}
	for _, row := range resp.SearchHistory {
		result.Pulled++
		if row.ID == nil {
			continue
		}
		if row.Deleted {
			if _, ok := s.mirror.history[*row.ID]; ok {
				delete(s.mirror.history, *row.ID)
				result.Removed++
			}
			continue
		}
		s.mirror.history[*row.ID] = row
	}

	if err := writeJSONFile(filepath.Join(s.dir, mirrorFileName), s.mirror.snapshot()); err != nil {
		return SyncResult{}, err
	}
	ts := resp.ServerTimestamp
	s.state.LastSyncAt = &ts
	if err := s.saveState(); err != nil {
		return SyncResult{}, err
	}
	mode := "incremental"
	if result.FullPull {
		mode = "full"
	}
	s.logf("%s pull applied %d records, removed %d", mode, result.Pulled, result.Removed)
	return result, nil
}

func (s *Syncer) loadState() error {
	if s.loaded {
		return nil
	}
	var state syncState
	if err := readJSONFile(filepath.Join(s.dir, stateFileName), &state); err != nil {
		return err
	}
	if state.UserID != "" && state.UserID != s.userID {
		return fmt.Errorf("state directory %s belongs to user %q", s.dir, state.UserID)
	}
	var snap Snapshot
	if err := readJSONFile(filepath.Join(s.dir, mirrorFileName), &snap); err != nil {
		return err
	}
	m := newMirror()
	for _, fav := range snap.Favorites {
		m.favorites[fav.PoiID] = fav
	}
	for _, cached := range snap.Cached {
		m.cached[cached.PoiID] = cached
	}
	for _, row := range snap.SearchHistory {
		if row.ID != nil {
			m.history[*row.ID] = row
		}
	}
	state.UserID = s.userID
	state.DeviceID = s.deviceID
	s.state = state
	s.mirror = m
	s.loaded = true
	return nil
}

func (s *Syncer) saveState() error {
	return writeJSONFile(filepath.Join(s.dir, stateFileName), s.state)
}

func (s *Syncer) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf("syncclient: "+format, args...)
}

func (m mirror) snapshot() Snapshot {
	snap := Snapshot{
		Favorites:     make([]poisync.FavoritePOI, 0, len(m.favorites)),
		Cached:        make([]poisync.CachedPOI, 0, len(m.cached)),
		SearchHistory: make([]poisync.SearchHistory, 0, len(m.history)),
	}
	for _, fav := range m.favorites {
		snap.Favorites = append(snap.Favorites, fav)
	}
	for _, cached := range m.cached {
		snap.Cached = append(snap.Cached, cached)
	}
	for _, row := range m.history {
		snap.SearchHistory = append(snap.SearchHistory, row)
	}
	sort.Slice(snap.Favorites, func(i, j int) bool { return snap.Favorites[i].PoiID < snap.Favorites[j].PoiID })
	sort.Slice(snap.Cached, func(i, j int) bool { return snap.Cached[i].PoiID < snap.Cached[j].PoiID })
	sort.Slice(snap.SearchHistory, func(i, j int) bool { return *snap.SearchHistory[i].ID < *snap.SearchHistory[j].ID })
	return snap
}

func readChanges(path string) (Changes, error) {
	var changes Changes
	err := readJSONFile(path, &changes)
	return changes, err
}

// readJSONFile leaves out untouched when the file does not exist.
func readJSONFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSONFile(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
