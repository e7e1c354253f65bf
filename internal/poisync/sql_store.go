package poisync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	favoritesTableName     = "poi_favorites"
	cachedTableName        = "poi_cached"
	searchHistoryTableName = "search_history"
	sqlOperationTimeout    = 5 * time.Second
	sqlUpsertAttempts      = 3
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect holds what differs between the SQL backends. Queries are written
// with '?' placeholders and rebound for drivers that number them.
type sqlDialect struct {
	name            string
	driverName      string
	numbered        bool
	lockClause      string
	schema          []string
	encodeTime      func(time.Time) any
	afterOpen       func(db *sql.DB) error
	describeDSNFunc func(dsn string) string
}

func (d sqlDialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d sqlDialect) timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return d.encodeTime(normalizeTime(*t))
}

// SQLStore is the RecordStore shared by the Postgres and SQLite backends.
type SQLStore struct {
	dsn     string
	dialect sqlDialect
	openDB  sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newSQLStore(dsn string, dialect sqlDialect) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLStore{
		dsn:     dsn,
		dialect: dialect,
		openDB:  sql.Open,
	}, nil
}

func (s *SQLStore) Describe() string {
	if s.dialect.describeDSNFunc != nil {
		return s.dialect.describeDSNFunc(s.dsn)
	}
	return s.dialect.name
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driverName, s.dsn)
		if err != nil {
			s.initErr = storeErr("open "+s.dialect.name, err)
			return
		}
		if s.dialect.afterOpen != nil {
			if err := s.dialect.afterOpen(db); err != nil {
				_ = db.Close()
				s.initErr = storeErr("configure "+s.dialect.name, err)
				return
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()
		for _, stmt := range s.dialect.schema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = storeErr("migrate "+s.dialect.name, err)
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

const (
	favoriteColumns      = "user_id, poi_id, nombre, descripcion, categoria, direccion, lat, lon, calificacion, imagen_url, created_at, updated_at, deleted"
	cachedColumns        = "user_id, poi_id, nombre, descripcion, categoria, direccion, lat, lon, calificacion, imagen_url, cached_at, expires_at"
	searchHistoryColumns = "id, user_id, device_id, search_query, search_type, latitude, longitude, created_at, deleted"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFavorite(row rowScanner) (FavoritePOI, error) {
	var (
		f                    FavoritePOI
		lat, lon, rating     sql.NullFloat64
		createdAt, updatedAt sqlTime
	)
	err := row.Scan(&f.UserID, &f.PoiID, &f.Nombre, &f.Descripcion, &f.Categoria, &f.Direccion,
		&lat, &lon, &rating, &f.ImagenURL, &createdAt, &updatedAt, &f.Deleted)
	if err != nil {
		return FavoritePOI{}, err
	}
	f.Lat, f.Lon, f.Calificacion = nullFloat(lat), nullFloat(lon), nullFloat(rating)
	f.CreatedAt, f.UpdatedAt = createdAt.ptr(), updatedAt.ptr()
	return f, nil
}

func scanCached(row rowScanner) (CachedPOI, error) {
	var (
		c                   CachedPOI
		lat, lon, rating    sql.NullFloat64
		cachedAt, expiresAt sqlTime
	)
	err := row.Scan(&c.UserID, &c.PoiID, &c.Nombre, &c.Descripcion, &c.Categoria, &c.Direccion,
		&lat, &lon, &rating, &c.ImagenURL, &cachedAt, &expiresAt)
	if err != nil {
		return CachedPOI{}, err
	}
	c.Lat, c.Lon, c.Calificacion = nullFloat(lat), nullFloat(lon), nullFloat(rating)
	c.CachedAt, c.ExpiresAt = cachedAt.ptr(), expiresAt.ptr()
	return c, nil
}

func scanSearchHistory(row rowScanner) (SearchHistory, error) {
	var (
		h         SearchHistory
		id        int64
		lat, lon  sql.NullFloat64
		createdAt sqlTime
	)
	err := row.Scan(&id, &h.UserID, &h.DeviceID, &h.SearchQuery, &h.SearchType, &lat, &lon, &createdAt, &h.Deleted)
	if err != nil {
		return SearchHistory{}, err
	}
	h.ID = int64Ptr(id)
	h.Latitude, h.Longitude = nullFloat(lat), nullFloat(lon)
	h.CreatedAt = createdAt.ptr()
	return h, nil
}

func (s *SQLStore) Favorites(ctx context.Context, q Query) ([]FavoritePOI, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	where, args := s.readFilter(q, "updated_at", true)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY poi_id", favoriteColumns, favoritesTableName, where)
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, storeErr("query favorites", err)
	}
	defer rows.Close()
	out := make([]FavoritePOI, 0)
	for rows.Next() {
		f, err := scanFavorite(rows)
		if err != nil {
			return nil, storeErr("scan favorites", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("query favorites", err)
	}
	return out, nil
}

func (s *SQLStore) CachedPOIs(ctx context.Context, q Query) ([]CachedPOI, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	where, args := s.readFilter(q, "cached_at", false)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY poi_id", cachedColumns, cachedTableName, where)
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, storeErr("query cached", err)
	}
	defer rows.Close()
	out := make([]CachedPOI, 0)
	for rows.Next() {
		c, err := scanCached(rows)
		if err != nil {
			return nil, storeErr("scan cached", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("query cached", err)
	}
	return out, nil
}

func (s *SQLStore) SearchHistory(ctx context.Context, q Query) ([]SearchHistory, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	where, args := s.readFilter(q, "created_at", true)
	if q.DeviceID != "" {
		where += " AND device_id = ?"
		args = append(args, q.DeviceID)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY id", searchHistoryColumns, searchHistoryTableName, where)
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, storeErr("query search history", err)
	}
	defer rows.Close()
	out := make([]SearchHistory, 0)
	for rows.Next() {
		h, err := scanSearchHistory(rows)
		if err != nil {
			return nil, storeErr("scan search history", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("query search history", err)
	}
	return out, nil
}

func (s *SQLStore) readFilter(q Query, changeColumn string, hasDeleted bool) (string, []any) {
	clauses := []string{"user_id = ?"}
	args := []any{q.UserID}
	if q.ChangedAfter != nil {
		clauses = append(clauses, changeColumn+" > ?")
		args = append(args, s.dialect.timeArg(q.ChangedAfter))
	}
	if hasDeleted && !q.IncludeDeleted {
		clauses = append(clauses, "deleted = ?")
		args = append(args, false)
	}
	return strings.Join(clauses, " AND "), args
}

func (s *SQLStore) Counts(ctx context.Context, userID string) (RecordCounts, error) {
	if err := s.ensureReady(); err != nil {
		return RecordCounts{}, err
	}
	counts := RecordCounts{UserID: userID}
	targets := []struct {
		query string
		args  []any
		dest  *int
	}{
		{"SELECT COUNT(*) FROM " + favoritesTableName + " WHERE user_id = ? AND deleted = ?", []any{userID, false}, &counts.Favorites},
		{"SELECT COUNT(*) FROM " + cachedTableName + " WHERE user_id = ?", []any{userID}, &counts.Cached},
		{"SELECT COUNT(*) FROM " + searchHistoryTableName + " WHERE user_id = ? AND deleted = ?", []any{userID, false}, &counts.SearchHistory},
	}
	for _, target := range targets {
		if err := s.db.QueryRowContext(ctx, s.dialect.rebind(target.query), target.args...).Scan(target.dest); err != nil {
			return RecordCounts{}, storeErr("count records", err)
		}
	}
	return counts, nil
}

func (s *SQLStore) PurgeExpiredCache(ctx context.Context, now time.Time) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	query := "DELETE FROM " + cachedTableName + " WHERE expires_at IS NOT NULL AND expires_at < ?"
	result, err := s.db.ExecContext(ctx, s.dialect.rebind(query), s.dialect.timeArg(&now))
	if err != nil {
		return 0, storeErr("purge cached", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, storeErr("purge cached", err)
	}
	return int(n), nil
}

func (s *SQLStore) RunAtomically(ctx context.Context, fn func(tx Tx) error) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&sqlTx{tx: tx, dialect: s.dialect}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	committed = true
	return nil
}

type sqlTx struct {
	tx      *sql.Tx
	dialect sqlDialect
}

func (t *sqlTx) UpsertFavorite(ctx context.Context, userID, poiID string, merge FavoriteMerge) (FavoritePOI, error) {
	selectQuery := t.dialect.rebind(fmt.Sprintf("SELECT %s FROM %s WHERE user_id = ? AND poi_id = ?%s",
		favoriteColumns, favoritesTableName, t.dialect.lockClause))
	for attempt := 0; attempt < sqlUpsertAttempts; attempt++ {
		current, err := scanFavorite(t.tx.QueryRowContext(ctx, selectQuery, userID, poiID))
		found := err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return FavoritePOI{}, storeErr("load favorite", err)
		}
		var existing *FavoritePOI
		if found {
			existing = &current
		}
		next, err := merge(existing)
		if err != nil {
			return FavoritePOI{}, err
		}
		next.UserID, next.PoiID = userID, poiID
		values := []any{
			next.Nombre, next.Descripcion, next.Categoria, next.Direccion,
			nullableFloat(next.Lat), nullableFloat(next.Lon), nullableFloat(next.Calificacion), next.ImagenURL,
			t.dialect.timeArg(next.CreatedAt), t.dialect.timeArg(next.UpdatedAt), next.Deleted,
		}
		if found {
			query := "UPDATE " + favoritesTableName + ` SET nombre = ?, descripcion = ?, categoria = ?, direccion = ?,
				lat = ?, lon = ?, calificacion = ?, imagen_url = ?, created_at = ?, updated_at = ?, deleted = ?
				WHERE user_id = ? AND poi_id = ?`
			if _, err := t.tx.ExecContext(ctx, t.dialect.rebind(query), append(values, userID, poiID)...); err != nil {
				return FavoritePOI{}, storeErr("update favorite", err)
			}
			return next, nil
		}
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (user_id, poi_id) DO NOTHING",
			favoritesTableName, favoriteColumns)
		inserted, err := t.execInsert(ctx, query, append([]any{userID, poiID}, values...))
		if err != nil {
			return FavoritePOI{}, storeErr("insert favorite", err)
		}
		if inserted {
			return next, nil
		}
	}
	return FavoritePOI{}, storeErr("upsert favorite", fmt.Errorf("key %s/%s kept changing", userID, poiID))
}

func (t *sqlTx) UpsertCachedPOI(ctx context.Context, userID, poiID string, merge CachedMerge) (CachedPOI, error) {
	selectQuery := t.dialect.rebind(fmt.Sprintf("SELECT %s FROM %s WHERE user_id = ? AND poi_id = ?%s",
		cachedColumns, cachedTableName, t.dialect.lockClause))
	for attempt := 0; attempt < sqlUpsertAttempts; attempt++ {
		current, err := scanCached(t.tx.QueryRowContext(ctx, selectQuery, userID, poiID))
		found := err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return CachedPOI{}, storeErr("load cached", err)
		}
		var existing *CachedPOI
		if found {
			existing = &current
		}
		next, err := merge(existing)
		if err != nil {
			return CachedPOI{}, err
		}
		next.UserID, next.PoiID = userID, poiID
		values := []any{
			next.Nombre, next.Descripcion, next.Categoria, next.Direccion,
			nullableFloat(next.Lat), nullableFloat(next.Lon), nullableFloat(next.Calificacion), next.ImagenURL,
			t.dialect.timeArg(next.CachedAt), t.dialect.timeArg(next.ExpiresAt),
		}
		if found {
			query := "UPDATE " + cachedTableName + ` SET nombre = ?, descripcion = ?, categoria = ?, direccion = ?,
				lat = ?, lon = ?, calificacion = ?, imagen_url = ?, cached_at = ?, expires_at = ?
				WHERE user_id = ? AND poi_id = ?`
			if _, err := t.tx.ExecContext(ctx, t.dialect.rebind(query), append(values, userID, poiID)...); err != nil {
				return CachedPOI{}, storeErr("update cached", err)
			}
			return next, nil
		}
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (user_id, poi_id) DO NOTHING",
			cachedTableName, cachedColumns)
		inserted, err := t.execInsert(ctx, query, append([]any{userID, poiID}, values...))
		if err != nil {
			return CachedPOI{}, storeErr("insert cached", err)
		}
		if inserted {
			return next, nil
		}
	}
	return CachedPOI{}, storeErr("upsert cached", fmt.Errorf("key %s/%s kept changing", userID, poiID))
}

func (t *sqlTx) UpsertSearchHistory(ctx context.Context, userID string, id *int64, merge SearchHistoryMerge) (SearchHistory, error) {
	var existing *SearchHistory
	if id != nil {
		selectQuery := t.dialect.rebind(fmt.Sprintf("SELECT %s FROM %s WHERE id = ? AND user_id = ?%s",
			searchHistoryColumns, searchHistoryTableName, t.dialect.lockClause))
		current, err := scanSearchHistory(t.tx.QueryRowContext(ctx, selectQuery, *id, userID))
		switch {
		case err == nil:
			existing = &current
		case !errors.Is(err, sql.ErrNoRows):
			return SearchHistory{}, storeErr("load search history", err)
		}
	}
	next, err := merge(existing)
	if err != nil {
		return SearchHistory{}, err
	}
	next.UserID = userID
	values := []any{
		next.DeviceID, next.SearchQuery, next.SearchType,
		nullableFloat(next.Latitude), nullableFloat(next.Longitude),
		t.dialect.timeArg(next.CreatedAt), next.Deleted,
	}
	if existing != nil {
		query := "UPDATE " + searchHistoryTableName + ` SET device_id = ?, search_query = ?, search_type = ?,
			latitude = ?, longitude = ?, created_at = ?, deleted = ?
			WHERE id = ? AND user_id = ?`
		if _, err := t.tx.ExecContext(ctx, t.dialect.rebind(query), append(values, *existing.ID, userID)...); err != nil {
			return SearchHistory{}, storeErr("update search history", err)
		}
		next.ID = int64Ptr(*existing.ID)
		return next, nil
	}
	query := "INSERT INTO " + searchHistoryTableName + ` (user_id, device_id, search_query, search_type, latitude, longitude, created_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`
	var newID int64
	if err := t.tx.QueryRowContext(ctx, t.dialect.rebind(query), append([]any{userID}, values...)...).Scan(&newID); err != nil {
		return SearchHistory{}, storeErr("insert search history", err)
	}
	next.ID = int64Ptr(newID)
	return next, nil
}

// execInsert reports false when a concurrent writer inserted the key first.
func (t *sqlTx) execInsert(ctx context.Context, query string, args []any) (bool, error) {
	result, err := t.tx.ExecContext(ctx, t.dialect.rebind(query), args...)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// sqlTime scans timestamp columns stored either natively or as text.
type sqlTime struct {
	Time  time.Time
	Valid bool
}

func (t *sqlTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("unsupported timestamp column type %T", src)
	}
}

func (t *sqlTime) parse(raw string) error {
	parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	t.Time, t.Valid = parsed.UTC(), true
	return nil
}

func (t sqlTime) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	return timePtr(t.Time)
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	out := v.Float64
	return &out
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
