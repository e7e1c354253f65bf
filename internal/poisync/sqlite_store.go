package poisync

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// sqliteTimeLayout is fixed width so text comparison orders timestamps.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS ` + favoritesTableName + ` (
		user_id TEXT NOT NULL,
		poi_id TEXT NOT NULL,
		nombre TEXT NOT NULL,
		descripcion TEXT NOT NULL DEFAULT '',
		categoria TEXT NOT NULL DEFAULT '',
		direccion TEXT NOT NULL DEFAULT '',
		lat REAL,
		lon REAL,
		calificacion REAL,
		imagen_url TEXT NOT NULL DEFAULT '',
		created_at TEXT,
		updated_at TEXT,
		deleted INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, poi_id)
	)`,
	`CREATE INDEX IF NOT EXISTS poi_favorites_user_updated_idx ON ` + favoritesTableName + ` (user_id, updated_at)`,
	`CREATE TABLE IF NOT EXISTS ` + cachedTableName + ` (
		user_id TEXT NOT NULL,
		poi_id TEXT NOT NULL,
		nombre TEXT NOT NULL,
		descripcion TEXT NOT NULL DEFAULT '',
		categoria TEXT NOT NULL DEFAULT '',
		direccion TEXT NOT NULL DEFAULT '',
		lat REAL,
		lon REAL,
		calificacion REAL,
		imagen_url TEXT NOT NULL DEFAULT '',
		cached_at TEXT,
		expires_at TEXT,
		PRIMARY KEY (user_id, poi_id)
	)`,
	`CREATE INDEX IF NOT EXISTS poi_cached_user_cached_idx ON ` + cachedTableName + ` (user_id, cached_at)`,
	`CREATE INDEX IF NOT EXISTS poi_cached_expires_idx ON ` + cachedTableName + ` (expires_at)`,
	`CREATE TABLE IF NOT EXISTS ` + searchHistoryTableName + ` (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		device_id TEXT NOT NULL DEFAULT '',
		search_query TEXT NOT NULL,
		search_type TEXT NOT NULL DEFAULT '',
		latitude REAL,
		longitude REAL,
		created_at TEXT,
		deleted INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS search_history_user_created_idx ON ` + searchHistoryTableName + ` (user_id, created_at)`,
}

// NewSQLiteStore opens an embedded database file. Write transactions take the
// database lock when they begin so concurrent pushes queue on busy_timeout
// instead of failing on lock upgrade.
func NewSQLiteStore(path string) (*SQLStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, storeErr("create sqlite directory", err)
		}
	}
	dsn := "file:" + path + "?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)"
	dialect := sqlDialect{
		name:       "sqlite",
		driverName: "sqlite3",
		schema:     sqliteSchema,
		encodeTime: func(t time.Time) any { return t.UTC().Format(sqliteTimeLayout) },
		afterOpen: func(db *sql.DB) error {
			db.SetMaxOpenConns(8)
			db.SetConnMaxLifetime(5 * time.Minute)
			return db.Ping()
		},
		describeDSNFunc: func(string) string { return "sqlite://" + path },
	}
	return newSQLStore(dsn, dialect)
}
