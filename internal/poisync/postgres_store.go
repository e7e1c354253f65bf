package poisync

import (
	"net/url"
	"time"

	_ "github.com/lib/pq"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS ` + favoritesTableName + ` (
		user_id TEXT NOT NULL,
		poi_id TEXT NOT NULL,
		nombre TEXT NOT NULL,
		descripcion TEXT NOT NULL DEFAULT '',
		categoria TEXT NOT NULL DEFAULT '',
		direccion TEXT NOT NULL DEFAULT '',
		lat DOUBLE PRECISION,
		lon DOUBLE PRECISION,
		calificacion DOUBLE PRECISION,
		imagen_url TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
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
		lat DOUBLE PRECISION,
		lon DOUBLE PRECISION,
		calificacion DOUBLE PRECISION,
		imagen_url TEXT NOT NULL DEFAULT '',
		cached_at TIMESTAMPTZ,
		expires_at TIMESTAMPTZ,
		PRIMARY KEY (user_id, poi_id)
	)`,
	`CREATE INDEX IF NOT EXISTS poi_cached_user_cached_idx ON ` + cachedTableName + ` (user_id, cached_at)`,
	`CREATE INDEX IF NOT EXISTS poi_cached_expires_idx ON ` + cachedTableName + ` (expires_at)`,
	`CREATE TABLE IF NOT EXISTS ` + searchHistoryTableName + ` (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL,
		device_id TEXT NOT NULL DEFAULT '',
		search_query TEXT NOT NULL,
		search_type TEXT NOT NULL DEFAULT '',
		latitude DOUBLE PRECISION,
		longitude DOUBLE PRECISION,
		created_at TIMESTAMPTZ,
		deleted BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS search_history_user_created_idx ON ` + searchHistoryTableName + ` (user_id, created_at)`,
}

var postgresDialect = sqlDialect{
	name:       "postgres",
	driverName: "postgres",
	numbered:   true,
	lockClause: " FOR UPDATE",
	schema:     postgresSchema,
	encodeTime: func(t time.Time) any { return t },
	describeDSNFunc: func(dsn string) string {
		parsed, err := url.Parse(dsn)
		if err != nil || parsed.Host == "" {
			return "postgres"
		}
		return "postgres://" + parsed.Host + parsed.Path
	},
}

func NewPostgresStore(dsn string) (*SQLStore, error) {
	return newSQLStore(dsn, postgresDialect)
}
