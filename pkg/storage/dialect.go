package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// dialect holds what differs between the supported databases.
type dialect struct {
	name string

	// sqlDriver is the database/sql driver name registered by the import.
	sqlDriver string

	// numbered placeholders ($1, $2, ...) instead of ?.
	numbered bool

	schema []string
}

var dialects = map[string]dialect{
	DriverPostgres: {
		name:      DriverPostgres,
		sqlDriver: "pgx",
		numbered:  true,
		schema: []string{
			`CREATE TABLE IF NOT EXISTS rollbars (
				id           TEXT PRIMARY KEY,
				project_id   BIGINT NOT NULL DEFAULT 0,
				counter      BIGINT NOT NULL,
				"timestamp"  BIGINT NOT NULL,
				level        TEXT NOT NULL DEFAULT '',
				title        TEXT NOT NULL DEFAULT '',
				environment  TEXT NOT NULL DEFAULT '',
				request_path TEXT NOT NULL DEFAULT '',
				status_code  TEXT NOT NULL DEFAULT '',
				payload      JSONB NOT NULL,
				ingested_at  BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_rollbars_counter ON rollbars (counter)`,
			`CREATE INDEX IF NOT EXISTS idx_rollbars_timestamp ON rollbars ("timestamp")`,
			`CREATE INDEX IF NOT EXISTS idx_rollbars_level ON rollbars (level)`,
			`CREATE TABLE IF NOT EXISTS ingest_cursors (
				project_counter BIGINT PRIMARY KEY,
				item_id         BIGINT NOT NULL DEFAULT 0,
				"offset"        BIGINT NOT NULL,
				fetched         BIGINT NOT NULL,
				target          BIGINT NOT NULL,
				updated_at      BIGINT NOT NULL
			)`,
		},
	},
	DriverSQLite: {
		name:      DriverSQLite,
		sqlDriver: "sqlite",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS rollbars (
				id           TEXT PRIMARY KEY,
				project_id   INTEGER NOT NULL DEFAULT 0,
				counter      INTEGER NOT NULL,
				"timestamp"  INTEGER NOT NULL,
				level        TEXT NOT NULL DEFAULT '',
				title        TEXT NOT NULL DEFAULT '',
				environment  TEXT NOT NULL DEFAULT '',
				request_path TEXT NOT NULL DEFAULT '',
				status_code  TEXT NOT NULL DEFAULT '',
				payload      TEXT NOT NULL,
				ingested_at  INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_rollbars_counter ON rollbars (counter)`,
			`CREATE INDEX IF NOT EXISTS idx_rollbars_timestamp ON rollbars ("timestamp")`,
			`CREATE INDEX IF NOT EXISTS idx_rollbars_level ON rollbars (level)`,
			`CREATE TABLE IF NOT EXISTS ingest_cursors (
				project_counter INTEGER PRIMARY KEY,
				item_id         INTEGER NOT NULL DEFAULT 0,
				"offset"        INTEGER NOT NULL,
				fetched         INTEGER NOT NULL,
				target          INTEGER NOT NULL,
				updated_at      INTEGER NOT NULL
			)`,
		},
	},
}

func lookupDialect(driver string) (dialect, error) {
	d, ok := dialects[strings.ToLower(driver)]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported database driver %q (want %s or %s)", driver, DriverPostgres, DriverSQLite)
	}
	return d, nil
}

// ValidDriver reports whether driver names a supported database.
func ValidDriver(driver string) bool {
	_, err := lookupDialect(driver)
	return err == nil
}

// rebind rewrites ? placeholders to $n for dialects that number them.
// Queries must not contain literal question marks.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
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
