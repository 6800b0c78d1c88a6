// Package dbstore is the durable persistence collaborator: the texts
// and audios tables from spec §6, over raw SQL against Postgres, adapted
// from the teacher's worker/internal/database and
// api/internal/database packages.
package dbstore

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/blueapplecc-ppp/tts-vocl/internal/config"
)

// DB wraps a pooled Postgres connection.
type DB struct {
	*sql.DB
}

// New opens and pings a Postgres connection with the teacher's pool
// tuning.
func New(cfg config.DatabaseConfig) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &DB{db}, nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.DB.Close()
}

// Migrate creates the texts and audios tables, matching spec §6's
// schema, including the "unique among live rows" constraint on audios.
func Migrate(db *sql.DB) error {
	migrations := []string{
		createExtensions,
		createTextsTable,
		createAudiosTable,
		createTaskRunsTable,
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

const createExtensions = `
CREATE EXTENSION IF NOT EXISTS pgcrypto;
`

const createTextsTable = `
CREATE TABLE IF NOT EXISTS texts (
    text_id VARCHAR(64) PRIMARY KEY,
    user_id VARCHAR(64) NOT NULL,
    filename VARCHAR(255) NOT NULL,
    title VARCHAR(255) NOT NULL DEFAULT '',
    content TEXT NOT NULL,
    char_count INTEGER NOT NULL DEFAULT 0,
    object_key VARCHAR(512),
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    is_deleted BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_texts_user_id ON texts(user_id);
`

const createAudiosTable = `
CREATE TABLE IF NOT EXISTS audios (
    audio_id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    text_id VARCHAR(64) NOT NULL REFERENCES texts(text_id) ON DELETE CASCADE,
    user_id VARCHAR(64) NOT NULL,
    filename VARCHAR(255) NOT NULL,
    object_key VARCHAR(512) NOT NULL UNIQUE,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    size_bytes BIGINT NOT NULL DEFAULT 0,
    version_num INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    is_deleted BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_audios_text_id_live
    ON audios(text_id) WHERE is_deleted = FALSE;
CREATE INDEX IF NOT EXISTS idx_audios_text_id ON audios(text_id);
`

// createTaskRunsTable records one row per terminal task transition, the
// durable source of truth for stats: in-memory counters are reset by
// restart, so success_rate and duration percentiles are always computed
// from this table rather than from the Monitor's hot state.
const createTaskRunsTable = `
CREATE TABLE IF NOT EXISTS task_runs (
    id BIGSERIAL PRIMARY KEY,
    text_id VARCHAR(64) NOT NULL,
    status VARCHAR(16) NOT NULL,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP NOT NULL,
    duration_ms BIGINT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_task_runs_status ON task_runs(status);
`
