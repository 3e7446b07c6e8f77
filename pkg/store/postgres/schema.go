// Package postgres provides a PostgreSQL-backed implementation of
// [store.Store].
//
// Translation memory and the session archive share a single [pgxpool.Pool].
// [Migrate] creates the tables on first use and is safe to run on every start.
//
// Usage:
//
//	s, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer s.Close()
//
//	_ = s.SaveTranslations(ctx, "de", map[string]string{"Hello": "Hallo"})
//	units, _ := s.LoadUnits(ctx, sessionID)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Translation memory
// ─────────────────────────────────────────────────────────────────────────────

const ddlTranslationMemory = `
CREATE TABLE IF NOT EXISTS translation_memory (
    target_lang      TEXT         NOT NULL,
    source_text      TEXT         NOT NULL,
    translated_text  TEXT         NOT NULL,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (target_lang, source_text)
);
`

// ─────────────────────────────────────────────────────────────────────────────
// Session archive
// ─────────────────────────────────────────────────────────────────────────────

const ddlSessionArchive = `
CREATE TABLE IF NOT EXISTS archived_sessions (
    session_id   TEXT         PRIMARY KEY,
    unit_count   INTEGER      NOT NULL DEFAULT 0,
    archived_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS session_units (
    session_id       TEXT              NOT NULL REFERENCES archived_sessions (session_id) ON DELETE CASCADE,
    seq              INTEGER           NOT NULL,
    unit_id          TEXT              NOT NULL,
    original_text    TEXT              NOT NULL,
    translated_text  TEXT,
    start_s          DOUBLE PRECISION  NOT NULL,
    end_s            DOUBLE PRECISION  NOT NULL DEFAULT 0,
    has_end          BOOLEAN           NOT NULL DEFAULT false,
    confidence       DOUBLE PRECISION  NOT NULL DEFAULT 0,
    pos_x            DOUBLE PRECISION,
    pos_y            DOUBLE PRECISION,
    pos_w            DOUBLE PRECISION,
    pos_h            DOUBLE PRECISION,
    PRIMARY KEY (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_session_units_start
    ON session_units (session_id, start_s);
`

// Migrate creates or ensures all required tables exist. It is idempotent and
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlTranslationMemory, ddlSessionArchive} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
