// Package sqlite provides a single-file [store.Store] backed by SQLite via
// mattn/go-sqlite3. It suits single-node deployments and local runs where a
// PostgreSQL server is not available.
//
// The database is opened in WAL mode with a busy timeout so that concurrent
// readers never block the session archiver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/MrWong99/captionist/pkg/store"
	"github.com/MrWong99/captionist/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS translation_memory (
    target_lang      TEXT NOT NULL,
    source_text      TEXT NOT NULL,
    translated_text  TEXT NOT NULL,
    created_at       DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (target_lang, source_text)
);

CREATE TABLE IF NOT EXISTS archived_sessions (
    session_id   TEXT PRIMARY KEY,
    unit_count   INTEGER NOT NULL DEFAULT 0,
    archived_at  DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS session_units (
    session_id       TEXT    NOT NULL,
    seq              INTEGER NOT NULL,
    unit_id          TEXT    NOT NULL,
    original_text    TEXT    NOT NULL,
    translated_text  TEXT,
    start_s          REAL    NOT NULL,
    end_s            REAL    NOT NULL DEFAULT 0,
    has_end          INTEGER NOT NULL DEFAULT 0,
    confidence       REAL    NOT NULL DEFAULT 0,
    pos_x            REAL,
    pos_y            REAL,
    pos_w            REAL,
    pos_h            REAL,
    PRIMARY KEY (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_session_units_start ON session_units (session_id, start_s);
`

var _ store.Store = (*Store)(nil)

// Store is the SQLite-backed [store.Store].
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database file at path and migrates it.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite store: path must not be empty")
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite store: ping: %w", err)
	}
	return nil
}

// Close implements [store.Store].
func (s *Store) Close() error {
	return s.db.Close()
}

// ---- translation memory ----

// LoadTranslations implements [store.TranslationMemory].
func (s *Store) LoadTranslations(ctx context.Context, targetLang string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT source_text, translated_text FROM translation_memory WHERE target_lang = ?", targetLang)
	if err != nil {
		return nil, fmt.Errorf("translation memory: load: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var source, translated string
		if err := rows.Scan(&source, &translated); err != nil {
			return nil, fmt.Errorf("translation memory: scan: %w", err)
		}
		out[source] = translated
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("translation memory: load: %w", err)
	}
	return out, nil
}

// SaveTranslations implements [store.TranslationMemory]. Existing mappings
// are left untouched.
func (s *Store) SaveTranslations(ctx context.Context, targetLang string, translations map[string]string) error {
	if len(translations) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("translation memory: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR IGNORE INTO translation_memory (target_lang, source_text, translated_text) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("translation memory: prepare: %w", err)
	}
	defer stmt.Close()
	for source, translated := range translations {
		if _, err := stmt.ExecContext(ctx, targetLang, source, translated); err != nil {
			return fmt.Errorf("translation memory: save: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("translation memory: commit: %w", err)
	}
	return nil
}

// ---- session archive ----

// SaveUnits implements [store.SessionArchive].
func (s *Store) SaveUnits(ctx context.Context, sessionID string, units []types.DisplayUnit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("session archive: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO archived_sessions (session_id, unit_count) VALUES (?, ?)
		 ON CONFLICT (session_id) DO UPDATE SET unit_count = excluded.unit_count, archived_at = CURRENT_TIMESTAMP`,
		sessionID, len(units)); err != nil {
		return fmt.Errorf("session archive: record session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM session_units WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("session archive: clear units: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO session_units
		(session_id, seq, unit_id, original_text, translated_text, start_s, end_s, has_end, confidence, pos_x, pos_y, pos_w, pos_h)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("session archive: prepare: %w", err)
	}
	defer stmt.Close()

	for i, u := range units {
		var translated sql.NullString
		if u.TranslatedText != nil {
			translated = sql.NullString{String: *u.TranslatedText, Valid: true}
		}
		var x, y, w, h sql.NullFloat64
		if u.Position != nil {
			x = sql.NullFloat64{Float64: u.Position.X, Valid: true}
			y = sql.NullFloat64{Float64: u.Position.Y, Valid: true}
			w = sql.NullFloat64{Float64: u.Position.W, Valid: true}
			h = sql.NullFloat64{Float64: u.Position.H, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, sessionID, i, u.ID, u.OriginalText, translated,
			u.Start, u.End, u.HasEnd, u.Confidence, x, y, w, h); err != nil {
			return fmt.Errorf("session archive: insert unit %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("session archive: commit: %w", err)
	}
	return nil
}

// LoadUnits implements [store.SessionArchive].
func (s *Store) LoadUnits(ctx context.Context, sessionID string) ([]types.DisplayUnit, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM archived_sessions WHERE session_id = ?", sessionID).Scan(&n); err != nil {
		return nil, fmt.Errorf("session archive: lookup session: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("session archive: session %q: %w", sessionID, store.ErrNotFound)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT unit_id, original_text, translated_text, start_s, end_s,
		has_end, confidence, pos_x, pos_y, pos_w, pos_h
		FROM session_units WHERE session_id = ? ORDER BY start_s, seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session archive: load units: %w", err)
	}
	defer rows.Close()

	units := []types.DisplayUnit{}
	for rows.Next() {
		var (
			u          types.DisplayUnit
			translated sql.NullString
			x, y, w, h sql.NullFloat64
		)
		if err := rows.Scan(&u.ID, &u.OriginalText, &translated, &u.Start, &u.End,
			&u.HasEnd, &u.Confidence, &x, &y, &w, &h); err != nil {
			return nil, fmt.Errorf("session archive: scan: %w", err)
		}
		if translated.Valid {
			t := translated.String
			u.TranslatedText = &t
		}
		if x.Valid && y.Valid && w.Valid && h.Valid {
			u.Position = &types.Rect{X: x.Float64, Y: y.Float64, W: w.Float64, H: h.Float64}
		}
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session archive: load units: %w", err)
	}
	return units, nil
}

// ListSessions implements [store.SessionArchive].
func (s *Store) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT session_id FROM archived_sessions ORDER BY session_id")
	if err != nil {
		return nil, fmt.Errorf("session archive: list sessions: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("session archive: scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
