package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/captionist/pkg/store"
	"github.com/MrWong99/captionist/pkg/types"
)

var unitColumns = []string{
	"session_id", "seq", "unit_id", "original_text", "translated_text",
	"start_s", "end_s", "has_end", "confidence",
	"pos_x", "pos_y", "pos_w", "pos_h",
}

// SaveUnits implements [store.SessionArchive]. The previous archive of
// sessionID, if any, is replaced in a single transaction.
func (s *Store) SaveUnits(ctx context.Context, sessionID string, units []types.DisplayUnit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("session archive: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const upsert = `
		INSERT INTO archived_sessions (session_id, unit_count, archived_at)
		VALUES ($1, $2, now())
		ON CONFLICT (session_id) DO UPDATE
		    SET unit_count = EXCLUDED.unit_count, archived_at = EXCLUDED.archived_at`
	if _, err := tx.Exec(ctx, upsert, sessionID, len(units)); err != nil {
		return fmt.Errorf("session archive: record session: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM session_units WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("session archive: clear units: %w", err)
	}

	if len(units) > 0 {
		_, err = tx.CopyFrom(ctx, pgx.Identifier{"session_units"}, unitColumns,
			pgx.CopyFromSlice(len(units), func(i int) ([]any, error) {
				return unitRow(sessionID, i, units[i]), nil
			}))
		if err != nil {
			return fmt.Errorf("session archive: copy units: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("session archive: commit: %w", err)
	}
	return nil
}

// LoadUnits implements [store.SessionArchive].
func (s *Store) LoadUnits(ctx context.Context, sessionID string) ([]types.DisplayUnit, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM archived_sessions WHERE session_id = $1)`, sessionID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("session archive: lookup session: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("session archive: session %q: %w", sessionID, store.ErrNotFound)
	}

	const q = `
		SELECT unit_id, original_text, translated_text, start_s, end_s, has_end,
		       confidence, pos_x, pos_y, pos_w, pos_h
		FROM   session_units
		WHERE  session_id = $1
		ORDER  BY start_s, seq`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session archive: load units: %w", err)
	}
	units, err := pgx.CollectRows(rows, scanUnit)
	if err != nil {
		return nil, fmt.Errorf("session archive: scan rows: %w", err)
	}
	if units == nil {
		units = []types.DisplayUnit{}
	}
	return units, nil
}

// ListSessions implements [store.SessionArchive].
func (s *Store) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT session_id FROM archived_sessions ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("session archive: list sessions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("session archive: scan rows: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

func unitRow(sessionID string, seq int, u types.DisplayUnit) []any {
	var x, y, w, h *float64
	if u.Position != nil {
		p := *u.Position
		x, y, w, h = &p.X, &p.Y, &p.W, &p.H
	}
	return []any{
		sessionID, seq, u.ID, u.OriginalText, u.TranslatedText,
		u.Start, u.End, u.HasEnd, u.Confidence,
		x, y, w, h,
	}
}

func scanUnit(row pgx.CollectableRow) (types.DisplayUnit, error) {
	var (
		u          types.DisplayUnit
		x, y, w, h *float64
	)
	if err := row.Scan(
		&u.ID,
		&u.OriginalText,
		&u.TranslatedText,
		&u.Start,
		&u.End,
		&u.HasEnd,
		&u.Confidence,
		&x, &y, &w, &h,
	); err != nil {
		return types.DisplayUnit{}, err
	}
	if x != nil && y != nil && w != nil && h != nil {
		u.Position = &types.Rect{X: *x, Y: *y, W: *w, H: *h}
	} else if x != nil || y != nil || w != nil || h != nil {
		return types.DisplayUnit{}, errors.New("partial position columns")
	}
	return u, nil
}
