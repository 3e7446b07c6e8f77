package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// LoadTranslations implements [store.TranslationMemory].
func (s *Store) LoadTranslations(ctx context.Context, targetLang string) (map[string]string, error) {
	const q = `
		SELECT source_text, translated_text
		FROM   translation_memory
		WHERE  target_lang = $1`

	rows, err := s.pool.Query(ctx, q, targetLang)
	if err != nil {
		return nil, fmt.Errorf("translation memory: load: %w", err)
	}
	type pair struct{ source, translated string }
	pairs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (pair, error) {
		var p pair
		err := row.Scan(&p.source, &p.translated)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("translation memory: scan rows: %w", err)
	}

	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		out[p.source] = p.translated
	}
	return out, nil
}

// SaveTranslations implements [store.TranslationMemory]. Existing mappings
// are left untouched.
func (s *Store) SaveTranslations(ctx context.Context, targetLang string, translations map[string]string) error {
	if len(translations) == 0 {
		return nil
	}
	const q = `
		INSERT INTO translation_memory (target_lang, source_text, translated_text)
		VALUES ($1, $2, $3)
		ON CONFLICT (target_lang, source_text) DO NOTHING`

	batch := &pgx.Batch{}
	for source, translated := range translations {
		batch.Queue(q, targetLang, source, translated)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("translation memory: save: %w", err)
	}
	return nil
}
