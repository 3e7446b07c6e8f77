// Package store defines the persistence interfaces used by captionist.
//
// Two concerns are persisted:
//
//   - Translation memory ([TranslationMemory]): every (source text, target
//     language) → translation mapping ever produced. The translation
//     dispatcher warms its cache from it so that text translated in an earlier
//     session is never requested from a backend again.
//   - Session archive ([SessionArchive]): the display units of a finished
//     session, so that its timeline can be reloaded and queried later.
//
// Implementations live in sub-packages (postgres, sqlite, mock). All
// implementations must be safe for concurrent use.
package store

import (
	"context"
	"errors"

	"github.com/MrWong99/captionist/pkg/types"
)

// ErrNotFound is returned by [SessionArchive.LoadUnits] when no units were
// archived under the requested session ID.
var ErrNotFound = errors.New("store: not found")

// TranslationMemory persists source → translation mappings per target
// language.
type TranslationMemory interface {
	// LoadTranslations returns every known mapping for targetLang. An empty
	// memory yields an empty, non-nil map.
	LoadTranslations(ctx context.Context, targetLang string) (map[string]string, error)

	// SaveTranslations stores the given mappings. Mappings for source texts
	// that are already present are left unchanged (insert-if-absent), matching
	// the write-once contract of the translation cache.
	SaveTranslations(ctx context.Context, targetLang string, translations map[string]string) error
}

// SessionArchive persists the display units of processing sessions.
type SessionArchive interface {
	// SaveUnits replaces the archived units of sessionID with units.
	SaveUnits(ctx context.Context, sessionID string, units []types.DisplayUnit) error

	// LoadUnits returns the archived units of sessionID in timestamp order.
	// Returns [ErrNotFound] when nothing was archived under sessionID.
	LoadUnits(ctx context.Context, sessionID string) ([]types.DisplayUnit, error)

	// ListSessions returns the IDs of all archived sessions.
	ListSessions(ctx context.Context) ([]string, error)
}

// Store combines both persistence concerns with lifecycle management.
type Store interface {
	TranslationMemory
	SessionArchive

	// Ping verifies that the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}
