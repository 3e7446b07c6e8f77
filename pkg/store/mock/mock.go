// Package mock provides an in-memory implementation of store.Store.
//
// It doubles as the "memory" storage driver: nothing survives the process,
// but the write-once and replace semantics match the database-backed stores
// exactly. Err fields inject failures for tests.
package mock

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/MrWong99/captionist/pkg/store"
	"github.com/MrWong99/captionist/pkg/types"
)

// Store is an in-memory store.Store.
type Store struct {
	mu sync.Mutex

	translations map[string]map[string]string
	sessions     map[string][]types.DisplayUnit

	// LoadErr, SaveErr, ArchiveErr and PingErr, if non-nil, are returned from
	// the corresponding methods.
	LoadErr    error
	SaveErr    error
	ArchiveErr error
	PingErr    error

	// SaveCalls counts SaveTranslations invocations.
	SaveCalls int

	// Closed is set by Close.
	Closed bool
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		translations: make(map[string]map[string]string),
		sessions:     make(map[string][]types.DisplayUnit),
	}
}

// LoadTranslations implements store.TranslationMemory.
func (s *Store) LoadTranslations(_ context.Context, targetLang string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LoadErr != nil {
		return nil, s.LoadErr
	}
	out := make(map[string]string, len(s.translations[targetLang]))
	for k, v := range s.translations[targetLang] {
		out[k] = v
	}
	return out, nil
}

// SaveTranslations implements store.TranslationMemory with insert-if-absent
// semantics.
func (s *Store) SaveTranslations(_ context.Context, targetLang string, translations map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SaveCalls++
	if s.SaveErr != nil {
		return s.SaveErr
	}
	m := s.translations[targetLang]
	if m == nil {
		m = make(map[string]string, len(translations))
		s.translations[targetLang] = m
	}
	for k, v := range translations {
		if _, ok := m[k]; !ok {
			m[k] = v
		}
	}
	return nil
}

// SaveUnits implements store.SessionArchive.
func (s *Store) SaveUnits(_ context.Context, sessionID string, units []types.DisplayUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ArchiveErr != nil {
		return s.ArchiveErr
	}
	cp := make([]types.DisplayUnit, len(units))
	for i, u := range units {
		cp[i] = u.Clone()
	}
	s.sessions[sessionID] = cp
	return nil
}

// LoadUnits implements store.SessionArchive.
func (s *Store) LoadUnits(_ context.Context, sessionID string) ([]types.DisplayUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ArchiveErr != nil {
		return nil, s.ArchiveErr
	}
	units, ok := s.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := make([]types.DisplayUnit, len(units))
	for i, u := range units {
		out[i] = u.Clone()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}

// ListSessions implements store.SessionArchive.
func (s *Store) ListSessions(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// Ping implements store.Store.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PingErr
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

var _ store.Store = (*Store)(nil)
