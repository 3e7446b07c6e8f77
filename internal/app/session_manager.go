package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/captionist/internal/cancellation"
	"github.com/MrWong99/captionist/internal/config"
	"github.com/MrWong99/captionist/internal/observe"
	"github.com/MrWong99/captionist/internal/overlap"
	"github.com/MrWong99/captionist/internal/pipeline"
	"github.com/MrWong99/captionist/internal/segment"
	"github.com/MrWong99/captionist/internal/timeline"
	"github.com/MrWong99/captionist/internal/translate"
	"github.com/MrWong99/captionist/pkg/provider/recognition"
	"github.com/MrWong99/captionist/pkg/provider/translation"
	"github.com/MrWong99/captionist/pkg/store"
	"github.com/MrWong99/captionist/pkg/types"
)

// archiveTimeout bounds the archive write performed when a session ends.
const archiveTimeout = 30 * time.Second

var (
	// ErrSessionExists is returned by [SessionManager.Start] when a session
	// with the requested ID is already known.
	ErrSessionExists = errors.New("app: session already exists")

	// ErrSessionNotFound is returned when no live or archived session has the
	// requested ID.
	ErrSessionNotFound = errors.New("app: session not found")

	// ErrNoRecognition is returned by [SessionManager.Start] when no
	// recognition provider is configured.
	ErrNoRecognition = errors.New("app: no recognition provider configured")
)

// SourceOpener opens the recognition source for one session. input locates
// the media (a file path, a queue name) and is interpreted by the provider.
type SourceOpener func(ctx context.Context, input string) (recognition.Source, error)

// SessionState is the lifecycle stage of a [Session].
type SessionState string

const (
	StateRunning   SessionState = "running"
	StateFinished  SessionState = "finished"
	StateCancelled SessionState = "cancelled"
	StateFailed    SessionState = "failed"

	// StateArchived marks a session restored from the archive. It has no
	// pipeline; only its units are available.
	StateArchived SessionState = "archived"
)

// SessionSpec describes a session to start.
type SessionSpec struct {
	// ID names the session. Empty generates a UUID.
	ID string `json:"id,omitempty"`

	// Input is handed to the recognition provider.
	Input string `json:"input,omitempty"`
}

// SessionInfo is a point-in-time summary of a session.
type SessionInfo struct {
	ID        string         `json:"id"`
	Input     string         `json:"input,omitempty"`
	State     SessionState   `json:"state"`
	StartedAt time.Time      `json:"startedAt,omitzero"`
	EndedAt   time.Time      `json:"endedAt,omitzero"`
	Units     int            `json:"units"`
	Stats     pipeline.Stats `json:"stats"`
	Error     string         `json:"error,omitempty"`
}

// Session is one processing run: a recognition source feeding a timeline,
// plus the dispatcher that translates it.
type Session struct {
	id         string
	input      string
	startedAt  time.Time
	timeline   *timeline.Store
	dispatcher *translate.Dispatcher
	pipeline   *pipeline.Pipeline
	done       chan struct{}

	mu      sync.Mutex
	state   SessionState
	endedAt time.Time
	err     error
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// Timeline returns the session's unit store.
func (s *Session) Timeline() *timeline.Store { return s.timeline }

// Dispatcher returns the session's translation dispatcher, or nil when
// translation is not configured.
func (s *Session) Dispatcher() *translate.Dispatcher { return s.dispatcher }

// Done is closed when the session's pipeline has returned and its units have
// been archived. It is closed from the start for archived sessions.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Info returns a summary of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	info := SessionInfo{
		ID:        s.id,
		Input:     s.input,
		State:     s.state,
		StartedAt: s.startedAt,
		EndedAt:   s.endedAt,
		Units:     s.timeline.Len(),
	}
	if s.err != nil {
		info.Error = s.err.Error()
	}
	s.mu.Unlock()
	if s.pipeline != nil {
		info.Stats = s.pipeline.Stats()
	}
	return info
}

// Retranslate translates every unit that still lacks a translation. It is
// the retry path after a failed batch.
func (s *Session) Retranslate(ctx context.Context) (translate.BatchResult, error) {
	if s.dispatcher == nil {
		return translate.BatchResult{}, errors.New("app: translation is not configured")
	}
	return s.dispatcher.TranslateBatch(ctx, s.timeline.Untranslated())
}

func (s *Session) finish(err error, cancelled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endedAt = time.Now().UTC()
	s.err = err
	switch {
	case err != nil:
		s.state = StateFailed
	case cancelled:
		s.state = StateCancelled
	default:
		s.state = StateFinished
	}
}

// sessionSettings are the hot-reloadable parts of the configuration applied
// to sessions started after a reload.
type sessionSettings struct {
	segment       config.SegmentConfig
	overlap       config.OverlapConfig
	batchInterval time.Duration
}

func settingsFrom(cfg *config.Config) sessionSettings {
	return sessionSettings{
		segment:       cfg.Segment,
		overlap:       cfg.Overlap,
		batchInterval: cfg.Translation.BatchInterval,
	}
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	// Config supplies segment, overlap and translation settings. Required.
	Config *config.Config

	// OpenSource opens recognition sources. Nil makes Start fail with
	// [ErrNoRecognition].
	OpenSource SourceOpener

	// Backend translates units. Nil stores units untranslated.
	Backend translation.Backend

	// Store persists translation memory and session archives. Optional.
	Store store.Store

	// Cache is shared by every session's dispatcher. Nil creates a
	// [translate.MemoryCache].
	Cache translate.Cache

	// Metrics records session and pipeline metrics. Optional.
	Metrics *observe.Metrics

	// SourceName labels the recognition provider in logs.
	SourceName string
}

// SessionManager runs concurrent sessions keyed by ID. Finished sessions stay
// queryable until [SessionManager.Forget]; archived sessions are restored from
// the store on demand. All exported methods are safe for concurrent use.
type SessionManager struct {
	openSource SourceOpener
	backend    translation.Backend
	store      store.Store
	cache      translate.Cache
	metrics    *observe.Metrics
	sourceName string
	targetLang string
	sourceLang string

	mu       sync.Mutex
	sessions map[string]*Session
	settings sessionSettings
	closed   bool
	wg       sync.WaitGroup
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) (*SessionManager, error) {
	if cfg.Config == nil {
		return nil, errors.New("app: session manager config must not be nil")
	}
	if cfg.Backend != nil && cfg.Config.Translation.TargetLanguage == "" {
		return nil, errors.New("app: target language must not be empty when a translation backend is set")
	}
	cache := cfg.Cache
	if cache == nil {
		cache = translate.NewMemoryCache()
	}
	name := cfg.SourceName
	if name == "" {
		name = cfg.Config.Providers.Recognition.Name
	}
	return &SessionManager{
		openSource: cfg.OpenSource,
		backend:    cfg.Backend,
		store:      cfg.Store,
		cache:      cache,
		metrics:    cfg.Metrics,
		sourceName: name,
		targetLang: cfg.Config.Translation.TargetLanguage,
		sourceLang: cfg.Config.Translation.SourceLanguage,
		sessions:   make(map[string]*Session),
		settings:   settingsFrom(cfg.Config),
	}, nil
}

// ApplyConfig makes cfg's segment, overlap and batching settings the
// settings of sessions started from now on. Running sessions are unchanged.
func (sm *SessionManager) ApplyConfig(cfg *config.Config) {
	sm.mu.Lock()
	sm.settings = settingsFrom(cfg)
	sm.mu.Unlock()
}

// Warm preloads the shared translation cache from the translation memory.
func (sm *SessionManager) Warm(ctx context.Context) (int, error) {
	if sm.backend == nil || sm.store == nil {
		return 0, nil
	}
	d, err := sm.newDispatcher(timeline.New(), cancellation.New())
	if err != nil {
		return 0, err
	}
	return d.Warm(ctx)
}

// Start opens the recognition source for spec and runs the session in the
// background. The session outlives ctx; use [SessionManager.Stop] to end it.
func (sm *SessionManager) Start(ctx context.Context, spec SessionSpec) (*Session, error) {
	if sm.openSource == nil {
		return nil, ErrNoRecognition
	}
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		id = uuid.NewString()
	}

	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		return nil, errors.New("app: session manager is shut down")
	}
	if _, ok := sm.sessions[id]; ok {
		sm.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	// Reserve the ID while the source opens.
	sm.sessions[id] = nil
	settings := sm.settings
	sm.mu.Unlock()

	sess, err := sm.build(ctx, id, spec.Input, settings)
	if err != nil {
		sm.mu.Lock()
		delete(sm.sessions, id)
		sm.mu.Unlock()
		return nil, err
	}

	sm.mu.Lock()
	if sm.closed {
		delete(sm.sessions, id)
		sm.mu.Unlock()
		// Run returns at once on a cancelled pipeline and closes the source.
		sess.pipeline.Cancel()
		_ = sess.pipeline.Run(ctx)
		return nil, errors.New("app: session manager is shut down")
	}
	sm.sessions[id] = sess
	sm.wg.Add(1)
	sm.mu.Unlock()

	sm.addActive(1)
	go sm.run(context.WithoutCancel(ctx), sess)

	slog.Info("session started",
		"session_id", id,
		"input", spec.Input,
		"mode", settings.segment.Mode,
		"target_language", sm.targetLang,
	)
	return sess, nil
}

// build opens the source and assembles the session's components.
func (sm *SessionManager) build(ctx context.Context, id, input string, settings sessionSettings) (*Session, error) {
	src, err := sm.openSource(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("app: open recognition source: %w", err)
	}

	logger := slog.With("session_id", id)
	flag := cancellation.New()
	tl := timeline.New(timeline.WithMetrics(sm.metrics), timeline.WithLogger(logger))

	var d *translate.Dispatcher
	if sm.backend != nil {
		d, err = sm.newDispatcher(tl, flag)
		if err != nil {
			_ = src.Close()
			return nil, err
		}
	}

	opts := []pipeline.Option{
		pipeline.WithFlag(flag),
		pipeline.WithBatchInterval(settings.batchInterval),
		pipeline.WithSourceName(sm.sourceName),
		pipeline.WithMetrics(sm.metrics),
		pipeline.WithLogger(logger),
	}
	if settings.overlap.Enabled {
		opts = append(opts, pipeline.WithOverlapFilter(overlap.New(settings.overlap.Window, settings.overlap.Similarity)))
	}
	builder := segment.New(
		segment.WithMode(settings.segment.Mode),
		segment.WithMaxPhraseDuration(settings.segment.MaxPhraseDuration),
	)
	p, err := pipeline.New(src, builder, tl, d, opts...)
	if err != nil {
		_ = src.Close()
		return nil, err
	}

	return &Session{
		id:         id,
		input:      input,
		startedAt:  time.Now().UTC(),
		timeline:   tl,
		dispatcher: d,
		pipeline:   p,
		done:       make(chan struct{}),
		state:      StateRunning,
	}, nil
}

func (sm *SessionManager) newDispatcher(tl *timeline.Store, flag *cancellation.Flag) (*translate.Dispatcher, error) {
	opts := []translate.Option{
		translate.WithCache(sm.cache),
		translate.WithMetrics(sm.metrics),
		translate.WithSourceLanguage(sm.sourceLang),
		translate.WithFlag(flag),
	}
	if sm.store != nil {
		opts = append(opts, translate.WithMemory(sm.store))
	}
	return translate.New(sm.backend, tl, sm.targetLang, opts...)
}

// run drives the session to completion and archives its units.
func (sm *SessionManager) run(ctx context.Context, s *Session) {
	defer sm.wg.Done()
	defer close(s.done)
	defer sm.addActive(-1)

	err := s.pipeline.Run(observe.WithSession(ctx, s.id))
	s.finish(err, s.pipeline.Cancelled())
	info := s.Info()

	if err != nil {
		slog.Error("session failed", "session_id", s.id, "err", err, "units", info.Units)
	} else {
		slog.Info("session ended",
			"session_id", s.id,
			"state", info.State,
			"chunks", info.Stats.Chunks,
			"units", info.Units,
			"translation_failures", info.Stats.TranslationFailures,
		)
	}

	sm.archive(ctx, s.id, s.timeline.Snapshot())
}

func (sm *SessionManager) archive(ctx context.Context, id string, units []types.DisplayUnit) {
	if sm.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()
	if err := sm.store.SaveUnits(ctx, id, units); err != nil {
		slog.Warn("failed to archive session", "session_id", id, "err", err)
		return
	}
	slog.Debug("session archived", "session_id", id, "units", len(units))
}

func (sm *SessionManager) addActive(n int64) {
	sm.metrics.AddActiveSessions(context.Background(), n)
}

// Get returns the session with id. A session not held in memory is restored
// from the archive when a store is configured.
func (sm *SessionManager) Get(ctx context.Context, id string) (*Session, error) {
	sm.mu.Lock()
	s, ok := sm.sessions[id]
	sm.mu.Unlock()
	if ok && s != nil {
		return s, nil
	}
	if ok || sm.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	units, err := sm.store.LoadUnits(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("app: load archived session %q: %w", id, err)
	}
	return sm.restore(id, units)
}

func (sm *SessionManager) restore(id string, units []types.DisplayUnit) (*Session, error) {
	tl := timeline.Load(units, timeline.WithMetrics(sm.metrics), timeline.WithLogger(slog.With("session_id", id)))
	var d *translate.Dispatcher
	if sm.backend != nil {
		var err error
		if d, err = sm.newDispatcher(tl, cancellation.New()); err != nil {
			return nil, err
		}
	}
	s := &Session{
		id:         id,
		timeline:   tl,
		dispatcher: d,
		done:       make(chan struct{}),
		state:      StateArchived,
	}
	close(s.done)

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if existing, ok := sm.sessions[id]; ok && existing != nil {
		return existing, nil
	}
	sm.sessions[id] = s
	return s, nil
}

// Stop cancels the running session id and waits until it has ended or ctx
// is done. Stopping a session that already ended is not an error.
func (sm *SessionManager) Stop(ctx context.Context, id string) error {
	sm.mu.Lock()
	s, ok := sm.sessions[id]
	sm.mu.Unlock()
	if !ok || s == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if s.pipeline == nil {
		return nil
	}
	s.pipeline.Cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Forget drops an ended session from memory. Its archive, if any, is kept.
func (sm *SessionManager) Forget(id string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[id]
	if !ok || s == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	select {
	case <-s.done:
	default:
		return fmt.Errorf("app: session %q is still running", id)
	}
	delete(sm.sessions, id)
	return nil
}

// List returns summaries of every session held in memory and, when a store
// is configured, of archived sessions not held in memory. Results are sorted
// by ID.
func (sm *SessionManager) List(ctx context.Context) ([]SessionInfo, error) {
	sm.mu.Lock()
	live := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		if s != nil {
			live = append(live, s)
		}
	}
	sm.mu.Unlock()

	out := make([]SessionInfo, 0, len(live))
	seen := make(map[string]bool, len(live))
	for _, s := range live {
		out = append(out, s.Info())
		seen[s.id] = true
	}

	if sm.store != nil {
		ids, err := sm.store.ListSessions(ctx)
		if err != nil {
			return nil, fmt.Errorf("app: list archived sessions: %w", err)
		}
		for _, id := range ids {
			if !seen[id] {
				out = append(out, SessionInfo{ID: id, State: StateArchived})
			}
		}
	}

	slices.SortFunc(out, func(a, b SessionInfo) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// Running reports the number of sessions whose pipeline has not returned.
func (sm *SessionManager) Running() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	n := 0
	for _, s := range sm.sessions {
		if s == nil || s.pipeline == nil {
			continue
		}
		select {
		case <-s.done:
		default:
			n++
		}
	}
	return n
}

// StopAll cancels every running session, refuses new ones and waits until
// all have ended and been archived, or ctx is done.
func (sm *SessionManager) StopAll(ctx context.Context) error {
	sm.mu.Lock()
	sm.closed = true
	for _, s := range sm.sessions {
		if s != nil && s.pipeline != nil {
			s.pipeline.Cancel()
		}
	}
	sm.mu.Unlock()

	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
