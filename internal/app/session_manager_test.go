package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/captionist/internal/app"
	"github.com/MrWong99/captionist/internal/config"
	"github.com/MrWong99/captionist/internal/segment"
	"github.com/MrWong99/captionist/pkg/provider/recognition"
	recmock "github.com/MrWong99/captionist/pkg/provider/recognition/mock"
	trmock "github.com/MrWong99/captionist/pkg/provider/translation/mock"
	storemock "github.com/MrWong99/captionist/pkg/store/mock"
	"github.com/MrWong99/captionist/pkg/types"
)

// chunk builds a chunk of point-in-time fragments spaced one second apart.
func chunk(index int, windowStart float64, texts ...string) types.Chunk {
	c := types.Chunk{Index: index, WindowStart: windowStart, WindowEnd: windowStart + float64(len(texts))}
	for i, text := range texts {
		c.Fragments = append(c.Fragments, types.RawFragment{Text: text, StartOffset: windowStart + float64(i), Confidence: 0.9})
	}
	return c
}

func testConfig() *config.Config {
	cfg := &config.Config{
		Segment:     config.SegmentConfig{Mode: segment.ModeSpatial},
		Translation: config.TranslationConfig{TargetLanguage: "de"},
	}
	cfg.ApplyDefaults()
	return cfg
}

// opener hands out one prepared mock source per input.
type opener struct {
	mu      sync.Mutex
	sources map[string]*recmock.Source
	inputs  []string
	err     error
}

func newOpener() *opener { return &opener{sources: make(map[string]*recmock.Source)} }

func (o *opener) add(input string, src *recmock.Source) *recmock.Source {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sources[input] = src
	return src
}

func (o *opener) open(_ context.Context, input string) (recognition.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inputs = append(o.inputs, input)
	if o.err != nil {
		return nil, o.err
	}
	if src, ok := o.sources[input]; ok {
		return src, nil
	}
	return &recmock.Source{}, nil
}

type harness struct {
	sm      *app.SessionManager
	opener  *opener
	backend *trmock.Backend
	store   *storemock.Store
}

func newHarness(t *testing.T, cfg *config.Config, st *storemock.Store) *harness {
	t.Helper()
	h := &harness{
		opener:  newOpener(),
		backend: &trmock.Backend{Dictionary: map[string]string{"hello": "hallo", "world": "welt", "bye": "tschüss"}},
		store:   st,
	}
	smCfg := app.SessionManagerConfig{
		Config:     cfg,
		OpenSource: h.opener.open,
		Backend:    h.backend,
		SourceName: "mock",
	}
	// Avoid storing a typed nil pointer in the store.Store interface.
	if st != nil {
		smCfg.Store = st
	}
	sm, err := app.NewSessionManager(smCfg)
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}
	h.sm = sm
	return h
}

func waitDone(t *testing.T, s *app.Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s did not end", s.ID())
	}
}

func TestSessionManager_RunsToCompletion(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), storemock.New())
	src := h.opener.add("talk.pcm", &recmock.Source{Chunks: []types.Chunk{
		chunk(0, 0, "hello", "world"),
		chunk(1, 2, "bye"),
	}})

	s, err := h.sm.Start(context.Background(), app.SessionSpec{ID: "s1", Input: "talk.pcm"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, s)

	info := s.Info()
	if info.State != app.StateFinished || info.Units != 3 || info.Stats.Chunks != 2 {
		t.Errorf("info = %+v", info)
	}
	if !src.Closed {
		t.Error("source was not closed")
	}
	for _, u := range s.Timeline().Snapshot() {
		if !u.Translated() {
			t.Errorf("unit %q not translated", u.OriginalText)
		}
	}

	archived, err := h.store.LoadUnits(context.Background(), "s1")
	if err != nil || len(archived) != 3 {
		t.Errorf("archive = %d units, %v", len(archived), err)
	}
}

func TestSessionManager_Start_Errors(t *testing.T) {
	t.Parallel()

	t.Run("duplicate id", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, testConfig(), nil)
		h.opener.add("live", &recmock.Source{Block: true})
		s, err := h.sm.Start(context.Background(), app.SessionSpec{ID: "dup", Input: "live"})
		if err != nil {
			t.Fatalf("first Start: %v", err)
		}
		defer h.sm.Stop(context.Background(), s.ID())

		if _, err := h.sm.Start(context.Background(), app.SessionSpec{ID: "dup"}); !errors.Is(err, app.ErrSessionExists) {
			t.Errorf("second Start = %v, want ErrSessionExists", err)
		}
	})

	t.Run("no recognition", func(t *testing.T) {
		t.Parallel()
		sm, err := app.NewSessionManager(app.SessionManagerConfig{Config: testConfig()})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := sm.Start(context.Background(), app.SessionSpec{}); !errors.Is(err, app.ErrNoRecognition) {
			t.Errorf("Start = %v, want ErrNoRecognition", err)
		}
	})

	t.Run("open failure releases id", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, testConfig(), nil)
		h.opener.err = errors.New("no such file")
		if _, err := h.sm.Start(context.Background(), app.SessionSpec{ID: "x"}); err == nil {
			t.Fatal("expected open error")
		}
		h.opener.err = nil
		s, err := h.sm.Start(context.Background(), app.SessionSpec{ID: "x"})
		if err != nil {
			t.Fatalf("retry Start: %v", err)
		}
		waitDone(t, s)
	})
}

func TestSessionManager_GeneratesID(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), nil)
	s, err := h.sm.Start(context.Background(), app.SessionSpec{Input: "a"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, s)
	if _, err := uuid.Parse(s.ID()); err != nil {
		t.Errorf("ID %q is not a UUID: %v", s.ID(), err)
	}
}

func TestSessionManager_StopCancels(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), storemock.New())
	src := h.opener.add("live", &recmock.Source{Chunks: []types.Chunk{chunk(0, 0, "hello")}, Block: true})

	s, err := h.sm.Start(context.Background(), app.SessionSpec{ID: "live", Input: "live"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for s.Timeline().Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.sm.Running() != 1 {
		t.Errorf("Running = %d, want 1", h.sm.Running())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.sm.Stop(ctx, "live"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := s.Info().State; got != app.StateCancelled {
		t.Errorf("State = %q, want cancelled", got)
	}
	if s.Err() != nil {
		t.Errorf("Err = %v, cancellation must be quiet", s.Err())
	}
	if !src.Closed {
		t.Error("source was not closed")
	}
	if h.sm.Running() != 0 {
		t.Errorf("Running = %d, want 0", h.sm.Running())
	}
	if _, err := h.store.LoadUnits(context.Background(), "live"); err != nil {
		t.Errorf("cancelled session not archived: %v", err)
	}
	// Stopping again is harmless.
	if err := h.sm.Stop(ctx, "live"); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestSessionManager_StopUnknown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), nil)
	if err := h.sm.Stop(context.Background(), "ghost"); !errors.Is(err, app.ErrSessionNotFound) {
		t.Errorf("Stop = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionManager_RecognitionFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), storemock.New())
	h.opener.add("bad", &recmock.Source{
		Chunks:   []types.Chunk{chunk(0, 0, "hello")},
		Err:      errors.New("decoder exploded"),
		ErrAfter: 1,
	})

	s, err := h.sm.Start(context.Background(), app.SessionSpec{ID: "bad", Input: "bad"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, s)

	var recErr *recognition.Error
	if !errors.As(s.Err(), &recErr) {
		t.Fatalf("Err = %v, want *recognition.Error", s.Err())
	}
	if info := s.Info(); info.State != app.StateFailed || info.Error == "" || info.Units != 1 {
		t.Errorf("info = %+v", info)
	}
	if units, err := h.store.LoadUnits(context.Background(), "bad"); err != nil || len(units) != 1 {
		t.Errorf("failed session archive = %d units, %v", len(units), err)
	}
}

func TestSessionManager_RestoresArchive(t *testing.T) {
	t.Parallel()

	st := storemock.New()
	first := newHarness(t, testConfig(), st)
	first.opener.add("in", &recmock.Source{Chunks: []types.Chunk{chunk(0, 0, "hello", "world")}})
	s, err := first.sm.Start(context.Background(), app.SessionSpec{ID: "old", Input: "in"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, s)

	second := newHarness(t, testConfig(), st)
	restored, err := second.sm.Get(context.Background(), "old")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if restored.Info().State != app.StateArchived {
		t.Errorf("State = %q, want archived", restored.Info().State)
	}
	got := restored.Timeline().Query(1.0)
	if len(got) != 1 || got[0].OriginalText != "world" || got[0].DisplayText() != "welt" {
		t.Errorf("Query(1.0) = %+v", got)
	}
	select {
	case <-restored.Done():
	default:
		t.Error("archived session must report done")
	}

	infos, err := second.sm.List(context.Background())
	if err != nil || len(infos) != 1 || infos[0].ID != "old" {
		t.Errorf("List = %+v, %v", infos, err)
	}

	if _, err := second.sm.Get(context.Background(), "never"); !errors.Is(err, app.ErrSessionNotFound) {
		t.Errorf("Get(never) = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionManager_Retranslate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), nil)
	h.backend.Err = errors.New("quota exceeded")
	h.opener.add("in", &recmock.Source{Chunks: []types.Chunk{chunk(0, 0, "hello", "world")}})

	s, err := h.sm.Start(context.Background(), app.SessionSpec{ID: "r", Input: "in"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, s)
	if s.Err() != nil {
		t.Fatalf("translation failure must not fail the session: %v", s.Err())
	}
	if n := len(s.Timeline().Untranslated()); n != 2 {
		t.Fatalf("Untranslated = %d, want 2", n)
	}

	h.backend.Err = nil
	res, err := s.Retranslate(context.Background())
	if err != nil {
		t.Fatalf("Retranslate: %v", err)
	}
	if res.Attached != 2 || len(s.Timeline().Untranslated()) != 0 {
		t.Errorf("result = %+v, untranslated = %d", res, len(s.Timeline().Untranslated()))
	}
}

func TestSessionManager_ApplyConfig(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), nil)
	h.opener.add("a", &recmock.Source{Chunks: []types.Chunk{chunk(0, 0, "hello", "world", "bye")}})
	h.opener.add("b", &recmock.Source{Chunks: []types.Chunk{chunk(0, 0, "hello", "world", "bye")}})

	spatial, err := h.sm.Start(context.Background(), app.SessionSpec{ID: "a", Input: "a"})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, spatial)

	next := testConfig()
	next.Segment.Mode = segment.ModeTemporal
	h.sm.ApplyConfig(next)

	temporal, err := h.sm.Start(context.Background(), app.SessionSpec{ID: "b", Input: "b"})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, temporal)

	if spatial.Info().Units != 3 {
		t.Errorf("spatial units = %d, want 3", spatial.Info().Units)
	}
	if temporal.Info().Units != 1 {
		t.Errorf("temporal units = %d, want 1 (fragments fit one phrase)", temporal.Info().Units)
	}
}

func TestSessionManager_StopAll(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), storemock.New())
	for _, id := range []string{"a", "b", "c"} {
		h.opener.add(id, &recmock.Source{Block: true})
		if _, err := h.sm.Start(context.Background(), app.SessionSpec{ID: id, Input: id}); err != nil {
			t.Fatalf("Start(%s): %v", id, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.sm.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if h.sm.Running() != 0 {
		t.Errorf("Running = %d, want 0", h.sm.Running())
	}
	ids, _ := h.store.ListSessions(context.Background())
	if len(ids) != 3 {
		t.Errorf("archived = %v, want 3 sessions", ids)
	}
	if _, err := h.sm.Start(context.Background(), app.SessionSpec{ID: "late"}); err == nil {
		t.Error("Start after StopAll should fail")
	}
}

func TestSessionManager_Forget(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), nil)
	h.opener.add("live", &recmock.Source{Block: true})
	s, err := h.sm.Start(context.Background(), app.SessionSpec{ID: "f", Input: "live"})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.sm.Forget("f"); err == nil {
		t.Error("Forget of a running session should fail")
	}
	if err := h.sm.Stop(context.Background(), "f"); err != nil {
		t.Fatal(err)
	}
	waitDone(t, s)
	if err := h.sm.Forget("f"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if _, err := h.sm.Get(context.Background(), "f"); !errors.Is(err, app.ErrSessionNotFound) {
		t.Errorf("Get after Forget = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionManager_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), storemock.New())
	h.opener.add("live", &recmock.Source{Chunks: []types.Chunk{chunk(0, 0, "hello")}, Block: true})
	s, err := h.sm.Start(context.Background(), app.SessionSpec{ID: "c", Input: "live"})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, _ = h.sm.List(context.Background())
		}()
		go func() {
			defer wg.Done()
			_ = s.Info()
		}()
		go func() {
			defer wg.Done()
			_ = s.Timeline().Query(0)
		}()
	}
	wg.Wait()

	if err := h.sm.StopAll(context.Background()); err != nil {
		t.Fatal(err)
	}
}
