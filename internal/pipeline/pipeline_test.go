package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/captionist/internal/cancellation"
	"github.com/MrWong99/captionist/internal/overlap"
	"github.com/MrWong99/captionist/internal/segment"
	"github.com/MrWong99/captionist/internal/timeline"
	"github.com/MrWong99/captionist/internal/translate"
	"github.com/MrWong99/captionist/pkg/provider/recognition"
	recmock "github.com/MrWong99/captionist/pkg/provider/recognition/mock"
	trmock "github.com/MrWong99/captionist/pkg/provider/translation/mock"
	"github.com/MrWong99/captionist/pkg/types"
)

// chunk builds a chunk of point-in-time fragments, one per text, spaced one
// second apart from windowStart.
func chunk(index int, windowStart float64, texts ...string) types.Chunk {
	c := types.Chunk{Index: index, WindowStart: windowStart, WindowEnd: windowStart + float64(len(texts))}
	for i, text := range texts {
		c.Fragments = append(c.Fragments, types.RawFragment{
			Text:        text,
			StartOffset: windowStart + float64(i),
			Confidence:  0.9,
		})
	}
	return c
}

func seqIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("u%d", n.Add(1)) }
}

type fixture struct {
	source     *recmock.Source
	backend    *trmock.Backend
	store      *timeline.Store
	dispatcher *translate.Dispatcher
	flag       *cancellation.Flag
}

func newFixture(t *testing.T, source *recmock.Source, dict map[string]string) *fixture {
	t.Helper()
	f := &fixture{
		source:  source,
		backend: &trmock.Backend{Dictionary: dict},
		store:   timeline.New(),
		flag:    cancellation.New(),
	}
	d, err := translate.New(f.backend, f.store, "de", translate.WithFlag(f.flag))
	if err != nil {
		t.Fatalf("translate.New: %v", err)
	}
	f.dispatcher = d
	return f
}

func (f *fixture) pipeline(t *testing.T, opts ...Option) *Pipeline {
	t.Helper()
	base := []Option{
		WithFlag(f.flag),
		WithIDFunc(seqIDs()),
		WithSourceName("mock"),
	}
	p, err := New(f.source, segment.New(segment.WithMode(segment.ModeSpatial)), f.store, f.dispatcher, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestRun_TranslatesEveryChunk(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &recmock.Source{Chunks: []types.Chunk{
		chunk(0, 0, "Hello", "Exit"),
		chunk(1, 4, "Hello", "Open"),
	}}, map[string]string{"Hello": "Hallo", "Exit": "Ausgang", "Open": "Offen"})
	p := f.pipeline(t)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	units := f.store.Snapshot()
	if len(units) != 4 {
		t.Fatalf("stored %d units, want 4", len(units))
	}
	want := []string{"Hallo", "Ausgang", "Hallo", "Offen"}
	for i, u := range units {
		if !u.Translated() || u.DisplayText() != want[i] {
			t.Errorf("unit %d = %q (translated %v), want %q", i, u.DisplayText(), u.Translated(), want[i])
		}
	}

	// "Hello" is served from the cache the second time.
	if got := f.backend.CallCount(); got != 2 {
		t.Errorf("backend calls = %d, want 2", got)
	}
	if texts := f.backend.RequestedTexts(); len(texts) != 3 {
		t.Errorf("requested texts = %v, want 3 distinct", texts)
	}

	st := p.Stats()
	if st.Chunks != 2 || st.Units != 4 || st.TranslationBatches != 2 || st.TranslationFailures != 0 {
		t.Errorf("Stats = %+v", st)
	}
	if !f.source.Closed {
		t.Error("source not closed after Run")
	}
}

func TestRun_RecognitionErrorEndsSession(t *testing.T) {
	t.Parallel()

	boom := errors.New("decoder crashed")
	f := newFixture(t, &recmock.Source{
		Chunks:   []types.Chunk{chunk(0, 0, "Hello"), chunk(1, 4, "never")},
		Err:      boom,
		ErrAfter: 1,
	}, map[string]string{"Hello": "Hallo"})
	p := f.pipeline(t)

	err := p.Run(context.Background())
	var recErr *recognition.Error
	if !errors.As(err, &recErr) {
		t.Fatalf("Run = %v, want *recognition.Error", err)
	}
	if recErr.Source != "mock" || recErr.Chunk != 1 || !errors.Is(err, boom) {
		t.Errorf("recognition error = %+v", recErr)
	}

	// Units from the chunk before the failure stay in the store.
	if n := f.store.Len(); n != 1 {
		t.Errorf("store holds %d units, want 1", n)
	}
	if !f.source.Closed {
		t.Error("source not closed after failure")
	}
}

func TestRun_TranslationFailureKeepsGoing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &recmock.Source{Chunks: []types.Chunk{
		chunk(0, 0, "Hello"),
		chunk(1, 4, "World"),
	}}, nil)
	f.backend.Err = errors.New("rate limited")
	p := f.pipeline(t)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
	if n := f.store.Len(); n != 2 {
		t.Fatalf("store holds %d units, want 2", n)
	}
	if un := f.store.Untranslated(); len(un) != 2 {
		t.Errorf("untranslated = %d, want 2", len(un))
	}
	st := p.Stats()
	if st.TranslationFailures != 2 || st.TranslationBatches != 2 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestRun_MissingTranslationLeavesUnitUntranslated(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &recmock.Source{Chunks: []types.Chunk{
		chunk(0, 0, "Hello", "Gibberish"),
	}}, map[string]string{"Hello": "Hallo"})
	p := f.pipeline(t)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	un := f.store.Untranslated()
	if len(un) != 1 || un[0].OriginalText != "Gibberish" {
		t.Errorf("untranslated = %+v", un)
	}
	if p.Stats().TranslationFailures != 0 {
		t.Error("missing text counted as failure")
	}
}

func TestRun_CancelIsQuiet(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &recmock.Source{
		Chunks: []types.Chunk{chunk(0, 0, "Hello")},
		Block:  true,
	}, map[string]string{"Hello": "Hallo"})
	p := f.pipeline(t)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for f.store.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first chunk never stored")
		}
		time.Sleep(5 * time.Millisecond)
	}
	p.Cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run after Cancel = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Cancel")
	}
	if !p.Cancelled() || !f.dispatcher.Cancelled() {
		t.Error("cancellation flag not shared")
	}
	if n := f.store.Len(); n != 1 {
		t.Errorf("store holds %d units after cancel, want 1", n)
	}
}

func TestRun_ContextCancelIsQuiet(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &recmock.Source{Block: true}, nil)
	p := f.pipeline(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := p.Run(ctx); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &recmock.Source{Chunks: []types.Chunk{chunk(0, 0, "Hello")}}, map[string]string{"Hello": "Hallo"})
	p := f.pipeline(t)
	p.Cancel()

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if f.source.Served() != 0 || f.store.Len() != 0 || f.backend.CallCount() != 0 {
		t.Errorf("served %d, stored %d, backend calls %d; want all zero",
			f.source.Served(), f.store.Len(), f.backend.CallCount())
	}
}

func TestRun_BatchIntervalCollectsChunks(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &recmock.Source{Chunks: []types.Chunk{
		chunk(0, 0, "a"),
		chunk(1, 4, "b"),
		chunk(2, 8, "c"),
	}}, map[string]string{"a": "A", "b": "B", "c": "C"})
	p := f.pipeline(t, WithBatchInterval(time.Hour))

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The ticker never fires, so everything goes out in the final flush.
	if got := f.backend.CallCount(); got != 1 {
		t.Errorf("backend calls = %d, want 1", got)
	}
	if un := f.store.Untranslated(); len(un) != 0 {
		t.Errorf("untranslated after flush: %+v", un)
	}
}

func TestRun_OverlapFilter(t *testing.T) {
	t.Parallel()

	// The second window starts one second before the first ends, so "Hello"
	// is detected twice at nearly the same time.
	src := func() *recmock.Source {
		return &recmock.Source{Chunks: []types.Chunk{
			{Index: 0, WindowStart: 0, WindowEnd: 4, Fragments: []types.RawFragment{
				{Text: "Intro", StartOffset: 0.5}, {Text: "Hello", StartOffset: 3.2},
			}},
			{Index: 1, WindowStart: 3, WindowEnd: 7, Fragments: []types.RawFragment{
				{Text: "hello", StartOffset: 3.3}, {Text: "Goodbye", StartOffset: 6},
			}},
		}}
	}

	tests := []struct {
		name        string
		opts        []Option
		wantUnits   int
		wantDropped int64
	}{
		{name: "duplicates kept by default", wantUnits: 4},
		{name: "filter drops duplicate", opts: []Option{WithOverlapFilter(overlap.New(0, 0))}, wantUnits: 3, wantDropped: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, src(), nil)
			p := f.pipeline(t, tt.opts...)
			if err := p.Run(context.Background()); err != nil {
				t.Fatalf("Run: %v", err)
			}
			if n := f.store.Len(); n != tt.wantUnits {
				t.Errorf("store holds %d units, want %d", n, tt.wantUnits)
			}
			if got := p.Stats().OverlapDropped; got != tt.wantDropped {
				t.Errorf("OverlapDropped = %d, want %d", got, tt.wantDropped)
			}
		})
	}
}

func TestRun_SkipsEmptyPhrases(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &recmock.Source{Chunks: []types.Chunk{
		chunk(0, 0, "Hello", "   ", ""),
		chunk(1, 4, ""),
	}}, map[string]string{"Hello": "Hallo"})
	p := f.pipeline(t)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := f.store.Len(); n != 1 {
		t.Errorf("store holds %d units, want 1", n)
	}
	st := p.Stats()
	if st.EmptyPhrases != 3 || st.Chunks != 2 || st.TranslationBatches != 1 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestRun_NilDispatcherStoresUntranslated(t *testing.T) {
	t.Parallel()

	src := &recmock.Source{Chunks: []types.Chunk{chunk(0, 0, "Hello", "World")}}
	store := timeline.New()
	p, err := New(src, segment.New(), store, nil, WithIDFunc(seqIDs()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if store.Len() == 0 {
		t.Fatal("nothing stored")
	}
	if un := store.Untranslated(); len(un) != store.Len() {
		t.Errorf("untranslated = %d of %d", len(un), store.Len())
	}
	if p.Stats().TranslationBatches != 0 {
		t.Error("translation attempted without dispatcher")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	store := timeline.New()
	src := &recmock.Source{}
	tests := []struct {
		name  string
		src   recognition.Source
		store *timeline.Store
	}{
		{name: "nil source", store: store},
		{name: "nil store", src: src},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tt.src, segment.New(), tt.store, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}
