// Package pipeline drives one processing session: recognition chunks are
// segmented into phrases, stored as display units and handed to the
// translation dispatcher.
//
// Run starts two goroutines under an errgroup. The producer pulls chunks from
// the recognition source, builds phrases, appends units to the timeline store
// and forwards them on a channel owned by the driver. The translator drains
// that channel and translates either every chunk as it arrives or, with a
// batch interval, everything that accumulated since the last tick.
//
// A recognition failure ends the session and is returned as
// *[recognition.Error]. Translation failures are logged and leave the affected
// units untranslated; they never end the session. Cancellation ends the
// session quietly: units appended so far stay in the store.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/captionist/internal/cancellation"
	"github.com/MrWong99/captionist/internal/observe"
	"github.com/MrWong99/captionist/internal/overlap"
	"github.com/MrWong99/captionist/internal/segment"
	"github.com/MrWong99/captionist/internal/timeline"
	"github.com/MrWong99/captionist/internal/translate"
	"github.com/MrWong99/captionist/pkg/provider/recognition"
	"github.com/MrWong99/captionist/pkg/types"
)

// unitBuffer is the capacity of the channel between producer and translator.
const unitBuffer = 16

// Stats is a snapshot of a pipeline's counters.
type Stats struct {
	// Chunks is the number of chunks read from the source.
	Chunks int64 `json:"chunks"`

	// Units is the number of units appended to the store.
	Units int64 `json:"units"`

	// EmptyPhrases is the number of phrases skipped for having no text.
	EmptyPhrases int64 `json:"emptyPhrases"`

	// OverlapDropped is the number of phrases removed by the overlap filter.
	OverlapDropped int64 `json:"overlapDropped"`

	// TranslationBatches is the number of TranslateBatch calls made.
	TranslationBatches int64 `json:"translationBatches"`

	// TranslationFailures is the number of batches that failed.
	TranslationFailures int64 `json:"translationFailures"`
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithBatchInterval makes the translator collect units and translate them
// once per interval instead of once per chunk. Zero keeps per-chunk batches.
func WithBatchInterval(d time.Duration) Option {
	return func(p *Pipeline) { p.batchInterval = d }
}

// WithOverlapFilter enables overlap duplicate suppression between
// consecutive chunks.
func WithOverlapFilter(f *overlap.Filter) Option {
	return func(p *Pipeline) { p.overlap = f }
}

// WithFlag shares a cancellation flag with the pipeline, typically the one
// the dispatcher also observes.
func WithFlag(f *cancellation.Flag) Option {
	return func(p *Pipeline) {
		if f != nil {
			p.flag = f
		}
	}
}

// WithIDFunc replaces the unit id generator (default: random UUIDs).
func WithIDFunc(fn func() string) Option {
	return func(p *Pipeline) {
		if fn != nil {
			p.newID = fn
		}
	}
}

// WithSourceName sets the source name reported in recognition errors.
func WithSourceName(name string) Option {
	return func(p *Pipeline) {
		if name != "" {
			p.sourceName = name
		}
	}
}

// WithMetrics records segmentation instruments on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// Pipeline is the session driver. Run may be called once.
type Pipeline struct {
	source     recognition.Source
	builder    segment.Builder
	store      *timeline.Store
	dispatcher *translate.Dispatcher

	batchInterval time.Duration
	overlap       *overlap.Filter
	flag          *cancellation.Flag
	newID         func() string
	sourceName    string
	metrics       *observe.Metrics
	logger        *slog.Logger

	chunks              atomic.Int64
	units               atomic.Int64
	emptyPhrases        atomic.Int64
	overlapDropped      atomic.Int64
	translationBatches  atomic.Int64
	translationFailures atomic.Int64
}

// New creates a Pipeline. dispatcher may be nil, in which case units are
// stored untranslated.
func New(source recognition.Source, builder segment.Builder, store *timeline.Store, dispatcher *translate.Dispatcher, opts ...Option) (*Pipeline, error) {
	if source == nil {
		return nil, errors.New("pipeline: source must not be nil")
	}
	if store == nil {
		return nil, errors.New("pipeline: store must not be nil")
	}
	p := &Pipeline{
		source:     source,
		builder:    builder,
		store:      store,
		dispatcher: dispatcher,
		flag:       cancellation.New(),
		newID:      uuid.NewString,
		sourceName: "source",
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Cancel sets the pipeline's cancellation flag. The producer stops before the
// next chunk and no new translation request is placed; a request already in
// flight completes.
func (p *Pipeline) Cancel() { p.flag.Cancel() }

// Cancelled reports whether Cancel was called.
func (p *Pipeline) Cancelled() bool { return p.flag.Cancelled() }

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Chunks:              p.chunks.Load(),
		Units:               p.units.Load(),
		EmptyPhrases:        p.emptyPhrases.Load(),
		OverlapDropped:      p.overlapDropped.Load(),
		TranslationBatches:  p.translationBatches.Load(),
		TranslationFailures: p.translationFailures.Load(),
	}
}

// Run processes the source until it is exhausted, fails or the session is
// cancelled. It closes the source before returning.
func (p *Pipeline) Run(ctx context.Context) error {
	defer func() {
		if err := p.source.Close(); err != nil {
			p.logger.Warn("pipeline: close source", "source", p.sourceName, "err", err)
		}
	}()

	ctx, cancel := p.flag.Context(ctx)
	defer cancel()

	units := make(chan []types.DisplayUnit, unitBuffer)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(units)
		return p.produce(gctx, units)
	})
	g.Go(func() error {
		p.consume(gctx, units)
		return nil
	})

	err := g.Wait()
	var recErr *recognition.Error
	if errors.As(err, &recErr) {
		return err
	}
	if err != nil {
		p.logger.Debug("pipeline: session cancelled", "source", p.sourceName, "chunks", p.chunks.Load())
	}
	return nil
}

// produce reads chunks and appends their units to the store.
func (p *Pipeline) produce(ctx context.Context, out chan<- []types.DisplayUnit) error {
	var prev []types.DisplayUnit
	for index := 0; ; index++ {
		if p.flag.Cancelled() {
			return cancellation.ErrCancelled
		}
		chunk, err := p.source.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		p.metrics.RecordChunk(ctx, p.sourceName, err)
		if err != nil {
			if ctx.Err() != nil || cancellation.Is(err) {
				return err
			}
			p.logger.Error("pipeline: recognition failed", "source", p.sourceName, "chunk", index, "err", err)
			return &recognition.Error{Source: p.sourceName, Chunk: index, Err: err}
		}
		p.chunks.Add(1)

		batch := p.unitsFor(ctx, chunk, prev)
		if len(batch) == 0 {
			continue
		}
		p.store.Append(batch...)
		p.units.Add(int64(len(batch)))
		prev = batch

		select {
		case out <- batch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// unitsFor segments one chunk and turns the phrases into units.
func (p *Pipeline) unitsFor(ctx context.Context, chunk types.Chunk, prev []types.DisplayUnit) []types.DisplayUnit {
	start := time.Now()
	phrases := p.builder.Build(chunk.Fragments)
	p.metrics.RecordSegment(ctx, string(p.builder.Mode()), len(phrases), time.Since(start))

	if p.overlap != nil {
		kept := p.overlap.Apply(prev, phrases)
		if dropped := len(phrases) - len(kept); dropped > 0 {
			p.overlapDropped.Add(int64(dropped))
			p.logger.Debug("pipeline: dropped overlap duplicates", "chunk", chunk.Index, "count", dropped)
		}
		phrases = kept
	}

	batch := make([]types.DisplayUnit, 0, len(phrases))
	for _, ph := range phrases {
		if ph.Text == "" {
			p.emptyPhrases.Add(1)
			p.logger.Debug("pipeline: skipping empty phrase", "chunk", chunk.Index, "start", ph.StartTime)
			continue
		}
		batch = append(batch, types.UnitFromPhrase(p.newID(), ph))
	}
	return batch
}

// consume drains in until it is closed. Once the session is cancelled it
// keeps draining without translating.
func (p *Pipeline) consume(ctx context.Context, in <-chan []types.DisplayUnit) {
	if p.dispatcher == nil {
		for range in {
		}
		return
	}
	if p.batchInterval <= 0 {
		for batch := range in {
			p.translateBatch(ctx, batch)
		}
		return
	}

	ticker := time.NewTicker(p.batchInterval)
	defer ticker.Stop()
	var pending []types.DisplayUnit
	for {
		select {
		case batch, ok := <-in:
			if !ok {
				p.translateBatch(ctx, pending)
				return
			}
			pending = append(pending, batch...)
		case <-ticker.C:
			p.translateBatch(ctx, pending)
			pending = nil
		}
	}
}

func (p *Pipeline) translateBatch(ctx context.Context, batch []types.DisplayUnit) {
	if len(batch) == 0 || p.flag.Cancelled() || ctx.Err() != nil {
		return
	}
	p.translationBatches.Add(1)
	res, err := p.dispatcher.TranslateBatch(ctx, batch)
	var terr *translate.Error
	switch {
	case err == nil:
		if len(res.Missing) > 0 {
			p.logger.Info("pipeline: backend left texts untranslated", "missing", len(res.Missing), "requested", res.Requested)
		}
	case cancellation.Is(err):
		p.logger.Debug("pipeline: translation cancelled", "units", len(batch))
	case errors.As(err, &terr):
		p.translationFailures.Add(1)
		p.logger.Warn("pipeline: translation batch failed", "backend", terr.Backend, "texts", terr.Texts, "err", terr.Err)
	default:
		p.translationFailures.Add(1)
		p.logger.Warn("pipeline: translation batch failed", "err", err)
	}
}
