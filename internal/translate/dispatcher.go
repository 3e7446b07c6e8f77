// Package translate implements the TranslationDispatcher: deduplicated,
// batched translation of display units with a write-once cache.
//
// For every batch the dispatcher sends each distinct original text at most
// once to the backend, using the text itself as the correlation key, and
// fans the result back out to every stored unit sharing that text. A backend
// failure fails the whole batch: nothing from that call is cached or
// attached, and a retry reuses whatever earlier batches already cached.
//
// The dispatcher observes a shared [cancellation.Flag] before starting work
// and again right before each backend request. Requests already in flight are
// allowed to finish.
package translate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/captionist/internal/cancellation"
	"github.com/MrWong99/captionist/internal/observe"
	"github.com/MrWong99/captionist/pkg/provider/translation"
	"github.com/MrWong99/captionist/pkg/store"
	"github.com/MrWong99/captionist/pkg/types"
)

// ErrNoTranslation is wrapped by [Error] when the backend answered a single
// text request without a translation for it.
var ErrNoTranslation = errors.New("translate: backend returned no translation")

// Error is the TranslationError: a batch-scoped backend failure. It is
// recoverable; callers may retry the batch or continue with untranslated
// units.
type Error struct {
	// Backend is the name of the failing backend.
	Backend string

	// Texts is the number of distinct texts in the failed request.
	Texts int

	// Err is the underlying backend error.
	Err error
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("translate: backend %s failed for %d texts: %v", e.Backend, e.Texts, e.Err)
}

// Unwrap returns the underlying backend error.
func (e *Error) Unwrap() error { return e.Err }

// BatchResult describes the outcome of one [Dispatcher.TranslateBatch] call.
// It is returned alongside the error so partial outcomes are explicit.
type BatchResult struct {
	// Units is the number of units in the batch.
	Units int

	// Distinct is the number of distinct non-empty texts in the batch.
	Distinct int

	// CacheHits is the number of distinct texts served from the cache.
	CacheHits int

	// Requested is the number of distinct texts sent to the backend.
	Requested int

	// Translated is the number of requested texts the backend answered.
	Translated int

	// Missing lists the requested texts the backend did not answer.
	Missing []string

	// Attached is the number of stored units that received a translation.
	Attached int
}

// Attacher writes translations onto stored units. *timeline.Store satisfies
// it.
type Attacher interface {
	// AttachAll applies every original→translated mapping to untranslated
	// units and returns the number of units updated.
	AttachAll(translations map[string]string) int
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithCache replaces the default [MemoryCache]. Sharing one cache between
// dispatchers with the same target language shares their translations.
func WithCache(c Cache) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.cache = c
		}
	}
}

// WithMemory persists every new translation to m and lets [Dispatcher.Warm]
// preload the cache from it.
func WithMemory(m store.TranslationMemory) Option {
	return func(d *Dispatcher) { d.memory = m }
}

// WithMetrics records translation instruments on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithSourceLanguage passes a source-language hint to the backend.
func WithSourceLanguage(lang string) Option {
	return func(d *Dispatcher) { d.sourceLang = lang }
}

// WithFlag shares an existing cancellation flag, typically the session's.
func WithFlag(f *cancellation.Flag) Option {
	return func(d *Dispatcher) {
		if f != nil {
			d.flag = f
		}
	}
}

// Dispatcher is the TranslationDispatcher. It is safe for concurrent use.
type Dispatcher struct {
	backend    translation.Backend
	attacher   Attacher
	targetLang string
	sourceLang string

	cache   Cache
	memory  store.TranslationMemory
	metrics *observe.Metrics
	flag    *cancellation.Flag
}

// New creates a Dispatcher translating into targetLang through backend and
// attaching results through attacher. attacher may be nil, in which case
// results are only cached.
func New(backend translation.Backend, attacher Attacher, targetLang string, opts ...Option) (*Dispatcher, error) {
	if backend == nil {
		return nil, errors.New("translate: backend must not be nil")
	}
	if targetLang == "" {
		return nil, errors.New("translate: target language must not be empty")
	}
	d := &Dispatcher{
		backend:    backend,
		attacher:   attacher,
		targetLang: targetLang,
		cache:      NewMemoryCache(),
		flag:       cancellation.New(),
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// TargetLanguage returns the language translations are produced in.
func (d *Dispatcher) TargetLanguage() string { return d.targetLang }

// Cache returns the dispatcher's translation cache.
func (d *Dispatcher) Cache() Cache { return d.cache }

// Cancel sets the dispatcher's cancellation flag. No new backend request is
// issued afterwards; a request already in flight runs to completion.
func (d *Dispatcher) Cancel() { d.flag.Cancel() }

// Cancelled reports whether the cancellation flag is set.
func (d *Dispatcher) Cancelled() bool { return d.flag.Cancelled() }

// Warm preloads the cache from the translation memory, if one is configured.
// It returns the number of entries loaded.
func (d *Dispatcher) Warm(ctx context.Context) (int, error) {
	if d.memory == nil {
		return 0, nil
	}
	known, err := d.memory.LoadTranslations(ctx, d.targetLang)
	if err != nil {
		return 0, fmt.Errorf("translate: warm cache: %w", err)
	}
	for text, tr := range known {
		d.cache.Store(text, tr)
	}
	return len(known), nil
}

// TranslateBatch translates the distinct original texts of units that are not
// cached yet with exactly one backend call, then attaches every resulting
// translation (and every already-cached one) to the matching stored units.
//
// Texts the backend does not answer stay untranslated and are listed in
// [BatchResult.Missing]; that is a partial outcome, not an error. A backend
// failure is returned as *[Error] and nothing from that call is cached or
// attached. When the cancellation flag is set before the request is placed,
// no request is sent and [cancellation.ErrCancelled] is returned.
func (d *Dispatcher) TranslateBatch(ctx context.Context, units []types.DisplayUnit) (BatchResult, error) {
	res := BatchResult{Units: len(units)}
	if err := d.flag.Err(); err != nil {
		return res, err
	}

	cached := make(map[string]string)
	var pending []string
	seen := make(map[string]struct{}, len(units))
	for _, u := range units {
		text := u.OriginalText
		if text == "" {
			continue
		}
		if _, dup := seen[text]; dup {
			continue
		}
		seen[text] = struct{}{}
		if tr, ok := d.cache.Lookup(text); ok {
			cached[text] = tr
			continue
		}
		pending = append(pending, text)
	}
	res.Distinct = len(seen)
	res.CacheHits = len(cached)
	d.metrics.RecordCacheHits(ctx, res.CacheHits)
	res.Attached += d.attach(cached)

	if len(pending) == 0 {
		return res, nil
	}
	if err := d.flag.Err(); err != nil {
		slog.Debug("translate: batch cancelled before request", "pending", len(pending))
		return res, err
	}

	translated, err := d.request(ctx, pending)
	res.Requested = len(pending)
	if err != nil {
		return res, err
	}

	fresh := make(map[string]string, len(translated))
	for _, text := range pending {
		tr, ok := translated[text]
		if !ok {
			res.Missing = append(res.Missing, text)
			continue
		}
		fresh[text] = d.cache.Store(text, tr)
	}
	res.Translated = len(fresh)
	d.remember(ctx, fresh)
	res.Attached += d.attach(fresh)
	return res, nil
}

// TranslateOne translates a single text through the cache. On a cache miss
// it places one backend request, caches the result and attaches it to every
// stored unit carrying text.
func (d *Dispatcher) TranslateOne(ctx context.Context, text string) (string, error) {
	if tr, ok := d.cache.Lookup(text); ok {
		d.metrics.RecordCacheHits(ctx, 1)
		return tr, nil
	}
	if err := d.flag.Err(); err != nil {
		return "", err
	}

	translated, err := d.request(ctx, []string{text})
	if err != nil {
		return "", err
	}
	tr, ok := translated[text]
	if !ok {
		return "", &Error{Backend: d.backend.Name(), Texts: 1, Err: ErrNoTranslation}
	}
	tr = d.cache.Store(text, tr)
	d.remember(ctx, map[string]string{text: tr})
	d.attach(map[string]string{text: tr})
	return tr, nil
}

// request sends texts to the backend in one call and returns the answered
// texts keyed by original text. Unknown keys and empty translations are
// dropped.
func (d *Dispatcher) request(ctx context.Context, texts []string) (map[string]string, error) {
	name := d.backend.Name()
	ctx, span := observe.StartSpan(ctx, "translate.batch",
		trace.WithAttributes(
			attribute.String("backend", name),
			attribute.String("target_language", d.targetLang),
			attribute.Int("texts", len(texts)),
		),
	)
	defer span.End()

	reqs := make([]translation.Request, len(texts))
	want := make(map[string]struct{}, len(texts))
	for i, t := range texts {
		reqs[i] = translation.Request{Text: t, Key: t}
		want[t] = struct{}{}
	}

	start := time.Now()
	results, err := d.backend.Translate(ctx, reqs, d.targetLang, translation.Options{SourceLanguage: d.sourceLang})
	d.metrics.RecordTranslation(ctx, name, len(texts), time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &Error{Backend: name, Texts: len(texts), Err: err}
	}

	out := make(map[string]string, len(results))
	for _, r := range results {
		if _, ok := want[r.Key]; !ok || r.Text == "" {
			continue
		}
		out[r.Key] = r.Text
	}
	span.SetAttributes(attribute.Int("translated", len(out)))
	return out, nil
}

func (d *Dispatcher) attach(translations map[string]string) int {
	if d.attacher == nil || len(translations) == 0 {
		return 0
	}
	return d.attacher.AttachAll(translations)
}

// remember persists fresh translations. Failures are logged; the in-memory
// cache already holds the values.
func (d *Dispatcher) remember(ctx context.Context, fresh map[string]string) {
	if d.memory == nil || len(fresh) == 0 {
		return
	}
	if err := d.memory.SaveTranslations(ctx, d.targetLang, fresh); err != nil {
		observe.Logger(ctx).Warn("translate: failed to persist translations",
			"target_language", d.targetLang, "count", len(fresh), "err", err)
	}
}
