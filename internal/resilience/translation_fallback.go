package resilience

import (
	"context"
	"log/slog"

	"github.com/MrWong99/captionist/pkg/provider/translation"
)

// TranslationFallback implements [translation.Backend] with failover across
// several backends. Each backend has its own circuit breaker; a failing or
// open primary hands the whole batch to the next healthy backend.
type TranslationFallback struct {
	group *FallbackGroup[translation.Backend]
}

var _ translation.Backend = (*TranslationFallback)(nil)

// NewTranslationFallback creates a [TranslationFallback] with primary as the
// preferred backend. The entry is named after primary.Name().
func NewTranslationFallback(primary translation.Backend, cfg FallbackConfig) *TranslationFallback {
	return &TranslationFallback{
		group: NewFallbackGroup(primary, primary.Name(), cfg),
	}
}

// AddFallback registers another backend, tried after those already added.
func (f *TranslationFallback) AddFallback(b translation.Backend) {
	f.group.AddFallback(b.Name(), b)
}

// Translate sends the batch to the first healthy backend.
func (f *TranslationFallback) Translate(ctx context.Context, reqs []translation.Request, targetLang string, opts translation.Options) ([]translation.Result, error) {
	res, name, err := executeNamed(f.group, func(b translation.Backend) ([]translation.Result, error) {
		return b.Translate(ctx, reqs, targetLang, opts)
	})
	if err == nil && name != f.group.entries[0].name {
		slog.Info("translation served by fallback", "backend", name, "texts", len(reqs))
	}
	return res, err
}

// Name returns the primary backend's name.
func (f *TranslationFallback) Name() string {
	return f.group.entries[0].name
}

// Status reports the breaker state of every backend.
func (f *TranslationFallback) Status() []EntryStatus {
	return f.group.Status()
}
