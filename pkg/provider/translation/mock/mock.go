// Package mock provides a test double for the translation.Backend interface.
//
// Backend answers from a fixed dictionary, or from Func when set, and records
// every call so tests can assert how many strings were actually requested.
//
// Example:
//
//	b := &mock.Backend{Dictionary: map[string]string{"Hi": "Hallo"}}
//	res, err := b.Translate(ctx, reqs, "de", translation.Options{})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/captionist/pkg/provider/translation"
)

// Call records a single invocation of Translate.
type Call struct {
	// Requests is a copy of the request slice.
	Requests []translation.Request
	// TargetLang is the requested target language.
	TargetLang string
	// Opts is the options value passed to Translate.
	Opts translation.Options
}

// Backend is a mock implementation of translation.Backend.
type Backend struct {
	mu sync.Mutex

	// BackendName is returned by Name. Defaults to "mock".
	BackendName string

	// Dictionary maps source text to translated text. Texts not present are
	// omitted from the response.
	Dictionary map[string]string

	// Func, if set, replaces the dictionary lookup entirely.
	Func func(ctx context.Context, reqs []translation.Request, targetLang string) ([]translation.Result, error)

	// Err, if non-nil, is returned from Translate.
	Err error

	// Calls records every invocation of Translate in order.
	Calls []Call
}

// Translate records the call and answers from Func, Err, or Dictionary.
func (b *Backend) Translate(ctx context.Context, reqs []translation.Request, targetLang string, opts translation.Options) ([]translation.Result, error) {
	b.mu.Lock()
	cp := make([]translation.Request, len(reqs))
	copy(cp, reqs)
	b.Calls = append(b.Calls, Call{Requests: cp, TargetLang: targetLang, Opts: opts})
	fn, err := b.Func, b.Err
	dict := b.Dictionary
	b.mu.Unlock()

	if fn != nil {
		return fn(ctx, reqs, targetLang)
	}
	if err != nil {
		return nil, err
	}
	out := make([]translation.Result, 0, len(reqs))
	for _, r := range reqs {
		if t, ok := dict[r.Text]; ok {
			out = append(out, translation.Result{Key: r.Key, Text: t})
		}
	}
	return out, nil
}

// Name returns BackendName or "mock".
func (b *Backend) Name() string {
	if b.BackendName != "" {
		return b.BackendName
	}
	return "mock"
}

// CallCount returns the number of Translate invocations. Thread-safe.
func (b *Backend) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Calls)
}

// RequestedTexts returns every text requested across all calls, in order.
func (b *Backend) RequestedTexts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, c := range b.Calls {
		for _, r := range c.Requests {
			out = append(out, r.Text)
		}
	}
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Calls = nil
}

var _ translation.Backend = (*Backend)(nil)
