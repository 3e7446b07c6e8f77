// Package translation defines the Backend interface for machine-translation
// services.
//
// A backend receives a batch of (text, correlation key) pairs plus a target
// language and returns (key, translated text) pairs. Backends may omit entries
// they cannot translate; callers treat a missing key as "no translation" for
// that text rather than as a failure. A non-nil error means the whole batch
// failed and no result of the call may be used.
//
// Implementations must be safe for concurrent use and should return promptly
// when the supplied context is cancelled.
package translation

import "context"

// Request is one string to translate. Key correlates the request with its
// [Result]; the dispatcher uses the text itself as the key.
type Request struct {
	// Text is the source text.
	Text string

	// Key is an opaque correlation key echoed back in the result.
	Key string
}

// Result is one translated string.
type Result struct {
	// Key is the correlation key of the originating [Request].
	Key string

	// Text is the translated text.
	Text string
}

// Options carries optional per-call hints.
type Options struct {
	// SourceLanguage is the language of the input text (BCP-47 or ISO 639-1).
	// Empty means auto-detect.
	SourceLanguage string
}

// Backend is the abstraction over any translation service.
type Backend interface {
	// Translate translates every request into targetLang. The returned slice may
	// be shorter than reqs and in any order; entries are matched by Key. Keys in
	// the response that were not requested are ignored by callers.
	Translate(ctx context.Context, reqs []Request, targetLang string, opts Options) ([]Result, error)

	// Name returns a short identifier for logs and metrics (e.g. "deepl").
	Name() string
}
