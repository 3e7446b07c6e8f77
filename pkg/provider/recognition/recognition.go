// Package recognition defines the Source interface for external text
// recognition processes (speech-to-text per audio window, optical text
// detection per video frame).
//
// A Source produces ordered chunks of raw fragments for successive,
// non-decreasing time windows. Fragments within one chunk are time-ordered.
// Consecutive chunks may overlap by a fixed window; suppressing duplicates in
// that overlap is left to the caller.
//
// Implementations need not be safe for concurrent calls to Next; the pipeline
// drives each Source from a single goroutine.
package recognition

import (
	"context"
	"fmt"

	"github.com/MrWong99/captionist/pkg/types"
)

// Source is the abstraction over any recognition process.
type Source interface {
	// Next blocks until the next chunk is available. It returns io.EOF once
	// the input is exhausted. Any other error is fatal to the session; callers
	// wrap it in an [Error].
	Next(ctx context.Context) (types.Chunk, error)

	// Close releases the source's resources. Calling Close more than once is
	// safe and returns nil.
	Close() error
}

// Error is the RecognitionError: a failure of the external recognition
// process. It ends the current processing session and is propagated to the
// caller, which decides whether to abort or restart.
type Error struct {
	// Source names the failing source (e.g. "deepgram").
	Source string

	// Chunk is the index of the chunk that was being read.
	Chunk int

	// Err is the underlying error.
	Err error
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("recognition: %s failed at chunk %d: %v", e.Source, e.Chunk, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }
