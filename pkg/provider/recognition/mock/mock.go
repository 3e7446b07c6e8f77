// Package mock provides a test double for the recognition.Source interface.
//
// Source replays a fixed list of chunks and then returns io.EOF. Set Err to
// fail after ErrAfter chunks, or Block to make Next wait on the context once
// the chunks run out (useful for cancellation tests).
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/captionist/pkg/provider/recognition"
	"github.com/MrWong99/captionist/pkg/types"
)

// Source is a mock implementation of recognition.Source.
type Source struct {
	mu sync.Mutex

	// Chunks are returned by Next in order.
	Chunks []types.Chunk

	// Err, if non-nil, is returned by Next once ErrAfter chunks were served.
	Err error

	// ErrAfter is the number of chunks served before Err is returned.
	ErrAfter int

	// Block makes Next wait for ctx cancellation instead of returning io.EOF
	// when the chunks are exhausted.
	Block bool

	// NextCalls counts Next invocations.
	NextCalls int

	// Closed is set by Close.
	Closed bool

	served int
}

// Next implements recognition.Source.
func (s *Source) Next(ctx context.Context) (types.Chunk, error) {
	s.mu.Lock()
	s.NextCalls++
	if s.Err != nil && s.served >= s.ErrAfter {
		err := s.Err
		s.mu.Unlock()
		return types.Chunk{}, err
	}
	if s.served < len(s.Chunks) {
		c := s.Chunks[s.served]
		s.served++
		s.mu.Unlock()
		return c, nil
	}
	block := s.Block
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return types.Chunk{}, ctx.Err()
	}
	return types.Chunk{}, io.EOF
}

// Close implements recognition.Source.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// Served returns the number of chunks handed out so far.
func (s *Source) Served() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.served
}

var _ recognition.Source = (*Source)(nil)
