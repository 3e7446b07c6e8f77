// Package overlap implements an opt-in filter for phrases that are detected
// twice because consecutive recognition chunks share an overlap window.
//
// The filter is off unless a caller installs it: by default every phrase of
// every chunk is kept, overlap duplicates included. When enabled, a phrase of
// the next chunk is dropped if it starts within Window seconds of a unit from
// the previous chunk and their normalised texts reach the Jaro-Winkler
// Similarity threshold.
package overlap

import (
	"math"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/captionist/pkg/types"
)

const (
	// DefaultWindow is the default start-time tolerance in seconds.
	DefaultWindow = 1.0

	// DefaultSimilarity is the default Jaro-Winkler threshold.
	DefaultSimilarity = 0.92
)

// Filter drops overlap duplicates. The zero value uses the defaults.
type Filter struct {
	// Window is the maximum start-time distance in seconds between a phrase
	// and a previous unit for them to count as the same detection.
	Window float64

	// Similarity is the minimum Jaro-Winkler score (0.0–1.0) of the
	// normalised texts.
	Similarity float64
}

// New returns a Filter with the given window and similarity. Non-positive
// values fall back to the defaults.
func New(window, similarity float64) *Filter {
	return &Filter{Window: window, Similarity: similarity}
}

func (f *Filter) window() float64 {
	if f.Window <= 0 {
		return DefaultWindow
	}
	return f.Window
}

func (f *Filter) similarity() float64 {
	if f.Similarity <= 0 {
		return DefaultSimilarity
	}
	return f.Similarity
}

// Apply returns the phrases of next that do not duplicate a unit in prev.
// next is not modified.
func (f *Filter) Apply(prev []types.DisplayUnit, next []types.Phrase) []types.Phrase {
	if len(prev) == 0 || len(next) == 0 {
		return next
	}
	win, sim := f.window(), f.similarity()

	prevNorm := make([]string, len(prev))
	for i, u := range prev {
		prevNorm[i] = normalise(u.OriginalText)
	}

	out := make([]types.Phrase, 0, len(next))
	for _, p := range next {
		if isDuplicate(p, prev, prevNorm, win, sim) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Duplicate reports whether phrase p duplicates unit u under f.
func (f *Filter) Duplicate(u types.DisplayUnit, p types.Phrase) bool {
	return isDuplicate(p, []types.DisplayUnit{u}, []string{normalise(u.OriginalText)}, f.window(), f.similarity())
}

func isDuplicate(p types.Phrase, prev []types.DisplayUnit, prevNorm []string, win, sim float64) bool {
	text := normalise(p.Text)
	if text == "" {
		return false
	}
	for i, u := range prev {
		if math.Abs(u.Start-p.StartTime) > win || prevNorm[i] == "" {
			continue
		}
		if prevNorm[i] == text || matchr.JaroWinkler(prevNorm[i], text, false) >= sim {
			return true
		}
	}
	return false
}

// normalise lowercases s and collapses runs of whitespace.
func normalise(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
