// Package types defines the shared data model used across all captionist packages.
//
// These types form the lingua franca between recognition sources, the segment
// builder, the timeline store, the translation dispatcher, and the HTTP consumer
// API. Each package defines its own domain types; cross-cutting data structures
// live here to avoid import cycles.
//
// All times are expressed in seconds relative to the start of the media being
// processed, as float64 values.
package types

import "strings"

// Rect is an axis-aligned rectangle in normalised frame coordinates. The origin
// is the top-left corner of the frame; all fields are in the range [0, 1].
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Valid reports whether r lies entirely within the unit square and has a
// non-negative size.
func (r Rect) Valid() bool {
	if r.W < 0 || r.H < 0 {
		return false
	}
	return r.X >= 0 && r.Y >= 0 && r.X+r.W <= 1 && r.Y+r.H <= 1
}

// RawFragment is a single timed, low-level unit of recognised text (one word
// or one detected text box) as produced by a recognition source. Fragments are
// transient: they are consumed by the segment builder and then discarded.
type RawFragment struct {
	// Text is the recognised text. It may carry leading or trailing whitespace.
	Text string

	// StartOffset is the fragment start time in seconds.
	StartOffset float64

	// Duration is the fragment length in seconds. May be zero.
	Duration float64

	// Confidence is the recogniser's confidence score (0.0–1.0).
	Confidence float64

	// Position is the normalised bounding box for optical detections.
	// Nil for speech fragments.
	Position *Rect
}

// End returns StartOffset + Duration.
func (f RawFragment) End() float64 { return f.StartOffset + f.Duration }

// Phrase is a temporally coherent merge of one or more RawFragments. Phrases
// are immutable once produced and always satisfy EndTime >= StartTime.
type Phrase struct {
	// Text is the whitespace-trimmed, single-space-joined concatenation of the
	// contributing fragments' text in temporal order.
	Text string

	// StartTime is the start of the first contributing fragment in seconds.
	StartTime float64

	// EndTime is the end of the last contributing fragment in seconds.
	EndTime float64

	// Confidence is the mean confidence of the contributing fragments.
	Confidence float64

	// Position is carried over from a spatial fragment. Nil for speech phrases.
	Position *Rect
}

// JoinText trims each fragment's text and joins the non-empty results with a
// single space.
func JoinText(frags []RawFragment) string {
	parts := make([]string, 0, len(frags))
	for _, f := range frags {
		if t := strings.TrimSpace(f.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// Chunk is one bounded time window of recognition output processed together
// (one video segment or one audio window). Fragments within a chunk are time
// ordered. Consecutive chunks may overlap.
type Chunk struct {
	// Index is the zero-based position of the chunk in its source stream.
	Index int

	// WindowStart and WindowEnd bound the input window the chunk was produced
	// from, in seconds. Both are zero when the source does not report windows.
	WindowStart float64
	WindowEnd   float64

	// Fragments holds the recognised fragments in temporal order.
	Fragments []RawFragment
}
