// Package segment turns ordered lists of raw recognition fragments into
// phrases.
//
// Two modes are supported:
//
//   - Temporal (speech, subtitles): fragments are merged into phrases by
//     recursively splitting the fragment range at the most significant silence
//     until every phrase spans at most MaxPhraseDuration seconds.
//   - Spatial (per-frame optical detections): every fragment becomes its own
//     phrase, keeping its on-screen position.
//
// The split routine itself ([Boundaries]) is a pure function over index ranges
// into an immutable fragment slice. Cancellation is the caller's concern; the
// functions in this package never block and never fail.
package segment

import (
	"math"
	"slices"

	"github.com/MrWong99/captionist/pkg/types"
)

// DefaultMaxPhraseDuration is the span (in seconds) above which a multi-fragment
// range is split further.
const DefaultMaxPhraseDuration = 5.0

// gapRatio is the multiple of the mean gap the largest gap must reach to be
// treated as a real phrase boundary.
const gapRatio = 1.5

// Mode selects how fragments are grouped into phrases.
type Mode string

const (
	// ModeTemporal merges fragments by gap splitting.
	ModeTemporal Mode = "temporal"

	// ModeSpatial maps each fragment to exactly one phrase.
	ModeSpatial Mode = "spatial"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	return m == ModeTemporal || m == ModeSpatial
}

// Builder groups fragments into phrases according to its Mode. The zero value
// is a temporal builder with [DefaultMaxPhraseDuration]. Builder is a plain
// value and safe for concurrent use.
type Builder struct {
	mode        Mode
	maxDuration float64
}

// Option configures a [Builder].
type Option func(*Builder)

// WithMode selects temporal or spatial grouping. Unknown modes are ignored.
func WithMode(m Mode) Option {
	return func(b *Builder) {
		if m.IsValid() {
			b.mode = m
		}
	}
}

// WithMaxPhraseDuration overrides the span limit in seconds. Non-positive
// values are ignored.
func WithMaxPhraseDuration(seconds float64) Option {
	return func(b *Builder) {
		if seconds > 0 {
			b.maxDuration = seconds
		}
	}
}

// New returns a Builder configured by opts.
func New(opts ...Option) Builder {
	b := Builder{mode: ModeTemporal, maxDuration: DefaultMaxPhraseDuration}
	for _, o := range opts {
		o(&b)
	}
	return b
}

// Mode returns the builder's grouping mode.
func (b Builder) Mode() Mode {
	if b.mode == "" {
		return ModeTemporal
	}
	return b.mode
}

// MaxPhraseDuration returns the span limit in seconds.
func (b Builder) MaxPhraseDuration() float64 {
	if b.maxDuration <= 0 {
		return DefaultMaxPhraseDuration
	}
	return b.maxDuration
}

// Build groups frags into phrases. An empty input yields an empty result.
func (b Builder) Build(frags []types.RawFragment) []types.Phrase {
	if b.Mode() == ModeSpatial {
		return BuildSpatial(frags)
	}
	return Build(frags, b.MaxPhraseDuration())
}

// Build merges time-ordered fragments into phrases using gap splitting with
// the given span limit. Every fragment contributes to exactly one phrase and
// the phrases are returned in temporal order.
func Build(frags []types.RawFragment, maxDuration float64) []types.Phrase {
	if len(frags) == 0 {
		return []types.Phrase{}
	}
	bounds := Boundaries(frags, 0, len(frags), maxDuration)
	phrases := make([]types.Phrase, 0, len(bounds)-1)
	for k := 0; k+1 < len(bounds); k++ {
		phrases = append(phrases, merge(frags[bounds[k]:bounds[k+1]]))
	}
	return phrases
}

// BuildSpatial returns one phrase per fragment, preserving order and position.
func BuildSpatial(frags []types.RawFragment) []types.Phrase {
	phrases := make([]types.Phrase, 0, len(frags))
	for i := range frags {
		p := merge(frags[i : i+1])
		if frags[i].Position != nil {
			pos := *frags[i].Position
			p.Position = &pos
		}
		phrases = append(phrases, p)
	}
	return phrases
}

// merge collapses a non-empty, contiguous fragment run into one phrase.
func merge(run []types.RawFragment) types.Phrase {
	first, last := run[0], run[len(run)-1]
	var conf float64
	for _, f := range run {
		conf += f.Confidence
	}
	return types.Phrase{
		Text:       types.JoinText(run),
		StartTime:  first.StartOffset,
		EndTime:    math.Max(last.End(), first.StartOffset),
		Confidence: conf / float64(len(run)),
	}
}

// ---- split routine ----

// Boundaries returns the phrase boundaries for the fragment range [start, end)
// as a sorted list of indices beginning with start and ending with end. Each
// consecutive pair delimits one phrase. An empty range yields nil.
//
// A range is final when it holds a single fragment or when its span (end of
// its last fragment minus start of its first) is at most maxDuration.
// Otherwise it is split at the largest inter-fragment gap (the first one on
// ties) if that gap is at least 1.5 times the mean gap of the range, or at the
// fragment whose start lies closest to the temporal midpoint of the range
// (lower index on ties). Both halves are then processed the same way.
//
// Boundaries does not modify frags and holds no state between calls.
func Boundaries(frags []types.RawFragment, start, end int, maxDuration float64) []int {
	if start < 0 || end > len(frags) || start >= end {
		return nil
	}
	if maxDuration <= 0 {
		maxDuration = DefaultMaxPhraseDuration
	}

	bounds := []int{start, end}
	pending := [][2]int{{start, end}}
	for len(pending) > 0 {
		r := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		lo, hi := r[0], r[1]
		if isLeaf(frags, lo, hi, maxDuration) {
			continue
		}
		at := splitIndex(frags, lo, hi)
		bounds = append(bounds, at)
		pending = append(pending, [2]int{lo, at}, [2]int{at, hi})
	}
	slices.Sort(bounds)
	return bounds
}

// isLeaf reports whether [lo, hi) is emitted as a single phrase.
func isLeaf(frags []types.RawFragment, lo, hi int, maxDuration float64) bool {
	if hi-lo <= 1 {
		return true
	}
	span := frags[hi-1].End() - frags[lo].StartOffset
	return span <= maxDuration
}

// splitIndex picks the split point for a range of at least two fragments. The
// result is always in (lo, hi) so both halves are non-empty.
func splitIndex(frags []types.RawFragment, lo, hi int) int {
	var (
		sum     float64
		largest = math.Inf(-1)
		at      = lo + 1
	)
	for i := lo + 1; i < hi; i++ {
		gap := frags[i].StartOffset - frags[i-1].End()
		sum += gap
		if gap > largest {
			largest = gap
			at = i
		}
	}
	mean := sum / float64(hi-lo-1)
	if largest >= gapRatio*mean {
		return at
	}
	return midpointIndex(frags, lo, hi)
}

// midpointIndex returns the index in (lo, hi) whose fragment start is closest
// to the midpoint of the range's span. Ties go to the lower index.
func midpointIndex(frags []types.RawFragment, lo, hi int) int {
	mid := (frags[lo].StartOffset + frags[hi-1].End()) / 2
	best, bestDist := lo+1, math.Inf(1)
	for i := lo + 1; i < hi; i++ {
		d := math.Abs(frags[i].StartOffset - mid)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}
