// Package timeline implements the per-session TimelineStore: an ordered,
// queryable accumulation of display units.
//
// A single producer appends units in non-decreasing timestamp order while any
// number of readers query the store by playback position. Every operation
// takes the store's mutex only around the structural read or mutation; no
// lock is held while subscribers run.
//
// Queries resolve to the unit(s) whose timestamp is nearest to the requested
// time in O(log n). Units whose timestamps lie within [ExactTolerance] of the
// query are treated as exact matches. Equal-distance ties resolve to the
// earlier unit.
package timeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/captionist/internal/observe"
	"github.com/MrWong99/captionist/pkg/types"
)

// ExactTolerance is the distance (in seconds) within which a unit's
// timestamp counts as an exact match for a query.
const ExactTolerance = 0.001

// EventKind distinguishes the notifications delivered to subscribers.
type EventKind int

const (
	// EventAppended is delivered after units were added to the store.
	EventAppended EventKind = iota

	// EventTranslated is delivered after translations were attached.
	EventTranslated
)

// String returns the wire name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventAppended:
		return "appended"
	case EventTranslated:
		return "translated"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event describes a change to the store. Units are copies detached from the
// store; the slice is shared between subscribers and must not be modified.
type Event struct {
	Kind  EventKind
	Units []types.DisplayUnit
}

// InvariantViolation describes an append whose timestamp preceded the last
// stored unit. The store logs it and inserts the unit at its sorted position.
type InvariantViolation struct {
	// UnitID is the ID of the offending unit.
	UnitID string

	// Timestamp is the offending unit's timestamp.
	Timestamp float64

	// Last is the timestamp of the last unit in the store at the time of the
	// append.
	Last float64
}

// Error implements error.
func (v *InvariantViolation) Error() string {
	return fmt.Sprintf("timeline: unit %q at %.3fs appended after %.3fs", v.UnitID, v.Timestamp, v.Last)
}

// Option configures a [Store].
type Option func(*Store)

// WithMetrics records append and query instruments on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithLogger overrides the logger used to report invariant violations.
// Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store is the TimelineStore for one processing session. The zero value is
// not usable; create one with [New].
type Store struct {
	mu         sync.Mutex
	units      []types.DisplayUnit
	pending    int // units without a translation
	violations int
	// untranslated maps OriginalText to the positions in units of entries
	// still waiting for a translation.
	untranslated map[string][]int

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int

	metrics *observe.Metrics
	logger  *slog.Logger
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		subs:         make(map[int]func(Event)),
		untranslated: make(map[string][]int),
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ---- producer side ----

// Append adds units to the end of the store. Callers must supply units in
// non-decreasing timestamp order, each at or after the last stored unit.
// A unit that breaks this order is logged as an [InvariantViolation] and
// inserted at its sorted position instead, after any units sharing its
// timestamp.
func (s *Store) Append(units ...types.DisplayUnit) {
	if len(units) == 0 {
		return
	}
	added := make([]types.DisplayUnit, 0, len(units))
	var violations []*InvariantViolation

	s.mu.Lock()
	for _, u := range units {
		u = u.Clone()
		if n := len(s.units); n > 0 && u.Start < s.units[n-1].Start {
			violations = append(violations, &InvariantViolation{
				UnitID:    u.ID,
				Timestamp: u.Start,
				Last:      s.units[n-1].Start,
			})
			at := sort.Search(n, func(i int) bool { return s.units[i].Start > u.Start })
			s.units = append(s.units, types.DisplayUnit{})
			copy(s.units[at+1:], s.units[at:])
			s.units[at] = u
			s.shiftPending(at)
			if !u.Translated() {
				s.untranslated[u.OriginalText] = append(s.untranslated[u.OriginalText], at)
				s.pending++
			}
		} else {
			s.units = append(s.units, u)
			if !u.Translated() {
				s.untranslated[u.OriginalText] = append(s.untranslated[u.OriginalText], n)
				s.pending++
			}
		}
		added = append(added, u.Clone())
	}
	s.violations += len(violations)
	s.mu.Unlock()

	for _, v := range violations {
		s.logger.Warn("timeline: out-of-order append, inserted at sorted position",
			"unit_id", v.UnitID, "timestamp", v.Timestamp, "last", v.Last, "err", v)
	}
	s.metrics.RecordAppend(context.Background(), len(added), len(violations))
	s.notify(Event{Kind: EventAppended, Units: added})
}

// Attach writes translated onto every stored unit whose OriginalText equals
// original and that has no translation yet. It returns the number of units
// updated. Units that already carry a translation are left untouched.
func (s *Store) Attach(original, translated string) int {
	return s.AttachAll(map[string]string{original: translated})
}

// AttachAll applies every original→translated mapping and returns the number
// of units updated. Only units whose text appears in translations are
// visited. The translated units are reported in timestamp order.
func (s *Store) AttachAll(translations map[string]string) int {
	if len(translations) == 0 {
		return 0
	}
	var updated []types.DisplayUnit

	s.mu.Lock()
	var hit []int
	for original := range translations {
		if at, ok := s.untranslated[original]; ok {
			hit = append(hit, at...)
			delete(s.untranslated, original)
		}
	}
	slices.Sort(hit)
	for _, i := range hit {
		u := &s.units[i]
		tr := translations[u.OriginalText]
		u.TranslatedText = &tr
		s.pending--
		updated = append(updated, u.Clone())
	}
	s.mu.Unlock()

	if len(updated) > 0 {
		s.notify(Event{Kind: EventTranslated, Units: updated})
	}
	return len(updated)
}

// shiftPending moves every indexed position at or after at one slot right,
// following an insertion at at. Callers hold s.mu.
func (s *Store) shiftPending(at int) {
	for _, positions := range s.untranslated {
		for j, p := range positions {
			if p >= at {
				positions[j] = p + 1
			}
		}
	}
}

// ---- reader side ----

// Query returns the unit(s) to display at time t (seconds). The selected
// timestamp is the one within [ExactTolerance] of t if any, otherwise the
// nearer of the bracketing pair, with ties going to the earlier unit. All
// units sharing the selected timestamp are returned in store order. Times
// before the first or after the last unit clamp to the first or last
// timestamp. An empty store yields nil.
func (s *Store) Query(t float64) []types.DisplayUnit {
	start := time.Now()
	defer func() { s.metrics.RecordQuery(context.Background(), time.Since(start)) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.units)
	if n == 0 {
		return nil
	}
	at := nearest(s.units, t)
	ts := s.units[at].Start

	lo := at
	for lo > 0 && s.units[lo-1].Start == ts {
		lo--
	}
	hi := at + 1
	for hi < n && s.units[hi].Start == ts {
		hi++
	}
	out := make([]types.DisplayUnit, 0, hi-lo)
	for _, u := range s.units[lo:hi] {
		out = append(out, u.Clone())
	}
	return out
}

// nearest returns the index of the unit selected for time t in a non-empty,
// sorted slice.
func nearest(units []types.DisplayUnit, t float64) int {
	n := len(units)
	// First index whose timestamp is strictly after t.
	after := sort.Search(n, func(i int) bool { return units[i].Start > t })
	if after == 0 {
		return 0
	}
	before := after - 1
	if t-units[before].Start <= ExactTolerance || after == n {
		return before
	}
	if units[after].Start-t <= ExactTolerance {
		return after
	}
	if units[after].Start-t < t-units[before].Start {
		return after
	}
	return before
}

// Len returns the number of stored units.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.units)
}

// Violations returns the number of out-of-order appends seen so far.
func (s *Store) Violations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.violations
}

// Snapshot returns a deep copy of all stored units in timestamp order.
func (s *Store) Snapshot() []types.DisplayUnit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.DisplayUnit, len(s.units))
	for i, u := range s.units {
		out[i] = u.Clone()
	}
	return out
}

// Untranslated returns deep copies of the units that carry no translation
// yet, in timestamp order.
func (s *Store) Untranslated() []types.DisplayUnit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.DisplayUnit, 0, s.pending)
	for _, u := range s.units {
		if u.TranslatedText == nil {
			out = append(out, u.Clone())
		}
	}
	return out
}

// ---- subscriptions ----

// Subscribe registers fn to be called after every append and every
// translation attach. fn runs synchronously on the mutating goroutine,
// outside the store lock, and must not block. The returned function removes
// the subscription; it is safe to call more than once.
func (s *Store) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) notify(ev Event) {
	s.subMu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
