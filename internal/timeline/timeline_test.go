package timeline

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/captionist/pkg/types"
)

func unit(id string, start float64, text string) types.DisplayUnit {
	return types.DisplayUnit{ID: id, OriginalText: text, Start: start, End: start + 0.5, HasEnd: true, Confidence: 1}
}

func ids(units []types.DisplayUnit) []string {
	out := make([]string, len(units))
	for i, u := range units {
		out[i] = u.ID
	}
	return out
}

func TestQuery(t *testing.T) {
	s := New()
	s.Append(unit("a", 1.0, "one"), unit("b", 2.0, "two"), unit("c", 3.0, "three"))

	tests := []struct {
		name string
		t    float64
		want string
	}{
		{"tie favours earlier", 2.5, "b"},
		{"closer to later", 2.6, "c"},
		{"closer to earlier", 2.4, "b"},
		{"exact", 2.0, "b"},
		{"within tolerance below", 1.9995, "b"},
		{"within tolerance above", 2.0004, "b"},
		{"before first", -3, "a"},
		{"after last", 99, "c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Query(tt.t)
			if len(got) != 1 || got[0].ID != tt.want {
				t.Errorf("Query(%v) = %v, want [%s]", tt.t, ids(got), tt.want)
			}
		})
	}
}

func TestQuery_Empty(t *testing.T) {
	if got := New().Query(1); len(got) != 0 {
		t.Errorf("Query on empty store = %v, want empty", got)
	}
}

func TestQuery_ReturnsUnitsSharingTimestamp(t *testing.T) {
	s := New()
	s.Append(
		unit("a", 1.0, "EXIT"),
		unit("b", 2.0, "OPEN"),
		unit("c", 2.0, "CLOSED"),
		unit("d", 2.0, "EXIT"),
		unit("e", 4.0, "x"),
	)
	got := s.Query(2.3)
	if want := []string{"b", "c", "d"}; strings.Join(ids(got), ",") != strings.Join(want, ",") {
		t.Errorf("Query(2.3) = %v, want %v", ids(got), want)
	}
}

func TestQuery_Monotonic(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 9))
	s := New()
	ts := 0.0
	for i := range 500 {
		ts += r.Float64() * 2
		if r.IntN(8) == 0 {
			ts += 0.0005
		}
		s.Append(unit(fmt.Sprint(i), ts, "t"))
	}

	prev := -1.0
	for q := -1.0; q < ts+2; q += 0.0137 {
		got := s.Query(q)
		if len(got) == 0 {
			t.Fatalf("Query(%v) returned nothing", q)
		}
		if got[0].Start < prev {
			t.Fatalf("Query(%v) selected %v after a previous selection of %v", q, got[0].Start, prev)
		}
		prev = got[0].Start
	}
}

func TestQuery_ReturnsCopies(t *testing.T) {
	s := New()
	s.Append(types.DisplayUnit{ID: "a", OriginalText: "x", Start: 1, Position: &types.Rect{X: 0.1}})

	got := s.Query(1)
	got[0].OriginalText = "mutated"
	got[0].Position.X = 0.9

	again := s.Query(1)
	if again[0].OriginalText != "x" || again[0].Position.X != 0.1 {
		t.Errorf("store state changed through a query result: %+v", again[0])
	}
}

func TestAppend_OutOfOrderFallsBackToSortedInsert(t *testing.T) {
	var logs bytes.Buffer
	s := New(WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	s.Append(unit("a", 1, "a"), unit("c", 3, "c"))
	s.Append(unit("b", 2, "b"))
	s.Append(unit("a2", 1, "a2"))

	if got := strings.Join(ids(s.Snapshot()), ","); got != "a,a2,b,c" {
		t.Errorf("order = %s, want a,a2,b,c", got)
	}
	if s.Violations() != 2 {
		t.Errorf("Violations = %d, want 2", s.Violations())
	}
	if !strings.Contains(logs.String(), "out-of-order append") {
		t.Errorf("violation not logged: %q", logs.String())
	}
	if got := s.Query(2.1); len(got) != 1 || got[0].ID != "b" {
		t.Errorf("Query(2.1) = %v, want [b]", ids(got))
	}
}

func TestAttach_WriteOnce(t *testing.T) {
	s := New()
	s.Append(unit("1", 1, "Hi"), unit("2", 2, "Hi"), unit("3", 3, "Bye"))

	if n := s.Attach("Hi", "Hallo"); n != 2 {
		t.Fatalf("Attach(Hi) updated %d units, want 2", n)
	}
	if n := s.Attach("Hi", "Servus"); n != 0 {
		t.Errorf("second Attach(Hi) updated %d units, want 0", n)
	}
	if n := s.Attach("Nope", "x"); n != 0 {
		t.Errorf("Attach(unknown) updated %d units, want 0", n)
	}

	got := s.Query(2)
	if got[0].TranslatedText == nil || *got[0].TranslatedText != "Hallo" {
		t.Errorf("unit 2 translation = %v, want Hallo", got[0].TranslatedText)
	}
	un := s.Untranslated()
	if len(un) != 1 || un[0].ID != "3" {
		t.Errorf("Untranslated = %v, want [3]", ids(un))
	}
}

func TestAttachAll_ReachesLaterAppends(t *testing.T) {
	s := New()
	s.Append(unit("1", 1, "Hi"))
	s.AttachAll(map[string]string{"Hi": "Hallo"})
	s.Append(unit("2", 5, "Hi"))

	if got := s.Query(5); got[0].Translated() {
		t.Error("new unit should start untranslated")
	}
	if n := s.AttachAll(map[string]string{"Hi": "Hallo"}); n != 1 {
		t.Errorf("AttachAll updated %d, want 1", n)
	}
}

func TestAttachAll_AfterOutOfOrderInsert(t *testing.T) {
	s := New(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	var (
		mu         sync.Mutex
		translated []string
	)
	s.Subscribe(func(ev Event) {
		if ev.Kind != EventTranslated {
			return
		}
		mu.Lock()
		translated = append(translated, ids(ev.Units)...)
		mu.Unlock()
	})

	s.Append(unit("a", 1, "x"), unit("c", 3, "z"))
	s.Append(unit("b", 2, "y"))
	s.Append(unit("a2", 1, "w"))

	if n := s.AttachAll(map[string]string{"z": "Z", "y": "Y", "missing": "M"}); n != 2 {
		t.Fatalf("AttachAll updated %d, want 2", n)
	}
	if n := s.AttachAll(map[string]string{"w": "W", "x": "X"}); n != 2 {
		t.Fatalf("AttachAll updated %d, want 2", n)
	}

	want := map[string]string{"a": "X", "a2": "W", "b": "Y", "c": "Z"}
	for _, u := range s.Snapshot() {
		if u.TranslatedText == nil || *u.TranslatedText != want[u.ID] {
			t.Errorf("unit %s (%q) translation = %v, want %q", u.ID, u.OriginalText, u.TranslatedText, want[u.ID])
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if got := strings.Join(translated, ","); got != "b,c,a,a2" {
		t.Errorf("translated events = %s, want b,c,a,a2", got)
	}
}

func TestAttachAll_VisitsOnlyMatchingUnits(t *testing.T) {
	s := New()
	const n = 2000
	for i := range n {
		s.Append(unit(fmt.Sprint(i), float64(i), fmt.Sprintf("line %d", i%500)))
	}

	tests := []struct {
		name         string
		translations map[string]string
		want         int
		pending      int
	}{
		{"unknown text", map[string]string{"never said": "x"}, 0, n},
		{"one repeated text", map[string]string{"line 7": "Zeile 7"}, 4, n - 4},
		{"already attached", map[string]string{"line 7": "again"}, 0, n - 4},
		{"mixed batch", map[string]string{"line 8": "Zeile 8", "line 7": "x", "nope": "y"}, 4, n - 8},
	}
	for _, tt := range tests {
		if got := s.AttachAll(tt.translations); got != tt.want {
			t.Errorf("%s: AttachAll updated %d, want %d", tt.name, got, tt.want)
		}
		if got := len(s.Untranslated()); got != tt.pending {
			t.Errorf("%s: %d untranslated, want %d", tt.name, got, tt.pending)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.untranslated["line 7"]; ok {
		t.Error("attached text still indexed")
	}
	if len(s.untranslated) != 498 {
		t.Errorf("index holds %d texts, want 498", len(s.untranslated))
	}
	if s.pending != n-8 {
		t.Errorf("pending = %d, want %d", s.pending, n-8)
	}
}

func TestSubscribe(t *testing.T) {
	s := New()
	var (
		mu     sync.Mutex
		events []Event
	)
	unsubscribe := s.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	s.Append(unit("1", 1, "Hi"), unit("2", 2, "Hi"))
	s.Attach("Hi", "Hallo")
	unsubscribe()
	unsubscribe()
	s.Append(unit("3", 3, "x"))

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Kind != EventAppended || len(events[0].Units) != 2 {
		t.Errorf("event[0] = %v with %d units", events[0].Kind, len(events[0].Units))
	}
	if events[1].Kind != EventTranslated || len(events[1].Units) != 2 {
		t.Errorf("event[1] = %v with %d units", events[1].Kind, len(events[1].Units))
	}
	if events[1].Kind.String() != "translated" {
		t.Errorf("Kind.String() = %q", events[1].Kind.String())
	}
}

func TestConcurrentAppendAndQuery(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range 1000 {
			s.Append(unit(fmt.Sprint(i), float64(i)*0.1, "t"))
		}
	}()
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 1000 {
				_ = s.Query(float64(i) * 0.1)
			}
		}()
	}
	wg.Wait()
	if s.Len() != 1000 {
		t.Errorf("Len = %d, want 1000", s.Len())
	}
}
