package llmtranslate

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/captionist/pkg/provider/llm"
	"github.com/MrWong99/captionist/pkg/provider/llm/mock"
	"github.com/MrWong99/captionist/pkg/provider/translation"
)

// upperEcho answers every entry of the request batch with its upper-cased
// text, wrapped in a markdown fence like some models do.
func upperEcho(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var in map[string]string
	if err := json.Unmarshal([]byte(req.Messages[0].Content), &in); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = strings.ToUpper(v)
	}
	b, _ := json.Marshal(out)
	return &llm.CompletionResponse{Content: "```json\n" + string(b) + "\n```", Stop: llm.StopEnd}, nil
}

func requests(texts ...string) []translation.Request {
	reqs := make([]translation.Request, len(texts))
	for i, t := range texts {
		reqs[i] = translation.Request{Text: t, Key: t}
	}
	return reqs
}

func resultMap(results []translation.Result) map[string]string {
	m := make(map[string]string, len(results))
	for _, r := range results {
		m[r.Key] = r.Text
	}
	return m
}

func TestTranslate_MapsKeysBack(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Reply: upperEcho}
	tr, err := New(p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := tr.Translate(context.Background(), requests("hello", "bye"), "de", translation.Options{SourceLanguage: "en"})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	m := resultMap(got)
	if m["hello"] != "HELLO" || m["bye"] != "BYE" || len(m) != 2 {
		t.Errorf("results = %v", m)
	}

	if p.CallCount() != 1 {
		t.Fatalf("CallCount = %d, want 1", p.CallCount())
	}
	req := p.Requests()[0]
	if !strings.Contains(req.Instructions, "into de") || !strings.Contains(req.Instructions, "source language is en") {
		t.Errorf("instructions lack languages:\n%s", req.Instructions)
	}
	if !req.JSON {
		t.Error("request does not ask for a JSON reply")
	}
	if req.Temperature != defaultTemperature {
		t.Errorf("Temperature = %v, want %v", req.Temperature, defaultTemperature)
	}
}

func TestTranslate_UnknownAndMissingKeys(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Reply: mock.Text(`{"0": "Hallo", "7": "Geist", "1": "", "2": 42}`)}
	tr, _ := New(p)

	got, err := tr.Translate(context.Background(), requests("hello", "blank", "number", "missing"), "de", translation.Options{})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	m := resultMap(got)
	if len(m) != 1 || m["hello"] != "Hallo" {
		t.Errorf("results = %v, want only hello", m)
	}
}

func TestTranslate_Errors(t *testing.T) {
	t.Parallel()

	boom := errors.New("rate limited")
	tests := []struct {
		name     string
		provider *mock.Provider
		target   string
	}{
		{"completion fails", &mock.Provider{Reply: mock.Fail(boom)}, "de"},
		{"unparseable", &mock.Provider{Reply: mock.Text("Sure! Here you go.")}, "de"},
		{"no target", &mock.Provider{Reply: upperEcho}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr, _ := New(tt.provider)
			got, err := tr.Translate(context.Background(), requests("hello"), tt.target, translation.Options{})
			if err == nil {
				t.Fatal("expected error")
			}
			if got != nil {
				t.Errorf("results = %v, want nil on failure", got)
			}
		})
	}
}

func TestTranslate_FailureInLaterBatchFailsCall(t *testing.T) {
	t.Parallel()

	calls := 0
	p := &mock.Provider{Reply: func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("timeout")
		}
		return upperEcho(req)
	}}
	tr, _ := New(p, WithMaxBatch(1))

	if _, err := tr.Translate(context.Background(), requests("a", "b", "c"), "de", translation.Options{}); err == nil {
		t.Fatal("expected error when one sub-batch fails")
	}
}

func TestTranslate_EmptyBatch(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Reply: upperEcho}
	tr, _ := New(p)
	got, err := tr.Translate(context.Background(), nil, "de", translation.Options{})
	if err != nil || got != nil {
		t.Errorf("Translate(nil) = %v, %v", got, err)
	}
	if p.CallCount() != 0 {
		t.Errorf("CallCount = %d, want 0", p.CallCount())
	}
}

func TestSplit(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 400) // 100 tokens, cost 206
	tests := []struct {
		name     string
		maxBatch int
		budget   int
		texts    []string
		want     []int
	}{
		{"single batch", 50, 0, []string{"a", "b", "c"}, []int{3}},
		{"count limit", 2, 0, []string{"a", "b", "c", "d", "e"}, []int{2, 2, 1}},
		{"token budget", 50, 450, []string{long, long, long}, []int{2, 1}},
		{"oversized text alone", 50, 100, []string{"a", long, "b"}, []int{1, 1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := &mock.Provider{ModelLimits: llm.Limits{MaxOutputTokens: tt.budget}}
			tr, _ := New(p, WithMaxBatch(tt.maxBatch))
			batches := tr.split(requests(tt.texts...))
			if len(batches) != len(tt.want) {
				t.Fatalf("got %d batches, want %d", len(batches), len(tt.want))
			}
			for i, b := range batches {
				if len(b) != tt.want[i] {
					t.Errorf("batch %d has %d entries, want %d", i, len(b), tt.want[i])
				}
			}
		})
	}
}

func TestTranslate_SplitBatchesAllAnswered(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Reply: upperEcho}
	tr, _ := New(p, WithMaxBatch(2))
	got, err := tr.Translate(context.Background(), requests("a", "b", "c", "d", "e"), "de", translation.Options{})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if p.CallCount() != 3 {
		t.Errorf("CallCount = %d, want 3", p.CallCount())
	}
	m := resultMap(got)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		if m[k] != strings.ToUpper(k) {
			t.Errorf("result[%s] = %q", k, m[k])
		}
	}
}

func TestTranslate_TruncatedReplyIsHalved(t *testing.T) {
	t.Parallel()

	// Replies for more than two entries come back cut off.
	p := &mock.Provider{Reply: func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		var in map[string]string
		if err := json.Unmarshal([]byte(req.Messages[0].Content), &in); err != nil {
			return nil, err
		}
		if len(in) > 2 {
			return &llm.CompletionResponse{Content: `{"0":"A","1":"B`, Stop: llm.StopLength}, nil
		}
		return upperEcho(req)
	}}
	tr, _ := New(p)

	got, err := tr.Translate(context.Background(), requests("a", "b", "c", "d", "e"), "de", translation.Options{})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	m := resultMap(got)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		if m[k] != strings.ToUpper(k) {
			t.Errorf("result[%s] = %q", k, m[k])
		}
	}
	// 5 truncated, then 2 answered, then 3 truncated, then 1 and 2 answered.
	if p.CallCount() != 5 {
		t.Errorf("CallCount = %d, want 5", p.CallCount())
	}
}

func TestTranslate_TruncatedSingleText(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Reply: func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{Content: `{"0":"AAAA`, Stop: llm.StopLength}, nil
	}}
	tr, _ := New(p)
	if _, err := tr.Translate(context.Background(), requests("a"), "de", translation.Options{}); !errors.Is(err, ErrTruncated) {
		t.Errorf("err = %v, want ErrTruncated", err)
	}
}

func TestStripMarkdown(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{`{"0":"a"}`, `{"0":"a"}`},
		{"```json\n{\"0\":\"a\"}\n```", `{"0":"a"}`},
		{"```\n{}\n```", `{}`},
		{"  {}  ", `{}`},
	}
	for _, tt := range tests {
		if got := stripMarkdown(tt.in); got != tt.want {
			t.Errorf("stripMarkdown(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := New(nil); err == nil {
		t.Error("expected error for nil provider")
	}
	tr, err := New(&mock.Provider{}, WithName("claude"), WithMaxBatch(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tr.Name() != "claude" {
		t.Errorf("Name = %q, want claude", tr.Name())
	}
	if tr.maxBatch != defaultMaxBatch {
		t.Errorf("maxBatch = %d, want default", tr.maxBatch)
	}
}
