// Package llmtranslate implements a translation backend on top of an
// [llm.Provider].
//
// A batch is sent as a JSON object mapping short index keys ("0", "1", ...)
// to source texts. The model is instructed to answer with a JSON object using
// the same keys. Answers for keys that were never sent are ignored and keys
// the model leaves out are simply missing from the result. Batches that would
// not fit the model's output budget are split into several completions, and a
// batch whose reply comes back truncated is halved and sent again. A failure
// of any completion fails the whole call.
package llmtranslate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MrWong99/captionist/pkg/provider/llm"
	"github.com/MrWong99/captionist/pkg/provider/translation"
)

const (
	defaultTemperature = 0.1
	defaultMaxBatch    = 50

	// perEntryOverhead approximates the JSON key, quotes and separators for
	// one entry, in tokens.
	perEntryOverhead = 6
)

const systemPromptTemplate = `You are a subtitle translator.

Translate every value of the JSON object in the user message into %s.%s

Rules:
- Keep the keys exactly as given.
- Translate each value independently; do not merge or split entries.
- Preserve line breaks inside a value.
- Do not add explanations, notes or transliterations.

Respond with ONLY a JSON object of the form {"<key>": "<translation>"} (no markdown, no prose).`

// ErrTruncated is returned when the reply for a single text still exceeds the
// model's output limit.
var ErrTruncated = errors.New("llmtranslate: reply truncated")

// Option is a functional option for configuring a [Translator].
type Option func(*Translator)

// WithTemperature sets the sampling temperature. Default: 0.1.
func WithTemperature(temp float64) Option {
	return func(t *Translator) { t.temperature = temp }
}

// WithMaxBatch caps the number of texts per completion. Default: 50.
func WithMaxBatch(n int) Option {
	return func(t *Translator) {
		if n > 0 {
			t.maxBatch = n
		}
	}
}

// WithName overrides the backend name reported by [Translator.Name].
func WithName(name string) Option {
	return func(t *Translator) {
		if name != "" {
			t.name = name
		}
	}
}

// Translator is a [translation.Backend] that prompts an LLM. It is safe for
// concurrent use.
type Translator struct {
	llm         llm.Provider
	temperature float64
	maxBatch    int
	name        string
}

var _ translation.Backend = (*Translator)(nil)

// New returns a Translator backed by provider.
func New(provider llm.Provider, opts ...Option) (*Translator, error) {
	if provider == nil {
		return nil, errors.New("llmtranslate: provider must not be nil")
	}
	t := &Translator{
		llm:         provider,
		temperature: defaultTemperature,
		maxBatch:    defaultMaxBatch,
		name:        "llm",
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Name implements translation.Backend.
func (t *Translator) Name() string { return t.name }

// Translate implements translation.Backend.
func (t *Translator) Translate(ctx context.Context, reqs []translation.Request, targetLang string, opts translation.Options) ([]translation.Result, error) {
	if targetLang == "" {
		return nil, errors.New("llmtranslate: target language must not be empty")
	}
	if len(reqs) == 0 {
		return nil, nil
	}

	sysPrompt := buildSystemPrompt(targetLang, opts.SourceLanguage)
	var out []translation.Result
	for _, batch := range t.split(reqs) {
		results, err := t.translateBatch(ctx, sysPrompt, batch)
		if err != nil {
			return nil, err
		}
		out = append(out, results...)
	}
	return out, nil
}

func (t *Translator) translateBatch(ctx context.Context, sysPrompt string, batch []translation.Request) ([]translation.Result, error) {
	payload := make(map[string]string, len(batch))
	keys := make(map[string]string, len(batch))
	for i, r := range batch {
		idx := strconv.Itoa(i)
		payload[idx] = r.Text
		keys[idx] = r.Key
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("llmtranslate: encode batch: %w", err)
	}

	resp, err := t.llm.Complete(ctx, llm.CompletionRequest{
		Instructions: sysPrompt,
		Temperature:  t.temperature,
		JSON:         true,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: string(body)}},
	})
	if err != nil {
		return nil, fmt.Errorf("llmtranslate: complete: %w", err)
	}
	if resp.Truncated() {
		if len(batch) == 1 {
			return nil, ErrTruncated
		}
		mid := len(batch) / 2
		head, err := t.translateBatch(ctx, sysPrompt, batch[:mid])
		if err != nil {
			return nil, err
		}
		tail, err := t.translateBatch(ctx, sysPrompt, batch[mid:])
		if err != nil {
			return nil, err
		}
		return append(head, tail...), nil
	}

	answers, err := parseResponse(resp.Content)
	if err != nil {
		return nil, err
	}

	results := make([]translation.Result, 0, len(answers))
	for i := range batch {
		idx := strconv.Itoa(i)
		text, ok := answers[idx]
		if !ok || strings.TrimSpace(text) == "" {
			continue
		}
		results = append(results, translation.Result{Key: keys[idx], Text: text})
	}
	return results, nil
}

// split cuts reqs into batches that respect both the count limit and the
// model's output token budget. A single oversized text still gets its own
// batch.
func (t *Translator) split(reqs []translation.Request) [][]translation.Request {
	budget := t.llm.Limits().MaxOutputTokens
	var (
		batches [][]translation.Request
		cur     []translation.Request
		used    int
	)
	for _, r := range reqs {
		// Translations run longer than the source for many language pairs.
		cost := 2*llm.EstimateTokens(r.Text) + perEntryOverhead
		if len(cur) > 0 && (len(cur) >= t.maxBatch || (budget > 0 && used+cost > budget)) {
			batches = append(batches, cur)
			cur, used = nil, 0
		}
		cur = append(cur, r)
		used += cost
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

func buildSystemPrompt(targetLang, sourceLang string) string {
	var src string
	if sourceLang != "" {
		src = fmt.Sprintf(" The source language is %s.", sourceLang)
	}
	return fmt.Sprintf(systemPromptTemplate, targetLang, src)
}

// parseResponse decodes the model's JSON object. Non-string values are
// skipped rather than failing the batch.
func parseResponse(content string) (map[string]string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(stripMarkdown(content)), &raw); err != nil {
		return nil, fmt.Errorf("llmtranslate: parse response: %w", err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			continue
		}
		out[k] = s
	}
	return out, nil
}

// stripMarkdown removes optional markdown code fences (```json ... ```) that
// some models wrap around JSON output.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
