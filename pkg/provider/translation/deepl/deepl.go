// Package deepl provides a translation backend for the DeepL v2 REST API.
//
// A batch is posted as repeated "text" form fields; DeepL answers with the
// translations in request order, which is how results are matched back to
// their keys. Requests larger than the API's per-call limit are split.
//
// Usage:
//
//	b, err := deepl.New(os.Getenv("DEEPL_API_KEY"))
//	results, err := b.Translate(ctx, reqs, "DE", translation.Options{})
package deepl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/captionist/pkg/provider/translation"
)

const (
	// FreeURL is the endpoint for keys ending in ":fx".
	FreeURL = "https://api-free.deepl.com"

	// ProURL is the endpoint for paid keys.
	ProURL = "https://api.deepl.com"

	// maxTextsPerRequest is DeepL's limit on text fields per call.
	maxTextsPerRequest = 50
)

var _ translation.Backend = (*Backend)(nil)

// Option is a functional option for configuring a Backend.
type Option func(*Backend)

// WithBaseURL overrides the API host, e.g. for tests or a proxy.
func WithBaseURL(u string) Option {
	return func(b *Backend) {
		if u != "" {
			b.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient replaces the default HTTP client (30 s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) {
		if c != nil {
			b.httpClient = c
		}
	}
}

// WithFormality sets the formality parameter ("more", "less", "prefer_more",
// "prefer_less"). Empty leaves the DeepL default.
func WithFormality(f string) Option {
	return func(b *Backend) { b.formality = f }
}

// Backend implements translation.Backend against DeepL.
type Backend struct {
	apiKey     string
	baseURL    string
	formality  string
	httpClient *http.Client
}

// New creates a Backend authenticating with apiKey. The endpoint defaults to
// [FreeURL] for free-tier keys and [ProURL] otherwise.
func New(apiKey string, opts ...Option) (*Backend, error) {
	if apiKey == "" {
		return nil, errors.New("deepl: apiKey must not be empty")
	}
	b := &Backend{
		apiKey:     apiKey,
		baseURL:    ProURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	if strings.HasSuffix(apiKey, ":fx") {
		b.baseURL = FreeURL
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Name implements translation.Backend.
func (b *Backend) Name() string { return "deepl" }

// Translate implements translation.Backend.
func (b *Backend) Translate(ctx context.Context, reqs []translation.Request, targetLang string, opts translation.Options) ([]translation.Result, error) {
	if targetLang == "" {
		return nil, errors.New("deepl: target language must not be empty")
	}
	var out []translation.Result
	for start := 0; start < len(reqs); start += maxTextsPerRequest {
		end := min(start+maxTextsPerRequest, len(reqs))
		results, err := b.translateChunk(ctx, reqs[start:end], targetLang, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, results...)
	}
	return out, nil
}

type response struct {
	Translations []struct {
		DetectedSourceLanguage string `json:"detected_source_language"`
		Text                   string `json:"text"`
	} `json:"translations"`
}

func (b *Backend) translateChunk(ctx context.Context, reqs []translation.Request, targetLang string, opts translation.Options) ([]translation.Result, error) {
	form := url.Values{}
	for _, r := range reqs {
		form.Add("text", r.Text)
	}
	form.Set("target_lang", strings.ToUpper(targetLang))
	if opts.SourceLanguage != "" {
		form.Set("source_lang", strings.ToUpper(opts.SourceLanguage))
	}
	if b.formality != "" {
		form.Set("formality", b.formality)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v2/translate", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("deepl: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "DeepL-Auth-Key "+b.apiKey)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepl: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("deepl: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("deepl: server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var r response
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("deepl: parse JSON response: %w", err)
	}
	if len(r.Translations) > len(reqs) {
		return nil, fmt.Errorf("deepl: got %d translations for %d texts", len(r.Translations), len(reqs))
	}

	results := make([]translation.Result, 0, len(r.Translations))
	for i, tr := range r.Translations {
		if tr.Text == "" {
			continue
		}
		results = append(results, translation.Result{Key: reqs[i].Key, Text: tr.Text})
	}
	return results, nil
}
