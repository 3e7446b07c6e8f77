// Package whisper provides a recognition source backed by a whisper.cpp
// server (the whisper-server binary exposing POST /inference).
//
// whisper.cpp is a batch engine, so the source cuts the PCM input into fixed
// windows that overlap by a configurable margin and transcribes each window
// with one inference request. The overlap keeps phrases from being cut at
// window boundaries; phrases heard twice inside an overlap are reported twice.
// Each window becomes one chunk whose fragments carry absolute timings.
// Windows whose energy stays below the silence threshold produce an empty
// chunk without contacting the server.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("de"))
//	src, err := p.Open(pcmFile)
//	chunk, err := src.Next(ctx)
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/captionist/pkg/provider/recognition"
	"github.com/MrWong99/captionist/pkg/types"
)

const (
	defaultLanguage   = "en"
	defaultSampleRate = 16000
	defaultWindow     = 10 * time.Second
	defaultOverlap    = 1 * time.Second

	// defaultRMSThreshold is the root-mean-square energy level (in 16-bit PCM
	// units) below which a window is considered silent.
	defaultRMSThreshold = 300.0
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the server. Empty uses
// whichever model the server was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the spoken language hint (e.g., "en", "de"). Default "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSampleRate sets the sample rate of the PCM input in Hz. Default 16000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithChannels sets the channel count of the PCM input. Default 1.
func WithChannels(n int) Option {
	return func(p *Provider) { p.channels = n }
}

// WithWindow sets the window length and the overlap between consecutive
// windows. overlap must be shorter than window. Defaults: 10 s and 1 s.
func WithWindow(window, overlap time.Duration) Option {
	return func(p *Provider) {
		p.window = window
		p.overlap = overlap
	}
}

// WithHTTPClient replaces the default HTTP client (60 s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// Provider opens whisper.cpp recognition sources.
type Provider struct {
	serverURL  string
	model      string
	language   string
	sampleRate int
	channels   int
	window     time.Duration
	overlap    time.Duration
	httpClient *http.Client
}

// New creates a new Provider that talks to the whisper.cpp server at
// serverURL (e.g., "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		channels:   1,
		window:     defaultWindow,
		overlap:    defaultOverlap,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	if p.sampleRate <= 0 || p.channels <= 0 {
		return nil, errors.New("whisper: sample rate and channels must be positive")
	}
	if p.window <= 0 || p.overlap < 0 || p.overlap >= p.window {
		return nil, fmt.Errorf("whisper: invalid window %s with overlap %s", p.window, p.overlap)
	}
	return p, nil
}

// Open returns a Source that reads PCM from audio. No request is made until
// the first call to Next.
func (p *Provider) Open(audio io.Reader) (*Source, error) {
	if audio == nil {
		return nil, errors.New("whisper: audio reader must not be nil")
	}
	frame := p.channels * bitsPerSample / 8
	bytesPerSec := p.sampleRate * frame
	align := func(d time.Duration) int {
		n := int(d.Seconds() * float64(bytesPerSec))
		return n - n%frame
	}
	return &Source{
		p:           p,
		audio:       audio,
		bytesPerSec: float64(bytesPerSec),
		windowBytes: align(p.window),
		hopBytes:    align(p.window - p.overlap),
	}, nil
}

// ---- source ----

// Source is a windowed whisper.cpp recognition source. It implements
// recognition.Source.
type Source struct {
	p     *Provider
	audio io.Reader

	bytesPerSec float64
	windowBytes int
	hopBytes    int

	mu       sync.Mutex
	buf      []byte
	bufStart float64 // media time of buf[0]
	covered  int     // leading bytes of buf already transcribed
	eof      bool
	closed   bool
	index    int
}

var _ recognition.Source = (*Source)(nil)

// Next implements recognition.Source.
func (s *Source) Next(ctx context.Context) (types.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.Chunk{}, errors.New("whisper: source is closed")
	}
	if err := s.fill(); err != nil {
		return types.Chunk{}, err
	}
	if len(s.buf) <= s.covered {
		return types.Chunk{}, io.EOF
	}

	pcm := s.buf[:min(len(s.buf), s.windowBytes)]
	chunk := types.Chunk{
		Index:       s.index,
		WindowStart: s.bufStart,
		WindowEnd:   s.bufStart + float64(len(pcm))/s.bytesPerSec,
	}

	if rms(pcm) >= defaultRMSThreshold {
		frags, err := s.infer(ctx, pcm)
		if err != nil {
			return types.Chunk{}, err
		}
		for i := range frags {
			frags[i].StartOffset += s.bufStart
		}
		chunk.Fragments = frags
	}

	s.index++
	if len(pcm) < s.windowBytes {
		// Short final window: everything has been transcribed.
		s.covered = len(s.buf)
		return chunk, nil
	}
	s.buf = append(s.buf[:0:0], s.buf[s.hopBytes:]...)
	s.bufStart += float64(s.hopBytes) / s.bytesPerSec
	s.covered = len(s.buf)
	return chunk, nil
}

// fill reads until the buffer holds one full window or the input ends.
func (s *Source) fill() error {
	for !s.eof && len(s.buf) < s.windowBytes {
		need := s.windowBytes - len(s.buf)
		tmp := make([]byte, need)
		n, err := io.ReadFull(s.audio, tmp)
		s.buf = append(s.buf, tmp[:n]...)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			s.eof = true
			break
		}
		if err != nil {
			return fmt.Errorf("whisper: read audio: %w", err)
		}
	}
	return nil
}

// Close implements recognition.Source.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.buf = nil
	return nil
}

type verboseWord struct {
	Word        string  `json:"word"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Probability float64 `json:"probability"`
}

type verboseSegment struct {
	Text         string        `json:"text"`
	Start        float64       `json:"start"`
	End          float64       `json:"end"`
	NoSpeechProb float64       `json:"no_speech_prob"`
	Words        []verboseWord `json:"words"`
}

type verboseResponse struct {
	Text     string           `json:"text"`
	Segments []verboseSegment `json:"segments"`
}

// infer posts pcm as a WAV file to /inference and returns fragments with
// window-relative timings.
func (s *Source) infer(ctx context.Context, pcm []byte) ([]types.RawFragment, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("whisper: create form file: %w", err)
	}
	if err := writeWAV(fw, pcm, s.p.sampleRate, s.p.channels); err != nil {
		return nil, fmt.Errorf("whisper: write wav data: %w", err)
	}
	fields := map[string]string{"response_format": "verbose_json", "language": s.p.language, "model": s.p.model}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.p.serverURL+"/inference", &body)
	if err != nil {
		return nil, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("whisper: read response body: %w", err)
	}

	var result verboseResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return fragments(result), nil
}

// fragments flattens a verbose response into word fragments, falling back to
// one fragment per segment when the server did not report word timings.
func fragments(r verboseResponse) []types.RawFragment {
	var out []types.RawFragment
	for _, seg := range r.Segments {
		if len(seg.Words) == 0 {
			if strings.TrimSpace(seg.Text) == "" {
				continue
			}
			out = append(out, types.RawFragment{
				Text:        seg.Text,
				StartOffset: seg.Start,
				Duration:    math.Max(seg.End-seg.Start, 0),
				Confidence:  1 - seg.NoSpeechProb,
			})
			continue
		}
		for _, w := range seg.Words {
			if strings.TrimSpace(w.Word) == "" {
				continue
			}
			out = append(out, types.RawFragment{
				Text:        w.Word,
				StartOffset: w.Start,
				Duration:    math.Max(w.End-w.Start, 0),
				Confidence:  w.Probability,
			})
		}
	}
	return out
}
