// Package deepgram provides a recognition source backed by the Deepgram
// streaming WebSocket API.
//
// Raw 16-bit little-endian PCM is read from an io.Reader and streamed to
// Deepgram. Every final Results message becomes one chunk whose fragments are
// the recognised words with their timings. When the reader is exhausted the
// source asks Deepgram to flush, and Next returns io.EOF once the server has
// closed the stream.
//
// Usage:
//
//	p, err := deepgram.New(apiKey, deepgram.WithLanguage("de"))
//	src, err := p.Open(ctx, pcmFile)
//	defer src.Close()
//	for {
//	    chunk, err := src.Next(ctx)
//	    ...
//	}
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/captionist/pkg/provider/recognition"
	"github.com/MrWong99/captionist/pkg/types"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// frameMs is the amount of audio sent per websocket message.
	frameMs = 100
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithSampleRate sets the sample rate of the PCM input in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithChannels sets the channel count of the PCM input. Default: 1.
func WithChannels(n int) Option {
	return func(p *Provider) { p.channels = n }
}

// WithEndpoint overrides the streaming endpoint, e.g. for tests.
func WithEndpoint(u string) Option {
	return func(p *Provider) { p.endpoint = u }
}

// Provider opens Deepgram streaming sessions.
type Provider struct {
	apiKey     string
	endpoint   string
	model      string
	language   string
	sampleRate int
	channels   int
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   deepgramEndpoint,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		channels:   1,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Open dials Deepgram and starts streaming audio. The returned Source owns the
// connection; audio is read until io.EOF.
func (p *Provider) Open(ctx context.Context, audio io.Reader) (*Source, error) {
	if audio == nil {
		return nil, errors.New("deepgram: audio reader must not be nil")
	}
	wsURL, err := p.buildURL()
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	frame := p.sampleRate * p.channels * 2 * frameMs / 1000
	if frame <= 0 {
		frame = 3200
	}

	// The stream outlives the Open call, so it runs on its own context that
	// Close cancels.
	streamCtx, cancel := context.WithCancel(context.Background())
	s := &Source{
		conn:   conn,
		chunks: make(chan types.Chunk, 16),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	s.wg.Add(1)
	go s.readLoop(streamCtx)
	go s.writeLoop(streamCtx, audio, frame)
	return s, nil
}

func (p *Provider) buildURL() (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", p.language)
	q.Set("punctuate", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(p.sampleRate))
	q.Set("channels", strconv.Itoa(p.channels))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- source ----

type deepgramResponse struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word           string  `json:"word"`
				PunctuatedWord string  `json:"punctuated_word"`
				Start          float64 `json:"start"`
				End            float64 `json:"end"`
				Confidence     float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// Source is a live Deepgram stream. It implements recognition.Source.
type Source struct {
	conn   *websocket.Conn
	chunks chan types.Chunk
	cancel context.CancelFunc

	mu  sync.Mutex
	err error

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

var _ recognition.Source = (*Source)(nil)

// Next implements recognition.Source.
func (s *Source) Next(ctx context.Context) (types.Chunk, error) {
	select {
	case c, ok := <-s.chunks:
		if ok {
			return c, nil
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.err != nil {
			return types.Chunk{}, s.err
		}
		return types.Chunk{}, io.EOF
	case <-ctx.Done():
		return types.Chunk{}, ctx.Err()
	}
}

// Close terminates the stream and releases the connection.
func (s *Source) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "source closed")
		s.wg.Wait()
	})
	return nil
}

func (s *Source) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// writeLoop streams audio frames and requests a flush at end of input.
func (s *Source) writeLoop(ctx context.Context, audio io.Reader, frame int) {
	buf := make([]byte, frame)
	for {
		n, err := io.ReadFull(audio, buf)
		if n > 0 {
			if werr := s.conn.Write(ctx, websocket.MessageBinary, buf[:n]); werr != nil {
				return
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			_ = s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
			return
		}
		if err != nil {
			s.fail(fmt.Errorf("deepgram: read audio: %w", err))
			s.conn.Close(websocket.StatusInternalError, "audio read failed")
			return
		}
	}
}

// readLoop turns final Results messages into chunks until the server closes
// the stream.
func (s *Source) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.chunks)

	index := 0
	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
			default:
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					s.fail(fmt.Errorf("deepgram: read: %w", err))
				}
			}
			return
		}

		c, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}
		c.Index = index
		index++
		select {
		case s.chunks <- c:
		case <-s.done:
			return
		}
	}
}

// parseDeepgramResponse converts a final Results message into a chunk.
// Returns false for interim results, other message types and empty finals.
func parseDeepgramResponse(data []byte) (types.Chunk, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return types.Chunk{}, false
	}
	if resp.Type != "Results" || !resp.IsFinal || len(resp.Channel.Alternatives) == 0 {
		return types.Chunk{}, false
	}

	alt := resp.Channel.Alternatives[0]
	if len(alt.Words) == 0 {
		return types.Chunk{}, false
	}
	frags := make([]types.RawFragment, 0, len(alt.Words))
	for _, w := range alt.Words {
		text := w.PunctuatedWord
		if text == "" {
			text = w.Word
		}
		frags = append(frags, types.RawFragment{
			Text:        text,
			StartOffset: w.Start,
			Duration:    max(w.End-w.Start, 0),
			Confidence:  w.Confidence,
		})
	}
	return types.Chunk{
		WindowStart: resp.Start,
		WindowEnd:   resp.Start + resp.Duration,
		Fragments:   frags,
	}, true
}
