// Package amqp provides a recognition source that consumes detection chunks
// from a RabbitMQ queue.
//
// An external recogniser (typically an OCR worker sampling video frames)
// publishes one JSON message per chunk to a durable queue. A message with
// "end": true marks the end of the stream. Each message is acknowledged as
// soon as it has been decoded and handed to the caller; malformed messages
// are rejected without requeueing and fail the source.
//
// Message shape:
//
//	{
//	  "index": 3,
//	  "windowStart": 12.0,
//	  "windowEnd": 16.0,
//	  "fragments": [
//	    {"text": "EXIT", "start": 12.4, "duration": 0, "confidence": 0.8,
//	     "box": {"x": 0.1, "y": 0.8, "w": 0.2, "h": 0.05}}
//	  ]
//	}
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	amqplib "github.com/rabbitmq/amqp091-go"

	"github.com/MrWong99/captionist/pkg/provider/recognition"
	"github.com/MrWong99/captionist/pkg/types"
)

const defaultPrefetch = 4

// Option is a functional option for [Dial].
type Option func(*options)

type options struct {
	prefetch    int
	consumerTag string
}

// WithPrefetch sets the consumer QoS prefetch count. Default: 4.
func WithPrefetch(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.prefetch = n
		}
	}
}

// WithConsumerTag sets the consumer tag reported to the broker.
func WithConsumerTag(tag string) Option {
	return func(o *options) { o.consumerTag = tag }
}

// Message is the wire format of one chunk.
type Message struct {
	Index       int        `json:"index"`
	WindowStart float64    `json:"windowStart"`
	WindowEnd   float64    `json:"windowEnd"`
	Fragments   []Fragment `json:"fragments"`
	End         bool       `json:"end,omitempty"`
}

// Fragment is the wire format of one detection.
type Fragment struct {
	Text       string      `json:"text"`
	Start      float64     `json:"start"`
	Duration   float64     `json:"duration"`
	Confidence float64     `json:"confidence"`
	Box        *types.Rect `json:"box,omitempty"`
}

// Chunk converts the message into a chunk.
func (m Message) Chunk() types.Chunk {
	frags := make([]types.RawFragment, len(m.Fragments))
	for i, f := range m.Fragments {
		var pos *types.Rect
		if f.Box != nil {
			b := *f.Box
			pos = &b
		}
		frags[i] = types.RawFragment{
			Text:        f.Text,
			StartOffset: f.Start,
			Duration:    f.Duration,
			Confidence:  f.Confidence,
			Position:    pos,
		}
	}
	return types.Chunk{
		Index:       m.Index,
		WindowStart: m.WindowStart,
		WindowEnd:   m.WindowEnd,
		Fragments:   frags,
	}
}

// Source consumes chunk messages. It implements recognition.Source.
type Source struct {
	deliveries <-chan amqplib.Delivery
	closer     func() error

	mu    sync.Mutex
	ended bool

	once     sync.Once
	closeErr error
}

var _ recognition.Source = (*Source)(nil)

// Dial connects to the broker at url, declares queue as durable and starts
// consuming with manual acknowledgements.
func Dial(url, queue string, opts ...Option) (*Source, error) {
	if url == "" || queue == "" {
		return nil, errors.New("amqp: url and queue must not be empty")
	}
	o := options{prefetch: defaultPrefetch}
	for _, fn := range opts {
		fn(&o)
	}

	conn, err := amqplib.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp: connect: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp: open channel: %w", err)
	}
	closer := func() error {
		return errors.Join(ch.Close(), conn.Close())
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = closer()
		return nil, fmt.Errorf("amqp: declare queue %q: %w", queue, err)
	}
	if err := ch.Qos(o.prefetch, 0, false); err != nil {
		_ = closer()
		return nil, fmt.Errorf("amqp: set QoS: %w", err)
	}
	deliveries, err := ch.Consume(queue, o.consumerTag, false, false, false, false, nil)
	if err != nil {
		_ = closer()
		return nil, fmt.Errorf("amqp: consume %q: %w", queue, err)
	}
	return newSource(deliveries, closer), nil
}

func newSource(deliveries <-chan amqplib.Delivery, closer func() error) *Source {
	return &Source{deliveries: deliveries, closer: closer}
}

// Next implements recognition.Source.
func (s *Source) Next(ctx context.Context) (types.Chunk, error) {
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if ended {
		return types.Chunk{}, io.EOF
	}

	select {
	case <-ctx.Done():
		return types.Chunk{}, ctx.Err()
	case d, ok := <-s.deliveries:
		if !ok {
			return types.Chunk{}, errors.New("amqp: delivery channel closed before end of stream")
		}
		var m Message
		if err := json.Unmarshal(d.Body, &m); err != nil {
			_ = d.Reject(false)
			return types.Chunk{}, fmt.Errorf("amqp: decode message %d: %w", d.DeliveryTag, err)
		}
		if err := d.Ack(false); err != nil {
			return types.Chunk{}, fmt.Errorf("amqp: ack message %d: %w", d.DeliveryTag, err)
		}
		if m.End {
			s.mu.Lock()
			s.ended = true
			s.mu.Unlock()
			if len(m.Fragments) == 0 {
				return types.Chunk{}, io.EOF
			}
		}
		return m.Chunk(), nil
	}
}

// Close implements recognition.Source. It closes the channel and the
// connection.
func (s *Source) Close() error {
	s.once.Do(func() {
		if s.closer != nil {
			s.closeErr = s.closer()
		}
	})
	return s.closeErr
}
