package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/captionist/internal/observe"
	"github.com/MrWong99/captionist/internal/timeline"
	"github.com/MrWong99/captionist/pkg/types"
)

const (
	// eventBuffer is the number of store events queued per subscriber. A
	// subscriber that falls further behind is disconnected.
	eventBuffer = 64

	// writeTimeout bounds a single websocket frame write.
	writeTimeout = 5 * time.Second
)

// kindSnapshot is sent once after the connection opens with every unit the
// store already holds. Later events may repeat units of the snapshot;
// clients key units by id.
const kindSnapshot = "snapshot"

// eventMessage is the wire form of one store event.
type eventMessage struct {
	Kind  string              `json:"kind"`
	Units []types.DisplayUnit `json:"units"`
}

// events streams the session's store events over a websocket until the
// client disconnects or the session ends.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.wsOrigins,
	})
	if err != nil {
		// Accept has already written the response.
		return
	}
	defer conn.CloseNow()

	log := observe.Logger(r.Context()).With("session_id", sess.ID())
	ctx := conn.CloseRead(r.Context())

	queue := make(chan timeline.Event, eventBuffer)
	var overflow atomic.Bool
	unsubscribe := sess.Timeline().Subscribe(func(ev timeline.Event) {
		select {
		case queue <- ev:
		default:
			overflow.Store(true)
		}
	})
	defer unsubscribe()

	if err := writeEvent(ctx, conn, kindSnapshot, sess.Timeline().Snapshot()); err != nil {
		log.Debug("events: write snapshot", "err", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-queue:
			if overflow.Load() {
				log.Warn("events: subscriber too slow, disconnecting")
				conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
				return
			}
			if err := writeEvent(ctx, conn, ev.Kind.String(), ev.Units); err != nil {
				log.Debug("events: write", "err", err)
				return
			}
		case <-sess.Done():
			if err := drain(ctx, conn, queue); err != nil {
				log.Debug("events: write", "err", err)
				return
			}
			conn.Close(websocket.StatusNormalClosure, "session ended")
			return
		}
	}
}

// drain writes the events still queued.
func drain(ctx context.Context, conn *websocket.Conn, queue <-chan timeline.Event) error {
	for {
		select {
		case ev := <-queue:
			if err := writeEvent(ctx, conn, ev.Kind.String(), ev.Units); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, kind string, units []types.DisplayUnit) error {
	if units == nil {
		units = []types.DisplayUnit{}
	}
	data, err := json.Marshal(eventMessage{Kind: kind, Units: units})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
