package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/captionist/internal/app"
	"github.com/MrWong99/captionist/internal/cancellation"
	"github.com/MrWong99/captionist/internal/observe"
	"github.com/MrWong99/captionist/internal/timeline"
	"github.com/MrWong99/captionist/pkg/types"
)

// maxBodyBytes limits request bodies.
const maxBodyBytes = 1 << 20

// retranslateResponse is the JSON form of a retranslate outcome.
type retranslateResponse struct {
	Units      int      `json:"units"`
	CacheHits  int      `json:"cacheHits"`
	Requested  int      `json:"requested"`
	Translated int      `json:"translated"`
	Missing    []string `json:"missing,omitempty"`
	Attached   int      `json:"attached"`
	Error      string   `json:"error,omitempty"`
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	infos, err := s.sessions.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var spec app.SessionSpec
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil && !errors.Is(err, io.EOF) {
		jsonError(w, "invalid session spec: "+err.Error(), http.StatusBadRequest)
		return
	}

	sess, err := s.sessions.Start(r.Context(), spec)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/sessions/"+sess.ID())
	writeJSON(w, http.StatusCreated, sess.Info())
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sessions.Stop(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	t, err := strconv.ParseFloat(r.URL.Query().Get("t"), 64)
	if err != nil || math.IsNaN(t) || math.IsInf(t, 0) {
		jsonError(w, "query parameter t must be a finite number of seconds", http.StatusBadRequest)
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	units := sess.Timeline().Query(t)
	if units == nil {
		units = []types.DisplayUnit{}
	}
	writeJSON(w, http.StatusOK, units)
}

func (s *Server) units(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := timeline.WriteJSON(w, sess.Timeline().Snapshot()); err != nil {
		observe.Logger(r.Context()).Warn("write units", "session_id", sess.ID(), "err", err)
	}
}

func (s *Server) subtitles(w http.ResponseWriter, r *http.Request) {
	track := timeline.Track(r.URL.Query().Get("track"))
	switch track {
	case "":
		track = timeline.TrackOriginal
	case timeline.TrackOriginal, timeline.TrackTranslated:
	default:
		jsonError(w, "track must be original or translated", http.StatusBadRequest)
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/vtt; charset=utf-8")
	if err := timeline.WriteVTT(w, sess.Timeline().Snapshot(), timeline.VTTOptions{Track: track}); err != nil {
		observe.Logger(r.Context()).Warn("write subtitles", "session_id", sess.ID(), "err", err)
	}
}

func (s *Server) retranslate(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if sess.Dispatcher() == nil {
		jsonError(w, "translation is not configured", http.StatusConflict)
		return
	}
	res, err := sess.Retranslate(r.Context())
	out := retranslateResponse{
		Units:      res.Units,
		CacheHits:  res.CacheHits,
		Requested:  res.Requested,
		Translated: res.Translated,
		Missing:    res.Missing,
		Attached:   res.Attached,
	}
	status := http.StatusOK
	if err != nil {
		out.Error = err.Error()
		status = http.StatusBadGateway
		if cancellation.Is(err) {
			status = http.StatusConflict
		}
		observe.Logger(r.Context()).Warn("retranslate failed", "session_id", sess.ID(), "err", err)
	}
	writeJSON(w, status, out)
}

// session resolves the {id} path parameter, writing an error response when
// the session cannot be found.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*app.Session, bool) {
	sess, err := s.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return sess, true
}

// fail maps err to a status code and writes it as a JSON error.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, app.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, app.ErrSessionExists):
		status = http.StatusConflict
	case errors.Is(err, app.ErrNoRecognition):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	} else {
		slog.Debug("request rejected", "path", r.URL.Path, "status", status, "err", err)
	}
	jsonError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}
