package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/volkeeper/eventlog"
	"github.com/hazyhaar/volkeeper/kit"
	"github.com/hazyhaar/volkeeper/level"
	"github.com/hazyhaar/volkeeper/session"
	"github.com/hazyhaar/volkeeper/shield"
)

const maxBody = 4 * 1024

// Handler returns the HTTP control router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.Stack(s.logger) {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get("/status", s.handleStatus)
	r.Get("/status/stream", s.handleStream)
	r.Put("/volume", s.handleSave)
	r.Post("/volume/preview", s.handlePreview)
	r.Post("/reset", s.handleReset)
	r.Get("/policy", s.handlePolicy)
	r.Get("/events", s.handleEvents)
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := s.status(r.Context(), nil)
	if err != nil {
		jsonErr(w, userError(err), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	s.handleLevel(w, r, s.save)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	s.handleLevel(w, r, s.preview)
}

func (s *Server) handleLevel(w http.ResponseWriter, r *http.Request, endpoint kit.Endpoint) {
	var req SaveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		jsonErr(w, "invalid json", http.StatusBadRequest)
		return
	}
	resp, err := endpoint(r.Context(), &req)
	if err != nil {
		jsonErr(w, userError(err), errStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	resp, err := s.reset(r.Context(), nil)
	if err != nil {
		jsonErr(w, userError(err), errStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePolicy(w http.ResponseWriter, _ *http.Request) {
	if s.policy == nil {
		jsonErr(w, "policy not available", http.StatusNotFound)
		return
	}
	p := s.policy.Snapshot()
	if p == nil {
		p = level.Policy{}
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		jsonErr(w, "event journal disabled", http.StatusNotFound)
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	events, err := s.events.Recent(r.Context(), limit)
	if err != nil {
		shield.GetLogger(r.Context()).Error("control: list events", "error", err)
		jsonErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []eventlog.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleStream sends the current status, then one SSE message per change
// until the client goes away. Changes arriving faster than the client reads
// are dropped; the next one carries the full status anyway.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonErr(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	updates := make(chan session.Status, 8)
	cancel := s.ctrl.Subscribe(func(st session.Status) {
		select {
		case updates <- st:
		default:
		}
	})
	defer cancel()

	first, err := s.ctrl.Status(r.Context())
	if err != nil {
		jsonErr(w, userError(err), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(st session.Status) bool {
		data, err := json.Marshal(st)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	if !send(first) {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case st := <-updates:
			if !send(st) {
				return
			}
		}
	}
}

func errStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrNoIdentity), errors.Is(err, session.ErrNotBound):
		return http.StatusConflict
	case errors.Is(err, errInvalidLevel):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonErr(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}
