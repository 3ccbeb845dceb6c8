package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status  string              `json:"status"`
	Error   string              `json:"error,omitempty"`
	Cycles  *core.LimiterStatus `json:"cycles,omitempty"`
	Checked time.Time           `json:"checked_at"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Checked: time.Now().UTC()}
	if l := s.engine.Limiter(); l != nil {
		st := l.Status()
		resp.Cycles = &st
	}

	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			resp.Status = "unavailable"
			resp.Error = core.MapError(err).Message
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// MappingResponse is a mapping with its current cursor.
type MappingResponse struct {
	core.WorksheetMapping
	Cursor *core.Cursor `json:"cursor,omitempty"`
}

func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	mappings := s.engine.Mappings()
	out := make([]MappingResponse, 0, len(mappings))
	for _, m := range mappings {
		resp := MappingResponse{WorksheetMapping: m}
		if cur, err := s.engine.Cursor(r.Context(), m.ID); err == nil {
			resp.Cursor = &cur
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetMapping(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, ok := s.engine.Mapping(id)
	if !ok {
		s.respondError(w, r, mappingNotFound(id), http.StatusNotFound)
		return
	}

	resp := MappingResponse{WorksheetMapping: m}
	cur, err := s.engine.Cursor(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err, statusFor(err))
		return
	}
	resp.Cursor = &cur
	writeJSON(w, http.StatusOK, resp)
}

// RunResponse is the body of POST /api/mappings/{id}/run.
type RunResponse struct {
	Audit core.AuditRecord `json:"audit"`
	Error *ErrorResponse   `json:"error,omitempty"`
}

// handleRunMapping emits an API due signal and waits for the cycle.
func (s *Server) handleRunMapping(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.engine.Mapping(id); !ok {
		s.respondError(w, r, mappingNotFound(id), http.StatusNotFound)
		return
	}

	ctx := WithRequestMetadata(context.WithoutCancel(r.Context()), r)
	rec, err := s.engine.RunCycle(ctx, id)
	if err != nil {
		status := statusFor(err)
		msg := core.MapError(err)
		s.logError(r, err, status, msg)
		writeJSON(w, status, RunResponse{Audit: rec, Error: &ErrorResponse{
			Error:   msg.Message,
			Message: msg.Message,
			Action:  msg.Action,
			Code:    msg.Code,
		}})
		return
	}
	writeJSON(w, http.StatusOK, RunResponse{Audit: rec})
}

func (s *Server) handleCursor(w http.ResponseWriter, r *http.Request) {
	cur, err := s.engine.Cursor(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, cur)
}

// handlePreview returns the worksheet head and a dry run of the pending
// rows. Nothing is written.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.Preview(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// parseIntParam parses a non-negative integer query parameter.
func parseIntParam(r *http.Request, name string, defaultVal int) (int, error) {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return i, nil
}

func mappingNotFound(id string) error {
	return fmt.Errorf("%w: %s", core.ErrMappingNotFound, id)
}
