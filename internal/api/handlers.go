package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-events-crawler/internal/crawler"
	idgen "github.com/JakeFAU/realtime-events-crawler/internal/id/uuid"
	"github.com/JakeFAU/realtime-events-crawler/internal/orchestrator"
)

const (
	defaultRunLimit   = 20
	maxRunLimit       = 200
	defaultEventLimit = 100
	maxEventLimit     = 1000
	maxBodyBytes      = 1 << 16
)

type scrapeRequest struct {
	Force    bool     `json:"force"`
	MaxPages int      `json:"maxPages"`
	Sources  []string `json:"sources"`
	// Async records the run and returns 202 without waiting for it.
	Async bool `json:"async"`
}

type acceptedBody struct {
	Success bool              `json:"success"`
	Run     crawler.RunRecord `json:"run"`
}

// scrape handles POST /v1/scrape. An empty body runs every source.
func (s *Server) scrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.MaxPages < 0 {
		writeError(w, http.StatusBadRequest, "maxPages must be >= 0")
		return
	}
	runReq := crawler.RunRequest{Force: req.Force, MaxPages: req.MaxPages, Sources: req.Sources}

	if req.Async {
		record, err := s.runner.Start(r.Context(), runReq)
		if err != nil {
			s.writeRunError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, acceptedBody{Success: true, Run: record})
		return
	}

	summary, err := s.runner.Run(r.Context(), runReq)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	status := http.StatusOK
	if !summary.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, summary)
}

func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	if errors.Is(err, orchestrator.ErrUnknownSource) || errors.Is(err, orchestrator.ErrNoSources) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Error("scrape run failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) listSources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sources": s.runner.Sources()})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.runner.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []crawler.RunRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if !idgen.Valid(runID) {
		writeError(w, http.StatusBadRequest, "invalid run_id")
		return
	}
	run, ok, err := s.runner.Get(r.Context(), runID)
	if err != nil {
		s.logger.Error("get run failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

// listEvents handles GET /v1/events?source=&from=&limit=. from accepts
// RFC 3339 or YYYY-MM-DD.
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event store unavailable")
		return
	}
	limit, err := parseLimit(r, defaultEventLimit, maxEventLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	from, err := parseFrom(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := crawler.EventFilter{
		Source: strings.TrimSpace(r.URL.Query().Get("source")),
		From:   from,
		Limit:  limit,
	}
	events, err := s.events.ListEvents(r.Context(), filter)
	if err != nil {
		s.logger.Error("list events failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []crawler.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(events), "events": events})
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}

func parseFrom(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid from %q", raw)
}
