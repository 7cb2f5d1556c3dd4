package api

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hugo-lorenzo-mato/crashwatch/internal/report"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/store"
)

const maxEventLimit = 1000

// handleStatus returns the crash server's state.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		respondError(w, http.StatusServiceUnavailable, "crash server not available")
		return
	}
	respondJSON(w, http.StatusOK, s.status.Status())
}

// handleListEvents returns stored events, oldest first.
// Query: limit (default 100, max 1000), type, pid.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		respondError(w, http.StatusServiceUnavailable, "event history not enabled")
		return
	}

	opts := store.ListOptions{Limit: store.DefaultListLimit, Type: r.URL.Query().Get("type")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		opts.Limit = min(n, maxEventLimit)
	}
	if v := r.URL.Query().Get("pid"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "pid must be a positive integer")
			return
		}
		opts.PID = n
	}

	records, err := s.events.List(r.Context(), opts)
	if err != nil {
		s.logger.Error("failed to list events", "error", err)
		respondDomainError(w, err)
		return
	}
	if records == nil {
		records = []store.Record{}
	}
	respondJSON(w, http.StatusOK, records)
}

type reportSummary struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// handleListReports returns report files, oldest first.
func (s *Server) handleListReports(w http.ResponseWriter, _ *http.Request) {
	if s.reportDir == "" {
		respondError(w, http.StatusServiceUnavailable, "report directory not configured")
		return
	}
	paths, err := report.List(s.reportDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Error("failed to list reports", "error", err)
		respondDomainError(w, err)
		return
	}
	out := make([]reportSummary, 0, len(paths))
	for _, p := range paths {
		out = append(out, reportSummary{Name: filepath.Base(p), Path: p})
	}
	respondJSON(w, http.StatusOK, out)
}

// handleLatestReport returns the newest crash report. ?format=yaml returns
// YAML instead of JSON.
func (s *Server) handleLatestReport(w http.ResponseWriter, r *http.Request) {
	if s.reportDir == "" {
		respondError(w, http.StatusServiceUnavailable, "report directory not configured")
		return
	}
	rep, _, err := report.LoadLatest(s.reportDir)
	if err != nil {
		if errors.Is(err, report.ErrNoReports) {
			respondError(w, http.StatusNotFound, "no crash reports")
			return
		}
		s.logger.Error("failed to load latest report", "error", err)
		respondDomainError(w, err)
		return
	}

	if r.URL.Query().Get("format") == "yaml" {
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		if err := report.ExportYAML(w, rep); err != nil {
			s.logger.Error("failed to encode report", "error", err)
		}
		return
	}
	respondJSON(w, http.StatusOK, rep)
}
