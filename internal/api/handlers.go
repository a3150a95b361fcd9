package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/ticketd/internal/inspect"
	"github.com/mattjoyce/ticketd/internal/scheduler"
)

var currentPID = os.Getpid

// handleHealthz is unauthenticated and never touches the tracker.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	doc := s.state.Snapshot()
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Backend:       s.state.Describe(),
		JobInFlight:   doc.CurrentJob != nil,
		LastPollAt:    doc.LastPollAt,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Report: s.report(s.config.HistoryLimit)}
	if s.cycles != nil {
		resp.LastCycle = summarizeCycle(s.cycles.LastCycle())
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := s.config.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	respondJSON(w, http.StatusOK, HistoryResponse{Jobs: s.report(limit).History})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	rep := s.report(0)

	if rep.CurrentJob != nil && rep.CurrentJob.ID == jobID {
		respondJSON(w, http.StatusOK, rep.CurrentJob)
		return
	}
	for _, j := range rep.History {
		if j.ID == jobID {
			respondJSON(w, http.StatusOK, j)
			return
		}
	}
	s.writeError(w, http.StatusNotFound, fmt.Sprintf("job %q not found", jobID))
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if s.cycles == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no scheduler running")
		return
	}
	s.cycles.Wake()
	respondJSON(w, http.StatusAccepted, PollResponse{Status: "poll requested"})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.webhookPath))
}

func (s *Server) report(historyLimit int) inspect.Report {
	return inspect.Gather(s.state.Snapshot(), inspect.Options{
		Backend:      s.state.Describe(),
		Daemon:       inspect.Daemon{Running: true, PID: s.pid},
		MaxRetries:   s.config.MaxRetries,
		HistoryLimit: historyLimit,
	})
}

func summarizeCycle(c *scheduler.CycleReport) *CycleSummary {
	if c == nil {
		return nil
	}
	out := &CycleSummary{
		At:         c.At,
		Candidates: c.Candidates,
		Selected:   c.Selected,
		SkipReason: c.SkipReason,
	}
	for _, ex := range c.Excluded {
		out.Excluded = append(out.Excluded, fmt.Sprintf("%s (%s)", ex.HumanID, ex.Reason))
	}
	if c.Outcome != nil {
		out.Result = string(c.Outcome.Result)
		out.Reason = c.Outcome.Reason
	}
	if c.Err != nil {
		out.Error = c.Err.Error()
	}
	return out
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
