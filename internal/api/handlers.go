package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"postflow/internal/config"
	"postflow/internal/ingest"
	"postflow/internal/runtime/supervisor"
	"postflow/internal/store"
	logx "postflow/pkg/logx"
)

type submitRequest struct {
	Body      string   `json:"body"`
	Platforms []string `json:"platforms"`
	Priority  string   `json:"priority,omitempty"`
	NotBefore string   `json:"not_before,omitempty"` // RFC 3339
	Source    string   `json:"source,omitempty"`
}

type submitResponse struct {
	ID       string   `json:"id"`
	Accepted []string `json:"accepted"`
	Dropped  []string `json:"dropped,omitempty"`
	Amended  bool     `json:"amended,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var in submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	prio, ok := store.ParsePriority(in.Priority)
	if !ok {
		writeError(w, http.StatusBadRequest, "priority: must be \"normal\" or \"high\"")
		return
	}
	var notBefore time.Time
	if in.NotBefore != "" {
		t, err := time.Parse(time.RFC3339, in.NotBefore)
		if err != nil {
			writeError(w, http.StatusBadRequest, "not_before: invalid RFC 3339 timestamp")
			return
		}
		notBefore = t
	}

	receipt, err := s.gateway.Submit(r.Context(), ingest.Request{
		Body:      in.Body,
		Platforms: in.Platforms,
		Priority:  prio,
		NotBefore: notBefore,
		Source:    in.Source,
	})
	if err != nil {
		var verr *ingest.ValidationError
		var cerr *ingest.ComplianceError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, verr.Error())
		case errors.As(err, &cerr):
			// 422: well-formed but refused by content policy.
			writeError(w, http.StatusUnprocessableEntity, cerr.Error())
		case errors.Is(err, ingest.ErrDuplicateContent):
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.log.Error("submission failed", logx.Err(err))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		ID:       receipt.ID,
		Accepted: receipt.Accepted,
		Dropped:  receipt.Dropped,
		Amended:  receipt.Amended,
	})
}

func (s *Server) handleSubmission(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sub, err := s.reporter.Submission(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown submission id")
			return
		}
		s.log.Error("status lookup failed", logx.String("id", id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	platform := mux.Vars(r)["platform"]
	var window time.Duration
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := config.ParseDurationField("window", raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		window = d
	}
	m, err := s.reporter.Metrics(r.Context(), platform, window)
	if err != nil {
		s.log.Error("metrics query failed", logx.String("platform", platform), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit: must be an integer in [1, 500]")
			return
		}
		limit = n
	}
	items, err := s.reporter.DeadLetters(r.Context(), limit)
	if err != nil {
		s.log.Error("dead-letter query failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": items})
}

type healthResponse struct {
	Status   string               `json:"status"`
	Adapters map[string]string    `json:"adapters"`
	Runtime  *supervisor.Counters `json:"runtime,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := healthResponse{Status: "ok", Adapters: map[string]string{}}
	if s.runtimeStats != nil {
		c := s.runtimeStats()
		out.Runtime = &c
	}
	for name, err := range s.registry.Health() {
		if err != nil {
			// Degraded is still 200: the queue keeps accepting and retrying.
			out.Adapters[name] = err.Error()
			out.Status = "degraded"
		} else {
			out.Adapters[name] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, out)
}
