package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/hochfrequenz/fleet-dispatch/internal/domain"
)

// healthCheckTimeout bounds the per-request health probe fan-out
const healthCheckTimeout = 10 * time.Second

// DispatchResponse is the API shape of one dispatch record
type DispatchResponse struct {
	ID          string  `json:"id"`
	TaskID      string  `json:"task_id"`
	SessionID   string  `json:"session_id"`
	BackendType string  `json:"backend_type"`
	BackendName string  `json:"backend_name"`
	Endpoint    string  `json:"endpoint,omitempty"`
	Repo        string  `json:"repo"`
	Mode        string  `json:"mode"`
	Status      string  `json:"status"`
	PRURL       string  `json:"pr_url,omitempty"`
	FailureCode string  `json:"failure_code,omitempty"`
	StartedAt   string  `json:"started_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
	Minutes     float64 `json:"minutes"`
}

// BackendHealthResponse is the API shape of one backend health probe
type BackendHealthResponse struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Endpoint string `json:"endpoint,omitempty"`
	Health   string `json:"health"`
}

func recordToResponse(rec *domain.DispatchRecord) DispatchResponse {
	resp := DispatchResponse{
		ID:          rec.ID,
		TaskID:      rec.TaskID,
		SessionID:   rec.SessionID,
		BackendType: rec.BackendType,
		BackendName: rec.BackendName,
		Endpoint:    rec.Endpoint,
		Repo:        rec.Repo,
		Mode:        string(rec.Mode),
		Status:      string(rec.Status),
		PRURL:       rec.PRURL,
		FailureCode: rec.FailureCode,
		StartedAt:   rec.StartedAt.Format(time.RFC3339),
	}

	end := time.Now()
	if rec.CompletedAt != nil {
		t := rec.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &t
		end = *rec.CompletedAt
	}
	resp.Minutes = end.Sub(rec.StartedAt).Minutes()

	return resp
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		backends := s.registry.All()
		resp := make([]BackendHealthResponse, 0, len(backends))
		for _, b := range backends {
			resp = append(resp, BackendHealthResponse{
				Name:     b.Name(),
				Type:     b.Type(),
				Endpoint: b.Endpoint(),
				Health:   string(b.CheckHealth(ctx)),
			})
		}

		writeJSON(w, resp)
	}
}

func (s *Server) listDispatchesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var (
			records []domain.DispatchRecord
			err     error
		)
		if r.URL.Query().Get("active") == "1" {
			records, err = s.store.ActiveDispatches()
		} else {
			records, err = s.store.All()
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		responses := make([]DispatchResponse, len(records))
		for i := range records {
			responses[i] = recordToResponse(&records[i])
		}

		writeJSON(w, responses)
	}
}

func (s *Server) getDispatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		sessionID := strings.TrimPrefix(r.URL.Path, "/api/dispatches/")
		if sessionID == "" || strings.Contains(sessionID, "/") {
			writeError(w, http.StatusBadRequest, "session ID required")
			return
		}

		rec, err := s.store.FindBySessionID(sessionID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if rec == nil {
			writeError(w, http.StatusNotFound, "dispatch not found")
			return
		}

		writeJSON(w, recordToResponse(rec))
	}
}
