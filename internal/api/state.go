package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-diskovery/internal/diskovery"
)

// Controller status strings used by /health.
const (
	controllerOnline         = "online"
	controllerOffline        = "offline"
	controllerNotInitialized = "not_initialized"
)

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	HubID      string `json:"hub_id"`
	Controller string `json:"controller"`
	Busy       bool   `json:"busy"`
	Error      string `json:"error,omitempty"`
}

// setFieldRequest is the body of PUT /fields/{field}.
type setFieldRequest struct {
	Value any `json:"value"`
}

// setFieldResponse reports the value the controller confirmed.
type setFieldResponse struct {
	Field     diskovery.Field `json:"field"`
	Requested uint            `json:"requested"`
	Value     string          `json:"value"`
}

// handleHealth returns service and controller health. It answers 503 when
// the controller is not usable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:     "ok",
		Version:    s.version,
		HubID:      s.hub.ID(),
		Controller: controllerOnline,
		Busy:       s.hub.IsBusy(),
	}
	status := http.StatusOK

	if err := s.hub.HealthCheck(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Error = err.Error()
		resp.Controller = controllerOffline
		if errors.Is(err, diskovery.ErrNotInitialized) {
			resp.Controller = controllerNotInitialized
		}
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}

// handleGetState returns the full controller snapshot.
func (s *Server) handleGetState(w http.ResponseWriter, _ *http.Request) {
	st, err := s.hub.Snapshot()
	if err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleSetField sets a preset or the motor and blocks until the controller
// confirms or the request fails.
func (s *Server) handleSetField(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	field, err := diskovery.ParseField(chi.URLParam(r, "field"))
	if err != nil {
		writeControllerError(w, err)
		return
	}
	if !field.Writable() {
		writeControllerError(w, fmt.Errorf("%w: %s", diskovery.ErrReadOnlyField, field))
		return
	}

	var req setFieldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	value, err := s.hub.SetField(ctx, field, req.Value)
	if err != nil {
		s.logger.Warn("set field failed",
			"field", field,
			"value", req.Value,
			"subject", subjectFromContext(ctx),
			"error", err,
		)
		writeControllerError(w, err)
		return
	}

	s.logger.Info("field set",
		"field", field,
		"value", value,
		"subject", subjectFromContext(ctx),
	)

	resp := setFieldResponse{Field: field, Requested: value}
	if st, err := s.hub.Snapshot(); err == nil {
		resp.Value = st.Values[field]
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRefresh re-queries every field and returns the fresh snapshot.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Refresh(r.Context()); err != nil {
		writeControllerError(w, err)
		return
	}
	st, err := s.hub.Snapshot()
	if err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
