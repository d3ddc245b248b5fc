package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-diskovery/internal/diskovery"
	"github.com/nerrad567/gray-logic-diskovery/internal/history"
)

// handleGetHistory returns recorded changes of one field, newest first.
//
// Query parameters: limit (1..500, default 50) and since (RFC 3339).
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	field, err := diskovery.ParseField(chi.URLParam(r, "field"))
	if err != nil {
		writeNotFound(w, err.Error())
		return
	}

	limit, err := parseHistoryLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	since, err := parseSinceParam(r.URL.Query().Get("since"))
	if err != nil {
		writeBadRequest(w, "invalid since timestamp")
		return
	}

	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "state history unavailable")
		return
	}

	entries, err := s.history.GetHistory(ctx, s.hub.ID(), field, limit)
	if err != nil {
		if errors.Is(err, history.ErrInvalidArgument) {
			writeBadRequest(w, err.Error())
			return
		}
		s.logger.Error("history query failed", "field", field, "error", err)
		writeInternalError(w, "failed to load history")
		return
	}

	if !since.IsZero() {
		filtered := entries[:0]
		for _, entry := range entries {
			if entry.CreatedAt.After(since) {
				filtered = append(filtered, entry)
			}
		}
		entries = filtered
	}
	if entries == nil {
		entries = []history.Entry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"hub_id":  s.hub.ID(),
		"field":   field,
		"history": entries,
		"count":   len(entries),
	})
}

// parseHistoryLimit returns 0 (repository default) for an empty value.
func parseHistoryLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if n > history.MaxLimit {
		n = history.MaxLimit
	}
	return n, nil
}

func parseSinceParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
