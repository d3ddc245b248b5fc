package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-diskovery/internal/auth"
)

// apiPrefix is the versioned route prefix.
const apiPrefix = "/api/v1"

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	wsPath := s.wsPath()
	wsInAPI := strings.HasPrefix(wsPath, apiPrefix+"/")
	if !wsInAPI {
		r.Get(wsPath, s.handleWebSocket)
	}

	r.Route(apiPrefix, func(r chi.Router) {
		// Reads are open
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/state", s.handleGetState)
		r.Get("/history/{field}", s.handleGetHistory)
		if wsInAPI {
			r.Get(strings.TrimPrefix(wsPath, apiPrefix), s.handleWebSocket)
		}

		// Mutating routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware(auth.PermStateControl))

			r.Put("/fields/{field}", s.handleSetField)
			r.Post("/refresh", s.handleRefresh)
		})
	})

	return r
}

// wsPath returns the WebSocket route, /api/v1/ws unless configured.
func (s *Server) wsPath() string {
	if s.wsCfg.Path == "" {
		return apiPrefix + "/ws"
	}
	return s.wsCfg.Path
}
