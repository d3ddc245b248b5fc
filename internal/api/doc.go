// Package api implements the HTTP REST API and WebSocket server for the
// Diskovery controller.
//
// Routes (all under /api/v1):
//
//	GET  /health          service and controller health
//	GET  /metrics         link counters, WebSocket clients, runtime stats
//	GET  /state           full controller snapshot
//	PUT  /fields/{field}  set a preset or the motor, blocks until confirmed
//	POST /refresh         re-query every field from the controller
//	GET  /history/{field} recorded changes, newest first
//	GET  /ws              change event stream
//
// # Security
//
// When security.jwt.secret is set, mutating routes require an HS256 bearer
// token whose role grants state:control. Read routes stay open so wall
// displays and dashboards need no credentials.
//
// # Error Mapping
//
// Controller errors become HTTP statuses: validation 422, timeout 504,
// protocol or communication failure 502, controller not initialised 503.
package api
