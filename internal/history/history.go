// Package history keeps a local audit trail of committed Diskovery field
// changes in SQLite, independent of MQTT and the time-series database.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/gray-logic-diskovery/internal/diskovery"
)

// Query limits for GetHistory.
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// ErrInvalidArgument is returned for an empty hub ID or field, or a
// non-positive retention.
var ErrInvalidArgument = errors.New("history: invalid argument")

// Entry is one recorded change.
type Entry struct {
	ID        int64            `json:"id"`
	HubID     string           `json:"hub_id"`
	Field     diskovery.Field  `json:"field"`
	Value     string           `json:"value"`
	Previous  string           `json:"previous,omitempty"`
	Source    diskovery.Source `json:"source"`
	CreatedAt time.Time        `json:"created_at"`
}

// Repository stores and retrieves change history.
//
// Implementations must be safe for concurrent use and store UTC times.
type Repository interface {
	// RecordStateChange stores one committed change. A zero Change.At is
	// recorded as now.
	RecordStateChange(ctx context.Context, hubID string, c diskovery.Change) error

	// GetHistory returns the newest entries for a field, newest first.
	// limit <= 0 means DefaultLimit; larger than MaxLimit is clamped.
	GetHistory(ctx context.Context, hubID string, field diskovery.Field, limit int) ([]Entry, error)

	// PruneHistory deletes entries older than now-olderThan and returns
	// how many were removed.
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}
