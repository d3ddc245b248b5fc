package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-diskovery/internal/diskovery"
)

// SQLiteRepository implements Repository on the state_history table.
// Timestamps are stored as unix milliseconds.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository returns a repository on an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// RecordStateChange inserts one change.
func (r *SQLiteRepository) RecordStateChange(ctx context.Context, hubID string, c diskovery.Change) error {
	if hubID == "" || c.Field == "" {
		return fmt.Errorf("%w: hub id and field are required", ErrInvalidArgument)
	}
	at := c.At
	if at.IsZero() {
		at = time.Now()
	}
	source := c.Source
	if source == "" {
		source = diskovery.SourceStatus
	}

	var previous sql.NullString
	if c.Previous != "" {
		previous = sql.NullString{String: c.Previous, Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO state_history (hub_id, field, value, previous, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		hubID, string(c.Field), c.Value, previous, string(source), at.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting state history: %w", err)
	}
	return nil
}

// GetHistory returns entries for one field, newest first.
func (r *SQLiteRepository) GetHistory(ctx context.Context, hubID string, field diskovery.Field, limit int) ([]Entry, error) {
	if hubID == "" || field == "" {
		return nil, fmt.Errorf("%w: hub id and field are required", ErrInvalidArgument)
	}
	limit = clampLimit(limit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, hub_id, field, value, previous, source, created_at
		 FROM state_history
		 WHERE hub_id = ? AND field = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		hubID, string(field), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e         Entry
			fieldName string
			source    string
			previous  sql.NullString
			createdMs int64
		)
		if err := rows.Scan(&e.ID, &e.HubID, &fieldName, &e.Value, &previous, &source, &createdMs); err != nil {
			return nil, fmt.Errorf("scanning state history: %w", err)
		}
		e.Field = diskovery.Field(fieldName)
		e.Source = diskovery.Source(source)
		e.Previous = previous.String
		e.CreatedAt = time.UnixMilli(createdMs).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}
	return entries, nil
}

// PruneHistory deletes entries older than now-olderThan.
func (r *SQLiteRepository) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: olderThan must be positive", ErrInvalidArgument)
	}

	cutoff := time.Now().Add(-olderThan).UTC().UnixMilli()
	result, err := r.db.ExecContext(ctx, "DELETE FROM state_history WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting state history: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}
