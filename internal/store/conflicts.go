package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"calsync/internal/apperr"
	"calsync/internal/models"
)

const conflictColumns = `id, user_id, event_id, provider, conflict_type, fields, local_data, external_data,
	resolution_status, resolution, created_at, resolved_at`

// CreateConflict stores a new pending conflict.
func (s *Store) CreateConflict(ctx context.Context, c *models.Conflict) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.ResolutionStatus = models.ResolutionPending

	_, err := s.db.NamedExecContext(ctx, `INSERT INTO calendar_conflicts (`+conflictColumns+`) VALUES (
		:id, :user_id, :event_id, :provider, :conflict_type, :fields, :local_data, :external_data,
		:resolution_status, :resolution, :created_at, :resolved_at)`, c)
	if err != nil {
		return fmt.Errorf("failed to record conflict: %w", err)
	}
	return nil
}

// ResolveConflict marks a conflict resolved with the applied resolution.
func (s *Store) ResolveConflict(ctx context.Context, id, resolution string, at time.Time) error {
	n, err := s.exec(ctx, `UPDATE calendar_conflicts SET resolution_status = ?, resolution = ?, resolved_at = ?
		WHERE id = ? AND resolution_status = ?`,
		models.ResolutionResolved, resolution, at.UTC(), id, models.ResolutionPending)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict %s: %w", id, err)
	}
	if n == 0 {
		return apperr.NotFound("pending conflict " + id)
	}
	return nil
}

// GetConflict loads a conflict by id.
func (s *Store) GetConflict(ctx context.Context, id string) (*models.Conflict, error) {
	var c models.Conflict
	if err := s.get(ctx, &c, "conflict", `SELECT `+conflictColumns+` FROM calendar_conflicts WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConflicts returns a user's conflicts, optionally filtered by status, oldest first.
func (s *Store) ListConflicts(ctx context.Context, userID string, status models.ResolutionStatus) ([]*models.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM calendar_conflicts WHERE user_id = ?`
	args := []any{userID}
	if status != "" {
		query += ` AND resolution_status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id`

	var out []*models.Conflict
	if err := s.selectAll(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	return out, nil
}
