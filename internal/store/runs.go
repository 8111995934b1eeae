package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"calsync/internal/apperr"
	"calsync/internal/models"
)

const runColumns = `id, user_id, provider, integration_id, sync_type, sync_direction, status, events_processed,
	events_created, events_updated, events_deleted, conflicts_detected, execution_time_ms, error_message, errors,
	started_at, completed_at`

// ClaimRun inserts an in-progress run. It fails with SyncAlreadyRunning when another run holds the claim.
// A claim older than the run lease belongs to a dead process and is finalized as error first.
func (s *Store) ClaimRun(ctx context.Context, run *models.SyncRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	run.Status = models.RunStatusInProgress

	if s.runLease > 0 {
		if err := s.expireRuns(ctx, run.UserID, run.Provider, run.StartedAt); err != nil {
			return err
		}
	}

	_, err := s.db.NamedExecContext(ctx, `INSERT INTO calendar_sync_logs (`+runColumns+`) VALUES (
		:id, :user_id, :provider, :integration_id, :sync_type, :sync_direction, :status, :events_processed,
		:events_created, :events_updated, :events_deleted, :conflicts_detected, :execution_time_ms, :error_message,
		:errors, :started_at, :completed_at)`, run)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.SyncAlreadyRunning(run.UserID, string(run.Provider))
		}
		return fmt.Errorf("failed to claim sync run: %w", err)
	}
	return nil
}

func (s *Store) expireRuns(ctx context.Context, userID string, p models.Provider, now time.Time) error {
	cutoff := now.Add(-s.runLease).UTC()
	n, err := s.exec(ctx, `UPDATE calendar_sync_logs SET status = ?, error_message = ?, completed_at = ?
		WHERE user_id = ? AND provider = ? AND status = ? AND started_at < ?`,
		models.RunStatusError, "run abandoned: no result within "+s.runLease.String(), now.UTC(),
		userID, p, models.RunStatusInProgress, cutoff)
	if err != nil {
		return fmt.Errorf("failed to expire stale sync runs: %w", err)
	}
	if n > 0 {
		s.logger.Warnw("Expired abandoned sync run.", "user", userID, "provider", p, "lease", s.runLease)
	}
	return nil
}

// FinishRun writes the terminal state of a run and releases its claim.
func (s *Store) FinishRun(ctx context.Context, run *models.SyncRun) error {
	_, err := s.db.NamedExecContext(ctx, `UPDATE calendar_sync_logs SET
		integration_id = :integration_id, status = :status, events_processed = :events_processed,
		events_created = :events_created, events_updated = :events_updated, events_deleted = :events_deleted,
		conflicts_detected = :conflicts_detected, execution_time_ms = :execution_time_ms,
		error_message = :error_message, errors = :errors, completed_at = :completed_at
		WHERE id = :id`, run)
	if err != nil {
		return fmt.Errorf("failed to finish sync run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*models.SyncRun, error) {
	var run models.SyncRun
	if err := s.get(ctx, &run, "sync run", `SELECT `+runColumns+` FROM calendar_sync_logs WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns the latest runs of a user, newest first.
func (s *Store) ListRuns(ctx context.Context, userID string, limit int) ([]*models.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []*models.SyncRun
	err := s.selectAll(ctx, &out,
		`SELECT `+runColumns+` FROM calendar_sync_logs WHERE user_id = ? ORDER BY started_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	return out, nil
}
