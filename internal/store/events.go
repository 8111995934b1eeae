package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"calsync/internal/apperr"
	"calsync/internal/models"
)

const eventColumns = `id, user_id, calendar_type_id, title, description, location, start_time, end_time, all_day,
	category, compliance_related, recurrence_rule, google_event_id, outlook_event_id, apple_event_uid,
	sync_status, sync_error, last_synced_at, created_at, updated_at, deleted_at`

// GetEvent loads one event by internal id.
func (s *Store) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	var e models.Event
	if err := s.get(ctx, &e, "event", `SELECT `+eventColumns+` FROM calendar_events WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEvents returns all events of a user, soft-deleted ones included.
func (s *Store) ListEvents(ctx context.Context, userID string) ([]*models.Event, error) {
	var out []*models.Event
	err := s.selectAll(ctx, &out, `SELECT `+eventColumns+` FROM calendar_events WHERE user_id = ? ORDER BY start_time, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return out, nil
}

// FindByExternalID looks up the event linked to externalID on provider p.
func (s *Store) FindByExternalID(ctx context.Context, userID string, p models.Provider, externalID string) (*models.Event, error) {
	col, err := externalColumn(p)
	if err != nil {
		return nil, err
	}
	var e models.Event
	err = s.get(ctx, &e, "event", `SELECT `+eventColumns+` FROM calendar_events WHERE user_id = ? AND `+col+` = ?`, userID, externalID)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// PendingCreates returns live events not yet linked to p whose status is pending or error.
func (s *Store) PendingCreates(ctx context.Context, userID string, p models.Provider, calendarTypeID *string) ([]*models.Event, error) {
	return s.pushCandidates(ctx, userID, p, calendarTypeID,
		`%s IS NULL AND sync_status IN ('pending', 'error') AND deleted_at IS NULL`)
}

// PendingUpdates returns live events linked to p that were edited locally since their last sync,
// including edits whose previous push failed.
func (s *Store) PendingUpdates(ctx context.Context, userID string, p models.Provider, calendarTypeID *string) ([]*models.Event, error) {
	return s.pushCandidates(ctx, userID, p, calendarTypeID,
		`%s IS NOT NULL AND sync_status IN ('pending', 'error') AND deleted_at IS NULL`)
}

// PendingDeletes returns soft-deleted events still linked to p.
func (s *Store) PendingDeletes(ctx context.Context, userID string, p models.Provider, calendarTypeID *string) ([]*models.Event, error) {
	return s.pushCandidates(ctx, userID, p, calendarTypeID, `%s IS NOT NULL AND deleted_at IS NOT NULL`)
}

func (s *Store) pushCandidates(ctx context.Context, userID string, p models.Provider, calendarTypeID *string, cond string) ([]*models.Event, error) {
	col, err := externalColumn(p)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + eventColumns + ` FROM calendar_events WHERE user_id = ? AND ` + fmt.Sprintf(cond, col)
	args := []any{userID}
	if calendarTypeID != nil {
		query += ` AND calendar_type_id = ?`
		args = append(args, *calendarTypeID)
	}
	query += ` ORDER BY start_time, id`

	var out []*models.Event
	if err := s.selectAll(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to select %s push candidates: %w", p, err)
	}
	return out, nil
}

// InsertEvent stores a new event, assigning an id and timestamps when missing.
func (s *Store) InsertEvent(ctx context.Context, e *models.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	if e.Category == "" {
		e.Category = models.CategoryCustom
	}
	if e.SyncStatus == "" {
		e.SyncStatus = models.SyncStatusPending
	}

	_, err := s.db.NamedExecContext(ctx, `INSERT INTO calendar_events (`+eventColumns+`) VALUES (
		:id, :user_id, :calendar_type_id, :title, :description, :location, :start_time, :end_time, :all_day,
		:category, :compliance_related, :recurrence_rule, :google_event_id, :outlook_event_id, :apple_event_uid,
		:sync_status, :sync_error, :last_synced_at, :created_at, :updated_at, :deleted_at)`, e)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.New(apperr.KindValidation, "event is already linked to this external id", err)
		}
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// UpdateEvent writes every column of e. The caller owns updated_at.
func (s *Store) UpdateEvent(ctx context.Context, e *models.Event) error {
	res, err := s.db.NamedExecContext(ctx, `UPDATE calendar_events SET
		calendar_type_id = :calendar_type_id, title = :title, description = :description, location = :location,
		start_time = :start_time, end_time = :end_time, all_day = :all_day, category = :category,
		compliance_related = :compliance_related, recurrence_rule = :recurrence_rule,
		google_event_id = :google_event_id, outlook_event_id = :outlook_event_id, apple_event_uid = :apple_event_uid,
		sync_status = :sync_status, sync_error = :sync_error, last_synced_at = :last_synced_at,
		updated_at = :updated_at, deleted_at = :deleted_at
		WHERE id = :id`, e)
	if err != nil {
		return fmt.Errorf("failed to update event %s: %w", e.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.NotFound("event " + e.ID)
	}
	return nil
}

// SoftDeleteEvent marks an event deleted locally; the next push removes it from linked providers.
func (s *Store) SoftDeleteEvent(ctx context.Context, id string, at time.Time) error {
	n, err := s.exec(ctx, `UPDATE calendar_events SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		at.UTC(), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to delete event %s: %w", id, err)
	}
	if n == 0 {
		return apperr.NotFound("event " + id)
	}
	return nil
}

// PurgeEvent removes an event row permanently.
func (s *Store) PurgeEvent(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, `DELETE FROM calendar_events WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to purge event %s: %w", id, err)
	}
	return nil
}
