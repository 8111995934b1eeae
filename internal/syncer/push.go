package syncer

import (
	"context"
	"errors"
	"net/http"

	"calsync/internal/apperr"
	"calsync/internal/models"
)

// push propagates local creates, edits and deletes to the provider. One event's failure never stops the pass.
func (s *Syncer) push(ctx context.Context, r *run, t *target) {
	userID := r.rec.UserID

	creates, err := s.store.PendingCreates(ctx, userID, t.provider, t.calendarTypeID)
	if err != nil {
		r.addError("push: %v", err)
	}
	for _, e := range creates {
		r.rec.EventsProcessed++
		if err := s.create(ctx, t, e); err != nil {
			s.markFailed(ctx, r, e, "create", err)
			continue
		}
		r.rec.EventsCreated++
	}

	updates, err := s.store.PendingUpdates(ctx, userID, t.provider, t.calendarTypeID)
	if err != nil {
		r.addError("push: %v", err)
	}
	for _, e := range updates {
		r.rec.EventsProcessed++
		s.pushUpdate(ctx, r, t, e)
	}

	deletes, err := s.store.PendingDeletes(ctx, userID, t.provider, t.calendarTypeID)
	if err != nil {
		r.addError("push: %v", err)
	}
	for _, e := range deletes {
		r.rec.EventsProcessed++
		if err := s.pushDelete(ctx, t, e); err != nil {
			s.markFailed(ctx, r, e, "delete", err)
			continue
		}
		r.rec.EventsDeleted++
	}
}

// create sends e to the provider and links it.
func (s *Syncer) create(ctx context.Context, t *target, e *models.Event) error {
	ext, err := t.mapper.ToExternal(e)
	if err != nil {
		return err
	}
	id, err := t.client.CreateEvent(ctx, t.calendar, ext)
	if err != nil {
		return err
	}
	e.SetExternalID(t.provider, id)
	s.stampSynced(e)
	return s.store.UpdateEvent(ctx, e)
}

// pushUpdate overwrites the provider copy with the local version. A copy deleted on the provider
// is re-created; a refused change is recorded as a permission conflict.
func (s *Syncer) pushUpdate(ctx context.Context, r *run, t *target, e *models.Event) {
	ext, err := t.mapper.ToExternal(e)
	if err != nil {
		s.markFailed(ctx, r, e, "update", err)
		return
	}

	err = t.client.UpdateEvent(ctx, t.calendar, e.ExternalID(t.provider), ext)
	switch {
	case err == nil:
		s.stampSynced(e)
		if err := s.store.UpdateEvent(ctx, e); err != nil {
			r.addError("update event %s: %v", e.ID, err)
			return
		}
		r.rec.EventsUpdated++

	case errors.Is(err, apperr.ErrNotFound):
		r.logger.Infow("Linked event is gone from the provider, re-creating.", "event", e.ID, "external_id", e.ExternalID(t.provider))
		e.SetExternalID(t.provider, "")
		if err := s.create(ctx, t, e); err != nil {
			s.markFailed(ctx, r, e, "re-create", err)
			return
		}
		r.rec.EventsCreated++

	case apperr.StatusOf(err) == http.StatusForbidden:
		if _, cerr := s.resolver.RecordPermissionError(ctx, t.provider, e, err); cerr != nil {
			r.addError("record permission conflict for event %s: %v", e.ID, cerr)
		} else {
			r.rec.ConflictsDetected++
		}
		msg := err.Error()
		e.SyncStatus = models.SyncStatusConflict
		e.SyncError = &msg
		if serr := s.store.UpdateEvent(ctx, e); serr != nil {
			r.logger.Errorw("Failed to store event sync state.", "event", e.ID, "error", serr)
		}
		r.addError("update event %s: %v", e.ID, err)

	default:
		s.markFailed(ctx, r, e, "update", err)
	}
}

// pushDelete removes the provider copy of a soft-deleted event and purges the row once nothing links to it.
func (s *Syncer) pushDelete(ctx context.Context, t *target, e *models.Event) error {
	if err := t.client.DeleteEvent(ctx, t.calendar, e.ExternalID(t.provider)); err != nil {
		return err
	}
	e.SetExternalID(t.provider, "")
	if !e.Linked() {
		return s.store.PurgeEvent(ctx, e.ID)
	}
	return s.store.UpdateEvent(ctx, e)
}

// stampSynced marks e synced now. updated_at moves with last_synced_at so the record reads as unchanged locally.
func (s *Syncer) stampSynced(e *models.Event) {
	now := s.now().UTC()
	e.UpdatedAt = now
	e.MarkSynced(models.SyncStatusSynced, now)
}

// markFailed stamps the event with the error and records it on the run.
func (s *Syncer) markFailed(ctx context.Context, r *run, e *models.Event, op string, err error) {
	r.addError("%s event %s: %v", op, e.ID, err)
	if r.held == nil {
		r.held = map[string]bool{}
	}
	r.held[e.ID] = true
	e.MarkError(err)
	if serr := s.store.UpdateEvent(ctx, e); serr != nil {
		r.logger.Errorw("Failed to store event sync error.", "event", e.ID, "error", serr)
	}
}
