package syncer

import (
	"context"
	"errors"

	"calsync/internal/apperr"
	"calsync/internal/provider"
)

// pull imports the provider's events in the window, in the order the provider returned them.
func (s *Syncer) pull(ctx context.Context, r *run, t *target) {
	window := s.pullWindow()
	items, err := t.client.ListEvents(ctx, t.calendar, window)
	if err != nil {
		r.addError("pull: %v", err)
		return
	}
	r.logger.Debugw("Fetched provider events.", "count", len(items), "from", window.Start, "to", window.End)

	for _, x := range items {
		r.rec.EventsProcessed++
		if err := s.pullOne(ctx, r, t, x); err != nil {
			r.addError("pull event %s: %v", x.ExternalID(), err)
		}
	}
}

func (s *Syncer) pullOne(ctx context.Context, r *run, t *target, x provider.ExternalEvent) error {
	draft, err := t.mapper.ToInternal(x, r.rec.UserID, t.calendarTypeID)
	if err != nil {
		return err
	}

	local, err := s.store.FindByExternalID(ctx, r.rec.UserID, t.provider, draft.ExternalID(t.provider))
	if errors.Is(err, apperr.ErrNotFound) {
		now := s.now().UTC()
		draft.CreatedAt = now
		s.stampSynced(draft)
		if err := s.store.InsertEvent(ctx, draft); err != nil {
			return err
		}
		r.rec.EventsCreated++
		return nil
	}
	if err != nil {
		return err
	}

	// A local delete wins until the push pass removes the provider copy.
	if local.DeletedAt != nil {
		r.logger.Debugw("Skipping event deleted locally.", "event", local.ID)
		return nil
	}
	// Its local edit is still unpushed; the next run retries it.
	if r.held[local.ID] {
		r.logger.Debugw("Skipping event whose push failed.", "event", local.ID)
		return nil
	}

	out, err := s.resolver.Reconcile(ctx, t.provider, local, draft)
	if err != nil {
		return err
	}
	if out.Conflict {
		r.rec.ConflictsDetected++
	}
	if out.Updated {
		r.rec.EventsUpdated++
	}
	return nil
}
