// Package conflict detects divergence between a stored event and its external copy and applies the
// configured resolution policy.
package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"calsync/internal/apperr"
	"calsync/internal/models"
)

// Compared field names, as recorded on conflict rows.
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldLocation    = "location"
	FieldStartTime   = "start_time"
	FieldAllDay      = "all_day"
)

// Divergence is the result of comparing a local event with its external copy.
type Divergence struct {
	Type   models.ConflictType
	Fields []string
}

// Diverged reports whether any compared field differs.
func (d Divergence) Diverged() bool { return len(d.Fields) > 0 }

// Detect compares the fields both sides can edit. Descriptions compare after the mapper has
// stripped markup and the provenance footer, so a round trip through a provider is not a change.
func Detect(local, external *models.Event) Divergence {
	var fields []string
	if strings.TrimSpace(local.Title) != strings.TrimSpace(external.Title) {
		fields = append(fields, FieldTitle)
	}
	if normalize(local.Description) != normalize(external.Description) {
		fields = append(fields, FieldDescription)
	}
	if normalize(local.Location) != normalize(external.Location) {
		fields = append(fields, FieldLocation)
	}
	if !local.StartTime.Equal(external.StartTime) {
		fields = append(fields, FieldStartTime)
	}
	if local.AllDay != external.AllDay {
		fields = append(fields, FieldAllDay)
	}
	if len(fields) == 0 {
		return Divergence{}
	}

	typ := models.ConflictDataMismatch
	if local.LastSyncedAt != nil && !local.UpdatedAt.After(*local.LastSyncedAt) {
		typ = models.ConflictExternalChange
	}
	return Divergence{Type: typ, Fields: fields}
}

func normalize(s *string) string {
	return strings.TrimSpace(strings.ReplaceAll(models.Deref(s), "\r\n", "\n"))
}

// Store is the persistence the resolver needs.
type Store interface {
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	UpdateEvent(ctx context.Context, e *models.Event) error
	CreateConflict(ctx context.Context, c *models.Conflict) error
	GetConflict(ctx context.Context, id string) (*models.Conflict, error)
	ResolveConflict(ctx context.Context, id, resolution string, at time.Time) error
}

// Outcome reports what Reconcile did to the local record.
type Outcome struct {
	Conflict bool
	// Updated is set when the local event's mapped fields were overwritten.
	Updated bool
}

// Resolver reconciles pulled events with stored ones.
type Resolver struct {
	store  Store
	policy Policy
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewResolver creates a resolver applying policy. A nil policy means ExternalWins.
func NewResolver(logger *zap.SugaredLogger, store Store, policy Policy) *Resolver {
	if policy == nil {
		policy = ExternalWins{}
	}
	return &Resolver{store: store, policy: policy, logger: logger, now: time.Now}
}

// Policy returns the policy in effect.
func (r *Resolver) Policy() Policy { return r.policy }

// Reconcile brings local in line with external. Without divergence the external copy is taken as is;
// otherwise a conflict row is recorded and the policy decides.
func (r *Resolver) Reconcile(ctx context.Context, p models.Provider, local, external *models.Event) (Outcome, error) {
	now := r.now().UTC()
	div := Detect(local, external)

	if !div.Diverged() {
		local.Apply(external)
		local.UpdatedAt = now
		local.MarkSynced(models.SyncStatusSynced, now)
		if err := r.store.UpdateEvent(ctx, local); err != nil {
			return Outcome{}, err
		}
		return Outcome{Updated: true}, nil
	}

	c, err := newConflict(p, div.Type, div.Fields, local, external)
	if err != nil {
		return Outcome{}, err
	}
	c.CreatedAt = now
	if err := r.store.CreateConflict(ctx, c); err != nil {
		return Outcome{}, err
	}
	r.logger.Infow("Detected event conflict.", "event", local.ID, "provider", p, "type", div.Type,
		"fields", c.Fields, "policy", r.policy.Name())

	d := r.policy.Decide(local, external, now)
	if d.Persist {
		if err := r.store.UpdateEvent(ctx, local); err != nil {
			return Outcome{}, err
		}
	}
	if d.Resolution != "" {
		if err := r.store.ResolveConflict(ctx, c.ID, string(d.Resolution), now); err != nil {
			return Outcome{}, err
		}
	}
	return Outcome{Conflict: true, Updated: d.Overwrote}, nil
}

// RecordPermissionError stores a pending permission_error conflict for an event the provider refused to change.
func (r *Resolver) RecordPermissionError(ctx context.Context, p models.Provider, local *models.Event, cause error) (*models.Conflict, error) {
	c, err := newConflict(p, models.ConflictPermissionError, nil, local, map[string]string{"error": cause.Error()})
	if err != nil {
		return nil, err
	}
	c.CreatedAt = r.now().UTC()
	if err := r.store.CreateConflict(ctx, c); err != nil {
		return nil, err
	}
	r.logger.Warnw("Provider refused event change.", "event", local.ID, "provider", p, "error", cause)
	return c, nil
}

// Resolve settles a pending conflict by hand. ExternalWins applies the recorded external snapshot;
// LocalWins queues the local version for the next push.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, resolution Resolution) error {
	c, err := r.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if c.ResolutionStatus != models.ResolutionPending {
		return apperr.Validation(fmt.Sprintf("conflict %s is already resolved", conflictID))
	}
	local, err := r.store.GetEvent(ctx, c.EventID)
	if err != nil {
		return err
	}

	now := r.now().UTC()
	switch resolution {
	case ResolutionExternalWins:
		if c.ConflictType == models.ConflictPermissionError {
			return apperr.Validation("permission conflicts carry no external version to apply")
		}
		var external models.Event
		if err := json.Unmarshal([]byte(c.ExternalData), &external); err != nil {
			return fmt.Errorf("failed to decode external snapshot of conflict %s: %w", conflictID, err)
		}
		local.Apply(&external)
		local.UpdatedAt = now
		local.MarkSynced(models.SyncStatusSynced, now)
	case ResolutionLocalWins:
		local.SyncStatus = models.SyncStatusPending
		local.SyncError = nil
		local.UpdatedAt = now
	default:
		return apperr.Validation(fmt.Sprintf("unsupported resolution %q", resolution))
	}

	if err := r.store.UpdateEvent(ctx, local); err != nil {
		return err
	}
	return r.store.ResolveConflict(ctx, conflictID, string(resolution), now)
}

func newConflict(p models.Provider, typ models.ConflictType, fields []string, local *models.Event, external any) (*models.Conflict, error) {
	localData, err := json.Marshal(local)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot local event: %w", err)
	}
	externalData, err := json.Marshal(external)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot external event: %w", err)
	}
	return &models.Conflict{
		UserID:       local.UserID,
		EventID:      local.ID,
		Provider:     p,
		ConflictType: typ,
		Fields:       strings.Join(fields, ","),
		LocalData:    string(localData),
		ExternalData: string(externalData),
	}, nil
}
