package conflict

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"calsync/internal/apperr"
	"calsync/internal/models"
	"calsync/internal/store"
)

var (
	synced  = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	fixedAt = time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC)
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), zap.NewNop().Sugar(), store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func linkedEvent(t *testing.T, s *store.Store) *models.Event {
	t.Helper()
	end := synced.Add(24 * time.Hour).Add(time.Hour)
	e := &models.Event{
		UserID:       "u1",
		Title:        "Fire drill",
		Description:  models.StringPtr("East wing"),
		StartTime:    synced.Add(24 * time.Hour),
		EndTime:      &end,
		SyncStatus:   models.SyncStatusSynced,
		LastSyncedAt: &synced,
		CreatedAt:    synced,
		UpdatedAt:    synced,
	}
	e.SetExternalID(models.ProviderGoogle, "g-1")
	require.NoError(t, s.InsertEvent(context.Background(), e))
	return e
}

func newResolver(s *store.Store, p Policy) *Resolver {
	r := NewResolver(zap.NewNop().Sugar(), s, p)
	r.now = func() time.Time { return fixedAt }
	return r
}

func TestDetect(t *testing.T) {
	start := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	base := &models.Event{
		Title:        "Audit",
		Description:  models.StringPtr("line one\nline two"),
		StartTime:    start,
		LastSyncedAt: &synced,
		UpdatedAt:    synced,
	}

	same := base.Clone()
	same.Description = models.StringPtr("line one\r\nline two ")
	same.StartTime = start.In(time.FixedZone("EST", -5*3600))
	assert.False(t, Detect(base, same).Diverged())

	moved := base.Clone()
	moved.Title = "Audit (rescheduled)"
	moved.StartTime = start.Add(time.Hour)
	moved.AllDay = true
	div := Detect(base, moved)
	assert.Equal(t, models.ConflictExternalChange, div.Type)
	assert.Equal(t, []string{FieldTitle, FieldStartTime, FieldAllDay}, div.Fields)

	editedLocally := base.Clone()
	editedLocally.UpdatedAt = synced.Add(time.Minute)
	div = Detect(editedLocally, moved)
	assert.Equal(t, models.ConflictDataMismatch, div.Type)

	neverSynced := base.Clone()
	neverSynced.LastSyncedAt = nil
	assert.Equal(t, models.ConflictDataMismatch, Detect(neverSynced, moved).Type)
}

func TestReconcileWithoutDivergenceTakesExternal(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	local := linkedEvent(t, s)

	external := local.Clone()
	newEnd := local.EndTime.Add(30 * time.Minute)
	external.EndTime = &newEnd

	out, err := newResolver(s, nil).Reconcile(ctx, models.ProviderGoogle, local, external)
	require.NoError(t, err)
	assert.Equal(t, Outcome{Updated: true}, out)

	got, err := s.GetEvent(ctx, local.ID)
	require.NoError(t, err)
	assert.True(t, newEnd.Equal(*got.EndTime))
	assert.Equal(t, models.SyncStatusSynced, got.SyncStatus)
	assert.True(t, fixedAt.Equal(*got.LastSyncedAt))

	conflicts, err := s.ListConflicts(ctx, "u1", "")
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestPolicies(t *testing.T) {
	tests := []struct {
		name       string
		policy     Policy
		wantTitle  string
		wantStatus models.SyncStatus
		wantState  models.ResolutionStatus
		wantRes    string
		updated    bool
	}{
		{"external wins", ExternalWins{}, "Fire drill (moved)", models.SyncStatusConflict, models.ResolutionResolved, "external_wins", true},
		{"local wins", LocalWins{}, "Fire drill", models.SyncStatusPending, models.ResolutionResolved, "local_wins", false},
		{"manual", Manual{}, "Fire drill", models.SyncStatusConflict, models.ResolutionPending, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			local := linkedEvent(t, s)

			external := local.Clone()
			external.Title = "Fire drill (moved)"

			out, err := newResolver(s, tt.policy).Reconcile(ctx, models.ProviderGoogle, local, external)
			require.NoError(t, err)
			assert.True(t, out.Conflict)
			assert.Equal(t, tt.updated, out.Updated)

			got, err := s.GetEvent(ctx, local.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTitle, got.Title)
			assert.Equal(t, tt.wantStatus, got.SyncStatus)

			conflicts, err := s.ListConflicts(ctx, "u1", "")
			require.NoError(t, err)
			require.Len(t, conflicts, 1)
			c := conflicts[0]
			assert.Equal(t, models.ConflictExternalChange, c.ConflictType)
			assert.Equal(t, "title", c.Fields)
			assert.Equal(t, tt.wantState, c.ResolutionStatus)
			assert.Equal(t, tt.wantRes, models.Deref(c.Resolution))
			assert.Contains(t, c.LocalData, `"title":"Fire drill"`)
			assert.Contains(t, c.ExternalData, `"title":"Fire drill (moved)"`)
		})
	}
}

func TestManualConflictResolvedLater(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	local := linkedEvent(t, s)
	external := local.Clone()
	external.Location = models.StringPtr("Courtyard")

	r := newResolver(s, Manual{})
	_, err := r.Reconcile(ctx, models.ProviderGoogle, local, external)
	require.NoError(t, err)

	pending, err := s.ListConflicts(ctx, "u1", models.ResolutionPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, r.Resolve(ctx, pending[0].ID, ResolutionExternalWins))
	got, err := s.GetEvent(ctx, local.ID)
	require.NoError(t, err)
	assert.Equal(t, "Courtyard", models.Deref(got.Location))
	assert.Equal(t, models.SyncStatusSynced, got.SyncStatus)

	err = r.Resolve(ctx, pending[0].ID, ResolutionLocalWins)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestRecordPermissionError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	local := linkedEvent(t, s)

	r := newResolver(s, nil)
	c, err := r.RecordPermissionError(ctx, models.ProviderGoogle, local, errors.New("forbidden"))
	require.NoError(t, err)
	assert.Equal(t, models.ConflictPermissionError, c.ConflictType)

	stored, err := s.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ResolutionPending, stored.ResolutionStatus)
	assert.JSONEq(t, `{"error":"forbidden"}`, stored.ExternalData)

	assert.ErrorIs(t, r.Resolve(ctx, c.ID, ResolutionExternalWins), apperr.ErrValidation)
	require.NoError(t, r.Resolve(ctx, c.ID, ResolutionLocalWins))
}

func TestPolicyFor(t *testing.T) {
	for name, want := range map[string]string{"": "external_wins", "LOCAL_WINS": "local_wins", "manual": "manual"} {
		p, err := PolicyFor(name)
		require.NoError(t, err)
		assert.Equal(t, want, p.Name())
	}
	_, err := PolicyFor("newest_wins")
	assert.Error(t, err)
}
