package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"calsync/internal/apperr"
	"calsync/internal/models"
)

const integrationColumns = `id, user_id, provider, access_token, refresh_token, expires_at, caldav_url, caldav_username,
	caldav_password, is_active, last_sync_at, last_sync_status, error_message, created_at, updated_at`

// GetIntegration loads the integration of userID on provider p, active or not.
func (s *Store) GetIntegration(ctx context.Context, userID string, p models.Provider) (*models.Integration, error) {
	var in models.Integration
	err := s.get(ctx, &in, "integration",
		`SELECT `+integrationColumns+` FROM calendar_integrations WHERE user_id = ? AND provider = ?`, userID, p)
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// ListActiveIntegrations returns every active integration, oldest first.
func (s *Store) ListActiveIntegrations(ctx context.Context) ([]*models.Integration, error) {
	var out []*models.Integration
	err := s.selectAll(ctx, &out,
		`SELECT `+integrationColumns+` FROM calendar_integrations WHERE is_active = ? ORDER BY created_at, id`, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}
	return out, nil
}

// UpsertIntegration inserts or replaces the credentials of (user, provider) and reactivates it.
// On return in.ID holds the stored id.
func (s *Store) UpsertIntegration(ctx context.Context, in *models.Integration) error {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	in.CreatedAt, in.UpdatedAt = now, now

	_, err := s.db.NamedExecContext(ctx, `INSERT INTO calendar_integrations (`+integrationColumns+`) VALUES (
		:id, :user_id, :provider, :access_token, :refresh_token, :expires_at, :caldav_url, :caldav_username,
		:caldav_password, :is_active, :last_sync_at, :last_sync_status, :error_message, :created_at, :updated_at)
		ON CONFLICT (user_id, provider) DO UPDATE SET
		access_token = excluded.access_token, refresh_token = excluded.refresh_token, expires_at = excluded.expires_at,
		caldav_url = excluded.caldav_url, caldav_username = excluded.caldav_username,
		caldav_password = excluded.caldav_password, is_active = excluded.is_active, error_message = NULL,
		updated_at = excluded.updated_at`, in)
	if err != nil {
		return fmt.Errorf("failed to upsert integration: %w", err)
	}

	return s.get(ctx, &in.ID, "integration",
		`SELECT id FROM calendar_integrations WHERE user_id = ? AND provider = ?`, in.UserID, in.Provider)
}

// UpdateTokens writes back refreshed OAuth tokens.
func (s *Store) UpdateTokens(ctx context.Context, integrationID, accessToken string, refreshToken *string, expiresAt *time.Time) error {
	n, err := s.exec(ctx, `UPDATE calendar_integrations
		SET access_token = ?, refresh_token = ?, expires_at = ?, updated_at = ? WHERE id = ?`,
		accessToken, refreshToken, expiresAt, time.Now().UTC(), integrationID)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	if n == 0 {
		return apperr.NotFound("integration " + integrationID)
	}
	return nil
}

// DeactivateIntegration marks the integration disconnected. The row is kept.
func (s *Store) DeactivateIntegration(ctx context.Context, userID string, p models.Provider) error {
	n, err := s.exec(ctx, `UPDATE calendar_integrations SET is_active = ?, updated_at = ? WHERE user_id = ? AND provider = ?`,
		false, time.Now().UTC(), userID, p)
	if err != nil {
		return fmt.Errorf("failed to deactivate integration: %w", err)
	}
	if n == 0 {
		return apperr.NotFound("integration")
	}
	return nil
}

// RecordSyncOutcome stores the latest run outcome on the integration.
func (s *Store) RecordSyncOutcome(ctx context.Context, integrationID string, status models.RunStatus, errMsg *string, at time.Time) error {
	_, err := s.exec(ctx, `UPDATE calendar_integrations
		SET last_sync_at = ?, last_sync_status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), status, errMsg, time.Now().UTC(), integrationID)
	if err != nil {
		return fmt.Errorf("failed to record sync outcome: %w", err)
	}
	return nil
}
