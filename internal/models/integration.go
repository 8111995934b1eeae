package models

import (
	"fmt"
	"time"
)

// DefaultCalDAVURL is the iCloud CalDAV endpoint used when an Apple integration has no explicit URL.
const DefaultCalDAVURL = "https://caldav.icloud.com/"

// Integration holds one user's connection to one provider.
// OAuth providers use the token fields; Apple uses the CalDAV fields. The two sets never mix.
type Integration struct {
	ID             string     `db:"id" json:"id"`
	UserID         string     `db:"user_id" json:"user_id"`
	Provider       Provider   `db:"provider" json:"provider"`
	AccessToken    *string    `db:"access_token" json:"-"`
	RefreshToken   *string    `db:"refresh_token" json:"-"`
	ExpiresAt      *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	CalDAVURL      *string    `db:"caldav_url" json:"caldav_url,omitempty"`
	CalDAVUsername *string    `db:"caldav_username" json:"caldav_username,omitempty"`
	CalDAVPassword *string    `db:"caldav_password" json:"-"`
	IsActive       bool       `db:"is_active" json:"is_active"`
	LastSyncAt     *time.Time `db:"last_sync_at" json:"last_sync_at,omitempty"`
	LastSyncStatus *RunStatus `db:"last_sync_status" json:"last_sync_status,omitempty"`
	ErrorMessage   *string    `db:"error_message" json:"error_message,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// Validate checks that the credential fields match the provider's auth model.
func (i *Integration) Validate() error {
	if i.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	if !i.Provider.Valid() {
		return fmt.Errorf("unsupported provider %q", i.Provider)
	}

	hasCalDAV := i.CalDAVURL != nil || i.CalDAVUsername != nil || i.CalDAVPassword != nil
	hasTokens := i.AccessToken != nil || i.RefreshToken != nil || i.ExpiresAt != nil

	if i.Provider.UsesOAuth() {
		if hasCalDAV {
			return fmt.Errorf("%s integration must not carry caldav credentials", i.Provider)
		}
		if Deref(i.AccessToken) == "" {
			return fmt.Errorf("%s integration requires an access token", i.Provider)
		}
		return nil
	}

	if hasTokens {
		return fmt.Errorf("%s integration must not carry oauth tokens", i.Provider)
	}
	if Deref(i.CalDAVUsername) == "" || Deref(i.CalDAVPassword) == "" {
		return fmt.Errorf("%s integration requires a caldav username and app-specific password", i.Provider)
	}
	return nil
}
