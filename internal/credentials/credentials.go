// Package credentials loads, refreshes and persists per-user provider credentials.
package credentials

import (
	"time"

	"golang.org/x/oauth2"

	"calsync/internal/models"
)

// Ref identifies the integration record a credential set was loaded from.
type Ref struct {
	IntegrationID string
	UserID        string
}

// Reference returns the owning integration.
func (r Ref) Reference() Ref { return r }

// Credentials is either *OAuth or *Basic.
type Credentials interface {
	Provider() models.Provider
	Reference() Ref
}

// OAuth is a bearer/refresh token pair for Google or Outlook.
type OAuth struct {
	Ref
	ProviderName models.Provider
	AccessToken  string
	RefreshToken string
	// Expiry is zero when the provider did not report one.
	Expiry time.Time
}

func (c *OAuth) Provider() models.Provider { return c.ProviderName }

// Expired reports whether the access token is at or past its expiry, allowing for skew.
func (c *OAuth) Expired(now time.Time, skew time.Duration) bool {
	if c.Expiry.IsZero() {
		return false
	}
	return !c.Expiry.After(now.Add(skew))
}

// Token converts the credentials to an oauth2 token for HTTP clients.
func (c *OAuth) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: c.RefreshToken,
		Expiry:       c.Expiry,
	}
}

// Basic is a static CalDAV username and app-specific password.
type Basic struct {
	Ref
	URL      string
	Username string
	Password string
}

func (c *Basic) Provider() models.Provider { return models.ProviderApple }
