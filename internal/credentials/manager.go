package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"calsync/internal/apperr"
	"calsync/internal/models"
)

// Store is the persistence the manager needs for integration records.
type Store interface {
	GetIntegration(ctx context.Context, userID string, p models.Provider) (*models.Integration, error)
	UpsertIntegration(ctx context.Context, in *models.Integration) error
	UpdateTokens(ctx context.Context, integrationID, accessToken string, refreshToken *string, expiresAt *time.Time) error
	DeactivateIntegration(ctx context.Context, userID string, p models.Provider) error
}

// Manager produces valid credentials for a (user, provider) pair.
type Manager struct {
	store  Store
	oauth  map[models.Provider]*oauth2.Config
	sealer Sealer
	logger *zap.SugaredLogger
	group  singleflight.Group

	// Skew refreshes tokens this long before they actually expire.
	Skew time.Duration
	now  func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithSealer encrypts secret columns at rest.
func WithSealer(s Sealer) Option {
	return func(m *Manager) {
		if s != nil {
			m.sealer = s
		}
	}
}

// WithOAuthConfig registers the OAuth client used to refresh and exchange tokens for p.
func WithOAuthConfig(p models.Provider, cfg *oauth2.Config) Option {
	return func(m *Manager) { m.oauth[p] = cfg }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a credential manager.
func NewManager(logger *zap.SugaredLogger, store Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		oauth:  make(map[models.Provider]*oauth2.Config),
		sealer: plainSealer{},
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get loads the credentials stored for userID on provider p.
func (m *Manager) Get(ctx context.Context, userID string, p models.Provider) (Credentials, error) {
	in, err := m.store.GetIntegration(ctx, userID, p)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.IntegrationNotFound(userID, string(p))
		}
		return nil, fmt.Errorf("failed to load %s integration: %w", p, err)
	}
	if !in.IsActive {
		return nil, apperr.IntegrationInactive(userID, string(p))
	}
	return m.open(in)
}

// EnsureFresh returns credentials that are valid now, refreshing and persisting OAuth tokens when expired.
// Basic credentials have no refresh concept and are returned unchanged.
func (m *Manager) EnsureFresh(ctx context.Context, creds Credentials) (Credentials, error) {
	c, ok := creds.(*OAuth)
	if !ok || !c.Expired(m.now(), m.Skew) {
		return creds, nil
	}
	if c.RefreshToken == "" {
		return nil, apperr.RefreshTokenMissing(string(c.ProviderName))
	}

	// Concurrent callers for the same integration share one refresh.
	v, err, _ := m.group.Do(c.IntegrationID, func() (interface{}, error) {
		return m.refresh(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	return v.(*OAuth), nil
}

func (m *Manager) refresh(ctx context.Context, c *OAuth) (*OAuth, error) {
	cfg, ok := m.oauth[c.ProviderName]
	if !ok {
		return nil, apperr.New(apperr.KindConfig, fmt.Sprintf("no oauth client configured for %s", c.ProviderName), nil)
	}

	m.logger.Debugw("Refreshing access token.", "provider", c.ProviderName, "integration", c.IntegrationID)
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: c.RefreshToken}).Token()
	if err != nil {
		return nil, apperr.RefreshFailed(string(c.ProviderName), err)
	}

	fresh := *c
	fresh.AccessToken = tok.AccessToken
	fresh.Expiry = tok.Expiry
	if tok.RefreshToken != "" {
		fresh.RefreshToken = tok.RefreshToken
	}

	if err := m.persistTokens(ctx, &fresh); err != nil {
		return nil, err
	}
	m.logger.Infow("Refreshed access token.", "provider", c.ProviderName, "integration", c.IntegrationID, "expires", fresh.Expiry)
	return &fresh, nil
}

func (m *Manager) persistTokens(ctx context.Context, c *OAuth) error {
	access, err := m.sealer.Seal(c.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to seal access token: %w", err)
	}
	refresh, err := m.sealer.Seal(c.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to seal refresh token: %w", err)
	}
	var expiry *time.Time
	if !c.Expiry.IsZero() {
		t := c.Expiry.UTC()
		expiry = &t
	}
	if err := m.store.UpdateTokens(ctx, c.IntegrationID, access, models.StringPtr(refresh), expiry); err != nil {
		return fmt.Errorf("failed to persist refreshed token: %w", err)
	}
	return nil
}

// AuthCodeURL returns the consent URL for an OAuth provider.
func (m *Manager) AuthCodeURL(p models.Provider, state string) (string, error) {
	cfg, ok := m.oauth[p]
	if !ok {
		return "", apperr.New(apperr.KindConfig, fmt.Sprintf("no oauth client configured for %s", p), nil)
	}
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// Exchange trades an authorization code for tokens and stores them as the user's active integration.
func (m *Manager) Exchange(ctx context.Context, userID string, p models.Provider, code string) (*models.Integration, error) {
	cfg, ok := m.oauth[p]
	if !ok {
		return nil, apperr.New(apperr.KindConfig, fmt.Sprintf("no oauth client configured for %s", p), nil)
	}
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange %s authorization code: %w", p, err)
	}
	in := &models.Integration{
		UserID:       userID,
		Provider:     p,
		AccessToken:  &tok.AccessToken,
		RefreshToken: models.StringPtr(tok.RefreshToken),
	}
	if !tok.Expiry.IsZero() {
		t := tok.Expiry.UTC()
		in.ExpiresAt = &t
	}
	if err := m.Connect(ctx, in); err != nil {
		return nil, err
	}
	return in, nil
}

// ConnectCalDAV stores an Apple integration using an app-specific password.
func (m *Manager) ConnectCalDAV(ctx context.Context, userID, url, username, password string) (*models.Integration, error) {
	if url == "" {
		url = models.DefaultCalDAVURL
	}
	in := &models.Integration{
		UserID:         userID,
		Provider:       models.ProviderApple,
		CalDAVURL:      &url,
		CalDAVUsername: &username,
		CalDAVPassword: &password,
	}
	if err := m.Connect(ctx, in); err != nil {
		return nil, err
	}
	return in, nil
}

// Connect validates, seals and upserts an integration, marking it active.
func (m *Manager) Connect(ctx context.Context, in *models.Integration) error {
	if err := in.Validate(); err != nil {
		return apperr.Validation(err.Error())
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	in.IsActive = true

	sealed := *in
	for _, f := range []struct {
		src *string
		dst **string
	}{
		{in.AccessToken, &sealed.AccessToken},
		{in.RefreshToken, &sealed.RefreshToken},
		{in.CalDAVPassword, &sealed.CalDAVPassword},
	} {
		if f.src == nil {
			continue
		}
		v, err := m.sealer.Seal(*f.src)
		if err != nil {
			return fmt.Errorf("failed to seal credentials: %w", err)
		}
		*f.dst = &v
	}

	if err := m.store.UpsertIntegration(ctx, &sealed); err != nil {
		return fmt.Errorf("failed to store %s integration: %w", in.Provider, err)
	}
	in.ID = sealed.ID
	m.logger.Infow("Connected calendar integration.", "provider", in.Provider, "user", in.UserID)
	return nil
}

// Disconnect deactivates the user's integration. The record is kept.
func (m *Manager) Disconnect(ctx context.Context, userID string, p models.Provider) error {
	if err := m.store.DeactivateIntegration(ctx, userID, p); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return apperr.IntegrationNotFound(userID, string(p))
		}
		return fmt.Errorf("failed to disconnect %s integration: %w", p, err)
	}
	return nil
}

func (m *Manager) open(in *models.Integration) (Credentials, error) {
	ref := Ref{IntegrationID: in.ID, UserID: in.UserID}
	if in.Provider.UsesOAuth() {
		access, err := m.sealer.Open(models.Deref(in.AccessToken))
		if err != nil {
			return nil, fmt.Errorf("failed to open access token: %w", err)
		}
		refresh, err := m.sealer.Open(models.Deref(in.RefreshToken))
		if err != nil {
			return nil, fmt.Errorf("failed to open refresh token: %w", err)
		}
		c := &OAuth{Ref: ref, ProviderName: in.Provider, AccessToken: access, RefreshToken: refresh}
		if in.ExpiresAt != nil {
			c.Expiry = *in.ExpiresAt
		}
		return c, nil
	}

	password, err := m.sealer.Open(models.Deref(in.CalDAVPassword))
	if err != nil {
		return nil, fmt.Errorf("failed to open caldav password: %w", err)
	}
	url := models.Deref(in.CalDAVURL)
	if url == "" {
		url = models.DefaultCalDAVURL
	}
	return &Basic{Ref: ref, URL: url, Username: models.Deref(in.CalDAVUsername), Password: password}, nil
}
