package credentials

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"calsync/internal/apperr"
	"calsync/internal/models"
)

type memStore struct {
	mu   sync.Mutex
	rows map[string]*models.Integration
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]*models.Integration)}
}

func key(userID string, p models.Provider) string { return userID + "/" + string(p) }

func (s *memStore) GetIntegration(_ context.Context, userID string, p models.Provider) (*models.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.rows[key(userID, p)]
	if !ok {
		return nil, apperr.NotFound("integration")
	}
	c := *in
	return &c, nil
}

func (s *memStore) UpsertIntegration(_ context.Context, in *models.Integration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *in
	s.rows[key(in.UserID, in.Provider)] = &c
	return nil
}

func (s *memStore) UpdateTokens(_ context.Context, id, access string, refresh *string, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range s.rows {
		if in.ID == id {
			in.AccessToken = &access
			in.RefreshToken = refresh
			in.ExpiresAt = expiresAt
			return nil
		}
	}
	return apperr.NotFound("integration")
}

func (s *memStore) DeactivateIntegration(_ context.Context, userID string, p models.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.rows[key(userID, p)]
	if !ok {
		return apperr.NotFound("integration")
	}
	in.IsActive = false
	return nil
}

func tokenServer(t *testing.T, calls *int32, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"fresh-access","token_type":"Bearer","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestManager(t *testing.T, store Store, tokenURL string, opts ...Option) *Manager {
	t.Helper()
	cfg := &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams},
	}
	opts = append([]Option{WithOAuthConfig(models.ProviderGoogle, cfg)}, opts...)
	return NewManager(zap.NewNop().Sugar(), store, opts...)
}

func connectGoogle(t *testing.T, m *Manager, expiry time.Time, refresh string) {
	t.Helper()
	access := "stale-access"
	in := &models.Integration{
		UserID:       "u1",
		Provider:     models.ProviderGoogle,
		AccessToken:  &access,
		RefreshToken: models.StringPtr(refresh),
		ExpiresAt:    &expiry,
	}
	require.NoError(t, m.Connect(context.Background(), in))
}

func TestEnsureFreshRefreshesOnceAndPersists(t *testing.T) {
	var calls int32
	srv := tokenServer(t, &calls, http.StatusOK)
	store := newMemStore()
	m := newTestManager(t, store, srv.URL)
	ctx := context.Background()

	connectGoogle(t, m, time.Now().Add(-time.Minute), "refresh-1")

	creds, err := m.Get(ctx, "u1", models.ProviderGoogle)
	require.NoError(t, err)

	fresh, err := m.EnsureFresh(ctx, creds)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	oc := fresh.(*OAuth)
	assert.Equal(t, "fresh-access", oc.AccessToken)
	assert.Equal(t, "refresh-1", oc.RefreshToken, "refresh token is kept when the provider omits it")
	assert.True(t, oc.Expiry.After(time.Now()))

	stored, err := store.GetIntegration(ctx, "u1", models.ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", models.Deref(stored.AccessToken))
	assert.Equal(t, "refresh-1", models.Deref(stored.RefreshToken))
	require.NotNil(t, stored.ExpiresAt)

	again, err := m.EnsureFresh(ctx, fresh)
	require.NoError(t, err)
	assert.Same(t, fresh, again)

	reloaded, err := m.Get(ctx, "u1", models.ProviderGoogle)
	require.NoError(t, err)
	_, err = m.EnsureFresh(ctx, reloaded)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestEnsureFreshTreatsExpiryAtNowAsExpired(t *testing.T) {
	var calls int32
	srv := tokenServer(t, &calls, http.StatusOK)
	now := time.Now().Truncate(time.Second)
	m := newTestManager(t, newMemStore(), srv.URL, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	connectGoogle(t, m, now, "refresh-1")
	creds, err := m.Get(ctx, "u1", models.ProviderGoogle)
	require.NoError(t, err)

	_, err = m.EnsureFresh(ctx, creds)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestEnsureFreshWithoutRefreshToken(t *testing.T) {
	var calls int32
	srv := tokenServer(t, &calls, http.StatusOK)
	m := newTestManager(t, newMemStore(), srv.URL)

	creds := &OAuth{Ref: Ref{IntegrationID: "i1"}, ProviderName: models.ProviderGoogle, AccessToken: "a", Expiry: time.Now().Add(-time.Hour)}
	_, err := m.EnsureFresh(context.Background(), creds)
	assert.ErrorIs(t, err, apperr.ErrRefreshTokenMissing)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestEnsureFreshRejectedRefresh(t *testing.T) {
	var calls int32
	srv := tokenServer(t, &calls, http.StatusBadRequest)
	store := newMemStore()
	m := newTestManager(t, store, srv.URL)
	ctx := context.Background()

	connectGoogle(t, m, time.Now().Add(-time.Minute), "revoked")
	creds, err := m.Get(ctx, "u1", models.ProviderGoogle)
	require.NoError(t, err)

	_, err = m.EnsureFresh(ctx, creds)
	assert.ErrorIs(t, err, apperr.ErrRefreshFailed)

	stored, err := store.GetIntegration(ctx, "u1", models.ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "stale-access", models.Deref(stored.AccessToken))
}

func TestEnsureFreshConcurrentCallersShareRefresh(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"shared","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	m := newTestManager(t, newMemStore(), srv.URL)
	ctx := context.Background()
	connectGoogle(t, m, time.Now().Add(-time.Minute), "refresh-1")
	creds, err := m.Get(ctx, "u1", models.ProviderGoogle)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]Credentials, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := m.EnsureFresh(ctx, creds)
			assert.NoError(t, err)
			results[i] = c
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, c := range results {
		assert.Equal(t, "shared", c.(*OAuth).AccessToken)
	}
}

func TestBasicCredentialsPassThrough(t *testing.T) {
	m := newTestManager(t, newMemStore(), "http://unused")
	ctx := context.Background()

	_, err := m.ConnectCalDAV(ctx, "u1", "", "me@icloud.com", "app-pass")
	require.NoError(t, err)

	creds, err := m.Get(ctx, "u1", models.ProviderApple)
	require.NoError(t, err)
	basic, ok := creds.(*Basic)
	require.True(t, ok)
	assert.Equal(t, models.DefaultCalDAVURL, basic.URL)
	assert.Equal(t, "app-pass", basic.Password)

	same, err := m.EnsureFresh(ctx, creds)
	require.NoError(t, err)
	assert.Same(t, creds, same)
}

func TestGetMissingAndInactive(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, store, "http://unused")
	ctx := context.Background()

	_, err := m.Get(ctx, "nobody", models.ProviderOutlook)
	assert.ErrorIs(t, err, apperr.ErrIntegrationNotFound)

	connectGoogle(t, m, time.Now().Add(time.Hour), "r")
	require.NoError(t, m.Disconnect(ctx, "u1", models.ProviderGoogle))

	_, err = m.Get(ctx, "u1", models.ProviderGoogle)
	assert.ErrorIs(t, err, apperr.ErrIntegrationInactive)

	err = m.Disconnect(ctx, "nobody", models.ProviderGoogle)
	assert.ErrorIs(t, err, apperr.ErrIntegrationNotFound)
}

func TestConnectRejectsMixedCredentials(t *testing.T) {
	m := newTestManager(t, newMemStore(), "http://unused")
	access, user := "a", "me"
	err := m.Connect(context.Background(), &models.Integration{
		UserID:         "u1",
		Provider:       models.ProviderGoogle,
		AccessToken:    &access,
		CalDAVUsername: &user,
	})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestSealedColumnsRoundTrip(t *testing.T) {
	box, err := NewBox("correct horse battery staple")
	require.NoError(t, err)
	store := newMemStore()
	m := newTestManager(t, store, "http://unused", WithSealer(box))
	ctx := context.Background()

	connectGoogle(t, m, time.Now().Add(time.Hour), "refresh-1")

	raw, err := store.GetIntegration(ctx, "u1", models.ProviderGoogle)
	require.NoError(t, err)
	assert.NotEqual(t, "stale-access", models.Deref(raw.AccessToken))
	assert.Contains(t, models.Deref(raw.AccessToken), sealedPrefix)

	creds, err := m.Get(ctx, "u1", models.ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "stale-access", creds.(*OAuth).AccessToken)
	assert.Equal(t, "refresh-1", creds.(*OAuth).RefreshToken)
}

func TestBoxOpenPassesLegacyPlaintext(t *testing.T) {
	box, err := NewBox("k")
	require.NoError(t, err)

	v, err := box.Open("plain-token")
	require.NoError(t, err)
	assert.Equal(t, "plain-token", v)

	other, err := NewBox("other")
	require.NoError(t, err)
	sealed, err := box.Seal("secret")
	require.NoError(t, err)
	_, err = other.Open(sealed)
	assert.Error(t, err)
}
