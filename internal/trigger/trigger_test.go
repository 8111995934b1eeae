package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"calsync/internal/apperr"
	"calsync/internal/models"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []models.SyncOptions
	err   map[string]error // by user id
	res   *models.SyncResult
}

func (f *fakeRunner) SyncCalendar(_ context.Context, opts models.SyncOptions) (*models.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opts)
	if err := f.err[opts.UserID]; err != nil {
		return nil, err
	}
	if f.res != nil {
		return f.res, nil
	}
	return &models.SyncResult{Success: true, Status: models.RunStatusSuccess, Errors: []string{}}, nil
}

func (f *fakeRunner) users() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, string(c.Provider)+"/"+c.UserID+"/"+string(c.SyncType))
	}
	sort.Strings(out)
	return out
}

func newRouter(runner SyncRunner) (*mux.Router, *Handlers) {
	h := NewHandlers(context.Background(), zap.NewNop().Sugar(), runner, nil)
	router := mux.NewRouter()
	h.Routes(router)
	return router, h
}

func TestGoogleWebhook(t *testing.T) {
	runner := &fakeRunner{}
	router, h := newRouter(runner)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/google", nil)
	req.Header.Set("X-Goog-Resource-State", "sync")
	req.Header.Set("X-Goog-Channel-Token", "u1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/webhooks/google", nil)
	req.Header.Set("X-Goog-Resource-State", "exists")
	req.Header.Set("X-Goog-Channel-Token", "u1")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/webhooks/google", nil)
	req.Header.Set("X-Goog-Resource-State", "exists")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h.Wait()
	assert.Equal(t, []string{"google/u1/webhook"}, runner.users(), "handshake does not start a run")
}

func TestOutlookWebhook(t *testing.T) {
	runner := &fakeRunner{err: map[string]error{"busy": apperr.SyncAlreadyRunning("busy", "outlook")}}
	router, h := newRouter(runner)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/outlook?validationToken=abc%20123", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc 123", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))

	body := `{"value":[
		{"subscriptionId":"s1","clientState":"u1","changeType":"updated"},
		{"subscriptionId":"s1","clientState":"u1","changeType":"created"},
		{"subscriptionId":"s2","clientState":"busy","changeType":"deleted"}]}`
	req = httptest.NewRequest(http.MethodPost, "/webhooks/outlook", strings.NewReader(body))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	h.Wait()
	assert.Equal(t, []string{"outlook/busy/webhook", "outlook/u1/webhook"}, runner.users())

	req = httptest.NewRequest(http.MethodPost, "/webhooks/outlook", strings.NewReader("not json"))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestManualSync(t *testing.T) {
	runner := &fakeRunner{err: map[string]error{"ghost": apperr.IntegrationNotFound("ghost", "google")}}
	router, _ := newRouter(runner)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync",
		strings.NewReader(`{"provider":"google","user_id":"u1","direction":"push","sync_type":"webhook"}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	var res models.SyncResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, []string{"google/u1/manual"}, runner.users())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync", strings.NewReader(`{"provider":"google","user_id":"ghost"}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "integration_not_found")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync", strings.NewReader(`{`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sync", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

type fakePinger struct{ err error }

func (f fakePinger) Health(context.Context) error { return f.err }

func TestHealthCheck(t *testing.T) {
	h := NewHandlers(context.Background(), zap.NewNop().Sugar(), &fakeRunner{}, fakePinger{err: errors.New("db down")})
	router := mux.NewRouter()
	h.Routes(router)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type fakeLister struct{ integrations []*models.Integration }

func (f fakeLister) ListActiveIntegrations(context.Context) ([]*models.Integration, error) {
	return f.integrations, nil
}

func TestSchedulerRunOnce(t *testing.T) {
	runner := &fakeRunner{err: map[string]error{"u2": errors.New("boom")}}
	lister := fakeLister{integrations: []*models.Integration{
		{UserID: "u1", Provider: models.ProviderGoogle},
		{UserID: "u2", Provider: models.ProviderApple},
		{UserID: "u1", Provider: models.ProviderOutlook},
	}}

	s, err := NewScheduler(context.Background(), zap.NewNop().Sugar(), lister, runner, "@every 1h")
	require.NoError(t, err)
	require.NoError(t, s.RunOnce(context.Background()))

	assert.Equal(t, []string{"apple/u2/scheduled", "google/u1/scheduled", "outlook/u1/scheduled"}, runner.users())
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	_, err := NewScheduler(context.Background(), zap.NewNop().Sugar(), fakeLister{}, &fakeRunner{}, "every tuesday")
	assert.Error(t, err)
}
