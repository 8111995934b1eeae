// Package trigger turns webhooks, manual requests and a schedule into SyncCalendar calls.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"calsync/internal/apperr"
	"calsync/internal/models"
)

// SyncRunner is the sync entry point.
type SyncRunner interface {
	SyncCalendar(ctx context.Context, opts models.SyncOptions) (*models.SyncResult, error)
}

// Pinger reports storage health.
type Pinger interface {
	Health(ctx context.Context) error
}

// Handlers serves the webhook and manual trigger endpoints.
type Handlers struct {
	runner SyncRunner
	health Pinger
	logger *zap.SugaredLogger
	// ctx bounds background runs started by webhooks; it outlives the request.
	ctx context.Context
	wg  sync.WaitGroup
}

// NewHandlers creates the handlers. Background runs use ctx.
func NewHandlers(ctx context.Context, logger *zap.SugaredLogger, runner SyncRunner, health Pinger) *Handlers {
	return &Handlers{runner: runner, health: health, logger: logger, ctx: ctx}
}

// Routes registers every endpoint on router.
func (h *Handlers) Routes(router *mux.Router) {
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.HandleFunc("/sync", h.HandleSync).Methods("POST")
	router.HandleFunc("/webhooks/google", h.HandleGoogleWebhook).Methods("POST")
	router.HandleFunc("/webhooks/outlook", h.HandleOutlookWebhook).Methods("POST")
}

// Wait blocks until background runs have finished.
func (h *Handlers) Wait() { h.wg.Wait() }

// HealthCheck reports whether the store is reachable.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleSync runs a manual sync and returns its result.
func (h *Handlers) HandleSync(w http.ResponseWriter, r *http.Request) {
	var opts models.SyncOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	opts.SyncType = models.SyncTypeManual

	res, err := h.runner.SyncCalendar(r.Context(), opts)
	if err != nil {
		status := statusFor(err)
		if res == nil {
			writeJSON(w, status, map[string]string{"error": err.Error(), "kind": string(apperr.KindOf(err))})
			return
		}
		writeJSON(w, status, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleGoogleWebhook accepts a Google push notification. The channel token carries the user id.
func (h *Handlers) HandleGoogleWebhook(w http.ResponseWriter, r *http.Request) {
	state := r.Header.Get("X-Goog-Resource-State")
	if state == "sync" {
		h.logger.Debugw("Acknowledged Google channel handshake.", "channel", r.Header.Get("X-Goog-Channel-ID"))
		w.WriteHeader(http.StatusOK)
		return
	}
	userID := strings.TrimSpace(r.Header.Get("X-Goog-Channel-Token"))
	if userID == "" {
		http.Error(w, "missing channel token", http.StatusBadRequest)
		return
	}
	h.logger.Infow("Received Google change notification.", "user", userID, "state", state)
	h.runInBackground(models.ProviderGoogle, userID)
	w.WriteHeader(http.StatusAccepted)
}

type graphNotifications struct {
	Value []struct {
		SubscriptionID string `json:"subscriptionId"`
		ClientState    string `json:"clientState"`
		ChangeType     string `json:"changeType"`
	} `json:"value"`
}

// HandleOutlookWebhook accepts Graph change notifications and answers subscription validation.
func (h *Handlers) HandleOutlookWebhook(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(token))
		return
	}

	var body graphNotifications
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid notification body", http.StatusBadRequest)
		return
	}

	seen := make(map[string]bool)
	for _, n := range body.Value {
		userID := strings.TrimSpace(n.ClientState)
		if userID == "" || seen[userID] {
			continue
		}
		seen[userID] = true
		h.logger.Infow("Received Outlook change notification.", "user", userID, "subscription", n.SubscriptionID, "change", n.ChangeType)
		h.runInBackground(models.ProviderOutlook, userID)
	}
	w.WriteHeader(http.StatusAccepted)
}

// runInBackground starts a webhook sync. A run already in progress for the pair drops this one.
func (h *Handlers) runInBackground(p models.Provider, userID string) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		_, err := h.runner.SyncCalendar(h.ctx, models.SyncOptions{
			Provider: p,
			UserID:   userID,
			SyncType: models.SyncTypeWebhook,
		})
		switch {
		case err == nil:
		case errors.Is(err, apperr.ErrSyncAlreadyRunning):
			h.logger.Debugw("Dropped webhook sync, run in progress.", "provider", p, "user", userID)
		default:
			h.logger.Warnw("Webhook sync failed.", "provider", p, "user", userID, "error", err)
		}
	}()
}

func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindIntegrationNotFound:
		return http.StatusNotFound
	case apperr.KindSyncAlreadyRunning, apperr.KindIntegrationInactive:
		return http.StatusConflict
	case apperr.KindRefreshTokenMissing, apperr.KindRefreshFailed, apperr.KindProviderRejected:
		return http.StatusUnprocessableEntity
	case apperr.KindProviderUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
