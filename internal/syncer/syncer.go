package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"calsync/internal/apperr"
	"calsync/internal/conflict"
	"calsync/internal/credentials"
	"calsync/internal/models"
	"calsync/internal/provider"
)

// Store is the persistence a sync run touches.
type Store interface {
	ClaimRun(ctx context.Context, run *models.SyncRun) error
	FinishRun(ctx context.Context, run *models.SyncRun) error
	RecordSyncOutcome(ctx context.Context, integrationID string, status models.RunStatus, errMsg *string, at time.Time) error

	PendingCreates(ctx context.Context, userID string, p models.Provider, calendarTypeID *string) ([]*models.Event, error)
	PendingUpdates(ctx context.Context, userID string, p models.Provider, calendarTypeID *string) ([]*models.Event, error)
	PendingDeletes(ctx context.Context, userID string, p models.Provider, calendarTypeID *string) ([]*models.Event, error)
	FindByExternalID(ctx context.Context, userID string, p models.Provider, externalID string) (*models.Event, error)
	InsertEvent(ctx context.Context, e *models.Event) error
	UpdateEvent(ctx context.Context, e *models.Event) error
	PurgeEvent(ctx context.Context, id string) error
}

// Credentials loads and refreshes provider credentials.
type Credentials interface {
	Get(ctx context.Context, userID string, p models.Provider) (credentials.Credentials, error)
	EnsureFresh(ctx context.Context, creds credentials.Credentials) (credentials.Credentials, error)
}

// Providers builds clients and mappers per provider.
type Providers interface {
	Connect(ctx context.Context, creds credentials.Credentials) (provider.Client, error)
	Mapper(p models.Provider) (provider.Mapper, error)
}

// Reconciler settles pulled events against stored ones.
type Reconciler interface {
	Reconcile(ctx context.Context, p models.Provider, local, external *models.Event) (conflict.Outcome, error)
	RecordPermissionError(ctx context.Context, p models.Provider, local *models.Event, cause error) (*models.Conflict, error)
}

// Window configures the pull range relative to now.
type Window struct {
	PastMonths   int
	FutureMonths int
}

// DefaultWindow is one month back through six months ahead.
var DefaultWindow = Window{PastMonths: 1, FutureMonths: 6}

// Option configures a Syncer.
type Option func(*Syncer)

// WithWindow overrides the pull window.
func WithWindow(w Window) Option {
	return func(s *Syncer) { s.window = w }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// Syncer orchestrates sync runs between the internal store and the providers.
type Syncer struct {
	logger    *zap.SugaredLogger
	store     Store
	creds     Credentials
	providers Providers
	resolver  Reconciler
	window    Window
	now       func() time.Time
}

// NewSyncer creates a new Syncer.
func NewSyncer(logger *zap.SugaredLogger, store Store, creds Credentials, providers Providers, resolver Reconciler, opts ...Option) *Syncer {
	s := &Syncer{
		logger:    logger,
		store:     store,
		creds:     creds,
		providers: providers,
		resolver:  resolver,
		window:    DefaultWindow,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// target is the resolved destination of one run.
type target struct {
	provider       models.Provider
	client         provider.Client
	mapper         provider.Mapper
	calendar       string
	calendarTypeID *string
}

// run accumulates the outcome of one SyncCalendar call.
type run struct {
	rec    *models.SyncRun
	logger *zap.SugaredLogger
	errs   []string
	fatal  error
	done   bool
	// held lists events whose push failed in this run; the pull pass leaves them alone.
	held map[string]bool
}

func (r *run) addError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.errs = append(r.errs, msg)
	r.logger.Warnw("Sync step failed.", "error", msg)
}

func (r *run) status() models.RunStatus {
	switch {
	case r.fatal != nil:
		return models.RunStatusError
	case len(r.errs) == 0:
		return models.RunStatusSuccess
	case r.rec.EventsProcessed == 0:
		return models.RunStatusError
	default:
		return models.RunStatusPartialSuccess
	}
}

func (r *run) messages() []string {
	out := make([]string, 0, len(r.errs)+1)
	if r.fatal != nil {
		out = append(out, r.fatal.Error())
	}
	return append(out, r.errs...)
}

// SyncCalendar performs one sync run. A concurrent run for the same user and provider fails fast with
// SyncAlreadyRunning and leaves no trace. Every claimed run is finalized exactly once; run-level failures
// are returned alongside the finalized result.
func (s *Syncer) SyncCalendar(ctx context.Context, opts models.SyncOptions) (result *models.SyncResult, err error) {
	if err := opts.Normalize(); err != nil {
		return nil, apperr.Validation(err.Error())
	}

	started := s.now()
	rec := &models.SyncRun{
		UserID:        opts.UserID,
		Provider:      opts.Provider,
		SyncType:      opts.SyncType,
		SyncDirection: opts.Direction,
		StartedAt:     started.UTC(),
	}
	if err := s.store.ClaimRun(ctx, rec); err != nil {
		if errors.Is(err, apperr.ErrSyncAlreadyRunning) {
			s.logger.Infow("Sync already running, request dropped.", "user", opts.UserID, "provider", opts.Provider, "type", opts.SyncType)
		}
		return nil, err
	}

	r := &run{rec: rec, logger: s.logger.With("run", rec.ID, "user", opts.UserID, "provider", opts.Provider)}
	r.logger.Infow("Starting sync run.", "direction", opts.Direction, "type", opts.SyncType)

	defer func() {
		if !r.done && r.fatal == nil {
			r.fatal = errors.New("sync run aborted")
		}
		result = s.finalize(ctx, r, started)
		if r.fatal != nil {
			err = r.fatal
		}
	}()

	r.fatal = s.execute(ctx, r, opts)
	r.done = true
	return result, nil
}

func (s *Syncer) execute(ctx context.Context, r *run, opts models.SyncOptions) error {
	t, err := s.connect(ctx, r, opts)
	if err != nil {
		return err
	}
	if opts.Direction.Pushes() {
		s.push(ctx, r, t)
	}
	if opts.Direction.Pulls() {
		s.pull(ctx, r, t)
	}
	return nil
}

// connect loads fresh credentials, builds the client and resolves the target calendar.
func (s *Syncer) connect(ctx context.Context, r *run, opts models.SyncOptions) (*target, error) {
	creds, err := s.creds.Get(ctx, opts.UserID, opts.Provider)
	if err != nil {
		return nil, err
	}
	integrationID := creds.Reference().IntegrationID
	r.rec.IntegrationID = &integrationID

	creds, err = s.creds.EnsureFresh(ctx, creds)
	if err != nil {
		return nil, err
	}
	mapper, err := s.providers.Mapper(opts.Provider)
	if err != nil {
		return nil, err
	}
	client, err := s.providers.Connect(ctx, creds)
	if err != nil {
		return nil, err
	}

	calendar := opts.ExternalCalendarID
	if calendar == "" {
		cals, err := client.ListCalendars(ctx)
		if err != nil {
			return nil, err
		}
		picked, ok := provider.PickCalendar(cals)
		if !ok {
			return nil, apperr.NotFound(fmt.Sprintf("writable %s calendar", opts.Provider))
		}
		calendar = picked.ID
		r.logger.Debugw("Resolved target calendar.", "calendar", picked.ID, "name", picked.Name)
	}

	return &target{
		provider:       opts.Provider,
		client:         client,
		mapper:         mapper,
		calendar:       calendar,
		calendarTypeID: opts.CalendarTypeID,
	}, nil
}

// finalize writes the terminal run record and the integration's last outcome.
// It runs detached from ctx so a cancelled run still releases its claim.
func (s *Syncer) finalize(ctx context.Context, r *run, started time.Time) *models.SyncResult {
	ctx = context.WithoutCancel(ctx)
	now := s.now()
	completed := now.UTC()
	errs := r.messages()

	rec := r.rec
	rec.Status = r.status()
	rec.ExecutionTimeMs = now.Sub(started).Milliseconds()
	rec.CompletedAt = &completed
	rec.Errors = strings.Join(errs, "\n")
	rec.ErrorMessage = nil
	if len(errs) > 0 {
		rec.ErrorMessage = &errs[0]
	}

	if err := s.store.FinishRun(ctx, rec); err != nil {
		r.logger.Errorw("Failed to finalize sync run.", "error", err)
	}
	if rec.IntegrationID != nil {
		if err := s.store.RecordSyncOutcome(ctx, *rec.IntegrationID, rec.Status, rec.ErrorMessage, completed); err != nil {
			r.logger.Errorw("Failed to record sync outcome on integration.", "error", err)
		}
	}

	r.logger.Infow("Sync run finished.",
		"status", rec.Status,
		"processed", rec.EventsProcessed,
		"created", rec.EventsCreated,
		"updated", rec.EventsUpdated,
		"deleted", rec.EventsDeleted,
		"conflicts", rec.ConflictsDetected,
		"errors", len(errs),
		"ms", rec.ExecutionTimeMs,
	)

	return &models.SyncResult{
		Success:           rec.Status == models.RunStatusSuccess,
		Status:            rec.Status,
		RunID:             rec.ID,
		EventsProcessed:   rec.EventsProcessed,
		EventsCreated:     rec.EventsCreated,
		EventsUpdated:     rec.EventsUpdated,
		EventsDeleted:     rec.EventsDeleted,
		ConflictsDetected: rec.ConflictsDetected,
		ExecutionTimeMs:   rec.ExecutionTimeMs,
		Errors:            errs,
	}
}

// pullWindow returns the pull range around now.
func (s *Syncer) pullWindow() models.Window {
	now := s.now().UTC()
	return models.Window{
		Start: now.AddDate(0, -s.window.PastMonths, 0),
		End:   now.AddDate(0, s.window.FutureMonths, 0),
	}
}
