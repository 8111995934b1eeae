package trigger

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"calsync/internal/apperr"
	"calsync/internal/models"
)

// IntegrationLister lists the integrations that should be synced on schedule.
type IntegrationLister interface {
	ListActiveIntegrations(ctx context.Context) ([]*models.Integration, error)
}

// Scheduler runs a scheduled sync for every active integration on a cron schedule.
type Scheduler struct {
	cron        *cron.Cron
	lister      IntegrationLister
	runner      SyncRunner
	logger      *zap.SugaredLogger
	ctx         context.Context
	concurrency int
}

// NewScheduler creates a scheduler for spec, which accepts standard cron expressions and descriptors like "@every 15m".
func NewScheduler(ctx context.Context, logger *zap.SugaredLogger, lister IntegrationLister, runner SyncRunner, spec string) (*Scheduler, error) {
	s := &Scheduler{
		cron:        cron.New(),
		lister:      lister,
		runner:      runner,
		logger:      logger,
		ctx:         ctx,
		concurrency: 4,
	}
	if _, err := s.cron.AddFunc(spec, func() {
		if err := s.RunOnce(s.ctx); err != nil {
			s.logger.Warnw("Scheduled sync sweep failed.", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid sync schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins running the schedule in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Infow("Started sync scheduler.", "entries", len(s.cron.Entries()))
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce syncs every active integration. Per-integration failures are logged, not returned.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	integrations, err := s.lister.ListActiveIntegrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to list integrations: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, in := range integrations {
		g.Go(func() error {
			res, err := s.runner.SyncCalendar(ctx, models.SyncOptions{
				Provider: in.Provider,
				UserID:   in.UserID,
				SyncType: models.SyncTypeScheduled,
			})
			switch {
			case errors.Is(err, apperr.ErrSyncAlreadyRunning):
				s.logger.Debugw("Skipped scheduled sync, run in progress.", "provider", in.Provider, "user", in.UserID)
			case err != nil:
				s.logger.Warnw("Scheduled sync failed.", "provider", in.Provider, "user", in.UserID, "error", err)
			default:
				s.logger.Debugw("Scheduled sync done.", "provider", in.Provider, "user", in.UserID, "status", res.Status)
			}
			return nil
		})
	}
	return g.Wait()
}
