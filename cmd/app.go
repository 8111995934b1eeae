package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"calsync/internal/config"
	"calsync/internal/conflict"
	"calsync/internal/credentials"
	"calsync/internal/google"
	"calsync/internal/icloud"
	"calsync/internal/logging"
	"calsync/internal/models"
	"calsync/internal/outlook"
	"calsync/internal/provider"
	"calsync/internal/store"
	"calsync/internal/syncer"
)

// app holds the wired components shared by every command.
type app struct {
	cfg      *config.Config
	logger   *zap.SugaredLogger
	store    *store.Store
	creds    *credentials.Manager
	registry *provider.Registry
	resolver *conflict.Resolver
	syncer   *syncer.Syncer
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.LogLevel, nil)

	policy, err := conflict.PolicyFor(cfg.ConflictPolicy)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, logger, cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	st.SetRunLease(cfg.RunLease)

	opts := []credentials.Option{}
	if cfg.SecretKey != "" {
		box, err := credentials.NewBox(cfg.SecretKey)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("invalid CALSYNC_SECRET_KEY: %w", err)
		}
		opts = append(opts, credentials.WithSealer(box))
	}
	if cfg.GoogleEnabled() {
		opts = append(opts, credentials.WithOAuthConfig(models.ProviderGoogle,
			credentials.GoogleConfig(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.OAuthRedirectURL)))
	}
	if cfg.OutlookEnabled() {
		opts = append(opts, credentials.WithOAuthConfig(models.ProviderOutlook,
			credentials.OutlookConfig(cfg.OutlookClientID, cfg.OutlookClientSecret, cfg.OutlookTenant, cfg.OAuthRedirectURL)))
	}
	creds := credentials.NewManager(logger, st, opts...)

	registry := provider.NewRegistry(logger, provider.GuardOptions{
		CallTimeout: cfg.ProviderCallTimeout,
		MaxFailures: cfg.BreakerMaxFailures,
		OpenTimeout: cfg.BreakerOpenTimeout,
	})
	registry.Register(models.ProviderGoogle, google.NewConnector(logger), google.Mapper{})
	registry.Register(models.ProviderOutlook, outlook.NewConnector(logger, cfg.GraphBaseURL), outlook.Mapper{})
	registry.Register(models.ProviderApple, icloud.NewConnector(logger, cfg.ICloudCalendarName), icloud.Mapper{})

	resolver := conflict.NewResolver(logger, st, policy)
	s := syncer.NewSyncer(logger, st, creds, registry, resolver, syncer.WithWindow(syncer.Window{
		PastMonths:   cfg.PullPastMonths,
		FutureMonths: cfg.PullFutureMonths,
	}))

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		creds:    creds,
		registry: registry,
		resolver: resolver,
		syncer:   s,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warnw("Failed to close store.", "error", err)
	}
	_ = a.logger.Sync()
}
