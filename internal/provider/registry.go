package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"calsync/internal/apperr"
	"calsync/internal/credentials"
	"calsync/internal/models"
)

// GuardOptions configures the protection wrapped around every provider call.
type GuardOptions struct {
	// CallTimeout bounds each individual API call.
	CallTimeout time.Duration
	// MaxFailures consecutive unavailable errors open the breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

// DefaultGuardOptions returns the production defaults.
func DefaultGuardOptions() GuardOptions {
	return GuardOptions{
		CallTimeout: 30 * time.Second,
		MaxFailures: 5,
		OpenTimeout: 60 * time.Second,
	}
}

type adapter struct {
	connector Connector
	mapper    Mapper
	breaker   *gobreaker.CircuitBreaker
}

// Registry holds the adapter for each provider.
type Registry struct {
	logger   *zap.SugaredLogger
	opts     GuardOptions
	adapters map[models.Provider]*adapter
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.SugaredLogger, opts GuardOptions) *Registry {
	def := DefaultGuardOptions()
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = def.CallTimeout
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = def.MaxFailures
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = def.OpenTimeout
	}
	return &Registry{logger: logger, opts: opts, adapters: make(map[models.Provider]*adapter)}
}

// Register installs the connector and mapper for p. One circuit breaker is shared by all runs for p.
func (r *Registry) Register(p models.Provider, connector Connector, mapper Mapper) {
	maxFailures := r.opts.MaxFailures
	r.adapters[p] = &adapter{
		connector: connector,
		mapper:    mapper,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        string(p),
			MaxRequests: 1,
			Timeout:     r.opts.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !errors.Is(err, apperr.ErrProviderUnavailable)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				r.logger.Warnw("Provider circuit breaker changed state.", "provider", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// Mapper returns the mapper registered for p.
func (r *Registry) Mapper(p models.Provider) (Mapper, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, apperr.New(apperr.KindConfig, fmt.Sprintf("provider %s is not configured", p), nil)
	}
	return a.mapper, nil
}

// Connect builds a guarded client for the credentials' provider.
func (r *Registry) Connect(ctx context.Context, creds credentials.Credentials) (Client, error) {
	a, ok := r.adapters[creds.Provider()]
	if !ok {
		return nil, apperr.New(apperr.KindConfig, fmt.Sprintf("provider %s is not configured", creds.Provider()), nil)
	}
	c, err := a.connector.Connect(ctx, creds)
	if err != nil {
		return nil, err
	}
	return &guardedClient{next: c, breaker: a.breaker, timeout: r.opts.CallTimeout}, nil
}

// guardedClient applies a per-call timeout and the provider's circuit breaker.
type guardedClient struct {
	next    Client
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

func (g *guardedClient) Unwrap() Client { return g.next }

func (g *guardedClient) Provider() models.Provider { return g.next.Provider() }

func (g *guardedClient) call(ctx context.Context, op string, fn func(ctx context.Context) (any, error)) (any, error) {
	out, err := g.breaker.Execute(func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		v, err := fn(cctx)
		if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && !errors.Is(err, apperr.ErrProviderUnavailable) {
			err = apperr.ProviderUnavailable(op+" timed out", err)
		}
		return v, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, apperr.ProviderUnavailable(fmt.Sprintf("%s circuit open, %s skipped", g.next.Provider(), op), err)
	}
	return out, err
}

func (g *guardedClient) ListCalendars(ctx context.Context) ([]models.CalendarDescriptor, error) {
	out, err := g.call(ctx, "list calendars", func(ctx context.Context) (any, error) {
		return g.next.ListCalendars(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out.([]models.CalendarDescriptor), nil
}

func (g *guardedClient) CreateEvent(ctx context.Context, calendarRef string, ev ExternalEvent) (string, error) {
	out, err := g.call(ctx, "create event", func(ctx context.Context) (any, error) {
		return g.next.CreateEvent(ctx, calendarRef, ev)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (g *guardedClient) UpdateEvent(ctx context.Context, calendarRef, externalID string, ev ExternalEvent) error {
	_, err := g.call(ctx, "update event", func(ctx context.Context) (any, error) {
		return nil, g.next.UpdateEvent(ctx, calendarRef, externalID, ev)
	})
	return err
}

func (g *guardedClient) DeleteEvent(ctx context.Context, calendarRef, externalID string) error {
	_, err := g.call(ctx, "delete event", func(ctx context.Context) (any, error) {
		return nil, g.next.DeleteEvent(ctx, calendarRef, externalID)
	})
	return err
}

func (g *guardedClient) ListEvents(ctx context.Context, calendarRef string, window models.Window) ([]ExternalEvent, error) {
	out, err := g.call(ctx, "list events", func(ctx context.Context) (any, error) {
		return g.next.ListEvents(ctx, calendarRef, window)
	})
	if err != nil {
		return nil, err
	}
	return out.([]ExternalEvent), nil
}
