package google

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"calsync/internal/apperr"
	"calsync/internal/credentials"
	"calsync/internal/models"
	"calsync/internal/provider"
)

const pageSize = 250

var errListFull = errors.New("list limit reached")

// Event is a Google Calendar API event.
type Event struct {
	*calendar.Event
}

func (e *Event) ExternalID() string {
	if e == nil || e.Event == nil {
		return ""
	}
	return e.Id
}

// Connector builds Google Calendar clients from OAuth credentials.
type Connector struct {
	logger *zap.SugaredLogger
	opts   []option.ClientOption
}

// NewConnector creates a connector. Extra options are appended to every service, e.g. a test endpoint.
func NewConnector(logger *zap.SugaredLogger, opts ...option.ClientOption) *Connector {
	return &Connector{logger: logger, opts: opts}
}

// Connect creates an authenticated Calendar API client.
func (c *Connector) Connect(ctx context.Context, creds credentials.Credentials) (provider.Client, error) {
	oc, ok := creds.(*credentials.OAuth)
	if !ok {
		return nil, apperr.Validation(fmt.Sprintf("google requires oauth credentials, got %T", creds))
	}

	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(oc.Token()))
	opts := append([]option.ClientOption{option.WithHTTPClient(httpClient)}, c.opts...)
	service, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return &CalendarClient{service: service, logger: c.logger}, nil
}

// CalendarClient provides a client for interacting with the Google Calendar API.
type CalendarClient struct {
	service *calendar.Service
	logger  *zap.SugaredLogger
}

func (c *CalendarClient) Provider() models.Provider { return models.ProviderGoogle }

// ListCalendars returns every calendar in the user's calendar list.
func (c *CalendarClient) ListCalendars(ctx context.Context) ([]models.CalendarDescriptor, error) {
	var out []models.CalendarDescriptor
	err := c.service.CalendarList.List().Pages(ctx, func(page *calendar.CalendarList) error {
		for _, item := range page.Items {
			out = append(out, models.CalendarDescriptor{
				ID:       item.Id,
				Name:     item.Summary,
				Primary:  item.Primary,
				CanWrite: item.AccessRole == "owner" || item.AccessRole == "writer",
			})
		}
		return nil
	})
	if err != nil {
		return nil, mapError("list calendars", err)
	}
	return out, nil
}

// CreateEvent inserts ev and returns the id Google assigned.
func (c *CalendarClient) CreateEvent(ctx context.Context, calendarID string, ev provider.ExternalEvent) (string, error) {
	ge, err := asEvent(ev)
	if err != nil {
		return "", err
	}
	created, err := c.service.Events.Insert(calendarID, ge.Event).Context(ctx).Do()
	if err != nil {
		return "", mapError("create event", err)
	}
	c.logger.Debugw("Created Google event.", "calendar", calendarID, "id", created.Id)
	return created.Id, nil
}

// UpdateEvent patches the mapped fields of an existing event, leaving attendees and reminders alone.
func (c *CalendarClient) UpdateEvent(ctx context.Context, calendarID, eventID string, ev provider.ExternalEvent) error {
	ge, err := asEvent(ev)
	if err != nil {
		return err
	}
	if _, err := c.service.Events.Patch(calendarID, eventID, ge.Event).Context(ctx).Do(); err != nil {
		return mapError("update event "+eventID, err)
	}
	return nil
}

// DeleteEvent removes an event. An event that is already gone counts as deleted.
func (c *CalendarClient) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	err := c.service.Events.Delete(calendarID, eventID).Context(ctx).Do()
	if err != nil {
		mapped := mapError("delete event "+eventID, err)
		if errors.Is(mapped, apperr.ErrNotFound) {
			c.logger.Debugw("Google event already deleted.", "id", eventID)
			return nil
		}
		return mapped
	}
	return nil
}

// ListEvents returns the events overlapping window. Recurring series come back as their master event;
// modified instances of a series are skipped.
func (c *CalendarClient) ListEvents(ctx context.Context, calendarID string, window models.Window) ([]provider.ExternalEvent, error) {
	var out []provider.ExternalEvent
	call := c.service.Events.List(calendarID).
		ShowDeleted(false).
		SingleEvents(false).
		TimeMin(window.Start.UTC().Format(time.RFC3339)).
		TimeMax(window.End.UTC().Format(time.RFC3339)).
		MaxResults(pageSize)

	err := call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			if item.RecurringEventId != "" || item.Status == "cancelled" {
				continue
			}
			out = append(out, &Event{Event: item})
			if len(out) >= provider.MaxListEvents {
				return errListFull
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errListFull) {
		return nil, mapError("list events", err)
	}
	if errors.Is(err, errListFull) {
		c.logger.Warnw("Google event list truncated.", "calendar", calendarID, "limit", provider.MaxListEvents)
	}
	return out, nil
}

// Watch opens a push notification channel for the calendar's events.
func (c *CalendarClient) Watch(ctx context.Context, calendarID string, req provider.WatchRequest) (*provider.Subscription, error) {
	ch := &calendar.Channel{
		Id:      req.ID,
		Type:    "web_hook",
		Address: req.Address,
		Token:   req.Token,
	}
	if req.TTL > 0 {
		ch.Params = map[string]string{"ttl": strconv.FormatInt(int64(req.TTL/time.Second), 10)}
	}

	got, err := c.service.Events.Watch(calendarID, ch).Context(ctx).Do()
	if err != nil {
		return nil, mapError("watch calendar", err)
	}
	return &provider.Subscription{
		ID:         got.Id,
		ResourceID: got.ResourceId,
		Expiration: time.UnixMilli(got.Expiration).UTC(),
	}, nil
}

func asEvent(ev provider.ExternalEvent) (*Event, error) {
	ge, ok := ev.(*Event)
	if !ok || ge.Event == nil {
		return nil, apperr.Mapping(fmt.Sprintf("expected a google event, got %T", ev), nil)
	}
	return ge, nil
}

func mapError(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return apperr.FromHTTPStatus(gerr.Code, "google "+op, err)
	}
	return apperr.ProviderUnavailable("google "+op, err)
}
