// Package provider defines the uniform contract every external calendar adapter implements.
package provider

import (
	"context"
	"time"

	"calsync/internal/credentials"
	"calsync/internal/models"
)

// MaxListEvents bounds how many events a single ListEvents call materializes.
const MaxListEvents = 500

// ExternalEvent is a provider's typed wire representation of one event.
// Only the owning provider's Mapper and Client look inside it.
type ExternalEvent interface {
	ExternalID() string
}

// Client performs calendar operations against one external API.
// Implementations return *apperr.Error values: NotFound, ProviderRejected or ProviderUnavailable.
type Client interface {
	Provider() models.Provider
	ListCalendars(ctx context.Context) ([]models.CalendarDescriptor, error)
	CreateEvent(ctx context.Context, calendarRef string, ev ExternalEvent) (string, error)
	UpdateEvent(ctx context.Context, calendarRef, externalID string, ev ExternalEvent) error
	// DeleteEvent succeeds when the event is already gone.
	DeleteEvent(ctx context.Context, calendarRef, externalID string) error
	ListEvents(ctx context.Context, calendarRef string, window models.Window) ([]ExternalEvent, error)
}

// Mapper converts between the internal event and a provider's wire event. It has no side effects.
type Mapper interface {
	ToExternal(e *models.Event) (ExternalEvent, error)
	ToInternal(x ExternalEvent, userID string, calendarTypeID *string) (*models.Event, error)
}

// Connector builds an authenticated Client from fresh credentials.
type Connector interface {
	Connect(ctx context.Context, creds credentials.Credentials) (Client, error)
}

// WatchRequest asks a provider to deliver change notifications to Address.
type WatchRequest struct {
	ID      string
	Address string
	// Token is echoed back on every notification; the webhook handler reads the user id from it.
	Token string
	TTL   time.Duration
}

// Subscription is a provider-side push notification channel.
type Subscription struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resource_id,omitempty"`
	Expiration time.Time `json:"expiration"`
}

// Watcher is implemented by providers that support push notifications (Google, Outlook).
type Watcher interface {
	Watch(ctx context.Context, calendarRef string, req WatchRequest) (*Subscription, error)
}

// AsWatcher returns the Watcher behind c, looking through guards.
func AsWatcher(c Client) (Watcher, bool) {
	for c != nil {
		if w, ok := c.(Watcher); ok {
			return w, true
		}
		u, ok := c.(interface{ Unwrap() Client })
		if !ok {
			return nil, false
		}
		c = u.Unwrap()
	}
	return nil, false
}

// PickCalendar chooses the default target calendar: the primary one, else the first writable one.
func PickCalendar(cals []models.CalendarDescriptor) (models.CalendarDescriptor, bool) {
	for _, c := range cals {
		if c.Primary {
			return c, true
		}
	}
	for _, c := range cals {
		if c.CanWrite {
			return c, true
		}
	}
	return models.CalendarDescriptor{}, false
}
