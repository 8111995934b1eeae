// Package outlook talks to Outlook calendars through the Microsoft Graph v1.0 REST API.
package outlook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"calsync/internal/apperr"
	"calsync/internal/credentials"
	"calsync/internal/models"
	"calsync/internal/provider"
)

const (
	// DefaultBaseURL is the Graph v1.0 root.
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"

	pageSize = 100
	// Graph caps calendar event subscriptions at just under three days.
	maxSubscriptionTTL = 4230 * time.Minute

	preferHeader = `outlook.timezone="UTC", outlook.body-content-type="text"`
)

// Connector builds Graph clients from OAuth credentials.
type Connector struct {
	logger  *zap.SugaredLogger
	baseURL string
}

// NewConnector creates a connector. An empty baseURL means DefaultBaseURL.
func NewConnector(logger *zap.SugaredLogger, baseURL string) *Connector {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Connector{logger: logger, baseURL: strings.TrimSuffix(baseURL, "/")}
}

// Connect creates an authenticated Graph client.
func (c *Connector) Connect(ctx context.Context, creds credentials.Credentials) (provider.Client, error) {
	oc, ok := creds.(*credentials.OAuth)
	if !ok {
		return nil, apperr.Validation(fmt.Sprintf("outlook requires oauth credentials, got %T", creds))
	}
	return &GraphClient{
		http:    oauth2.NewClient(ctx, oauth2.StaticTokenSource(oc.Token())),
		baseURL: c.baseURL,
		logger:  c.logger,
	}, nil
}

// GraphClient is a provider.Client for Outlook calendars.
type GraphClient struct {
	http    *http.Client
	baseURL string
	logger  *zap.SugaredLogger
}

type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type calendarInfo struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	IsDefaultCalendar bool   `json:"isDefaultCalendar"`
	CanEdit           bool   `json:"canEdit"`
}

type page[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

type subscription struct {
	ID                 string    `json:"id,omitempty"`
	ChangeType         string    `json:"changeType"`
	NotificationURL    string    `json:"notificationUrl"`
	Resource           string    `json:"resource"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
	ClientState        string    `json:"clientState,omitempty"`
}

func (c *GraphClient) Provider() models.Provider { return models.ProviderOutlook }

// ListCalendars returns the user's calendars. The default calendar is primary.
func (c *GraphClient) ListCalendars(ctx context.Context) ([]models.CalendarDescriptor, error) {
	var out []models.CalendarDescriptor
	next := c.baseURL + "/me/calendars?$select=id,name,isDefaultCalendar,canEdit"
	for next != "" {
		var p page[calendarInfo]
		if err := c.do(ctx, "list calendars", http.MethodGet, next, nil, &p); err != nil {
			return nil, err
		}
		for _, cal := range p.Value {
			out = append(out, models.CalendarDescriptor{
				ID:       cal.ID,
				Name:     cal.Name,
				Primary:  cal.IsDefaultCalendar,
				CanWrite: cal.CanEdit,
			})
		}
		next = p.NextLink
	}
	return out, nil
}

// CreateEvent creates ev in the calendar and returns its Graph id.
func (c *GraphClient) CreateEvent(ctx context.Context, calendarID string, ev provider.ExternalEvent) (string, error) {
	oe, err := asEvent(ev)
	if err != nil {
		return "", err
	}
	var created Event
	endpoint := c.baseURL + "/me/calendars/" + url.PathEscape(calendarID) + "/events"
	if err := c.do(ctx, "create event", http.MethodPost, endpoint, oe, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", apperr.ProviderRejected("outlook create event returned no id", nil)
	}
	c.logger.Debugw("Created Outlook event.", "calendar", calendarID, "id", created.ID)
	return created.ID, nil
}

// UpdateEvent patches an existing event. Graph event ids are unique per mailbox.
func (c *GraphClient) UpdateEvent(ctx context.Context, _ string, eventID string, ev provider.ExternalEvent) error {
	oe, err := asEvent(ev)
	if err != nil {
		return err
	}
	return c.do(ctx, "update event "+eventID, http.MethodPatch, c.baseURL+"/me/events/"+url.PathEscape(eventID), oe, nil)
}

// DeleteEvent removes an event. An event that is already gone counts as deleted.
func (c *GraphClient) DeleteEvent(ctx context.Context, _ string, eventID string) error {
	err := c.do(ctx, "delete event "+eventID, http.MethodDelete, c.baseURL+"/me/events/"+url.PathEscape(eventID), nil, nil)
	if errors.Is(err, apperr.ErrNotFound) {
		c.logger.Debugw("Outlook event already deleted.", "id", eventID)
		return nil
	}
	return err
}

// ListEvents returns single events and series masters overlapping window.
func (c *GraphClient) ListEvents(ctx context.Context, calendarID string, window models.Window) ([]provider.ExternalEvent, error) {
	q := url.Values{}
	q.Set("$filter", fmt.Sprintf("end/dateTime ge '%s' and start/dateTime le '%s'",
		window.Start.UTC().Format(graphLayout), window.End.UTC().Format(graphLayout)))
	q.Set("$top", fmt.Sprint(pageSize))
	q.Set("$expand", fmt.Sprintf("singleValueExtendedProperties($filter=id eq '%s')", openEndedProp))
	next := c.baseURL + "/me/calendars/" + url.PathEscape(calendarID) + "/events?" + q.Encode()

	var out []provider.ExternalEvent
	for next != "" {
		var p page[*Event]
		if err := c.do(ctx, "list events", http.MethodGet, next, nil, &p); err != nil {
			return nil, err
		}
		for _, ev := range p.Value {
			if ev.IsCancelled || ev.Type == "occurrence" || ev.Type == "exception" {
				continue
			}
			out = append(out, ev)
			if len(out) >= provider.MaxListEvents {
				c.logger.Warnw("Outlook event list truncated.", "calendar", calendarID, "limit", provider.MaxListEvents)
				return out, nil
			}
		}
		next = p.NextLink
	}
	return out, nil
}

// Watch subscribes to change notifications for the calendar's events.
func (c *GraphClient) Watch(ctx context.Context, calendarID string, req provider.WatchRequest) (*provider.Subscription, error) {
	ttl := req.TTL
	if ttl <= 0 || ttl > maxSubscriptionTTL {
		ttl = maxSubscriptionTTL
	}
	body := subscription{
		ChangeType:         "created,updated,deleted",
		NotificationURL:    req.Address,
		Resource:           "/me/calendars/" + calendarID + "/events",
		ExpirationDateTime: time.Now().Add(ttl).UTC(),
		ClientState:        req.Token,
	}
	var got subscription
	if err := c.do(ctx, "create subscription", http.MethodPost, c.baseURL+"/subscriptions", body, &got); err != nil {
		return nil, err
	}
	return &provider.Subscription{ID: got.ID, ResourceID: got.Resource, Expiration: got.ExpirationDateTime}, nil
}

func (c *GraphClient) do(ctx context.Context, op, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return apperr.Mapping("failed to encode outlook request", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build outlook request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", preferHeader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.ProviderUnavailable("outlook "+op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var ge graphError
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		msg := "outlook " + op
		if json.Unmarshal(raw, &ge) == nil && ge.Error.Code != "" {
			msg += ": " + ge.Error.Code + " " + ge.Error.Message
		}
		return apperr.FromHTTPStatus(resp.StatusCode, msg, nil)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.ProviderUnavailable("outlook "+op+" returned an unreadable body", err)
	}
	return nil
}

func asEvent(ev provider.ExternalEvent) (*Event, error) {
	oe, ok := ev.(*Event)
	if !ok || oe == nil {
		return nil, apperr.Mapping(fmt.Sprintf("expected an outlook event, got %T", ev), nil)
	}
	return oe, nil
}
