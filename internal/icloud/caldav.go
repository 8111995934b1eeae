package icloud

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync/atomic"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"go.uber.org/zap"

	"calsync/internal/apperr"
	"calsync/internal/credentials"
	"calsync/internal/models"
	"calsync/internal/provider"
)

// customTransport handles adding Basic Auth and custom headers to requests.
// It remembers the last response status, which go-webdav errors do not expose.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper

	lastStatus atomic.Int32
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "calsync/1.0")
	resp, err := t.Transport.RoundTrip(req)
	if err == nil {
		t.lastStatus.Store(int32(resp.StatusCode))
	}
	return resp, err
}

// Connector builds CalDAV clients from Basic credentials.
type Connector struct {
	logger       *zap.SugaredLogger
	calendarName string
	transport    http.RoundTripper
}

// NewConnector creates a connector. The calendar named calendarName, when present, is the default target.
func NewConnector(logger *zap.SugaredLogger, calendarName string) *Connector {
	return &Connector{logger: logger, calendarName: calendarName, transport: http.DefaultTransport}
}

// Connect creates an authenticated CalDAV client.
func (c *Connector) Connect(_ context.Context, creds credentials.Credentials) (provider.Client, error) {
	basic, ok := creds.(*credentials.Basic)
	if !ok {
		return nil, apperr.Validation(fmt.Sprintf("apple requires caldav credentials, got %T", creds))
	}
	endpoint := basic.URL
	if endpoint == "" {
		endpoint = models.DefaultCalDAVURL
	}
	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, apperr.Validation(fmt.Sprintf("invalid caldav url %q", endpoint))
	}

	transport := &customTransport{
		Username:  basic.Username,
		Password:  basic.Password,
		Transport: c.transport,
	}
	httpClient := &http.Client{Transport: transport}
	caldavClient, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	return &CalDAVClient{
		caldavClient: caldavClient,
		http:         httpClient,
		transport:    transport,
		base:         base,
		logger:       c.logger,
		calendarName: c.calendarName,
	}, nil
}

// CalDAVClient is a provider.Client for iCloud calendars. Calendar refs are collection paths;
// external ids are iCalendar UIDs.
type CalDAVClient struct {
	caldavClient *caldav.Client
	http         *http.Client
	transport    *customTransport
	base         *url.URL
	logger       *zap.SugaredLogger
	calendarName string
}

func (c *CalDAVClient) Provider() models.Provider { return models.ProviderApple }

// ListCalendars discovers the user's event calendars: principal, then home set, then collections.
func (c *CalDAVClient) ListCalendars(ctx context.Context) ([]models.CalendarDescriptor, error) {
	c.transport.lastStatus.Store(0)
	principalPath, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, c.classify("failed to find principal path", err)
	}

	homeSetPath, err := c.caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return nil, c.classify("failed to find calendar home set", err)
	}

	calendars, err := c.caldavClient.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return nil, c.classify("failed to find calendars", err)
	}
	c.logger.Debugw("Discovered iCloud calendars.", "count", len(calendars), "home", homeSetPath)
	return describe(calendars, c.calendarName), nil
}

func describe(calendars []caldav.Calendar, preferred string) []models.CalendarDescriptor {
	var out []models.CalendarDescriptor
	for _, cal := range calendars {
		if !supportsEvents(cal) {
			continue
		}
		out = append(out, models.CalendarDescriptor{
			ID:       cal.Path,
			Name:     cal.Name,
			Primary:  preferred != "" && cal.Name == preferred,
			CanWrite: true,
		})
	}
	return out
}

func supportsEvents(cal caldav.Calendar) bool {
	if len(cal.SupportedComponentSet) == 0 {
		return true
	}
	for _, comp := range cal.SupportedComponentSet {
		if strings.EqualFold(comp, ical.CompEvent) {
			return true
		}
	}
	return false
}

// CreateEvent stores the object at <calendar>/<uid>.ics and returns the UID. An object already
// stored under that name by an earlier attempt is replaced.
func (c *CalDAVClient) CreateEvent(ctx context.Context, calendarPath string, ev provider.ExternalEvent) (string, error) {
	ie, err := asEvent(ev)
	if err != nil {
		return "", err
	}
	uid := ie.ExternalID()
	if uid == "" {
		return "", apperr.Mapping("calendar object has no UID", nil)
	}
	body, err := encode(ie)
	if err != nil {
		return "", err
	}

	p := objectPath(calendarPath, uid)
	err = c.put(ctx, p, body, "If-None-Match", "create event")
	if apperr.StatusOf(err) == http.StatusPreconditionFailed {
		err = c.put(ctx, p, body, "If-Match", "create event")
	}
	if err != nil {
		return "", err
	}
	c.logger.Debugw("Created iCloud event.", "calendar", calendarPath, "uid", uid)
	return uid, nil
}

// UpdateEvent replaces an existing object. It never creates one: a missing object is NotFound.
func (c *CalDAVClient) UpdateEvent(ctx context.Context, calendarPath, uid string, ev provider.ExternalEvent) error {
	ie, err := asEvent(ev)
	if err != nil {
		return err
	}
	body, err := encode(ie)
	if err != nil {
		return err
	}

	p := objectPath(calendarPath, uid)
	err = c.put(ctx, p, body, "If-Match", "update event")
	if apperr.KindOf(err) == apperr.KindNotFound {
		// Objects created by other clients are not always named after their UID.
		found, ferr := c.findObject(ctx, calendarPath, uid)
		if ferr != nil || found == "" || found == p {
			if ferr != nil {
				return ferr
			}
			return err
		}
		return c.put(ctx, found, body, "If-Match", "update event")
	}
	return err
}

// DeleteEvent removes an object. A missing object counts as deleted.
func (c *CalDAVClient) DeleteEvent(ctx context.Context, calendarPath, uid string) error {
	p := objectPath(calendarPath, uid)
	err := c.remove(ctx, p)
	if apperr.KindOf(err) != apperr.KindNotFound {
		return err
	}
	found, ferr := c.findObject(ctx, calendarPath, uid)
	if ferr != nil {
		return ferr
	}
	if found == "" || found == p {
		c.logger.Debugw("iCloud event already deleted.", "uid", uid)
		return nil
	}
	if err := c.remove(ctx, found); err != nil && apperr.KindOf(err) != apperr.KindNotFound {
		return err
	}
	return nil
}

// ListEvents runs a calendar-query REPORT for VEVENTs overlapping window.
func (c *CalDAVClient) ListEvents(ctx context.Context, calendarPath string, window models.Window) ([]provider.ExternalEvent, error) {
	c.transport.lastStatus.Store(0)
	objects, err := c.caldavClient.QueryCalendar(ctx, calendarPath, &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: window.Start.UTC(),
				End:   window.End.UTC(),
			}},
		},
	})
	if err != nil {
		return nil, c.classify("failed to query calendar", err)
	}

	out := make([]provider.ExternalEvent, 0, len(objects))
	for _, obj := range objects {
		out = append(out, &Event{Path: obj.Path, ETag: obj.ETag, Data: obj.Data})
		if len(out) >= provider.MaxListEvents {
			c.logger.Warnw("iCloud event list truncated.", "calendar", calendarPath, "limit", provider.MaxListEvents)
			break
		}
	}
	return out, nil
}

// findObject returns the path of the object whose VEVENT has uid, or "" when there is none.
func (c *CalDAVClient) findObject(ctx context.Context, calendarPath, uid string) (string, error) {
	c.transport.lastStatus.Store(0)
	objects, err := c.caldavClient.QueryCalendar(ctx, calendarPath, &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{Name: ical.CompCalendar},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Props: []caldav.PropFilter{{Name: ical.PropUID, TextMatch: &caldav.TextMatch{Text: uid}}},
			}},
		},
	})
	if err != nil {
		return "", c.classify("failed to look up event "+uid, err)
	}
	if len(objects) == 0 {
		return "", nil
	}
	return objects[0].Path, nil
}

// put writes an object under a precondition: If-Match replaces an existing object only,
// If-None-Match creates a new one only. A failed precondition carries status 412.
func (c *CalDAVClient) put(ctx context.Context, p string, body []byte, precondition, op string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.resolve(p), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build caldav request: %w", err)
	}
	req.Header.Set("Content-Type", ical.MIMEType)
	req.Header.Set(precondition, "*")
	return c.send(req, op)
}

func (c *CalDAVClient) remove(ctx context.Context, p string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.resolve(p), nil)
	if err != nil {
		return fmt.Errorf("failed to build caldav request: %w", err)
	}
	return c.send(req, "delete event")
}

func (c *CalDAVClient) send(req *http.Request, op string) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.ProviderUnavailable("caldav "+op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < http.StatusBadRequest:
		return nil
	case resp.StatusCode == http.StatusPreconditionFailed:
		return apperr.NotFound("calendar object " + req.URL.Path).WithStatus(resp.StatusCode)
	default:
		return apperr.FromHTTPStatus(resp.StatusCode, "caldav "+op+" "+req.URL.Path, nil)
	}
}

// classify maps a go-webdav failure using the status of the response that caused it.
func (c *CalDAVClient) classify(msg string, err error) error {
	if status := int(c.transport.lastStatus.Load()); status >= http.StatusBadRequest {
		return apperr.FromHTTPStatus(status, msg, err)
	}
	return apperr.ProviderUnavailable(msg, err)
}

func encode(ie *Event) ([]byte, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(ie.Data); err != nil {
		return nil, apperr.Mapping("failed to encode event to iCal format", err)
	}
	return buf.Bytes(), nil
}

func (c *CalDAVClient) resolve(p string) string {
	return c.base.ResolveReference(&url.URL{Path: p}).String()
}

func objectPath(calendarPath, uid string) string {
	return path.Join(calendarPath, uid+".ics")
}

func asEvent(ev provider.ExternalEvent) (*Event, error) {
	ie, ok := ev.(*Event)
	if !ok || ie == nil || ie.Data == nil {
		return nil, apperr.Mapping(fmt.Sprintf("expected a calendar object, got %T", ev), nil)
	}
	return ie, nil
}
