package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"calsync/internal/apperr"
	"calsync/internal/credentials"
	"calsync/internal/models"
	"calsync/internal/provider"
)

// fakeEvent is the wire shape of the in-memory provider.
type fakeEvent struct {
	ID          string
	Title       string
	Description string
	Location    string
	Start       time.Time
	End         *time.Time
	AllDay      bool
	// Broken makes the mapper reject the payload.
	Broken bool
}

func (e *fakeEvent) ExternalID() string { return e.ID }

type fakeMapper struct{}

func (fakeMapper) ToExternal(e *models.Event) (provider.ExternalEvent, error) {
	return &fakeEvent{
		ID:          e.ExternalID(models.ProviderGoogle),
		Title:       e.Title,
		Description: provider.Annotate(e.Description, e.ComplianceRelated),
		Location:    models.Deref(e.Location),
		Start:       e.StartTime,
		End:         e.EndTime,
		AllDay:      e.AllDay,
	}, nil
}

func (fakeMapper) ToInternal(x provider.ExternalEvent, userID string, calendarTypeID *string) (*models.Event, error) {
	fe := x.(*fakeEvent)
	if fe.Broken || fe.Start.IsZero() {
		return nil, apperr.Mapping("event "+fe.ID+" has no start", nil)
	}
	e := provider.NewDraft(models.ProviderGoogle, fe.ID, userID, calendarTypeID)
	e.Title = fe.Title
	e.Description = provider.CleanDescription(fe.Description)
	e.Location = models.StringPtr(fe.Location)
	e.StartTime = fe.Start
	e.EndTime = fe.End
	e.AllDay = fe.AllDay
	return e, nil
}

// fakeClient is an in-memory provider calendar. Listing returns events in insertion order.
type fakeClient struct {
	mu     sync.Mutex
	seq    int
	order  []string
	events map[string]*fakeEvent
	calls  map[string]int

	createErr map[string]error // by title
	updateErr error
	listErr   error
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: map[string]*fakeEvent{}, calls: map[string]int{}, createErr: map[string]error{}}
}

func (c *fakeClient) seed(e *fakeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[e.ID] = e
	c.order = append(c.order, e.ID)
}

func (c *fakeClient) count(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

func (c *fakeClient) Provider() models.Provider { return models.ProviderGoogle }

func (c *fakeClient) ListCalendars(context.Context) ([]models.CalendarDescriptor, error) {
	return []models.CalendarDescriptor{
		{ID: "team", Name: "Team", CanWrite: true},
		{ID: "primary", Name: "Me", Primary: true, CanWrite: true},
	}, nil
}

func (c *fakeClient) CreateEvent(_ context.Context, calendarRef string, ev provider.ExternalEvent) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["create"]++
	fe := *ev.(*fakeEvent)
	if err := c.createErr[fe.Title]; err != nil {
		return "", err
	}
	c.seq++
	fe.ID = fmt.Sprintf("%s-%d", calendarRef, c.seq)
	c.events[fe.ID] = &fe
	c.order = append(c.order, fe.ID)
	return fe.ID, nil
}

func (c *fakeClient) UpdateEvent(_ context.Context, _, externalID string, ev provider.ExternalEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["update"]++
	if c.updateErr != nil {
		return c.updateErr
	}
	if _, ok := c.events[externalID]; !ok {
		return apperr.NotFound("event " + externalID).WithStatus(404)
	}
	fe := *ev.(*fakeEvent)
	fe.ID = externalID
	c.events[externalID] = &fe
	return nil
}

func (c *fakeClient) DeleteEvent(_ context.Context, _, externalID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["delete"]++
	delete(c.events, externalID)
	return nil
}

func (c *fakeClient) ListEvents(context.Context, string, models.Window) ([]provider.ExternalEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["list"]++
	if c.listErr != nil {
		return nil, c.listErr
	}
	var out []provider.ExternalEvent
	for _, id := range c.order {
		if e, ok := c.events[id]; ok {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeConnector struct{ client *fakeClient }

func (f fakeConnector) Connect(context.Context, credentials.Credentials) (provider.Client, error) {
	return f.client, nil
}
