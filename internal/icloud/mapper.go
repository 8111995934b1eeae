package icloud

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"

	"calsync/internal/apperr"
	"calsync/internal/models"
	"calsync/internal/provider"
)

const productID = "-//CareIQ//calsync//EN"

// Event is one CalDAV calendar object.
type Event struct {
	Path string
	ETag string
	Data *ical.Calendar
}

// ExternalID returns the UID of the object's master VEVENT.
func (e *Event) ExternalID() string {
	if e == nil || e.Data == nil {
		return ""
	}
	ve := masterEvent(e.Data)
	if ve == nil {
		return ""
	}
	uid, _ := ve.Props.Text(ical.PropUID)
	return uid
}

// Mapper converts between internal events and iCalendar objects.
type Mapper struct {
	// Now stamps DTSTAMP; nil means time.Now.
	Now func() time.Time
}

// ToExternal builds a VCALENDAR holding one VEVENT for e. The UID is the linked Apple UID,
// else the internal id, so retries of a failed create target the same object.
func (m Mapper) ToExternal(e *models.Event) (provider.ExternalEvent, error) {
	uid := e.ExternalID(models.ProviderApple)
	if uid == "" {
		uid = e.ID
	}
	if uid == "" {
		uid = GenerateUID()
	}

	now := time.Now
	if m.Now != nil {
		now = m.Now
	}

	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, uid)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, now().UTC())
	ve.Props.SetText(ical.PropSummary, e.Title)
	ve.Props.SetText(ical.PropDescription, provider.Annotate(e.Description, e.ComplianceRelated))
	if loc := models.Deref(e.Location); loc != "" {
		ve.Props.SetText(ical.PropLocation, loc)
	}

	end := provider.WireEnd(e)
	if e.AllDay {
		start := dateOnly(e.StartTime)
		end = dateOnly(end)
		if !end.After(start) {
			end = start.AddDate(0, 0, 1)
		}
		ve.Props.SetDate(ical.PropDateTimeStart, start)
		// A DATE event without DTEND lasts one day.
		if !provider.OpenEndedDay(e) {
			ve.Props.SetDate(ical.PropDateTimeEnd, end)
		}
	} else {
		ve.Props.SetDateTime(ical.PropDateTimeStart, e.StartTime.UTC())
		ve.Props.SetDateTime(ical.PropDateTimeEnd, end.UTC())
	}

	categories := ical.NewProp(ical.PropCategories)
	categories.Value = strings.Join(provider.Tags(e.Category, e.ComplianceRelated), ",")
	ve.Props.Set(categories)

	if e.RecurrenceRule != nil {
		rule, err := provider.NormalizeRecurrence(*e.RecurrenceRule)
		if err != nil {
			return nil, err
		}
		if rule != "" {
			rrule := ical.NewProp(ical.PropRecurrenceRule)
			rrule.Value = rule
			ve.Props.Set(rrule)
		}
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Children = append(cal.Children, ve)

	return &Event{Data: cal}, nil
}

// ToInternal builds an internal event draft from a calendar object.
func (Mapper) ToInternal(x provider.ExternalEvent, userID string, calendarTypeID *string) (*models.Event, error) {
	ie, err := asEvent(x)
	if err != nil {
		return nil, err
	}
	ve := masterEvent(ie.Data)
	if ve == nil {
		return nil, apperr.Mapping(fmt.Sprintf("calendar object %s has no VEVENT", ie.Path), nil)
	}
	uid, err := ve.Props.Text(ical.PropUID)
	if err != nil || uid == "" {
		return nil, apperr.Mapping(fmt.Sprintf("calendar object %s has no UID", ie.Path), err)
	}

	startProp := ve.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return nil, apperr.Mapping(fmt.Sprintf("event %s has no DTSTART", uid), nil)
	}
	allDay := startProp.ValueType() == ical.ValueDate
	start, err := ve.Props.DateTime(ical.PropDateTimeStart, time.UTC)
	if err != nil {
		return nil, apperr.Mapping(fmt.Sprintf("event %s has an invalid DTSTART", uid), err)
	}

	end, err := ve.Props.DateTime(ical.PropDateTimeEnd, time.UTC)
	if err != nil {
		return nil, apperr.Mapping(fmt.Sprintf("event %s has an invalid DTEND", uid), err)
	}

	draft := provider.NewDraft(models.ProviderApple, uid, userID, calendarTypeID)
	draft.Title, _ = ve.Props.Text(ical.PropSummary)
	if desc, _ := ve.Props.Text(ical.PropDescription); desc != "" {
		draft.Description = provider.CleanDescription(desc)
	}
	if loc, _ := ve.Props.Text(ical.PropLocation); loc != "" {
		draft.Location = models.StringPtr(strings.TrimSpace(loc))
	}
	draft.StartTime = start.UTC()
	draft.AllDay = allDay
	if !end.IsZero() {
		end = end.UTC()
	}
	draft.EndTime = provider.InternalEnd(draft.StartTime, end, allDay)

	if rr := ve.Props.Get(ical.PropRecurrenceRule); rr != nil {
		rule, err := provider.NormalizeRecurrence(rr.Value)
		if err != nil {
			return nil, err
		}
		draft.RecurrenceRule = models.StringPtr(rule)
	}
	return draft, nil
}

// masterEvent returns the first VEVENT that is not an override of a recurring instance.
func masterEvent(cal *ical.Calendar) *ical.Component {
	var first *ical.Component
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		if first == nil {
			first = child
		}
		if child.Props.Get(ical.PropRecurrenceID) == nil {
			return child
		}
	}
	return first
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// GenerateUID creates a new unique identifier for an event.
func GenerateUID() string {
	return uuid.New().String()
}
