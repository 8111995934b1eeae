package google

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"

	"calsync/internal/apperr"
	"calsync/internal/models"
	"calsync/internal/provider"
)

// Private extended property keys.
const (
	propTags      = "careiqTags"
	propSourceID  = "careiqEventId"
	propOpenEnded = "careiqOpenEnded"
)

// Mapper converts between internal events and Google Calendar events.
type Mapper struct{}

// ToExternal builds the Google representation of e.
func (Mapper) ToExternal(e *models.Event) (provider.ExternalEvent, error) {
	ev := &calendar.Event{
		Summary:     e.Title,
		Description: provider.Annotate(e.Description, e.ComplianceRelated),
		Location:    models.Deref(e.Location),
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{
				propTags:      strings.Join(provider.Tags(e.Category, e.ComplianceRelated), ","),
				propOpenEnded: strconv.FormatBool(provider.OpenEndedDay(e)),
			},
		},
		// Patch must clear a location that was removed locally.
		ForceSendFields: []string{"Location"},
	}
	if e.ID != "" {
		ev.ExtendedProperties.Private[propSourceID] = e.ID
	}

	end := provider.WireEnd(e)
	if e.AllDay {
		if !end.After(e.StartTime) {
			end = e.StartTime.AddDate(0, 0, 1)
		}
		ev.Start = dateValue(e.StartTime)
		ev.End = dateValue(end)
	} else {
		ev.Start = dateTimeValue(e.StartTime)
		ev.End = dateTimeValue(end)
	}

	if e.RecurrenceRule != nil {
		rule, err := provider.NormalizeRecurrence(*e.RecurrenceRule)
		if err != nil {
			return nil, err
		}
		if rule != "" {
			ev.Recurrence = []string{"RRULE:" + rule}
		}
	}
	return &Event{Event: ev}, nil
}

// ToInternal builds an internal event draft from a Google event.
func (Mapper) ToInternal(x provider.ExternalEvent, userID string, calendarTypeID *string) (*models.Event, error) {
	ev, err := asEvent(x)
	if err != nil {
		return nil, err
	}
	if ev.Id == "" {
		return nil, apperr.Mapping("google event has no id", nil)
	}
	if ev.Start == nil {
		return nil, apperr.Mapping(fmt.Sprintf("google event %s has no start", ev.Id), nil)
	}

	draft := provider.NewDraft(models.ProviderGoogle, ev.Id, userID, calendarTypeID)
	draft.Title = ev.Summary
	draft.Description = provider.CleanDescription(ev.Description)
	draft.Location = models.StringPtr(strings.TrimSpace(ev.Location))

	start, allDay, err := parseEventTime(ev.Start)
	if err != nil {
		return nil, apperr.Mapping(fmt.Sprintf("google event %s has an invalid start", ev.Id), err)
	}
	var end time.Time
	if ev.End != nil {
		if end, _, err = parseEventTime(ev.End); err != nil {
			return nil, apperr.Mapping(fmt.Sprintf("google event %s has an invalid end", ev.Id), err)
		}
	}
	draft.StartTime = start
	draft.AllDay = allDay
	draft.EndTime = provider.InternalEnd(start, end, allDay)
	if ev.ExtendedProperties != nil {
		flagged, _ := strconv.ParseBool(ev.ExtendedProperties.Private[propOpenEnded])
		provider.RestoreOpenEnd(draft, flagged)
	}

	for _, line := range ev.Recurrence {
		if !strings.HasPrefix(strings.ToUpper(line), "RRULE:") {
			continue
		}
		rule, err := provider.NormalizeRecurrence(line[len("RRULE:"):])
		if err != nil {
			return nil, err
		}
		draft.RecurrenceRule = models.StringPtr(rule)
		break
	}
	return draft, nil
}

// dateValue and dateTimeValue null the other field so a patch can switch an event between all-day and timed.
func dateValue(t time.Time) *calendar.EventDateTime {
	return &calendar.EventDateTime{Date: provider.DateOf(t), NullFields: []string{"DateTime", "TimeZone"}}
}

func dateTimeValue(t time.Time) *calendar.EventDateTime {
	return &calendar.EventDateTime{DateTime: t.UTC().Format(time.RFC3339), TimeZone: "UTC", NullFields: []string{"Date"}}
}

func parseEventTime(dt *calendar.EventDateTime) (time.Time, bool, error) {
	if dt.Date != "" {
		t, err := provider.ParseDate(dt.Date)
		return t, true, err
	}
	if dt.DateTime == "" {
		return time.Time{}, false, fmt.Errorf("neither date nor dateTime is set")
	}
	t, err := time.Parse(time.RFC3339, dt.DateTime)
	if err != nil {
		return time.Time{}, false, err
	}
	return t.UTC(), false, nil
}
