package outlook

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"calsync/internal/apperr"
	"calsync/internal/models"
	"calsync/internal/provider"
)

// openEndedProp flags all-day events that have no end internally. Graph requires an end.
const openEndedProp = "String {00020329-0000-0000-C000-000000000046} Name calsyncOpenEnded"

// graphLayout is the dateTime layout of dateTimeTimeZone values; the zone travels separately.
const graphLayout = "2006-01-02T15:04:05"

// Event is a Graph event resource.
type Event struct {
	ID             string               `json:"id,omitempty"`
	Subject        string               `json:"subject"`
	Body           *ItemBody            `json:"body,omitempty"`
	Start          *DateTimeTimeZone    `json:"start,omitempty"`
	End            *DateTimeTimeZone    `json:"end,omitempty"`
	IsAllDay       bool                 `json:"isAllDay"`
	Location       *Location            `json:"location,omitempty"`
	Categories     []string             `json:"categories"`
	Recurrence     *PatternedRecurrence `json:"recurrence"`
	Type           string               `json:"type,omitempty"`
	IsCancelled    bool                 `json:"isCancelled,omitempty"`
	SeriesMasterID string               `json:"seriesMasterId,omitempty"`

	SingleValueExtendedProperties []ExtendedProperty `json:"singleValueExtendedProperties,omitempty"`
}

func (e *Event) ExternalID() string {
	if e == nil {
		return ""
	}
	return e.ID
}

type ExtendedProperty struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// flag returns the value of the extended property id.
func (e *Event) flag(id string) bool {
	for _, p := range e.SingleValueExtendedProperties {
		if strings.EqualFold(p.ID, id) {
			v, _ := strconv.ParseBool(p.Value)
			return v
		}
	}
	return false
}

type ItemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type DateTimeTimeZone struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type Location struct {
	DisplayName string `json:"displayName"`
}

type PatternedRecurrence struct {
	Pattern RecurrencePattern `json:"pattern"`
	Range   RecurrenceRange   `json:"range"`
}

type RecurrencePattern struct {
	Type       string   `json:"type"`
	Interval   int      `json:"interval"`
	DaysOfWeek []string `json:"daysOfWeek,omitempty"`
	DayOfMonth int      `json:"dayOfMonth,omitempty"`
	Month      int      `json:"month,omitempty"`
}

type RecurrenceRange struct {
	Type                string `json:"type"`
	StartDate           string `json:"startDate"`
	EndDate             string `json:"endDate,omitempty"`
	NumberOfOccurrences int    `json:"numberOfOccurrences,omitempty"`
}

var (
	graphDays = []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}
	ruleDays  = []rrule.Weekday{rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA, rrule.SU}
)

// Mapper converts between internal events and Graph events.
type Mapper struct{}

// ToExternal builds the Graph representation of e. Times are sent in UTC.
func (Mapper) ToExternal(e *models.Event) (provider.ExternalEvent, error) {
	ev := &Event{
		Subject:    e.Title,
		Body:       &ItemBody{ContentType: "text", Content: provider.Annotate(e.Description, e.ComplianceRelated)},
		IsAllDay:   e.AllDay,
		Location:   &Location{DisplayName: models.Deref(e.Location)},
		Categories: provider.Tags(e.Category, e.ComplianceRelated),
	}
	ev.SingleValueExtendedProperties = []ExtendedProperty{
		{ID: openEndedProp, Value: strconv.FormatBool(provider.OpenEndedDay(e))},
	}

	start, end := e.StartTime.UTC(), provider.WireEnd(e).UTC()
	if e.AllDay {
		start = midnight(start)
		end = midnight(end)
		if !end.After(start) {
			end = start.AddDate(0, 0, 1)
		}
	}
	ev.Start = &DateTimeTimeZone{DateTime: start.Format(graphLayout), TimeZone: "UTC"}
	ev.End = &DateTimeTimeZone{DateTime: end.Format(graphLayout), TimeZone: "UTC"}

	if e.RecurrenceRule != nil {
		rule, err := provider.NormalizeRecurrence(*e.RecurrenceRule)
		if err != nil {
			return nil, err
		}
		if rule != "" {
			rec, err := toPattern(rule, start)
			if err != nil {
				return nil, err
			}
			ev.Recurrence = rec
		}
	}
	return ev, nil
}

// ToInternal builds an internal event draft from a Graph event.
func (Mapper) ToInternal(x provider.ExternalEvent, userID string, calendarTypeID *string) (*models.Event, error) {
	ev, err := asEvent(x)
	if err != nil {
		return nil, err
	}
	if ev.ID == "" {
		return nil, apperr.Mapping("outlook event has no id", nil)
	}
	if ev.Start == nil || ev.Start.DateTime == "" {
		return nil, apperr.Mapping(fmt.Sprintf("outlook event %s has no start", ev.ID), nil)
	}

	draft := provider.NewDraft(models.ProviderOutlook, ev.ID, userID, calendarTypeID)
	draft.Title = ev.Subject
	draft.AllDay = ev.IsAllDay
	if ev.Body != nil {
		draft.Description = provider.CleanDescription(ev.Body.Content)
	}
	if ev.Location != nil {
		draft.Location = models.StringPtr(strings.TrimSpace(ev.Location.DisplayName))
	}

	start, err := parseDateTime(ev.Start)
	if err != nil {
		return nil, apperr.Mapping(fmt.Sprintf("outlook event %s has an invalid start", ev.ID), err)
	}
	var end time.Time
	if ev.End != nil && ev.End.DateTime != "" {
		if end, err = parseDateTime(ev.End); err != nil {
			return nil, apperr.Mapping(fmt.Sprintf("outlook event %s has an invalid end", ev.ID), err)
		}
	}
	draft.StartTime = start
	draft.EndTime = provider.InternalEnd(start, end, ev.IsAllDay)
	provider.RestoreOpenEnd(draft, ev.flag(openEndedProp))

	if ev.Recurrence != nil {
		rule, err := fromPattern(ev.Recurrence)
		if err != nil {
			return nil, err
		}
		draft.RecurrenceRule = models.StringPtr(rule)
	}
	return draft, nil
}

func parseDateTime(dt *DateTimeTimeZone) (time.Time, error) {
	loc := time.UTC
	if dt.TimeZone != "" && !strings.EqualFold(dt.TimeZone, "UTC") {
		l, err := time.LoadLocation(dt.TimeZone)
		if err != nil {
			return time.Time{}, fmt.Errorf("unknown time zone %q: %w", dt.TimeZone, err)
		}
		loc = l
	}
	// Graph sends up to seven fractional digits.
	raw := strings.TrimSuffix(dt.DateTime, "Z")
	if i := strings.IndexByte(raw, '.'); i >= 0 {
		raw = raw[:i]
	}
	t, err := time.ParseInLocation(graphLayout, raw, loc)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// toPattern converts an RRULE body to a Graph patternedRecurrence anchored at start.
func toPattern(rule string, start time.Time) (*PatternedRecurrence, error) {
	opt, err := rrule.StrToROption(rule)
	if err != nil {
		return nil, apperr.Mapping("invalid recurrence rule "+rule, err)
	}

	rec := &PatternedRecurrence{
		Pattern: RecurrencePattern{Interval: opt.Interval},
		Range:   RecurrenceRange{Type: "noEnd", StartDate: provider.DateOf(start)},
	}
	if rec.Pattern.Interval <= 0 {
		rec.Pattern.Interval = 1
	}

	switch opt.Freq {
	case rrule.DAILY:
		rec.Pattern.Type = "daily"
	case rrule.WEEKLY:
		rec.Pattern.Type = "weekly"
		for _, wd := range opt.Byweekday {
			rec.Pattern.DaysOfWeek = append(rec.Pattern.DaysOfWeek, graphDays[wd.Day()])
		}
		if len(rec.Pattern.DaysOfWeek) == 0 {
			rec.Pattern.DaysOfWeek = []string{strings.ToLower(start.Weekday().String())}
		}
	case rrule.MONTHLY:
		rec.Pattern.Type = "absoluteMonthly"
		rec.Pattern.DayOfMonth = start.Day()
		if len(opt.Bymonthday) > 0 {
			rec.Pattern.DayOfMonth = opt.Bymonthday[0]
		}
	case rrule.YEARLY:
		rec.Pattern.Type = "absoluteYearly"
		rec.Pattern.DayOfMonth = start.Day()
		rec.Pattern.Month = int(start.Month())
	default:
		return nil, apperr.Mapping(fmt.Sprintf("recurrence frequency %v is not supported by outlook", opt.Freq), nil)
	}

	switch {
	case opt.Count > 0:
		rec.Range.Type = "numbered"
		rec.Range.NumberOfOccurrences = opt.Count
	case !opt.Until.IsZero():
		rec.Range.Type = "endDate"
		rec.Range.EndDate = provider.DateOf(opt.Until)
	}
	return rec, nil
}

// fromPattern converts a Graph patternedRecurrence back to an RRULE body.
func fromPattern(rec *PatternedRecurrence) (string, error) {
	opt := rrule.ROption{Interval: rec.Pattern.Interval}
	switch rec.Pattern.Type {
	case "daily":
		opt.Freq = rrule.DAILY
	case "weekly":
		opt.Freq = rrule.WEEKLY
		for _, d := range rec.Pattern.DaysOfWeek {
			for i, name := range graphDays {
				if strings.EqualFold(d, name) {
					opt.Byweekday = append(opt.Byweekday, ruleDays[i])
				}
			}
		}
	case "absoluteMonthly":
		opt.Freq = rrule.MONTHLY
		if rec.Pattern.DayOfMonth > 0 {
			opt.Bymonthday = []int{rec.Pattern.DayOfMonth}
		}
	case "absoluteYearly":
		opt.Freq = rrule.YEARLY
	default:
		return "", apperr.Mapping(fmt.Sprintf("outlook recurrence pattern %q is not supported", rec.Pattern.Type), nil)
	}
	if opt.Interval == 1 {
		opt.Interval = 0
	}

	switch rec.Range.Type {
	case "numbered":
		opt.Count = rec.Range.NumberOfOccurrences
	case "endDate":
		until, err := provider.ParseDate(rec.Range.EndDate)
		if err != nil {
			return "", apperr.Mapping("invalid recurrence end date", err)
		}
		opt.Until = until
	}
	return opt.RRuleString(), nil
}
