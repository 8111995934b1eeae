package provider

import (
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/teambition/rrule-go"

	"calsync/internal/apperr"
	"calsync/internal/models"
)

const (
	// ProvenanceMarker identifies events written by this system when viewed in an external calendar.
	ProvenanceMarker = "Managed by CareIQ"
	complianceMarker = "Compliance-related"
	footerRule       = "---"

	// TagManaged is the category/tag attached to every pushed event.
	TagManaged    = "CareIQ"
	TagCompliance = "Compliance"

	// DateLayout is the wire layout of date-only (all-day) values.
	DateLayout = "2006-01-02"
)

var (
	stripPolicy = bluemonday.StrictPolicy()
	lineBreaks  = regexp.MustCompile(`(?i)<br\s*/?>|</p>|</div>|</li>`)
	looksHTML   = regexp.MustCompile(`<[a-zA-Z/!][^>]*>`)
)

// Annotate appends the provenance footer to a description.
func Annotate(description *string, compliance bool) string {
	footer := footerRule + "\n" + ProvenanceMarker
	if compliance {
		footer += "\n" + complianceMarker
	}
	body := strings.TrimSpace(models.Deref(description))
	if body == "" {
		return footer
	}
	return body + "\n\n" + footer
}

// CleanDescription turns an external description back into internal text:
// markup is stripped, the provenance footer removed, and blank results become nil.
func CleanDescription(raw string) *string {
	text := strings.ReplaceAll(raw, "\r\n", "\n")
	if looksHTML.MatchString(text) {
		text = lineBreaks.ReplaceAllString(text, "\n")
		text = html.UnescapeString(stripPolicy.Sanitize(text))
		text = strings.ReplaceAll(text, "\u00a0", " ")
	}
	if i := strings.Index(text, footerRule+"\n"+ProvenanceMarker); i >= 0 {
		text = text[:i]
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return &text
}

// Tags derives the external category list from the internal category and compliance flag.
func Tags(category models.Category, compliance bool) []string {
	if category == "" {
		category = models.CategoryCustom
	}
	tags := []string{TagManaged, string(category)}
	if compliance {
		tags = append(tags, TagCompliance)
	}
	return tags
}

// NormalizeRecurrence validates an RRULE and returns it without the "RRULE:" prefix.
func NormalizeRecurrence(rule string) (string, error) {
	rule = strings.TrimSpace(rule)
	rule = strings.TrimPrefix(strings.TrimPrefix(rule, "RRULE:"), "rrule:")
	if rule == "" {
		return "", nil
	}
	if _, err := rrule.StrToROption(rule); err != nil {
		return "", apperr.Mapping("invalid recurrence rule "+rule, err)
	}
	return rule, nil
}

// DateOf returns the calendar date of t in UTC.
func DateOf(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// ParseDate parses a date-only value as midnight UTC.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// WireEnd returns the end to send to a provider. Open-ended timed events become zero-length;
// all-day events without an end cover their start date only.
func WireEnd(e *models.Event) time.Time {
	if e.EndTime != nil {
		return *e.EndTime
	}
	if e.AllDay {
		return e.StartTime.AddDate(0, 0, 1)
	}
	return e.StartTime
}

// InternalEnd is the inverse of WireEnd for timed events: a zero-length event is open-ended.
func InternalEnd(start, end time.Time, allDay bool) *time.Time {
	if end.IsZero() || (!allDay && end.Equal(start)) {
		return nil
	}
	return &end
}

// OpenEndedDay reports whether e is an all-day event without an end. Providers that require an end
// receive one day and carry a flag so the missing end can be restored.
func OpenEndedDay(e *models.Event) bool {
	return e.AllDay && e.EndTime == nil
}

// RestoreOpenEnd clears the end of a flagged all-day draft that still covers its start date only.
func RestoreOpenEnd(e *models.Event, flagged bool) {
	if flagged && e.AllDay && e.EndTime != nil && e.EndTime.Equal(e.StartTime.AddDate(0, 0, 1)) {
		e.EndTime = nil
	}
}

// NewDraft returns the internal shell every ToInternal starts from.
func NewDraft(p models.Provider, externalID, userID string, calendarTypeID *string) *models.Event {
	e := &models.Event{
		UserID:         userID,
		CalendarTypeID: calendarTypeID,
		Category:       models.CategoryCustom,
		SyncStatus:     models.SyncStatusSynced,
	}
	e.SetExternalID(p, externalID)
	return e
}
