package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/apperr"
	"calsync/internal/models"
)

func TestAnnotateAndClean(t *testing.T) {
	out := Annotate(models.StringPtr("Bring notes"), true)
	assert.Equal(t, "Bring notes\n\n---\nManaged by CareIQ\nCompliance-related", out)

	cleaned := CleanDescription(out)
	require.NotNil(t, cleaned)
	assert.Equal(t, "Bring notes", *cleaned)

	assert.Nil(t, CleanDescription(Annotate(nil, false)))
}

func TestCleanDescriptionStripsHTML(t *testing.T) {
	got := CleanDescription("<p>Line one</p><p>Line &amp; two</p>")
	require.NotNil(t, got)
	assert.Equal(t, "Line one\nLine & two", *got)
}

func TestTags(t *testing.T) {
	assert.Equal(t, []string{TagManaged, string(models.CategoryCustom)}, Tags("", false))
	assert.Equal(t, []string{TagManaged, string(models.CategoryCustom), TagCompliance}, Tags(models.CategoryCustom, true))
}

func TestNormalizeRecurrence(t *testing.T) {
	rule, err := NormalizeRecurrence("RRULE:FREQ=WEEKLY;BYDAY=MO")
	require.NoError(t, err)
	assert.Equal(t, "FREQ=WEEKLY;BYDAY=MO", rule)

	rule, err = NormalizeRecurrence("  ")
	require.NoError(t, err)
	assert.Empty(t, rule)

	_, err = NormalizeRecurrence("FREQ=SOMETIMES")
	assert.ErrorIs(t, err, apperr.ErrMapping)
}

func TestWireEndRoundTrip(t *testing.T) {
	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	timed := &models.Event{StartTime: start}
	assert.Equal(t, start, WireEnd(timed))
	assert.Nil(t, InternalEnd(start, WireEnd(timed), false))

	allDay := &models.Event{StartTime: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), AllDay: true}
	end := WireEnd(allDay)
	assert.Equal(t, "2025-03-11", DateOf(end))
	require.NotNil(t, InternalEnd(allDay.StartTime, end, true))
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2025-12-31")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC), d)

	_, err = ParseDate("31/12/2025")
	assert.Error(t, err)
}
