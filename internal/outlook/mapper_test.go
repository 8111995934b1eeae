package outlook

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/apperr"
	"calsync/internal/models"
)

func TestMapperRoundTrip(t *testing.T) {
	start := time.Date(2025, 3, 30, 8, 15, 0, 0, time.UTC)
	end := start.Add(45 * time.Minute)
	day := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	dayEnd := day.AddDate(0, 0, 1)

	tests := []struct {
		name  string
		event *models.Event
	}{
		{"timed", &models.Event{Title: "Huddle", StartTime: start, EndTime: &end, Location: models.StringPtr("Nurses station")}},
		{"open ended", &models.Event{Title: "Deadline", StartTime: start}},
		{"all day", &models.Event{Title: "Survey day", StartTime: day, EndTime: &dayEnd, AllDay: true}},
		{"all day open ended", &models.Event{Title: "Fire drill", StartTime: day, AllDay: true}},
	}

	m := Mapper{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext, err := m.ToExternal(tt.event)
			require.NoError(t, err)
			ext.(*Event).ID = "o-1"

			got, err := m.ToInternal(ext, "u1", nil)
			require.NoError(t, err)
			assert.Equal(t, tt.event.Title, got.Title)
			assert.True(t, tt.event.StartTime.Equal(got.StartTime))
			assert.Equal(t, tt.event.AllDay, got.AllDay)
			assert.Equal(t, tt.event.Location, got.Location)
			if tt.event.EndTime == nil {
				assert.Nil(t, got.EndTime)
			} else {
				require.NotNil(t, got.EndTime)
				assert.True(t, tt.event.EndTime.Equal(*got.EndTime))
			}
			assert.Equal(t, "o-1", models.Deref(got.OutlookEventID))
		})
	}
}

func TestRecurrencePatterns(t *testing.T) {
	start := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC) // a Monday

	tests := []struct {
		rule    string
		pattern string
		days    []string
		rng     string
	}{
		{"FREQ=WEEKLY;BYDAY=MO,WE;COUNT=10", "weekly", []string{"monday", "wednesday"}, "numbered"},
		{"FREQ=DAILY;INTERVAL=2", "daily", nil, "noEnd"},
		{"FREQ=MONTHLY;BYMONTHDAY=15;UNTIL=20251231T000000Z", "absoluteMonthly", nil, "endDate"},
		{"FREQ=YEARLY", "absoluteYearly", nil, "noEnd"},
	}

	m := Mapper{}
	for _, tt := range tests {
		t.Run(tt.rule, func(t *testing.T) {
			ext, err := m.ToExternal(&models.Event{Title: "r", StartTime: start, RecurrenceRule: models.StringPtr(tt.rule)})
			require.NoError(t, err)
			rec := ext.(*Event).Recurrence
			require.NotNil(t, rec)
			assert.Equal(t, tt.pattern, rec.Pattern.Type)
			assert.Equal(t, tt.rng, rec.Range.Type)
			if tt.days != nil {
				assert.Equal(t, tt.days, rec.Pattern.DaysOfWeek)
			}

			ext.(*Event).ID = "o-2"
			back, err := m.ToInternal(ext, "u1", nil)
			require.NoError(t, err)
			require.NotNil(t, back.RecurrenceRule)
			assert.Contains(t, *back.RecurrenceRule, "FREQ=")
		})
	}

	_, err := m.ToExternal(&models.Event{Title: "r", StartTime: start, RecurrenceRule: models.StringPtr("FREQ=HOURLY")})
	assert.ErrorIs(t, err, apperr.ErrMapping)
}

func TestToInternalHandlesHTMLBodyAndZones(t *testing.T) {
	got, err := Mapper{}.ToInternal(&Event{
		ID:      "o-3",
		Subject: "Inspection",
		Body:    &ItemBody{ContentType: "html", Content: "<html><body><div>Check exits</div>\r\n---\nManaged by CareIQ</body></html>"},
		Start:   &DateTimeTimeZone{DateTime: "2025-05-05T09:00:00.0000000", TimeZone: "America/New_York"},
		End:     &DateTimeTimeZone{DateTime: "2025-05-05T10:00:00.0000000", TimeZone: "America/New_York"},
	}, "u1", nil)
	require.NoError(t, err)
	assert.Equal(t, "Check exits", models.Deref(got.Description))
	assert.True(t, got.StartTime.Equal(time.Date(2025, 5, 5, 13, 0, 0, 0, time.UTC)))

	_, err = Mapper{}.ToInternal(&Event{ID: "o-4", Subject: "no start"}, "u1", nil)
	assert.ErrorIs(t, err, apperr.ErrMapping)
}

func TestOpenEndedAllDayFlag(t *testing.T) {
	day := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	ext, err := Mapper{}.ToExternal(&models.Event{Title: "Fire drill", StartTime: day, AllDay: true})
	require.NoError(t, err)
	ev := ext.(*Event)
	ev.ID = "o-2"
	assert.Equal(t, "2025-04-02T00:00:00", ev.End.DateTime)
	assert.True(t, ev.flag(openEndedProp))

	// Without the flag a one-day event keeps its end.
	ev.SingleValueExtendedProperties = nil
	got, err := Mapper{}.ToInternal(ev, "u1", nil)
	require.NoError(t, err)
	require.NotNil(t, got.EndTime)
	assert.True(t, got.EndTime.Equal(day.AddDate(0, 0, 1)))
}
