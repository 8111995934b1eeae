package models

import "time"

// Provider identifies an external calendar system.
type Provider string

const (
	ProviderGoogle  Provider = "google"
	ProviderOutlook Provider = "outlook"
	ProviderApple   Provider = "apple"
)

// Providers lists every supported provider.
var Providers = []Provider{ProviderGoogle, ProviderOutlook, ProviderApple}

// Valid reports whether p is a supported provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderGoogle, ProviderOutlook, ProviderApple:
		return true
	}
	return false
}

// UsesOAuth reports whether the provider authenticates with OAuth2 bearer tokens.
func (p Provider) UsesOAuth() bool {
	return p == ProviderGoogle || p == ProviderOutlook
}

// SyncStatus is the last known sync outcome of an internal event.
type SyncStatus string

const (
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusSynced   SyncStatus = "synced"
	SyncStatusError    SyncStatus = "error"
	SyncStatusConflict SyncStatus = "conflict"
)

// Category is the internal classification of an event.
type Category string

const (
	CategoryMeeting     Category = "meeting"
	CategoryTraining    Category = "training"
	CategoryInspection  Category = "inspection"
	CategoryAudit       Category = "audit"
	CategoryDeadline    Category = "deadline"
	CategoryAppointment Category = "appointment"
	CategoryCustom      Category = "custom"
)

// Event is the system of record for a calendar entry.
// Provider identifiers are independent: an event may be linked to any subset of providers.
type Event struct {
	ID                string     `db:"id" json:"id"`
	UserID            string     `db:"user_id" json:"user_id"`
	CalendarTypeID    *string    `db:"calendar_type_id" json:"calendar_type_id,omitempty"`
	Title             string     `db:"title" json:"title"`
	Description       *string    `db:"description" json:"description,omitempty"`
	Location          *string    `db:"location" json:"location,omitempty"`
	StartTime         time.Time  `db:"start_time" json:"start_time"`
	EndTime           *time.Time `db:"end_time" json:"end_time,omitempty"`
	AllDay            bool       `db:"all_day" json:"all_day"`
	Category          Category   `db:"category" json:"category"`
	ComplianceRelated bool       `db:"compliance_related" json:"compliance_related"`
	RecurrenceRule    *string    `db:"recurrence_rule" json:"recurrence_rule,omitempty"`
	GoogleEventID     *string    `db:"google_event_id" json:"google_event_id,omitempty"`
	OutlookEventID    *string    `db:"outlook_event_id" json:"outlook_event_id,omitempty"`
	AppleEventUID     *string    `db:"apple_event_uid" json:"apple_event_uid,omitempty"`
	SyncStatus        SyncStatus `db:"sync_status" json:"sync_status"`
	SyncError         *string    `db:"sync_error" json:"sync_error,omitempty"`
	LastSyncedAt      *time.Time `db:"last_synced_at" json:"last_synced_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
	DeletedAt         *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}

// ExternalID returns the identifier of the event on provider p, or "" when unlinked.
func (e *Event) ExternalID(p Provider) string {
	if ref := e.externalRef(p); ref != nil && *ref != nil {
		return **ref
	}
	return ""
}

// SetExternalID links the event to provider p. An empty id unlinks it.
func (e *Event) SetExternalID(p Provider, id string) {
	ref := e.externalRef(p)
	if ref == nil {
		return
	}
	if id == "" {
		*ref = nil
		return
	}
	*ref = &id
}

// Linked reports whether the event carries any provider identifier.
func (e *Event) Linked() bool {
	for _, p := range Providers {
		if e.ExternalID(p) != "" {
			return true
		}
	}
	return false
}

func (e *Event) externalRef(p Provider) **string {
	switch p {
	case ProviderGoogle:
		return &e.GoogleEventID
	case ProviderOutlook:
		return &e.OutlookEventID
	case ProviderApple:
		return &e.AppleEventUID
	}
	return nil
}

// MarkSynced stamps a successful sync at t.
func (e *Event) MarkSynced(status SyncStatus, t time.Time) {
	e.SyncStatus = status
	e.SyncError = nil
	e.LastSyncedAt = &t
}

// MarkError records a failed sync attempt.
func (e *Event) MarkError(err error) {
	msg := err.Error()
	e.SyncStatus = SyncStatusError
	e.SyncError = &msg
}

// Apply copies the externally mapped fields of src onto e, leaving identity and links untouched.
func (e *Event) Apply(src *Event) {
	e.Title = src.Title
	e.Description = src.Description
	e.Location = src.Location
	e.StartTime = src.StartTime
	e.EndTime = src.EndTime
	e.AllDay = src.AllDay
	if src.RecurrenceRule != nil {
		e.RecurrenceRule = src.RecurrenceRule
	}
}

// Clone returns a copy of e that shares no pointers with it.
func (e *Event) Clone() *Event {
	c := *e
	c.CalendarTypeID = cloneString(e.CalendarTypeID)
	c.Description = cloneString(e.Description)
	c.Location = cloneString(e.Location)
	c.RecurrenceRule = cloneString(e.RecurrenceRule)
	c.GoogleEventID = cloneString(e.GoogleEventID)
	c.OutlookEventID = cloneString(e.OutlookEventID)
	c.AppleEventUID = cloneString(e.AppleEventUID)
	c.SyncError = cloneString(e.SyncError)
	c.EndTime = cloneTime(e.EndTime)
	c.LastSyncedAt = cloneTime(e.LastSyncedAt)
	c.DeletedAt = cloneTime(e.DeletedAt)
	return &c
}

// Window is a closed time range used to bound pull passes.
type Window struct {
	Start time.Time
	End   time.Time
}

// CalendarDescriptor describes one calendar visible on a provider.
type CalendarDescriptor struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Primary  bool   `json:"primary"`
	CanWrite bool   `json:"can_write"`
}

// Deref returns the value behind s, or "" for nil.
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
