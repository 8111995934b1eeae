package models

import (
	"fmt"
	"time"
)

// SyncType records what triggered a run.
type SyncType string

const (
	SyncTypeManual    SyncType = "manual"
	SyncTypeScheduled SyncType = "scheduled"
	SyncTypeWebhook   SyncType = "webhook"
)

// Direction selects which passes a run performs.
type Direction string

const (
	DirectionPush          Direction = "push"
	DirectionPull          Direction = "pull"
	DirectionBidirectional Direction = "bidirectional"
)

// Pushes reports whether the direction includes a push pass.
func (d Direction) Pushes() bool { return d == DirectionPush || d == DirectionBidirectional }

// Pulls reports whether the direction includes a pull pass.
func (d Direction) Pulls() bool { return d == DirectionPull || d == DirectionBidirectional }

// RunStatus is the lifecycle state of a sync run.
type RunStatus string

const (
	RunStatusInProgress     RunStatus = "in_progress"
	RunStatusSuccess        RunStatus = "success"
	RunStatusPartialSuccess RunStatus = "partial_success"
	RunStatusError          RunStatus = "error"
)

// SyncRun is the audit record of one orchestrator invocation.
type SyncRun struct {
	ID                string     `db:"id" json:"id"`
	UserID            string     `db:"user_id" json:"user_id"`
	Provider          Provider   `db:"provider" json:"provider"`
	IntegrationID     *string    `db:"integration_id" json:"integration_id,omitempty"`
	SyncType          SyncType   `db:"sync_type" json:"sync_type"`
	SyncDirection     Direction  `db:"sync_direction" json:"sync_direction"`
	Status            RunStatus  `db:"status" json:"status"`
	EventsProcessed   int        `db:"events_processed" json:"events_processed"`
	EventsCreated     int        `db:"events_created" json:"events_created"`
	EventsUpdated     int        `db:"events_updated" json:"events_updated"`
	EventsDeleted     int        `db:"events_deleted" json:"events_deleted"`
	ConflictsDetected int        `db:"conflicts_detected" json:"conflicts_detected"`
	ExecutionTimeMs   int64      `db:"execution_time_ms" json:"execution_time_ms"`
	ErrorMessage      *string    `db:"error_message" json:"error_message,omitempty"`
	Errors            string     `db:"errors" json:"errors,omitempty"`
	StartedAt         time.Time  `db:"started_at" json:"started_at"`
	CompletedAt       *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// ConflictType classifies a detected divergence.
type ConflictType string

const (
	// ConflictTimeOverlap is reserved for overlap with a different event; detection does not emit it yet.
	ConflictTimeOverlap     ConflictType = "time_overlap"
	ConflictDataMismatch    ConflictType = "data_mismatch"
	ConflictExternalChange  ConflictType = "external_change"
	ConflictPermissionError ConflictType = "permission_error"
)

// ResolutionStatus tracks whether a conflict still needs attention.
type ResolutionStatus string

const (
	ResolutionPending  ResolutionStatus = "pending"
	ResolutionResolved ResolutionStatus = "resolved"
)

// Conflict is the audit record of one detected divergence.
type Conflict struct {
	ID               string           `db:"id" json:"id"`
	UserID           string           `db:"user_id" json:"user_id"`
	EventID          string           `db:"event_id" json:"event_id"`
	Provider         Provider         `db:"provider" json:"provider"`
	ConflictType     ConflictType     `db:"conflict_type" json:"conflict_type"`
	Fields           string           `db:"fields" json:"fields"`
	LocalData        string           `db:"local_data" json:"local_data"`
	ExternalData     string           `db:"external_data" json:"external_data"`
	ResolutionStatus ResolutionStatus `db:"resolution_status" json:"resolution_status"`
	Resolution       *string          `db:"resolution" json:"resolution,omitempty"`
	CreatedAt        time.Time        `db:"created_at" json:"created_at"`
	ResolvedAt       *time.Time       `db:"resolved_at" json:"resolved_at,omitempty"`
}

// SyncOptions is the input of SyncCalendar.
type SyncOptions struct {
	Provider           Provider  `json:"provider"`
	UserID             string    `json:"user_id"`
	Direction          Direction `json:"direction"`
	CalendarTypeID     *string   `json:"calendar_type_id,omitempty"`
	ExternalCalendarID string    `json:"external_calendar_id,omitempty"`
	SyncType           SyncType  `json:"sync_type,omitempty"`
}

// Normalize fills defaults and validates the options.
func (o *SyncOptions) Normalize() error {
	if !o.Provider.Valid() {
		return fmt.Errorf("unsupported provider %q", o.Provider)
	}
	if o.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	switch o.Direction {
	case "":
		o.Direction = DirectionBidirectional
	case DirectionPush, DirectionPull, DirectionBidirectional:
	default:
		return fmt.Errorf("unsupported direction %q", o.Direction)
	}
	switch o.SyncType {
	case "":
		o.SyncType = SyncTypeManual
	case SyncTypeManual, SyncTypeScheduled, SyncTypeWebhook:
	default:
		return fmt.Errorf("unsupported sync type %q", o.SyncType)
	}
	return nil
}

// SyncResult summarizes a run for the caller.
type SyncResult struct {
	Success           bool      `json:"success"`
	Status            RunStatus `json:"status"`
	RunID             string    `json:"run_id,omitempty"`
	EventsProcessed   int       `json:"events_processed"`
	EventsCreated     int       `json:"events_created"`
	EventsUpdated     int       `json:"events_updated"`
	EventsDeleted     int       `json:"events_deleted"`
	ConflictsDetected int       `json:"conflicts_detected"`
	ExecutionTimeMs   int64     `json:"execution_time_ms"`
	Errors            []string  `json:"errors"`
}
