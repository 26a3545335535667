package model

import "time"

// Event types as reported by LMS calendar feeds.
const (
	EventTypeAssignment = "assignment"
	EventTypeEvent      = "event"
)

// Event is a single dated calendar entry after recurrence expansion and
// timezone normalization. The JSON shape is what the calendar view consumes.
type Event struct {
	SourceID string `json:"source_id"`
	UID      string `json:"uid"`

	Title       string `json:"title"`
	Description string `json:"description"`
	Type        string `json:"type"`
	HTMLURL     string `json:"html_url"`
	ContextName string `json:"context_name"`

	AllDay bool `json:"all_day"`

	// StartAt / EndAt are in the configured display timezone. A zero
	// StartAt means the upstream date was missing or malformed.
	StartAt time.Time `json:"start_at"`
	EndAt   time.Time `json:"end_at"`
}

// Assignment is a task-like record shown in the due-soon list.
type Assignment struct {
	SourceID string `json:"source_id"`
	ID       string `json:"id"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	HTMLURL     string `json:"html_url,omitempty"`
	ContextName string `json:"context_name,omitempty"`

	// DueAt is nil for undated assignments.
	DueAt *time.Time `json:"due_at"`
}

// AssignmentFromEvent converts an assignment-typed calendar event into an
// Assignment due at the event's start.
func AssignmentFromEvent(ev Event) Assignment {
	a := Assignment{
		SourceID:    ev.SourceID,
		ID:          ev.UID,
		Title:       ev.Title,
		Description: ev.Description,
		HTMLURL:     ev.HTMLURL,
		ContextName: ev.ContextName,
	}
	if !ev.StartAt.IsZero() {
		due := ev.StartAt
		a.DueAt = &due
	}
	return a
}
