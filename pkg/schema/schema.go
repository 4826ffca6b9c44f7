// Package schema holds the plain data shapes shared by the session service and its clients: calendar events,
// availability keys and deltas, and the JSON snapshot of a room's document. Nothing in here performs I/O.
package schema

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// IsoDateLayout is the layout of every date stored in a document. Dates never carry a time component.
const IsoDateLayout = "2006-01-02"

// CalendarEvent is the immutable-identity part of a room's document. The id doubles as the room id.
type CalendarEvent struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
	Creator   string `json:"creator"`
}

// Snapshot is the one-shot JSON view of a document returned by reads and produced by history replay.
type Snapshot struct {
	Event        map[string]string `json:"event"`
	Names        map[string]string `json:"names"`
	Availability map[string]bool   `json:"availability"`
}

// NewSnapshot returns a snapshot with all three maps allocated, matching what an empty document reads as.
func NewSnapshot() Snapshot {
	return Snapshot{
		Event:        make(map[string]string),
		Names:        make(map[string]string),
		Availability: make(map[string]bool),
	}
}

// ValidationError reports every field that failed validation on a payload.
type ValidationError struct {
	Subject string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, field := range slices.Sorted(maps.Keys(e.Fields)) {
		parts = append(parts, field+": "+e.Fields[field])
	}
	return fmt.Sprintf("invalid %s: %s", e.Subject, strings.Join(parts, ", "))
}

func (e *ValidationError) add(field, problem string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = problem
}

func (e *ValidationError) errOrNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// IsValidUserID reports whether id is a non-empty string over the URL-safe id alphabet.
func IsValidUserID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// ParseIsoDate parses a calendar date in the YYYY-MM-DD form.
func ParseIsoDate(value string) (time.Time, error) {
	if len(value) != len(IsoDateLayout) {
		return time.Time{}, fmt.Errorf("date %q is not in %s form", value, IsoDateLayout)
	}
	t, err := time.Parse(IsoDateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q is not a calendar date: %w", value, err)
	}
	return t, nil
}

// Validate checks an event payload posted to the given room.
func (e CalendarEvent) Validate(roomID string) error {
	v := &ValidationError{Subject: "event"}
	if !IsValidUserID(e.ID) {
		v.add("id", "must be a non-empty url-safe id")
	} else if roomID != "" && e.ID != roomID {
		v.add("id", "must match the room id")
	}
	if strings.TrimSpace(e.Name) == "" {
		v.add("name", "must not be empty")
	}
	if !IsValidUserID(e.Creator) {
		v.add("creator", "must be a non-empty url-safe id")
	}
	start, startErr := ParseIsoDate(e.StartDate)
	if startErr != nil {
		v.add("startDate", startErr.Error())
	}
	end, endErr := ParseIsoDate(e.EndDate)
	if endErr != nil {
		v.add("endDate", endErr.Error())
	}
	if startErr == nil && endErr == nil && end.Before(start) {
		v.add("endDate", "must not be before startDate")
	}
	return v.errOrNil()
}

// AvailabilityDelta is one participant's batch of edits: an optional display name plus dates to mark and unmark.
type AvailabilityDelta struct {
	UserID string   `json:"userId"`
	Name   *string  `json:"name,omitempty"`
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

// Validate checks the delta's user id and every date it mentions.
func (d AvailabilityDelta) Validate() error {
	v := &ValidationError{Subject: "availability"}
	if !IsValidUserID(d.UserID) {
		v.add("userId", "must be a non-empty url-safe id")
	}
	for i, date := range d.Add {
		if _, err := ParseIsoDate(date); err != nil {
			v.add(fmt.Sprintf("add[%d]", i), err.Error())
		}
	}
	for i, date := range d.Remove {
		if _, err := ParseIsoDate(date); err != nil {
			v.add(fmt.Sprintf("remove[%d]", i), err.Error())
		}
	}
	if d.Name == nil && len(d.Add) == 0 && len(d.Remove) == 0 {
		v.add("delta", "must change something")
	}
	return v.errOrNil()
}
