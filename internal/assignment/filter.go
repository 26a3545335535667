package assignment

import (
	"strings"

	"duecal/internal/model"
)

// FilterByTitle drops assignments whose title contains any of the filter
// strings. The input slice is not modified.
func FilterByTitle(items []model.Assignment, filters []string) []model.Assignment {
	out := make([]model.Assignment, 0, len(items))
	for _, a := range items {
		if !matchesAny(a.Title, filters) {
			out = append(out, a)
		}
	}
	return out
}

// FilterEvents is FilterByTitle for calendar events.
func FilterEvents(events []model.Event, filters []string) []model.Event {
	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if !matchesAny(ev.Title, filters) {
			out = append(out, ev)
		}
	}
	return out
}

func matchesAny(title string, filters []string) bool {
	for _, f := range filters {
		if f != "" && strings.Contains(title, f) {
			return true
		}
	}
	return false
}
