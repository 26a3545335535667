// Package tasks decodes JSON task feeds (task-management backends) into
// assignments.
package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"duecal/internal/fetch"
	appLog "duecal/internal/log"
	"duecal/internal/model"
)

// item is the accepted wire shape. "content" is the Todoist name for title.
type item struct {
	ID          json.RawMessage `json:"id"`
	Title       string          `json:"title"`
	Content     string          `json:"content"`
	Description string          `json:"description"`
	DueAt       *string         `json:"due_at"`
	HTMLURL     string          `json:"html_url"`
	ContextName string          `json:"context_name"`
	Completed   bool            `json:"completed"`
}

var dueLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Decode parses a task feed body. Completed tasks are dropped. A missing or
// unreadable due_at yields an undated assignment; naive timestamps are read
// in loc.
func Decode(src fetch.Source, body []byte, loc *time.Location) ([]model.Assignment, error) {
	if len(body) == 0 {
		return nil, errors.New("tasks: empty body")
	}
	if loc == nil {
		loc = time.Local
	}

	var items []item
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("tasks: decode %s: %w", src.ID, err)
	}

	out := make([]model.Assignment, 0, len(items))
	for _, it := range items {
		if it.Completed {
			continue
		}
		a := model.Assignment{
			SourceID:    src.ID,
			ID:          rawID(it.ID),
			Title:       strings.TrimSpace(firstNonEmpty(it.Title, it.Content)),
			Description: it.Description,
			HTMLURL:     it.HTMLURL,
			ContextName: it.ContextName,
		}
		if it.DueAt != nil && strings.TrimSpace(*it.DueAt) != "" {
			due, err := parseDue(*it.DueAt, loc)
			if err != nil {
				appLog.Warn("tasks: unreadable due_at, treating as undated", "id", src.ID, "task", a.ID, "due_at", *it.DueAt)
			} else {
				a.DueAt = &due
			}
		}
		out = append(out, a)
	}
	return out, nil
}

func parseDue(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dueLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("tasks: unsupported due_at %q", s)
}

// rawID accepts both numeric and string ids.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
