package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"duecal/internal/fetch"
	appLog "duecal/internal/log"
	"duecal/internal/model"
)

// ParsedEvent is the normalized representation of a VEVENT. Recurrence
// expansion operates on this type.
type ParsedEvent struct {
	SourceID string

	UID string
	Seq int

	Title       string
	ContextName string
	Type        string
	Description string
	URL         string

	Start  time.Time
	End    time.Time
	AllDay bool

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID, in the event's own timezone
	IsOverride bool
}

// ParseICS parses a single ICS payload into a list of ParsedEvent.
//
// VEVENTs without a UID or with an unreadable DTSTART are logged and skipped;
// the rest of the feed is still returned.
func ParseICS(src fetch.Source, body []byte) ([]ParsedEvent, error) {
	if len(body) == 0 {
		return nil, errors.New("ics: empty body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "id", src.ID, "url", fetch.RedactURL(src.URL))
		return nil, fmt.Errorf("ics: parse %s: %w", src.ID, err)
	}

	events := make([]ParsedEvent, 0)
	skipped := 0
	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(src.ID, comp)
		if perr != nil {
			appLog.Debug("ics vevent skipped", "id", src.ID, "reason", perr.Error())
			skipped++
			continue
		}
		events = append(events, ev)
	}

	appLog.Info("ics parse completed", "id", src.ID, "event_count", len(events), "skipped", skipped)
	return events, nil
}

func parseVEvent(sourceID string, ve *ical.VEvent) (ParsedEvent, error) {
	out := ParsedEvent{SourceID: sourceID}

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value
	out.Type = eventType(out.UID)

	if seqProp := ve.GetProperty(ical.ComponentPropertySequence); seqProp != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(seqProp.Value)); err == nil {
			out.Seq = n
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Title, out.ContextName = splitContext(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty("URL"); p != nil {
		out.URL = p.Value
	}

	dtStartProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStartProp == nil {
		return out, errors.New("missing DTSTART")
	}
	start, err := ve.GetStartAt()
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	out.Start = start

	// VALUE=DATE or a value without a time part marks an all-day event.
	if vs, ok := dtStartProp.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		out.AllDay = true
	}
	if !strings.Contains(dtStartProp.Value, "T") {
		out.AllDay = true
	}

	if end, err := ve.GetEndAt(); err == nil {
		out.End = end
	} else if out.AllDay {
		out.End = start.AddDate(0, 0, 1)
	} else {
		// LMS due dates are usually zero-length.
		out.End = start
	}

	if rruleProp := ve.GetProperty(ical.ComponentPropertyRrule); rruleProp != nil {
		out.RawRRule = rruleProp.Value
	}

	// Floating EXDATE / RECURRENCE-ID values share DTSTART's zone.
	eventLoc := start.Location()

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		loc, dateOnly := propTimeContext(p, eventLoc)
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part, loc, dateOnly); err == nil {
				out.ExDates = append(out.ExDates, t)
			} else {
				appLog.Debug("ics EXDATE skipped", "uid", out.UID, "value", part, "reason", err.Error())
			}
		}
	}

	if ridProp := ve.GetProperty("RECURRENCE-ID"); ridProp != nil {
		loc, dateOnly := propTimeContext(ridProp, eventLoc)
		if t, err := parseICSTime(ridProp.Value, loc, dateOnly); err == nil {
			out.Recurrence = &t
			out.IsOverride = true
		}
	}

	return out, nil
}

// eventType follows the Canvas UID convention: "event-assignment-123" for
// assignments, "event-calendar-event-456" for everything else.
func eventType(uid string) string {
	if strings.Contains(strings.ToLower(uid), "assignment") {
		return model.EventTypeAssignment
	}
	return model.EventTypeEvent
}

// splitContext splits a Canvas-style summary "Homework 1 [CS 101]" into its
// title and course name. Summaries without a trailing bracket are returned
// unchanged.
func splitContext(summary string) (title, context string) {
	s := strings.TrimSpace(summary)
	if !strings.HasSuffix(s, "]") {
		return s, ""
	}
	open := strings.LastIndex(s, " [")
	if open <= 0 {
		return s, ""
	}
	return strings.TrimSpace(s[:open]), strings.TrimSpace(s[open+2 : len(s)-1])
}

// propTimeContext reads the TZID and VALUE=DATE parameters of a date-time
// property. An absent or unknown TZID yields fallback.
func propTimeContext(p *ical.IANAProperty, fallback *time.Location) (*time.Location, bool) {
	loc := fallback
	if vs := p.ICalParameters["TZID"]; len(vs) > 0 && vs[0] != "" {
		tzid := strings.Trim(vs[0], `"`)
		if l, err := time.LoadLocation(tzid); err == nil {
			loc = l
		} else {
			appLog.Warn("ics: unknown TZID, using event zone", "tzid", tzid)
		}
	}
	dateOnly := false
	if vs := p.ICalParameters["VALUE"]; len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		dateOnly = true
	}
	return loc, dateOnly
}

// parseICSTime parses an EXDATE or RECURRENCE-ID value. UTC values ("Z")
// ignore loc; floating date-times and dates are read in loc.
func parseICSTime(v string, loc *time.Location, dateOnly bool) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}
	if loc == nil {
		loc = time.Local
	}

	switch {
	case dateOnly || !strings.Contains(v, "T"):
		return time.ParseInLocation("20060102", v, loc)
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	default:
		return time.ParseInLocation("20060102T150405", v, loc)
	}
}
