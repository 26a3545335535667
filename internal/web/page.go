package web

import (
	"embed"
	"html/template"
	"net/http"
	"time"

	"duecal/internal/calendar"
	"duecal/internal/dashboard"
	appLog "duecal/internal/log"
	"duecal/internal/model"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageTemplates = template.Must(
	template.New("").Funcs(template.FuncMap{
		"timeOf": timeOf,
		"dueOf":  dueOf,
	}).ParseFS(templateFS, "templates/*.html"),
)

var weekdayNames = []string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

type calendarPage struct {
	dashboard.Month
	Weekdays []string
	// Weeks are Sunday-first rows; nil cells pad the last week.
	Weeks   [][]*calendar.Day
	DueSoon []model.Assignment
	Loc     *time.Location
}

// GET /calendar?month=YYYY-MM&nav=prev|next
func (s *Server) handleCalendarPage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	view, err := s.viewFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	page := calendarPage{
		Month:    s.dash.Calendar(r.Context(), view),
		Weekdays: weekdayNames,
		Loc:      s.dash.Location(),
	}
	page.Weeks = weeksOf(page.Days)

	due, err := s.dash.DueSoon(r.Context())
	if err != nil {
		page.Warnings = append(page.Warnings, err.Error())
	}
	page.DueSoon = due

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplates.ExecuteTemplate(w, "calendar.html", page); err != nil {
		appLog.Error("failed to render calendar page", err, "month", view.String())
	}
}

func weeksOf(days []calendar.Day) [][]*calendar.Day {
	if len(days) == 0 {
		return nil
	}
	var weeks [][]*calendar.Day
	week := make([]*calendar.Day, int(days[0].Date.Weekday()), 7)
	for i := range days {
		week = append(week, &days[i])
		if len(week) == 7 {
			weeks = append(weeks, week)
			week = make([]*calendar.Day, 0, 7)
		}
	}
	if len(week) > 0 {
		for len(week) < 7 {
			week = append(week, nil)
		}
		weeks = append(weeks, week)
	}
	return weeks
}

func timeOf(ev model.Event, loc *time.Location) string {
	if ev.AllDay || ev.StartAt.IsZero() {
		return ""
	}
	return ev.StartAt.In(loc).Format("15:04")
}

func dueOf(a model.Assignment, loc *time.Location) string {
	if a.DueAt == nil {
		return "no date"
	}
	return a.DueAt.In(loc).Format("Mon Jan 2 15:04")
}
