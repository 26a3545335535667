package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"duecal/internal/assignment"
	"duecal/internal/calendar"
	"duecal/internal/dashboard"
	appLog "duecal/internal/log"
	"duecal/internal/model"
)

const maxFilterBody = 4 << 10

// GET /api/calendar?month=YYYY-MM&nav=prev|next
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	view, err := s.viewFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.dash.Calendar(r.Context(), view))
}

type eventsResponse struct {
	Start    calendar.Date `json:"start"`
	End      calendar.Date `json:"end"`
	Events   []model.Event `json:"events"`
	Warnings []string      `json:"warnings,omitempty"`
}

// GET /api/events?start=YYYY-MM-DD&end=YYYY-MM-DD
//
// Both bounds are inclusive. Missing bounds default to the visible range of
// the current month.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	start, end, _ := calendar.VisibleRange(calendar.ViewOf(s.dash.Today()).Grid(s.dash.Today()))
	q := r.URL.Query()
	if v := q.Get("start"); v != "" {
		d, err := calendar.ParseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "start must be YYYY-MM-DD")
			return
		}
		start = d
	}
	if v := q.Get("end"); v != "" {
		d, err := calendar.ParseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "end must be YYYY-MM-DD")
			return
		}
		end = d
	}
	if end.Before(start) {
		writeError(w, http.StatusBadRequest, "end must not be before start")
		return
	}

	events, err := s.dash.Events(r.Context(), start, end)
	resp := eventsResponse{Start: start, End: end, Events: events}
	if resp.Events == nil {
		resp.Events = []model.Event{}
	}
	if err != nil {
		appLog.Error("api events: some feeds failed", err)
		resp.Warnings = []string{err.Error()}
	}
	writeJSON(w, http.StatusOK, resp)
}

type assignmentsResponse struct {
	Assignments []model.Assignment `json:"assignments"`
	Warnings    []string           `json:"warnings,omitempty"`
}

// GET /api/assignments
func (s *Server) handleAssignments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	items, err := s.dash.DueSoon(r.Context())
	resp := assignmentsResponse{Assignments: items}
	if err != nil {
		appLog.Error("api assignments: some feeds failed", err)
		resp.Warnings = []string{err.Error()}
	}
	writeJSON(w, http.StatusOK, resp)
}

type filterRequest struct {
	Filter string `json:"filter"`
}

type filtersResponse struct {
	Filters []string `json:"filters"`
}

// GET|POST|DELETE /api/filters
func (s *Server) handleFilters(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, filtersResponse{Filters: s.dash.Filters()})

	case http.MethodPost:
		req, ok := decodeFilter(w, r)
		if !ok {
			return
		}
		if _, err := s.dash.AddFilter(req.Filter); err != nil {
			writeFilterError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, filtersResponse{Filters: s.dash.Filters()})

	case http.MethodDelete:
		req, ok := decodeFilter(w, r)
		if !ok {
			return
		}
		if err := s.dash.DeleteFilter(req.Filter); err != nil {
			writeFilterError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, filtersResponse{Filters: s.dash.Filters()})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// decodeFilter reads {"filter": "..."} from the body, falling back to the
// ?filter= query parameter for body-less DELETE requests.
func decodeFilter(w http.ResponseWriter, r *http.Request) (filterRequest, bool) {
	var req filterRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxFilterBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return req, false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		req.Filter = r.URL.Query().Get("filter")
		return req, true
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	return req, true
}

func writeFilterError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, assignment.ErrInvalidFilter):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dashboard.ErrFilterExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dashboard.ErrFilterNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		appLog.Error("api filters: failed", err)
		writeError(w, http.StatusInternalServerError, "failed to update filters")
	}
}
