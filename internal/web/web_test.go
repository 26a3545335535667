package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duecal/internal/calendar"
	"duecal/internal/config"
	"duecal/internal/dashboard"
	"duecal/internal/fetch"
	"duecal/internal/metrics"
)

const testICS = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//Instructure//Canvas//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:event-assignment-1\r\n" +
	"DTSTAMP:20230101T000000Z\r\n" +
	"DTSTART:20230112T170000Z\r\n" +
	"DTEND:20230112T170000Z\r\n" +
	"SUMMARY:Essay draft [ENG 200]\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

type testEnv struct {
	srv     *Server
	cfg     *config.Config
	metrics *metrics.Metrics
	dir     string
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) testEnv {
	t.Helper()

	feeds := http.NewServeMux()
	feeds.HandleFunc("/feed.ics", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(testICS))
	})
	feeds.HandleFunc("/tasks", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id": 1, "title": "Pack bag"}]`))
	})
	upstream := httptest.NewServer(feeds)
	t.Cleanup(upstream.Close)

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.Calendars = []config.FeedConfig{{ID: "canvas", URL: upstream.URL + "/feed.ics"}}
	cfg.Tasks = []config.FeedConfig{{ID: "todo", URL: upstream.URL + "/tasks"}}
	if mutate != nil {
		mutate(cfg)
	}

	m := metrics.New()
	fetcher := fetch.NewFetcher(filepath.Join(dir, "cache"), fetch.WithHTTPClient(upstream.Client()))
	clock := func() time.Time { return time.Date(2023, 1, 10, 12, 0, 0, 0, time.UTC) }
	dash := dashboard.New(cfg, filepath.Join(dir, "config.yaml"), fetcher,
		dashboard.WithClock(clock), dashboard.WithMetrics(m))

	return testEnv{
		srv:     NewServer(cfg, dash, m, filepath.Join(dir, "preview.png")),
		cfg:     cfg,
		metrics: m,
		dir:     dir,
	}
}

func (e testEnv) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestCalendarAPI(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/api/calendar?month=2023-01", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Month string `json:"month"`
		Prev  string `json:"prev"`
		Next  string `json:"next"`
		Today string `json:"today"`
		Days  []struct {
			Date           string `json:"date"`
			IsCurrentMonth bool   `json:"is_current_month"`
			IsToday        bool   `json:"is_today"`
			Items          []struct {
				Title string `json:"title"`
			} `json:"items"`
		} `json:"days"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "2023-01", got.Month)
	assert.Equal(t, "2022-12", got.Prev)
	assert.Equal(t, "2023-02", got.Next)
	assert.Equal(t, "2023-01-10", got.Today)
	require.Len(t, got.Days, 31)
	assert.Equal(t, "2023-01-01", got.Days[0].Date)
	assert.True(t, got.Days[9].IsToday)
	require.Len(t, got.Days[11].Items, 1)
	assert.Equal(t, "Essay draft", got.Days[11].Items[0].Title)
}

func TestCalendarAPINavigation(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/api/calendar?month=2023-01&nav=prev", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"month":"2022-12"`)

	rec = env.do(http.MethodGet, "/api/calendar?nav=next", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"month":"2023-02"`)
}

func TestCalendarAPIRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, target := range []string{
		"/api/calendar?month=2023-13",
		"/api/calendar?month=January",
		"/api/calendar?nav=sideways",
	} {
		rec := env.do(http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}

	rec := env.do(http.MethodPost, "/api/calendar", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestEventsAPI(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/api/events?start=2023-01-12&end=2023-01-12", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got eventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Events, 1)
	assert.Equal(t, "ENG 200", got.Events[0].ContextName)

	rec = env.do(http.MethodGet, "/api/events?start=2023-01-13&end=2023-01-31", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got = eventsResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Empty(t, got.Events)
	assert.NotNil(t, got.Events)

	rec = env.do(http.MethodGet, "/api/events?start=2023-01-20&end=2023-01-01", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodGet, "/api/events?start=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAssignmentsAPI(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/api/assignments", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got assignmentsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Assignments, 2)
	assert.Equal(t, "Essay draft", got.Assignments[0].Title)
	assert.Equal(t, "Pack bag", got.Assignments[1].Title)
	assert.Nil(t, got.Assignments[1].DueAt)
}

func TestFiltersAPI(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodPost, "/api/filters", `{"filter": "Essay"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"filters": ["Essay"]}`, rec.Body.String())

	rec = env.do(http.MethodPost, "/api/filters", `{"filter": "Essay"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(http.MethodPost, "/api/filters", `{"filter": "   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/api/filters", `{"filter": "`+strings.Repeat("x", 51)+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/api/filters", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodGet, "/api/assignments", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "Essay draft")

	rec = env.do(http.MethodGet, "/api/filters", "")
	assert.JSONEq(t, `{"filters": ["Essay"]}`, rec.Body.String())

	rec = env.do(http.MethodDelete, "/api/filters?filter=Essay", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"filters": []}`, rec.Body.String())

	rec = env.do(http.MethodDelete, "/api/filters", `{"filter": "Essay"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodPut, "/api/filters", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCalendarPage(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/calendar?month=2023-01", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `data-ready="true"`)
	assert.Contains(t, body, "January 2023")
	assert.Contains(t, body, `data-date="2023-01-12"`)
	assert.Contains(t, body, "17:00 Essay draft")
	assert.Contains(t, body, "Pack bag")

	rec = env.do(http.MethodGet, "/calendar?month=2023-02", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = rec.Body.String()
	assert.Contains(t, body, `class=" other" data-date="2023-01-31"`)
	assert.Contains(t, body, `class="" data-date="2023-02-01"`)

	rec = env.do(http.MethodGet, "/calendar?month=bad", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodGet, "/", "")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/calendar", rec.Header().Get("Location"))
}

func TestWeeksOfPadsRows(t *testing.T) {
	// January 2023 starts on a Sunday; February 2023 on a Wednesday.
	jan := weeksOf(calendar.BuildMonthGrid(2023, time.January, calendar.Date{}))
	require.Len(t, jan, 5)
	assert.NotNil(t, jan[0][0])
	assert.Nil(t, jan[4][3])

	feb := weeksOf(calendar.BuildMonthGrid(2023, time.February, calendar.Date{}))
	require.Len(t, feb, 5)
	require.NotNil(t, feb[0][2])
	assert.Equal(t, 31, feb[0][2].Date.Day)
	assert.False(t, feb[0][2].IsCurrentMonth)
	assert.Equal(t, 1, feb[0][3].Date.Day)
	assert.Equal(t, 28, feb[4][2].Date.Day)
	assert.Nil(t, feb[4][3])
}

func TestPreview(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/preview.png", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	png := []byte("\x89PNG\r\n\x1a\nfake")
	require.NoError(t, os.WriteFile(filepath.Join(env.dir, "preview.png"), png, 0o644))
	rec = env.do(http.MethodGet, "/preview.png", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, png, rec.Body.Bytes())
}

func TestBasicAuth(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "s3cret"}
	})

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodGet, "/api/filters", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/api/filters", nil)
	req.SetBasicAuth("admin", "s3cret")
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/filters", nil)
	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequestMetrics(t *testing.T) {
	env := newTestEnv(t, nil)

	env.do(http.MethodGet, "/health", "")
	env.do(http.MethodGet, "/api/calendar?month=nope", "")

	expected := `
# HELP duecal_http_requests_total HTTP requests by route and status code.
# TYPE duecal_http_requests_total counter
duecal_http_requests_total{code="200",route="/health"} 1
duecal_http_requests_total{code="400",route="/api/calendar"} 1
`
	require.NoError(t, testutil.GatherAndCompare(env.metrics.Registry(),
		strings.NewReader(expected), "duecal_http_requests_total"))

	rec := env.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "duecal_http_requests_total")
}
