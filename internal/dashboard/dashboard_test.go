package dashboard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duecal/internal/calendar"
	"duecal/internal/config"
	"duecal/internal/fetch"
	"duecal/internal/model"
)

const feedICS = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Instructure//Canvas//EN
BEGIN:VEVENT
UID:event-assignment-1
DTSTAMP:20221220T000000Z
DTSTART:20230112T235900Z
DTEND:20230112T235900Z
SUMMARY:Homework 1 [CS 101]
END:VEVENT
BEGIN:VEVENT
UID:event-calendar-event-2
DTSTAMP:20221220T000000Z
DTSTART:20230103T150000Z
DTEND:20230103T160000Z
SUMMARY:Office hours [CS 101]
END:VEVENT
BEGIN:VEVENT
UID:event-assignment-3
DTSTAMP:20221220T000000Z
DTSTART:20230115T120000Z
DTEND:20230115T120000Z
SUMMARY:Extra Credit [CS 101]
END:VEVENT
BEGIN:VEVENT
UID:event-assignment-4
DTSTAMP:20221220T000000Z
DTSTART:20230301T120000Z
DTEND:20230301T120000Z
SUMMARY:Final project [CS 101]
END:VEVENT
END:VCALENDAR
`

const feedTasks = `[
	{"id": 1, "title": "Zeta reading", "due_at": null},
	{"id": 2, "title": "Lab prep", "due_at": "2023-01-11T09:00:00Z"},
	{"id": 3, "title": "Later", "due_at": "2023-02-28T09:00:00Z"},
	{"id": 4, "title": "Finished", "due_at": "2023-01-11T09:00:00Z", "completed": true}
]`

type fixture struct {
	svc     *Service
	icsHits *int32
	cfgPath string
}

func newFixture(t *testing.T, mutate func(*config.Config)) fixture {
	t.Helper()

	var icsHits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/feed.ics", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&icsHits, 1)
		_, _ = w.Write([]byte(strings.ReplaceAll(feedICS, "\n", "\r\n")))
	})
	mux.HandleFunc("/tasks", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(feedTasks))
	})
	mux.HandleFunc("/down", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.Calendars = []config.FeedConfig{{ID: "canvas", URL: srv.URL + "/feed.ics"}}
	cfg.Tasks = []config.FeedConfig{{ID: "todo", URL: srv.URL + "/tasks"}}
	if mutate != nil {
		mutate(cfg)
	}
	// Rewrite relative feed paths used by individual tests.
	for i := range cfg.Calendars {
		if strings.HasPrefix(cfg.Calendars[i].URL, "/") {
			cfg.Calendars[i].URL = srv.URL + cfg.Calendars[i].URL
		}
	}

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	fetcher := fetch.NewFetcher(filepath.Join(dir, "cache"), fetch.WithHTTPClient(srv.Client()))
	clock := func() time.Time { return time.Date(2023, 1, 10, 12, 0, 0, 0, time.UTC) }

	return fixture{
		svc:     New(cfg, cfgPath, fetcher, WithClock(clock)),
		icsHits: &icsHits,
		cfgPath: cfgPath,
	}
}

func itemsOn(m Month, d calendar.Date) []model.Event {
	for _, day := range m.Days {
		if day.Date == d {
			return day.Items
		}
	}
	return nil
}

func TestCalendarBindsEvents(t *testing.T) {
	fx := newFixture(t, nil)

	m := fx.svc.Calendar(context.Background(), calendar.MonthView{Year: 2023, Month: time.January})
	assert.Empty(t, m.Warnings)
	assert.Equal(t, "2023-01", m.Month)
	assert.Equal(t, "2022-12", m.Prev)
	assert.Equal(t, "2023-02", m.Next)
	assert.Equal(t, "January", m.Name)
	assert.Equal(t, "2023-01-10", m.Today.String())
	require.Len(t, m.Days, 31)
	assert.True(t, m.Days[9].IsToday)

	hw := itemsOn(m, calendar.Date{Year: 2023, Month: time.January, Day: 12})
	require.Len(t, hw, 1)
	assert.Equal(t, "Homework 1", hw[0].Title)
	assert.Equal(t, "CS 101", hw[0].ContextName)
	assert.Equal(t, model.EventTypeAssignment, hw[0].Type)

	assert.Len(t, itemsOn(m, calendar.Date{Year: 2023, Month: time.January, Day: 3}), 1)
	assert.Len(t, itemsOn(m, calendar.Date{Year: 2023, Month: time.January, Day: 15}), 1)
}

func TestEventsAreCachedWithinWindow(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	jan := calendar.MonthView{Year: 2023, Month: time.January}

	fx.svc.Calendar(ctx, jan)
	fx.svc.Calendar(ctx, jan)
	assert.EqualValues(t, 1, atomic.LoadInt32(fx.icsHits))

	fx.svc.Purge()
	fx.svc.Calendar(ctx, jan)
	assert.EqualValues(t, 2, atomic.LoadInt32(fx.icsHits))
}

func TestEventsHonorsTypesAndFilters(t *testing.T) {
	fx := newFixture(t, func(c *config.Config) {
		c.EventTypes = []string{model.EventTypeAssignment}
		c.Filters = []string{"Extra"}
	})

	start := calendar.Date{Year: 2023, Month: time.January, Day: 1}
	end := calendar.Date{Year: 2023, Month: time.January, Day: 31}
	events, err := fx.svc.Events(context.Background(), start, end)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Homework 1", events[0].Title)

	_, err = fx.svc.Events(context.Background(), end, start)
	assert.Error(t, err)
}

func TestDueSoonOrdering(t *testing.T) {
	fx := newFixture(t, nil)

	items, err := fx.svc.DueSoon(context.Background())
	require.NoError(t, err)

	var got []string
	for _, a := range items {
		got = append(got, a.Title)
	}
	assert.Equal(t, []string{"Lab prep", "Homework 1", "Extra Credit", "Zeta reading"}, got)
	assert.Nil(t, items[3].DueAt)
}

func TestDueSoonAppliesFilters(t *testing.T) {
	fx := newFixture(t, nil)

	_, err := fx.svc.AddFilter("Extra")
	require.NoError(t, err)

	items, err := fx.svc.DueSoon(context.Background())
	require.NoError(t, err)
	for _, a := range items {
		assert.NotContains(t, a.Title, "Extra")
	}
	assert.Len(t, items, 3)
}

func TestCalendarSurvivesFeedFailure(t *testing.T) {
	fx := newFixture(t, func(c *config.Config) {
		c.Calendars = []config.FeedConfig{{ID: "broken", URL: "/down"}}
	})

	m := fx.svc.Calendar(context.Background(), calendar.MonthView{Year: 2023, Month: time.January})
	assert.NotEmpty(t, m.Warnings)
	require.Len(t, m.Days, 31)
	for _, d := range m.Days {
		assert.Empty(t, d.Items)
	}
}

func TestFilters(t *testing.T) {
	fx := newFixture(t, nil)

	f, err := fx.svc.AddFilter("  Optional ")
	require.NoError(t, err)
	assert.Equal(t, "Optional", f)

	_, err = fx.svc.AddFilter("Optional")
	assert.ErrorIs(t, err, ErrFilterExists)

	_, err = fx.svc.AddFilter("")
	assert.Error(t, err)

	assert.Equal(t, []string{"Optional"}, fx.svc.Filters())

	saved, err := config.Load(fx.cfgPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"Optional"}, saved.Filters)

	require.NoError(t, fx.svc.DeleteFilter("Optional"))
	assert.ErrorIs(t, fx.svc.DeleteFilter("Optional"), ErrFilterNotFound)
	assert.Empty(t, fx.svc.Filters())
}

func TestRefreshWarmsCaches(t *testing.T) {
	fx := newFixture(t, nil)
	require.NoError(t, fx.svc.Refresh(context.Background()))
	assert.EqualValues(t, 2, atomic.LoadInt32(fx.icsHits), "current month and due-soon window")

	fx.svc.Calendar(context.Background(), calendar.MonthView{Year: 2023, Month: time.January})
	assert.EqualValues(t, 2, atomic.LoadInt32(fx.icsHits))
}

func TestFeedFailureWarningsHideFeedURL(t *testing.T) {
	closed := httptest.NewServer(http.NotFoundHandler())
	secretURL := closed.URL + "/feeds/calendars/user_SECRETTOKEN.ics"
	closed.Close()

	fx := newFixture(t, func(c *config.Config) {
		c.Calendars = []config.FeedConfig{{ID: "canvas", URL: secretURL}}
	})

	m := fx.svc.Calendar(context.Background(), calendar.MonthView{Year: 2023, Month: time.January})
	require.NotEmpty(t, m.Warnings)
	for _, w := range m.Warnings {
		assert.NotContains(t, w, "SECRETTOKEN")
		assert.Contains(t, w, "fetch canvas")
	}

	_, err := fx.svc.DueSoon(context.Background())
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "SECRETTOKEN")
}

func TestCachedPartialResultKeepsWarnings(t *testing.T) {
	fx := newFixture(t, func(c *config.Config) {
		c.Calendars = append(c.Calendars, config.FeedConfig{ID: "broken", URL: "/down"})
	})
	jan := calendar.MonthView{Year: 2023, Month: time.January}

	first := fx.svc.Calendar(context.Background(), jan)
	require.NotEmpty(t, first.Warnings)
	assert.Len(t, itemsOn(first, calendar.Date{Year: 2023, Month: time.January, Day: 12}), 1)

	second := fx.svc.Calendar(context.Background(), jan)
	assert.EqualValues(t, 1, atomic.LoadInt32(fx.icsHits), "second call is served from cache")
	assert.Equal(t, first.Warnings, second.Warnings)
}

func TestLoadSurvivesCanceledCaller(t *testing.T) {
	fx := newFixture(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := calendar.Date{Year: 2023, Month: time.January, Day: 1}
	end := calendar.Date{Year: 2023, Month: time.January, Day: 31}
	events, err := fx.svc.Events(ctx, start, end)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}
