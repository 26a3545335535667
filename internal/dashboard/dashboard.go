// Package dashboard aggregates calendar and task feeds into the views served
// by the web UI: the month calendar, the event list for a date range and the
// due-soon assignment list.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"duecal/internal/assignment"
	"duecal/internal/calendar"
	"duecal/internal/config"
	"duecal/internal/fetch"
	"duecal/internal/ics"
	appLog "duecal/internal/log"
	"duecal/internal/metrics"
	"duecal/internal/model"
	"duecal/internal/tasks"
)

var (
	ErrFilterExists   = errors.New("dashboard: filter already exists")
	ErrFilterNotFound = errors.New("dashboard: filter does not exist")
)

const (
	cacheSize              = 64
	tasksCacheKey          = "tasks"
	maxOccurrencesPerEvent = 5000
)

// Service is safe for concurrent use.
type Service struct {
	mu      sync.RWMutex
	cfg     *config.Config
	cfgPath string

	loc     *time.Location
	now     func() time.Time
	fetcher *fetch.Fetcher
	metrics *metrics.Metrics

	// Raw expanded events keyed by visible range, and decoded task feeds.
	// Both expire after cfg.CacheSeconds; filters are applied on read.
	events *expirable.LRU[string, cached[model.Event]]
	tasks  *expirable.LRU[string, cached[model.Assignment]]
	group  singleflight.Group
}

// cached keeps a load's partial-failure error with its items so cache hits
// report the same warnings as the original load.
type cached[T any] struct {
	items []T
	err   error
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New builds a Service. cfgPath is where filter changes are persisted; an
// empty path keeps them in memory only.
func New(cfg *config.Config, cfgPath string, fetcher *fetch.Fetcher, opts ...Option) *Service {
	cfg.Normalize()
	s := &Service{
		cfg:     cfg,
		cfgPath: cfgPath,
		loc:     ResolveLocation(cfg.Timezone),
		now:     time.Now,
		fetcher: fetcher,
		events:  expirable.NewLRU[string, cached[model.Event]](cacheSize, nil, cfg.CacheTTL()),
		tasks:   expirable.NewLRU[string, cached[model.Assignment]](cacheSize, nil, cfg.CacheTTL()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResolveLocation loads an IANA zone, falling back to time.Local.
func ResolveLocation(name string) *time.Location {
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", name)
		return time.Local
	}
	return loc
}

// Location is the display timezone.
func (s *Service) Location() *time.Location {
	return s.loc
}

// Today is the current calendar date in the display timezone.
func (s *Service) Today() calendar.Date {
	return calendar.DateOf(s.now().In(s.loc))
}

// Events returns events starting within the inclusive date range, restricted
// to the configured event types and with filtered titles removed. A non-nil
// error alongside events means some feeds failed; events from the others
// are still returned.
func (s *Service) Events(ctx context.Context, start, end calendar.Date) ([]model.Event, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("dashboard: range end %s is before start %s", end, start)
	}
	raw, err := s.rangeEvents(ctx, start, end)

	s.mu.RLock()
	types := slices.Clone(s.cfg.EventTypes)
	filters := slices.Clone(s.cfg.Filters)
	s.mu.RUnlock()

	out := make([]model.Event, 0, len(raw))
	for _, ev := range raw {
		if slices.Contains(types, ev.Type) {
			out = append(out, ev)
		}
	}
	return assignment.FilterEvents(out, filters), err
}

// Month is a fully bound month calendar.
type Month struct {
	View     calendar.MonthView `json:"-"`
	Month    string             `json:"month"`
	Name     string             `json:"name"`
	Year     int                `json:"year"`
	Prev     string             `json:"prev"`
	Next     string             `json:"next"`
	Today    calendar.Date      `json:"today"`
	Start    calendar.Date      `json:"start"`
	End      calendar.Date      `json:"end"`
	Days     []calendar.Day     `json:"days"`
	Warnings []string           `json:"warnings,omitempty"`
}

// Calendar builds the grid for view with today captured once, fetches events
// for the visible range and binds them to their days. Feed failures are
// reported in Month.Warnings; the grid is always returned.
func (s *Service) Calendar(ctx context.Context, view calendar.MonthView) Month {
	today := s.Today()
	days := view.Grid(today)
	start, end, _ := calendar.VisibleRange(days)

	m := Month{
		View:  view,
		Month: view.String(),
		Name:  view.Name(),
		Year:  view.Year,
		Prev:  view.Prev().String(),
		Next:  view.Next().String(),
		Today: today,
		Start: start,
		End:   end,
	}

	events, err := s.Events(ctx, start, end)
	if err != nil {
		appLog.Error("calendar: some feeds failed", err, "month", view.String())
		m.Warnings = append(m.Warnings, err.Error())
	}

	dropped := calendar.BindEvents(days, events, s.loc)
	if dropped > 0 {
		appLog.Debug("calendar: events not bound", "month", view.String(), "dropped", dropped)
	}
	s.metrics.EventsDropped(dropped)

	m.Days = days
	return m
}

// DueSoon returns assignments due between today-BackfillDays and
// today+DueSoonDays (inclusive), plus undated task-feed items, filtered by
// title and ordered with assignment.Compare.
func (s *Service) DueSoon(ctx context.Context) ([]model.Assignment, error) {
	s.mu.RLock()
	backfill, ahead := s.cfg.BackfillDays, s.cfg.DueSoonDays
	filters := slices.Clone(s.cfg.Filters)
	s.mu.RUnlock()

	today := s.Today()
	from := today.AddDays(-backfill)
	to := today.AddDays(ahead)
	lo, hi := from.Time(s.loc), to.AddDays(1).Time(s.loc)

	var errs []error
	events, err := s.rangeEvents(ctx, from, to)
	if err != nil {
		errs = append(errs, err)
	}

	items := make([]model.Assignment, 0)
	for _, ev := range events {
		if ev.Type == model.EventTypeAssignment {
			items = append(items, model.AssignmentFromEvent(ev))
		}
	}

	taskItems, err := s.taskAssignments(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	for _, a := range taskItems {
		if a.DueAt == nil || (!a.DueAt.Before(lo) && a.DueAt.Before(hi)) {
			items = append(items, a)
		}
	}

	items = assignment.FilterByTitle(items, filters)
	assignment.Sort(items)
	return items, errors.Join(errs...)
}

// Refresh drops cached feed data and warms the current month and the
// due-soon list.
func (s *Service) Refresh(ctx context.Context) error {
	s.Purge()

	m := s.Calendar(ctx, calendar.ViewOf(s.Today()))
	_, err := s.DueSoon(ctx)
	appLog.Info("dashboard refreshed", "month", m.Month, "warnings", len(m.Warnings))
	return err
}

// Purge empties the in-memory caches.
func (s *Service) Purge() {
	s.events.Purge()
	s.tasks.Purge()
}

func (s *Service) rangeEvents(ctx context.Context, start, end calendar.Date) ([]model.Event, error) {
	key := start.String() + "/" + end.String()
	if hit, ok := s.events.Get(key); ok {
		s.metrics.CacheLookup("events", true)
		return hit.items, hit.err
	}
	s.metrics.CacheLookup("events", false)

	// The load is shared by every caller waiting on this key, so it must
	// not die with the first caller's request.
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := s.group.Do("events:"+key, func() (any, error) {
		events, err := s.loadEvents(loadCtx, start, end)
		if events != nil {
			s.events.Add(key, cached[model.Event]{items: events, err: err})
		}
		return events, err
	})
	events, _ := v.([]model.Event)
	return events, err
}

// loadEvents returns nil events only when every feed failed.
func (s *Service) loadEvents(ctx context.Context, start, end calendar.Date) ([]model.Event, error) {
	sources := s.sources(func(c *config.Config) []config.FeedConfig { return c.Calendars })
	if len(sources) == 0 {
		return []model.Event{}, nil
	}

	results, fetchErrs := s.fetcher.FetchAll(ctx, sources)
	errs := slices.Clone(fetchErrs)

	parsed := make([]ics.ParsedEvent, 0)
	ok := 0
	for _, res := range results {
		evs, err := ics.ParseICS(res.Source, res.Body)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ok++
		parsed = append(parsed, evs...)
	}
	if ok == 0 {
		return nil, errors.Join(errs...)
	}

	expanded, err := ics.ExpandOccurrences(parsed, ics.ExpandConfig{
		DisplayLocation:        s.loc,
		RangeStart:             start.Time(s.loc),
		RangeEnd:               end.AddDays(1).Time(s.loc),
		MaxOccurrencesPerEvent: maxOccurrencesPerEvent,
	})
	if err != nil {
		return nil, errors.Join(append(errs, err)...)
	}

	appLog.Info("events loaded",
		"start", start.String(),
		"end", end.String(),
		"sources", len(sources),
		"events", len(expanded.Events),
		"truncated", len(expanded.TruncatedEvents),
	)
	return expanded.Events, errors.Join(errs...)
}

func (s *Service) taskAssignments(ctx context.Context) ([]model.Assignment, error) {
	if hit, ok := s.tasks.Get(tasksCacheKey); ok {
		s.metrics.CacheLookup("tasks", true)
		return hit.items, hit.err
	}
	s.metrics.CacheLookup("tasks", false)

	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := s.group.Do(tasksCacheKey, func() (any, error) {
		items, err := s.loadTasks(loadCtx)
		if items != nil {
			s.tasks.Add(tasksCacheKey, cached[model.Assignment]{items: items, err: err})
		}
		return items, err
	})
	items, _ := v.([]model.Assignment)
	return items, err
}

func (s *Service) loadTasks(ctx context.Context) ([]model.Assignment, error) {
	sources := s.sources(func(c *config.Config) []config.FeedConfig { return c.Tasks })
	if len(sources) == 0 {
		return []model.Assignment{}, nil
	}

	results, fetchErrs := s.fetcher.FetchAll(ctx, sources)
	errs := slices.Clone(fetchErrs)

	items := make([]model.Assignment, 0)
	ok := 0
	for _, res := range results {
		decoded, err := tasks.Decode(res.Source, res.Body, s.loc)
		if err != nil {
			appLog.Error("task feed decode failed", err, "id", res.Source.ID)
			errs = append(errs, err)
			continue
		}
		ok++
		items = append(items, decoded...)
	}
	if ok == 0 {
		return nil, errors.Join(errs...)
	}
	return items, errors.Join(errs...)
}

func (s *Service) sources(pick func(*config.Config) []config.FeedConfig) []fetch.Source {
	s.mu.RLock()
	defer s.mu.RUnlock()

	feeds := pick(s.cfg)
	out := make([]fetch.Source, 0, len(feeds))
	for _, f := range feeds {
		if f.URL == "" {
			continue
		}
		out = append(out, fetch.Source{ID: f.SourceID(), URL: f.URL, Token: f.Token})
	}
	return out
}
