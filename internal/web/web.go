package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"duecal/internal/calendar"
	"duecal/internal/config"
	"duecal/internal/dashboard"
	appLog "duecal/internal/log"
	"duecal/internal/metrics"
)

// Server exposes the dashboard over HTTP: a JSON API, the server-rendered
// /calendar page and the last PNG snapshot.
type Server struct {
	cfg         *config.Config
	dash        *dashboard.Service
	metrics     *metrics.Metrics
	previewPath string
	mux         *http.ServeMux
}

// NewServer constructs a new Server. previewPath is the PNG served at
// /preview.png.
func NewServer(cfg *config.Config, dash *dashboard.Service, m *metrics.Metrics, previewPath string) *Server {
	s := &Server{
		cfg:         cfg,
		dash:        dash,
		metrics:     m,
		previewPath: previewPath,
		mux:         http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the root handler, wrapped with Basic Auth when configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password disables auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware protects every path except /health.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="duecal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.handle("/health", s.handleHealth)
	s.handle("/api/calendar", s.handleCalendar)
	s.handle("/api/events", s.handleEvents)
	s.handle("/api/assignments", s.handleAssignments)
	s.handle("/api/filters", s.handleFilters)
	s.handle("/calendar", s.handleCalendarPage)
	s.handle("/preview.png", s.handlePreview)
	s.mux.Handle("/metrics", s.metrics.Handler())
	s.handle("/", s.handleRoot)
}

// handle registers h and counts responses per route.
func (s *Server) handle(route string, h http.HandlerFunc) {
	s.mux.HandleFunc(route, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.metrics.HTTPRequest(route, strconv.Itoa(rec.status))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, "/calendar", http.StatusFound)
}

// handlePreview serves the last PNG written by the snapshot job.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if s.previewPath == "" {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, s.previewPath)
}

// viewFromQuery resolves ?month=YYYY-MM (default: the current month) and
// applies ?nav=prev|next.
func (s *Server) viewFromQuery(r *http.Request) (calendar.MonthView, error) {
	q := r.URL.Query()

	view := calendar.ViewOf(s.dash.Today())
	if m := q.Get("month"); m != "" {
		v, err := calendar.ParseMonth(m)
		if err != nil {
			return calendar.MonthView{}, errors.New("month must be YYYY-MM")
		}
		view = v
	}

	switch q.Get("nav") {
	case "":
	case "prev":
		view = view.Prev()
	case "next":
		view = view.Next()
	default:
		return calendar.MonthView{}, errors.New("nav must be prev or next")
	}
	return view, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
