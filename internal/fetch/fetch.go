// Package fetch downloads calendar and task feeds with HTTP conditional
// requests and a per-URL disk cache that is used as a fallback when the
// upstream is unreachable.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	appLog "duecal/internal/log"
	"duecal/internal/metrics"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultConcurrency = 4
	maxBodyBytes       = 32 << 20
)

// Source is a single feed endpoint.
type Source struct {
	ID  string
	URL string
	// Token, if set, is sent as "Authorization: Bearer <token>".
	Token string
}

// Result contains the outcome of fetching a single source.
type Result struct {
	Source    Source
	Body      []byte
	FromCache bool // body came from disk (304 or upstream failure)
}

// cacheEntry holds HTTP cache metadata for a single URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher fetches feeds honoring ETag / Last-Modified and keeps the last
// good body on disk.
type Fetcher struct {
	client      *http.Client
	cacheDir    string
	concurrency int
	metrics     *metrics.Metrics
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the default client (15s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithConcurrency bounds how many sources FetchAll fetches at once.
func WithConcurrency(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.concurrency = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// NewFetcher creates a Fetcher caching under cacheDir, e.g.
// "/var/lib/duecal/cache".
func NewFetcher(cacheDir string, opts ...Option) *Fetcher {
	if cacheDir == "" {
		cacheDir = "./var/cache"
	}
	f := &Fetcher{
		client:      &http.Client{Timeout: defaultTimeout},
		cacheDir:    cacheDir,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchAll fetches sources concurrently. Results keep the order of sources
// and only include sources that produced a body; failures are logged and
// returned in errs.
func (f *Fetcher) FetchAll(ctx context.Context, sources []Source) ([]Result, []error) {
	slots := make([]*Result, len(sources))
	slotErrs := make([]error, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for i, src := range sources {
		g.Go(func() error {
			res, err := f.FetchOne(gctx, src)
			if err != nil {
				appLog.Error("feed fetch failed", err, "id", src.ID, "url", RedactURL(src.URL))
				slotErrs[i] = err
				// One bad feed must not cancel the others.
				return nil
			}
			slots[i] = &res
			return nil
		})
	}
	_ = g.Wait()

	results := make([]Result, 0, len(sources))
	var errs []error
	for i := range sources {
		if slots[i] != nil {
			results = append(results, *slots[i])
		}
		if slotErrs[i] != nil {
			errs = append(errs, slotErrs[i])
		}
	}
	return results, errs
}

// FetchOne fetches a single source using the disk cache under f.cacheDir,
// keyed by a hash of the URL.
func (f *Fetcher) FetchOne(ctx context.Context, src Source) (Result, error) {
	if src.URL == "" {
		return Result{}, fmt.Errorf("fetch %s: source URL is empty", src.ID)
	}

	cachePath := f.cachePathForURL(src.URL)
	if err := os.MkdirAll(cachePath, 0o700); err != nil {
		return Result{}, err
	}

	meta, _ := loadCacheMeta(cachePath)
	cachedBody, _ := loadCacheBody(cachePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return Result{}, redactError(src, err)
	}
	if meta.ETag != "" {
		req.Header.Set("If-None-Match", meta.ETag)
	}
	if meta.LastModified != "" {
		req.Header.Set("If-Modified-Since", meta.LastModified)
	}
	if src.Token != "" {
		req.Header.Set("Authorization", "Bearer "+src.Token)
	}

	appLog.Debug("feed fetch start", "id", src.ID, "url", RedactURL(src.URL))

	resp, err := f.client.Do(req)
	if err != nil {
		err = redactError(src, err)
		if len(cachedBody) > 0 {
			appLog.Error("feed fetch network error, using cached body", err, "id", src.ID, "url", RedactURL(src.URL))
			f.metrics.FeedFetched(src.ID, "stale")
			return Result{Source: src, Body: cachedBody, FromCache: true}, nil
		}
		f.metrics.FeedFetched(src.ID, "error")
		return Result{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if readErr != nil {
			f.metrics.FeedFetched(src.ID, "error")
			return Result{}, fmt.Errorf("fetch %s: read body: %w", src.ID, readErr)
		}

		newMeta := cacheEntry{
			URL:          src.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := saveCache(cachePath, newMeta, body); err != nil {
			// Log but still return the freshly fetched body.
			appLog.Error("feed cache save failed", err, "id", src.ID, "url", RedactURL(src.URL))
		}

		appLog.Info("feed fetch success", "id", src.ID, "url", RedactURL(src.URL), "bytes", len(body))
		f.metrics.FeedFetched(src.ID, "fresh")
		return Result{Source: src, Body: body}, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			f.metrics.FeedFetched(src.ID, "error")
			return Result{}, fmt.Errorf("fetch %s: 304 Not Modified but no cached body", src.ID)
		}
		appLog.Debug("feed not modified; using cache", "id", src.ID)
		f.metrics.FeedFetched(src.ID, "not_modified")
		return Result{Source: src, Body: cachedBody, FromCache: true}, nil

	default:
		if len(cachedBody) > 0 {
			appLog.Error("feed fetch non-OK, using cached body", errors.New(resp.Status), "id", src.ID, "url", RedactURL(src.URL))
			f.metrics.FeedFetched(src.ID, "stale")
			return Result{Source: src, Body: cachedBody, FromCache: true}, nil
		}
		f.metrics.FeedFetched(src.ID, "error")
		return Result{}, fmt.Errorf("fetch %s: unexpected status %s", src.ID, resp.Status)
	}
}

func (f *Fetcher) cachePathForURL(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body"))
}

func saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Body first so meta never points at a missing body.
	if err := writeFileAtomic(filepath.Join(cachePath, "body"), body); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(cachePath, "meta.json"), data)
}

// writeFileAtomic replaces path via a temp file and rename so concurrent
// readers see either the old or the new content, never a truncated file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// redactError wraps a request error for src without the feed URL. Errors from
// net/http quote the full URL, which usually embeds a private token.
func redactError(src Source, err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("fetch %s: %s %s: %w", src.ID, urlErr.Op, RedactURL(src.URL), urlErr.Err)
	}
	return fmt.Errorf("fetch %s: %w", src.ID, err)
}

// RedactURL keeps only scheme and host; feed URLs usually carry a private
// token in the path or query.
//
//	https://canvas.example.edu/feeds/calendars/user_abc.ics -> https://canvas.example.edu/...(redacted)
func RedactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := strings.Index(u, "://")
	if i == -1 {
		return "feed://...(redacted)"
	}
	rest := u[i+3:]
	if j := strings.IndexAny(rest, "/?#"); j >= 0 {
		rest = rest[:j]
	}
	if j := strings.LastIndexByte(rest, '@'); j >= 0 {
		rest = rest[j+1:]
	}
	return u[:i+3] + rest + redactedSuffix
}
