// Package capture snapshots the server-rendered /calendar page to PNG with a
// headless Chromium driven by chromedp.
package capture

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/chromedp"

	"duecal/internal/config"
	appLog "duecal/internal/log"
)

const (
	DefaultWidth   = 1304
	DefaultHeight  = 984
	DefaultTimeout = 30 * time.Second

	readySelector = `[data-ready="true"]`
)

// Options defines parameters for one snapshot.
type Options struct {
	// URL to capture, e.g. "http://127.0.0.1:8080/calendar".
	URL string

	// OutputPath is where the PNG is written, e.g. "/var/lib/duecal/preview.png".
	OutputPath string

	// Viewport in pixels. Zero means DefaultWidth / DefaultHeight.
	Width  int
	Height int

	// Timeout bounds the whole capture. Zero means DefaultTimeout.
	Timeout time.Duration
}

// OptionsFromConfig derives snapshot options from the capture section. An
// empty capture URL points at this process's own /calendar page.
func OptionsFromConfig(c config.CaptureConfig, listen string) Options {
	url := c.URL
	if url == "" {
		url = "http://" + loopbackAddr(listen) + "/calendar"
	}
	return Options{
		URL:        url,
		OutputPath: c.Output,
		Width:      c.Width,
		Height:     c.Height,
	}
}

// loopbackAddr rewrites wildcard listen hosts (":8080", "0.0.0.0:8080") to a
// dialable loopback address.
func loopbackAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func (o Options) withDefaults() (Options, error) {
	if o.URL == "" {
		return o, errors.New("capture: URL is required")
	}
	if o.OutputPath == "" {
		return o, errors.New("capture: OutputPath is required")
	}
	if o.Width <= 0 {
		o.Width = DefaultWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultHeight
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o, nil
}

// CaptureCalendarPNG navigates a headless Chromium to opts.URL, waits for the
// page root to carry data-ready="true" and writes a viewport-sized PNG to
// opts.OutputPath.
func CaptureCalendarPNG(parent context.Context, opts Options) error {
	opts, err := opts.withDefaults()
	if err != nil {
		return err
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.WindowSize(opts.Width, opts.Height),
		chromedp.Flag("hide-scrollbars", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(parent, allocOpts...)
	defer cancelAlloc()

	ctx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	ctx, cancelTimeout := context.WithTimeout(ctx, opts.Timeout)
	defer cancelTimeout()

	start := time.Now()
	var png []byte
	if err := chromedp.Run(ctx,
		chromedp.EmulateViewport(int64(opts.Width), int64(opts.Height)),
		chromedp.Navigate(opts.URL),
		chromedp.WaitVisible(readySelector, chromedp.ByQuery),
		chromedp.CaptureScreenshot(&png),
	); err != nil {
		return fmt.Errorf("capture: chromedp run: %w", err)
	}

	if err := writeFileAtomic(opts.OutputPath, png); err != nil {
		return err
	}
	appLog.Info("calendar snapshot written",
		"path", opts.OutputPath,
		"bytes", len(png),
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
	)
	return nil
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("capture: create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".preview-*.png")
	if err != nil {
		return fmt.Errorf("capture: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("capture: write temp file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("capture: chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("capture: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("capture: rename into place: %w", err)
	}
	return nil
}
