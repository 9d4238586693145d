// Package fetch materialises remote or local media sources as local files.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/reelcut/reelcut/internal/logging"
)

var (
	// ErrEmptyURL is returned for a blank source.
	ErrEmptyURL = errors.New("empty source url")

	// ErrLocalDisabled is returned for file sources when local access is off.
	ErrLocalDisabled = errors.New("local file sources are disabled")

	// ErrTooLarge is returned when a source exceeds the configured size limit.
	ErrTooLarge = errors.New("source exceeds size limit")
)

// StatusError is a non-2xx response from a source server.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("download %s failed: HTTP %d: %s", e.URL, e.StatusCode, e.Body)
}

// IsRetryable returns true for server errors (5xx). Client errors are permanent.
func (e *StatusError) IsRetryable() bool {
	return e.StatusCode >= 500
}

const (
	defaultRetryDelay = time.Second
	maxRetryDelay     = 30 * time.Second
)

// Config controls fetch behaviour.
type Config struct {
	Timeout    time.Duration // whole-transfer limit; 0 means none
	MaxBytes   int64         // 0 means unlimited
	AllowLocal bool          // accept file:// URLs and bare paths
	Retries    int           // extra attempts after a retryable HTTP status
	RetryDelay time.Duration // first backoff, doubled per attempt
	UserAgent  string
	Logger     *slog.Logger
}

// HTTPFetcher downloads http(s) sources and, when allowed, copies local files.
type HTTPFetcher struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPFetcher creates a fetcher. client may be nil.
func NewHTTPFetcher(cfg Config, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       90 * time.Second,
			},
		}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "reelcut"
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &HTTPFetcher{cfg: cfg, httpClient: client, logger: logging.WithComponent(logger, "fetch")}
}

// Fetch writes source to dest. dest is only created once the transfer has
// fully succeeded.
func (f *HTTPFetcher) Fetch(ctx context.Context, source, dest string) error {
	source = strings.TrimSpace(source)
	if source == "" {
		return ErrEmptyURL
	}
	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}

	u, err := url.Parse(source)
	if err != nil {
		return fmt.Errorf("parse source url: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return f.downloadWithRetry(ctx, u, dest)
	case "file":
		return f.copyLocal(ctx, u.Path, dest)
	case "":
		return f.copyLocal(ctx, source, dest)
	default:
		if len(u.Scheme) == 1 && filepath.VolumeName(source) != "" {
			return f.copyLocal(ctx, source, dest)
		}
		return fmt.Errorf("unsupported source scheme %q", u.Scheme)
	}
}

// downloadWithRetry repeats download while the source answers with a
// retryable status, backing off exponentially between attempts.
func (f *HTTPFetcher) downloadWithRetry(ctx context.Context, u *url.URL, dest string) error {
	delay := f.cfg.RetryDelay
	for attempt := 0; ; attempt++ {
		err := f.download(ctx, u, dest)
		var serr *StatusError
		if err == nil || attempt >= f.cfg.Retries || !errors.As(err, &serr) || !serr.IsRetryable() {
			return err
		}

		f.logger.Warn("source unavailable, retrying",
			"url", serr.URL,
			"status", serr.StatusCode,
			"attempt", attempt+1,
			"delay_ms", delay.Milliseconds(),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (last: %w)", ctx.Err(), err)
		case <-timer.C:
		}
		delay = min(delay*2, maxRetryDelay)
	}
}

func (f *HTTPFetcher) download(ctx context.Context, u *url.URL, dest string) error {
	safeURL := logging.SanitizeURL(u.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	start := time.Now()
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{URL: safeURL, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if f.cfg.MaxBytes > 0 && resp.ContentLength > f.cfg.MaxBytes {
		return fmt.Errorf("%w: %s > %s", ErrTooLarge,
			humanize.IBytes(uint64(resp.ContentLength)), humanize.IBytes(uint64(f.cfg.MaxBytes)))
	}

	n, err := f.writeFile(resp.Body, dest)
	if err != nil {
		return fmt.Errorf("download %s: %w", safeURL, err)
	}

	f.logger.Info("source downloaded",
		"url", safeURL,
		"size", humanize.IBytes(uint64(n)),
		"bytes", n,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (f *HTTPFetcher) copyLocal(ctx context.Context, path, dest string) error {
	if !f.cfg.AllowLocal {
		return ErrLocalDisabled
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open local source: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat local source: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("local source %s is a directory", logging.SanitizePath(path))
	}

	n, err := f.writeFile(src, dest)
	if err != nil {
		return fmt.Errorf("copy %s: %w", logging.SanitizePath(path), err)
	}
	f.logger.Info("local source copied",
		"path", logging.SanitizePath(path),
		"size", humanize.IBytes(uint64(n)),
	)
	return nil
}

// writeFile streams r into a temporary sibling of dest and renames it into
// place on success.
func (f *HTTPFetcher) writeFile(r io.Reader, dest string) (int64, error) {
	if f.cfg.MaxBytes > 0 {
		r = io.LimitReader(r, f.cfg.MaxBytes+1)
	}

	tmp := dest + ".part"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", filepath.Base(tmp), err)
	}

	n, err := io.Copy(out, r)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err == nil && f.cfg.MaxBytes > 0 && n > f.cfg.MaxBytes {
		err = fmt.Errorf("%w: more than %s", ErrTooLarge, humanize.IBytes(uint64(f.cfg.MaxBytes)))
	}
	if err != nil {
		_ = os.Remove(tmp)
		return n, err
	}

	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return n, fmt.Errorf("rename into place: %w", err)
	}
	return n, nil
}
