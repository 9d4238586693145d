// Package publish exposes finished outputs in a public directory under
// stable names.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/reelcut/reelcut/internal/logging"
)

const (
	maxNameLen     = 128
	lockRetryDelay = 50 * time.Millisecond

	// RoutePrefix is the URL path under which published files are served.
	RoutePrefix = "/output-video/"
)

// ErrInvalidName is returned for names that sanitise to nothing usable.
var ErrInvalidName = errors.New("invalid output name")

// DirPublisher moves outputs into dir and addresses them below baseURL.
// Writers of the same name are serialised with a file lock, so concurrent
// jobs in one or several processes never interleave an artifact.
type DirPublisher struct {
	dir     string
	baseURL string
	logger  *slog.Logger
}

// NewDirPublisher creates dir if needed and returns a publisher for it.
func NewDirPublisher(dir, baseURL string, logger *slog.Logger) (*DirPublisher, error) {
	if err := ValidateOutputDir(dir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create publish dir: %w", err)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &DirPublisher{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logging.WithComponent(logger, "publish"),
	}, nil
}

// Dir returns the publish directory.
func (p *DirPublisher) Dir() string {
	return p.dir
}

// URL returns the address of a published name.
func (p *DirPublisher) URL(name string) string {
	return p.baseURL + RoutePrefix + url.PathEscape(name)
}

// Publish moves src into the publish directory as name, replacing any
// previous artifact of that name atomically, and returns its URL.
func (p *DirPublisher) Publish(ctx context.Context, src, name string) (string, error) {
	clean, err := CleanName(name)
	if err != nil {
		return "", err
	}

	lock := flock.New(filepath.Join(p.dir, "."+clean+".lock"))
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return "", fmt.Errorf("lock %s: %w", clean, err)
	}
	if !locked {
		return "", fmt.Errorf("lock %s: not acquired", clean)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			p.logger.Warn("failed to release publish lock", "name", clean, "error", err)
		}
	}()

	dest := filepath.Join(p.dir, clean)
	size, err := moveInto(src, dest)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", clean, err)
	}

	u := p.URL(clean)
	p.logger.Info("output published", "name", clean, "size", humanize.IBytes(uint64(size)), "url", u)
	return u, nil
}

// Resolve returns the on-disk path of a published name.
func (p *DirPublisher) Resolve(name string) (string, error) {
	clean, err := CleanName(name)
	if err != nil {
		return "", err
	}
	if clean != name {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(p.dir, clean), nil
}

// moveInto renames src to dest, falling back to copy-then-rename when they
// live on different filesystems. dest is never observed half-written.
func moveInto(src, dest string) (int64, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", filepath.Base(src))
	}

	if err := os.Rename(src, dest); err == nil {
		return info.Size(), nil
	}

	tmp := filepath.Join(filepath.Dir(dest), "."+filepath.Base(dest)+"."+uuid.NewString()+".tmp")
	n, err := copyFile(src, tmp)
	if err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("rename into place: %w", err)
	}
	_ = os.Remove(src)
	return n, nil
}

func copyFile(src, dest string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return n, err
}

// CleanName sanitises a caller-supplied artifact name into a plain,
// non-hidden file name.
func CleanName(name string) (string, error) {
	clean := SanitizeName(name, maxNameLen)
	clean = strings.TrimLeft(clean, ". ")
	if clean == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return clean, nil
}

// SanitizeName drops control characters and replaces anything outside a
// conservative set with '_'. Path separators never survive.
func SanitizeName(s string, maxLen int) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if isAllowedNameRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	cleaned := strings.TrimSpace(b.String())
	if maxLen > 0 {
		runes := []rune(cleaned)
		if len(runes) > maxLen {
			cleaned = string(runes[:maxLen])
		}
	}
	return cleaned
}

func isAllowedNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '-', '_', '.', '(', ')':
		return true
	default:
		return false
	}
}

// ValidateOutputDir rejects blank, unclean or traversing directories. The
// directory need not exist yet.
func ValidateOutputDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return fmt.Errorf("publish dir is required")
	}
	for _, part := range strings.Split(filepath.ToSlash(dir), "/") {
		if part == ".." {
			return fmt.Errorf("publish dir cannot contain path traversal")
		}
	}
	if filepath.Clean(dir) != dir {
		return fmt.Errorf("publish dir must be a clean path")
	}
	if info, err := os.Stat(dir); err == nil && !info.IsDir() {
		return fmt.Errorf("publish dir is not a directory")
	}
	return nil
}
