// Package playback serves published outputs over HTTP with byte-range
// support so players can seek.
package playback

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/reelcut/reelcut/internal/logging"
)

// Resolver maps a public output name to a file on disk.
type Resolver interface {
	Resolve(name string) (string, error)
}

// Server streams files named through a Resolver.
type Server struct {
	resolver Resolver
	logger   *slog.Logger
}

// NewServer creates an output server.
func NewServer(resolver Resolver, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{resolver: resolver, logger: logging.WithComponent(logger, "playback")}
}

// ServeOutput writes the named output to w, honouring Range and HEAD.
// Unknown or unresolvable names are answered with 404 and no error.
func (s *Server) ServeOutput(w http.ResponseWriter, r *http.Request, name string) error {
	path, err := s.resolver.Resolve(name)
	if err != nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return nil
	}
	return s.serveFile(w, r, path)
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, path string) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			http.Error(w, "file not found", http.StatusNotFound)
			return nil
		}
		return fmt.Errorf("open output: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat output: %w", err)
	}
	if stat.IsDir() {
		http.Error(w, "file not found", http.StatusNotFound)
		return nil
	}
	size := stat.Size()

	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", contentType(path))
	h.Set("Last-Modified", stat.ModTime().UTC().Format(http.TimeFormat))

	br, err := ParseRange(r.Header.Get("Range"), size)
	switch {
	case errors.Is(err, ErrUnsatisfiable):
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "Range Not Satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return nil
	case errors.Is(err, ErrInvalidRange):
		// Malformed ranges are ignored and the whole file is sent.
		br = nil
	case err != nil:
		return err
	}

	if br == nil {
		h.Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return nil
		}
		_, err = io.Copy(w, file)
		return s.copyErr(path, err)
	}

	h.Set("Content-Length", strconv.FormatInt(br.Length(), 10))
	h.Set("Content-Range", br.Header(size))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return nil
	}
	if _, err := file.Seek(br.Start, io.SeekStart); err != nil {
		return fmt.Errorf("seek output: %w", err)
	}
	_, err = io.CopyN(w, file, br.Length())
	return s.copyErr(path, err)
}

// videoTypes covers containers missing from minimal system mime tables.
var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
}

func contentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if t, ok := videoTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// copyErr logs write failures, which are nearly always a client that went away.
func (s *Server) copyErr(path string, err error) error {
	if err != nil {
		s.logger.Debug("output stream interrupted", "path", logging.SanitizePath(path), "error", err)
	}
	return nil
}
