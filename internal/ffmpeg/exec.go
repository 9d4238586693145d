package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
)

const maxStderrBytes = 8 * 1024 // tail of stderr kept for diagnostics

// RunFunc starts bin with args and waits for it to exit. Process output is
// copied to stdout and stderr, each from a single goroutine.
type RunFunc func(ctx context.Context, bin string, args []string, stdout, stderr io.Writer) error

func execRun(ctx context.Context, bin string, args []string, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}

// CommandError reports a failed engine invocation.
type CommandError struct {
	Tool       string
	ExitCode   int
	StderrTail string
	Err        error
}

func (e *CommandError) Error() string {
	tail := strings.TrimSpace(e.StderrTail)
	if tail == "" {
		return fmt.Sprintf("%s exited %d: %v", e.Tool, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("%s exited %d: %s", e.Tool, e.ExitCode, truncate(tail, 512))
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func toolName(bin string) string {
	return strings.TrimSuffix(filepath.Base(bin), ".exe")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter keeps only the last limit bytes written to it.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		b := lw.w.Bytes()
		lw.w.Reset()
		lw.w.Write(b[len(b)-lw.limit:])
	}
	return n, nil
}

// lineWriter splits written bytes into lines and hands each to fn. ffmpeg
// terminates progress lines with \r, so both \r and \n end a line.
type lineWriter struct {
	fn  func(string)
	buf []byte
}

func (lw *lineWriter) Write(p []byte) (int, error) {
	lw.buf = append(lw.buf, p...)
	for {
		i := bytes.IndexAny(lw.buf, "\r\n")
		if i < 0 {
			break
		}
		if line := string(lw.buf[:i]); line != "" {
			lw.fn(line)
		}
		lw.buf = lw.buf[i+1:]
	}
	return len(p), nil
}

// Flush emits a trailing unterminated line.
func (lw *lineWriter) Flush() {
	if len(lw.buf) > 0 {
		lw.fn(string(lw.buf))
		lw.buf = nil
	}
}
