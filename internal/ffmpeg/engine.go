// Package ffmpeg drives the ffmpeg and ffprobe executables on behalf of the
// reconstruction pipeline.
package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/reelcut/reelcut/internal/logging"
	"github.com/reelcut/reelcut/internal/pipeline"
)

// Config holds binary locations and per-operation timeouts. A zero timeout
// means no limit beyond the caller's context.
type Config struct {
	FFmpegPath       string
	FFprobePath      string
	ProbeTimeout     time.Duration
	DetectTimeout    time.Duration
	ExtractTimeout   time.Duration
	NormalizeTimeout time.Duration
	ConcatTimeout    time.Duration
	Logger           *slog.Logger
	DebugPaths       bool // log full paths instead of sanitised ones
}

// DefaultConfig returns production defaults.
func DefaultConfig(logger *slog.Logger) Config {
	return Config{
		FFmpegPath:       "ffmpeg",
		FFprobePath:      "ffprobe",
		ProbeTimeout:     30 * time.Second,
		DetectTimeout:    30 * time.Minute,
		ExtractTimeout:   10 * time.Minute,
		NormalizeTimeout: 30 * time.Minute,
		ConcatTimeout:    30 * time.Minute,
		Logger:           logger,
	}
}

// Option customises an Engine.
type Option func(*Engine)

// WithRunFunc replaces process execution; used by tests.
func WithRunFunc(run RunFunc) Option {
	return func(e *Engine) { e.run = run }
}

// Engine implements pipeline.Engine with ffmpeg subprocesses.
type Engine struct {
	cfg    Config
	run    RunFunc
	logger *slog.Logger
}

var _ pipeline.Engine = (*Engine)(nil)

// New creates an Engine.
func New(cfg Config, opts ...Option) *Engine {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	e := &Engine{cfg: cfg, run: execRun, logger: logging.WithComponent(logger, "ffmpeg")}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Probe reads duration and stream parameters with ffprobe.
func (e *Engine) Probe(ctx context.Context, path string) (*pipeline.ProbeResult, error) {
	var stdout bytes.Buffer
	if err := e.exec(ctx, e.cfg.ProbeTimeout, e.cfg.FFprobePath, probeArgs(path), &stdout, nil); err != nil {
		return nil, err
	}
	res, err := parseProbe(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", e.safePath(path), err)
	}
	return res, nil
}

// DetectSilence runs the silencedetect filter and streams its stderr lines.
func (e *Engine) DetectSilence(ctx context.Context, path string, params pipeline.SilenceParams, onLine func(string)) error {
	lines := &lineWriter{fn: onLine}
	err := e.exec(ctx, e.cfg.DetectTimeout, e.cfg.FFmpegPath, silenceArgs(path, params), io.Discard, lines)
	lines.Flush()
	return err
}

// Extract stream-copies a time range of src into out.
func (e *Engine) Extract(ctx context.Context, src string, start, duration float64, out string) error {
	return e.exec(ctx, e.cfg.ExtractTimeout, e.cfg.FFmpegPath, extractArgs(src, start, duration, out), io.Discard, nil)
}

// Normalize re-encodes in to profile.
func (e *Engine) Normalize(ctx context.Context, in string, profile pipeline.Profile, out string) error {
	return e.exec(ctx, e.cfg.NormalizeTimeout, e.cfg.FFmpegPath, normalizeArgs(in, profile, out), io.Discard, nil)
}

// Concat joins the files listed in manifest by stream copy.
func (e *Engine) Concat(ctx context.Context, manifest, out string) error {
	return e.exec(ctx, e.cfg.ConcatTimeout, e.cfg.FFmpegPath, concatArgs(manifest, out), io.Discard, nil)
}

// Version returns the first line of `<bin> -version`.
func (e *Engine) Version(ctx context.Context, bin string) (string, error) {
	var stdout bytes.Buffer
	if err := e.exec(ctx, 10*time.Second, bin, []string{"-version"}, &stdout, nil); err != nil {
		return "", err
	}
	line, _, _ := bytes.Cut(stdout.Bytes(), []byte("\n"))
	return string(bytes.TrimSpace(line)), nil
}

// exec is the single subprocess helper. The stderr tail is always captured;
// stderrTee additionally receives the full stream when set.
func (e *Engine) exec(ctx context.Context, timeout time.Duration, bin string, args []string, stdout io.Writer, stderrTee io.Writer) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stderrBuf bytes.Buffer
	var stderr io.Writer = &limitedWriter{w: &stderrBuf, limit: maxStderrBytes}
	if stderrTee != nil {
		stderr = io.MultiWriter(stderr, stderrTee)
	}

	tool := toolName(bin)
	start := time.Now()
	e.logger.Debug("executing engine command", "tool", tool, "args", e.safeArgs(args))

	err := e.run(ctx, bin, args, stdout, stderr)
	elapsed := time.Since(start)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", tool, ctxErr)
		}
		code := exitCode(err)
		e.logger.Warn("engine command failed",
			"tool", tool,
			"exit_code", code,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(stderrBuf.String(), 512),
		)
		return &CommandError{Tool: tool, ExitCode: code, StderrTail: stderrBuf.String(), Err: err}
	}

	e.logger.Debug("engine command succeeded", "tool", tool, "duration_ms", elapsed.Milliseconds())
	return nil
}

func (e *Engine) safePath(path string) string {
	if e.cfg.DebugPaths {
		return path
	}
	return logging.SanitizePath(path)
}

func (e *Engine) safeArgs(args []string) []string {
	if e.cfg.DebugPaths {
		return args
	}
	out := make([]string, len(args))
	for i, a := range args {
		if looksLikePath(a) {
			a = logging.SanitizePath(a)
		}
		out[i] = a
	}
	return out
}

func looksLikePath(s string) bool {
	return len(s) > 1 && (s[0] == '/' || s[0] == '.' || s[0] == '~')
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
