package ffmpeg

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/reelcut/reelcut/internal/logging"
)

const defaultCacheTTL = 5 * time.Minute

// Capabilities reports which engine binaries are usable.
type Capabilities struct {
	FFmpeg   ToolInfo  `json:"ffmpeg"`
	FFprobe  ToolInfo  `json:"ffprobe"`
	ProbedAt time.Time `json:"probed_at"`
}

// ToolInfo is the availability of one executable.
type ToolInfo struct {
	Available bool   `json:"available"`
	Path      string `json:"path"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Ready reports whether every pipeline operation can run.
func (c *Capabilities) Ready() bool {
	return c != nil && c.FFmpeg.Available && c.FFprobe.Available
}

// Doctor caches engine capability probes for a TTL.
type Doctor struct {
	engine *Engine
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.RWMutex
	cached *Capabilities
}

// NewDoctor creates a caching capability prober for engine.
func NewDoctor(engine *Engine, logger *slog.Logger) *Doctor {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Doctor{engine: engine, ttl: defaultCacheTTL, logger: logger}
}

// Get returns cached capabilities if fresh, otherwise re-probes.
func (d *Doctor) Get(ctx context.Context) *Capabilities {
	d.mu.RLock()
	if d.cached != nil && time.Since(d.cached.ProbedAt) < d.ttl {
		caps := d.cached
		d.mu.RUnlock()
		return caps
	}
	d.mu.RUnlock()

	return d.Refresh(ctx)
}

// Peek returns the last probe without running a new one; nil if none.
func (d *Doctor) Peek() *Capabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cached
}

// Refresh probes both binaries regardless of cache freshness.
func (d *Doctor) Refresh(ctx context.Context) *Capabilities {
	d.mu.Lock()
	defer d.mu.Unlock()

	caps := &Capabilities{
		FFmpeg:   d.probeTool(ctx, d.engine.cfg.FFmpegPath),
		FFprobe:  d.probeTool(ctx, d.engine.cfg.FFprobePath),
		ProbedAt: time.Now(),
	}
	if !caps.Ready() {
		d.logger.Warn("engine not ready",
			"ffmpeg", caps.FFmpeg.Available,
			"ffprobe", caps.FFprobe.Available,
		)
	} else {
		d.logger.Info("engine probe complete", "ffmpeg_version", caps.FFmpeg.Version)
	}

	d.cached = caps
	return caps
}

func (d *Doctor) probeTool(ctx context.Context, bin string) ToolInfo {
	info := ToolInfo{Path: bin}
	version, err := d.engine.Version(ctx, bin)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	info.Available = true
	info.Version = version
	return info
}
