package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/reelcut/reelcut/internal/logging"
	"github.com/reelcut/reelcut/internal/segment"
)

// DefaultMaxParallel bounds concurrent extraction processes per job.
const DefaultMaxParallel = 4

// Extractor materialises keep intervals as stream-copied clips.
type Extractor struct {
	engine      Engine
	maxParallel int
	logger      *slog.Logger
}

// NewExtractor creates an Extractor running at most maxParallel engine
// extractions at once.
func NewExtractor(engine Engine, maxParallel int, logger *slog.Logger) *Extractor {
	if maxParallel < 1 {
		maxParallel = DefaultMaxParallel
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Extractor{engine: engine, maxParallel: maxParallel, logger: logger}
}

// Extract produces one unit per keep interval in dir. Unit i has ordinal i
// whatever order the extractions finish in. The first failure cancels the
// remaining extractions, removes every clip already written and is returned.
func (x *Extractor) Extract(ctx context.Context, src VideoDescriptor, keeps []segment.Interval, dir string) ([]MediaUnit, error) {
	if len(keeps) == 0 {
		return nil, ErrNoUnits
	}

	start := time.Now()
	units := make([]MediaUnit, len(keeps))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.maxParallel)

	for i, iv := range keeps {
		out := segmentPath(dir, i)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := x.engine.Extract(gctx, src.Path, iv.Start, iv.Length(), out); err != nil {
				return fmt.Errorf("segment %d %s: %w", i, iv, err)
			}
			units[i] = MediaUnit{Path: out, Ordinal: i}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for i := range keeps {
			_ = os.Remove(segmentPath(dir, i)) // partial output is discarded; may not exist
		}
		return nil, err
	}

	x.logger.Info("segments extracted",
		"count", len(units),
		"kept_seconds", segment.TotalLength(keeps),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return units, nil
}

func segmentPath(dir string, ordinal int) string {
	return filepath.Join(dir, fmt.Sprintf("segment_%04d.mp4", ordinal))
}
