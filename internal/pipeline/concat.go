package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/reelcut/reelcut/internal/logging"
)

// Concatenator joins units with the engine's stream-copy concat.
type Concatenator struct {
	engine Engine
	logger *slog.Logger
}

// NewConcatenator creates a Concatenator.
func NewConcatenator(engine Engine, logger *slog.Logger) *Concatenator {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Concatenator{engine: engine, logger: logger}
}

// Concatenate writes units, in ordinal order, into out. Every unit must exist
// and share the first unit's stream signature; otherwise it fails before the
// engine is invoked. The manifest file is removed whatever the outcome.
func (c *Concatenator) Concatenate(ctx context.Context, units []MediaUnit, out string) error {
	ordered, err := orderUnits(units)
	if err != nil {
		return err
	}
	for _, u := range ordered {
		if _, err := os.Stat(u.Path); err != nil {
			return fmt.Errorf("unit %d: %w", u.Ordinal, err)
		}
	}
	if err := c.checkCompatible(ctx, ordered); err != nil {
		return err
	}

	manifest := strings.TrimSuffix(out, filepath.Ext(out)) + "_concat.txt"
	if err := writeManifest(manifest, ordered); err != nil {
		return err
	}
	defer os.Remove(manifest)

	start := time.Now()
	if err := c.engine.Concat(ctx, manifest, out); err != nil {
		_ = os.Remove(out) // partial join; may not exist
		return err
	}

	c.logger.Info("units concatenated",
		"count", len(ordered),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (c *Concatenator) checkCompatible(ctx context.Context, units []MediaUnit) error {
	var first StreamSignature
	for i, u := range units {
		probe, err := c.engine.Probe(ctx, u.Path)
		if err != nil {
			return fmt.Errorf("probe unit %d: %w", u.Ordinal, err)
		}
		sig := probe.Signature()
		if i == 0 {
			first = sig
			continue
		}
		if sig != first {
			return fmt.Errorf("%w: unit %d is %s, unit %d is %s",
				ErrIncompatibleUnits, units[0].Ordinal, first, u.Ordinal, sig)
		}
	}
	return nil
}

func orderUnits(units []MediaUnit) ([]MediaUnit, error) {
	if len(units) == 0 {
		return nil, ErrNoUnits
	}
	ordered := make([]MediaUnit, len(units))
	copy(ordered, units)
	sort.SliceStable(ordered, func(a, b int) bool {
		return ordered[a].Ordinal < ordered[b].Ordinal
	})
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Ordinal == ordered[i-1].Ordinal {
			return nil, fmt.Errorf("duplicate unit ordinal %d", ordered[i].Ordinal)
		}
	}
	return ordered, nil
}

// writeManifest writes an ffconcat list with absolute, quoted paths.
func writeManifest(path string, units []MediaUnit) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, u := range units {
		abs, err := filepath.Abs(u.Path)
		if err != nil {
			f.Close()
			return fmt.Errorf("resolve unit %d path: %w", u.Ordinal, err)
		}
		fmt.Fprintf(w, "file %s\n", quoteManifestPath(abs))
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close manifest: %w", err)
	}
	return nil
}

func quoteManifestPath(p string) string {
	return "'" + strings.ReplaceAll(p, "'", `'\''`) + "'"
}
