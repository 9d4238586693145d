package config

import (
	"errors"
	"fmt"
	"math"
	"net/url"

	"github.com/reelcut/reelcut/internal/logging"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.PipelineProfile().Validate(); err != nil {
		return fmt.Errorf("profile: %w", err)
	}
	if _, err := c.FetchMaxBytes(); err != nil {
		return err
	}
	if c.Fetch.Retries < 0 || c.Fetch.Retries > 10 {
		return errors.New("fetch.retries must be between 0 and 10")
	}
	if err := c.validateTimeouts(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	u, err := url.Parse(c.Server.PublicBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server.public_base_url %q must be an absolute http(s) url", c.Server.PublicBaseURL)
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.MaxParallel < 1 || c.Pipeline.MaxParallel > 64 {
		return errors.New("pipeline.max_parallel must be between 1 and 64")
	}
	if c.Silence.ThresholdDB > 0 || math.IsNaN(c.Silence.ThresholdDB) {
		return errors.New("silence.threshold_db must be zero or negative")
	}
	if !(c.Silence.MinDuration > 0) {
		return errors.New("silence.min_duration must be positive")
	}
	if c.FFmpeg.FFmpegPath == "" || c.FFmpeg.FFprobePath == "" {
		return errors.New("ffmpeg.ffmpeg_path and ffmpeg.ffprobe_path must be set")
	}
	return nil
}

func (c *Config) validateTimeouts() error {
	t := c.Timeouts
	for name, v := range map[string]int{
		"fetch": t.Fetch, "probe": t.Probe, "detect": t.Detect, "extract": t.Extract,
		"normalize": t.Normalize, "concat": t.Concat, "shutdown": t.Shutdown,
	} {
		if v < 0 {
			return fmt.Errorf("timeouts.%s must not be negative", name)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q must be debug, info, warn or error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case logging.FormatAuto, logging.FormatJSON, logging.FormatText:
	default:
		return fmt.Errorf("logging.format %q must be auto, json or text", c.Logging.Format)
	}
	return nil
}
