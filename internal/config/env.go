package config

import (
	"fmt"
	"os"
	"strconv"
)

// Environment variable names
const (
	EnvPort          = "REELCUT_PORT"
	EnvBind          = "REELCUT_BIND"
	EnvPublicBaseURL = "REELCUT_PUBLIC_BASE_URL"
	EnvLogLevel      = "REELCUT_LOG_LEVEL"
	EnvLogFormat     = "REELCUT_LOG_FORMAT"
	EnvDataDir       = "REELCUT_DATA_DIR"
	EnvWorkDir       = "REELCUT_WORK_DIR"
	EnvPublishDir    = "REELCUT_PUBLISH_DIR"
	EnvFFmpeg        = "REELCUT_FFMPEG"
	EnvFFprobe       = "REELCUT_FFPROBE"
	EnvMaxParallel   = "REELCUT_MAX_PARALLEL"
	EnvSilenceDB     = "REELCUT_SILENCE_THRESHOLD_DB"
	EnvSilenceMin    = "REELCUT_SILENCE_MIN_DURATION"
	EnvSilenceClose  = "REELCUT_SILENCE_CLOSE_TRAILING"
	EnvMatchSource   = "REELCUT_MATCH_SOURCE"
	EnvFetchMaxSize  = "REELCUT_FETCH_MAX_SIZE"
	EnvAllowLocal    = "REELCUT_FETCH_ALLOW_LOCAL"
	EnvFetchRetries  = "REELCUT_FETCH_RETRIES"
)

func (c *Config) applyEnv() error {
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		c.Server.Port = port
	}

	strs := []struct {
		name string
		dst  *string
	}{
		{EnvBind, &c.Server.Bind},
		{EnvPublicBaseURL, &c.Server.PublicBaseURL},
		{EnvLogLevel, &c.Logging.Level},
		{EnvLogFormat, &c.Logging.Format},
		{EnvDataDir, &c.Paths.DataDir},
		{EnvWorkDir, &c.Paths.WorkDir},
		{EnvPublishDir, &c.Paths.PublishDir},
		{EnvFFmpeg, &c.FFmpeg.FFmpegPath},
		{EnvFFprobe, &c.FFmpeg.FFprobePath},
		{EnvFetchMaxSize, &c.Fetch.MaxSize},
	}
	for _, s := range strs {
		if v := os.Getenv(s.name); v != "" {
			*s.dst = v
		}
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{EnvMaxParallel, &c.Pipeline.MaxParallel},
		{EnvFetchRetries, &c.Fetch.Retries},
	}
	for _, i := range ints {
		if v := os.Getenv(i.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", i.name, err)
			}
			*i.dst = n
		}
	}

	floats := []struct {
		name string
		dst  *float64
	}{
		{EnvSilenceDB, &c.Silence.ThresholdDB},
		{EnvSilenceMin, &c.Silence.MinDuration},
	}
	for _, f := range floats {
		if v := os.Getenv(f.name); v != "" {
			x, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", f.name, err)
			}
			*f.dst = x
		}
	}

	bools := []struct {
		name string
		dst  *bool
	}{
		{EnvSilenceClose, &c.Silence.CloseTrailing},
		{EnvMatchSource, &c.Profile.MatchSource},
		{EnvAllowLocal, &c.Fetch.AllowLocal},
	}
	for _, b := range bools {
		if v := os.Getenv(b.name); v != "" {
			x, err := parseBool(b.name, v)
			if err != nil {
				return err
			}
			*b.dst = x
		}
	}
	return nil
}
