// Package config provides configuration management for reelcut.
// Values come from built-in defaults, an optional TOML file and REELCUT_*
// environment variables, in increasing order of precedence.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pelletier/go-toml/v2"

	"github.com/reelcut/reelcut/internal/pipeline"
)

//go:embed sample_config.toml
var sampleConfig string

const (
	DefaultPort     = 3000
	DefaultBind     = "127.0.0.1"
	DefaultLogLevel = "info"
	DefaultDataDir  = ".reelcut"

	// DBFilename is the SQLite job store inside the data directory.
	DBFilename = "reelcut.db"

	// ProjectConfigFile is looked up in the working directory when no
	// explicit path is given and no user config exists.
	ProjectConfigFile = "reelcut.toml"
)

// Server holds HTTP listener settings.
type Server struct {
	Port          int    `toml:"port"`
	Bind          string `toml:"bind"`
	PublicBaseURL string `toml:"public_base_url"`
}

// Paths holds directory locations. Empty values derive from DataDir.
type Paths struct {
	DataDir    string `toml:"data_dir"`
	WorkDir    string `toml:"work_dir"`
	PublishDir string `toml:"publish_dir"`
}

// FFmpeg holds engine binary settings.
type FFmpeg struct {
	FFmpegPath  string `toml:"ffmpeg_path"`
	FFprobePath string `toml:"ffprobe_path"`
	DebugPaths  bool   `toml:"debug_paths"`
}

// Pipeline holds orchestration settings.
type Pipeline struct {
	MaxParallel int `toml:"max_parallel"`
}

// Silence holds silence detection parameters.
type Silence struct {
	ThresholdDB   float64 `toml:"threshold_db"`
	MinDuration   float64 `toml:"min_duration"`
	CloseTrailing bool    `toml:"close_trailing"`
}

// Profile is the canonical encoding target for intro and outro clips.
type Profile struct {
	MatchSource  bool    `toml:"match_source"`
	Width        int     `toml:"width"`
	Height       int     `toml:"height"`
	FrameRate    float64 `toml:"frame_rate"`
	VideoCodec   string  `toml:"video_codec"`
	Preset       string  `toml:"preset"`
	CRF          int     `toml:"crf"`
	VideoProfile string  `toml:"video_profile"`
	Level        string  `toml:"level"`
	PixFmt       string  `toml:"pix_fmt"`
	AudioCodec   string  `toml:"audio_codec"`
	AudioBitrate string  `toml:"audio_bitrate"`
	SampleRate   int     `toml:"sample_rate"`
	Channels     int     `toml:"channels"`
}

// Fetch holds source download settings.
type Fetch struct {
	MaxSize    string `toml:"max_size"` // e.g. "4 GiB"; empty means unlimited
	AllowLocal bool   `toml:"allow_local"`
	Retries    int    `toml:"retries"` // extra attempts on HTTP 5xx
}

// Timeouts are in seconds. Zero disables a timeout.
type Timeouts struct {
	Fetch     int `toml:"fetch"`
	Probe     int `toml:"probe"`
	Detect    int `toml:"detect"`
	Extract   int `toml:"extract"`
	Normalize int `toml:"normalize"`
	Concat    int `toml:"concat"`
	Shutdown  int `toml:"shutdown"`
}

// Logging holds log output settings.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config is the full application configuration.
type Config struct {
	Server   Server   `toml:"server"`
	Paths    Paths    `toml:"paths"`
	FFmpeg   FFmpeg   `toml:"ffmpeg"`
	Pipeline Pipeline `toml:"pipeline"`
	Silence  Silence  `toml:"silence"`
	Profile  Profile  `toml:"profile"`
	Fetch    Fetch    `toml:"fetch"`
	Timeouts Timeouts `toml:"timeouts"`
	Logging  Logging  `toml:"logging"`
}

// Default returns the built-in configuration.
func Default() Config {
	p := pipeline.DefaultProfile()
	s := pipeline.DefaultSilenceParams()
	return Config{
		Server: Server{Port: DefaultPort, Bind: DefaultBind},
		Paths:  Paths{DataDir: defaultDataDir()},
		FFmpeg: FFmpeg{FFmpegPath: "ffmpeg", FFprobePath: "ffprobe"},
		Pipeline: Pipeline{
			MaxParallel: pipeline.DefaultMaxParallel,
		},
		Silence: Silence{ThresholdDB: s.ThresholdDB, MinDuration: s.MinDuration},
		Profile: Profile{
			MatchSource:  true,
			Width:        p.Width,
			Height:       p.Height,
			VideoCodec:   p.VideoCodec,
			Preset:       p.Preset,
			CRF:          p.CRF,
			VideoProfile: p.VideoProfile,
			Level:        p.Level,
			PixFmt:       p.PixFmt,
			AudioCodec:   p.AudioCodec,
			AudioBitrate: p.AudioBitrate,
			SampleRate:   p.SampleRate,
			Channels:     p.Channels,
		},
		Fetch: Fetch{Retries: 2},
		Timeouts: Timeouts{
			Fetch:     1800,
			Probe:     30,
			Detect:    1800,
			Extract:   600,
			Normalize: 1800,
			Concat:    1800,
			Shutdown:  30,
		},
		Logging: Logging{Level: DefaultLogLevel, Format: "auto"},
	}
}

// DefaultConfigPath returns the per-user configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/reelcut/config.toml")
}

// Load locates and parses a configuration file, applies environment
// overrides and validates the result. It returns the resolved file path and
// whether that file existed.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config %s: %w", resolvedPath, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Finalize(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolvedPath, exists, nil
}

// Finalize normalises derived fields and validates. Callers that change the
// config after Load (CLI flags) call it again.
func (c *Config) Finalize() error {
	if err := c.normalize(); err != nil {
		return err
	}
	return c.Validate()
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", false, fmt.Errorf("config file %s does not exist", expanded)
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs(ProjectConfigFile)
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

func (c *Config) normalize() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.WorkDir == "" {
		c.Paths.WorkDir = filepath.Join(c.Paths.DataDir, "work")
	}
	if c.Paths.WorkDir, err = expandPath(c.Paths.WorkDir); err != nil {
		return fmt.Errorf("paths.work_dir: %w", err)
	}
	if c.Paths.PublishDir == "" {
		c.Paths.PublishDir = filepath.Join(c.Paths.DataDir, "output")
	}
	if c.Paths.PublishDir, err = expandPath(c.Paths.PublishDir); err != nil {
		return fmt.Errorf("paths.publish_dir: %w", err)
	}

	c.Server.Bind = strings.TrimSpace(c.Server.Bind)
	c.Server.PublicBaseURL = strings.TrimRight(strings.TrimSpace(c.Server.PublicBaseURL), "/")
	if c.Server.PublicBaseURL == "" {
		c.Server.PublicBaseURL = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	return nil
}

// DBPath returns the full path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.Paths.DataDir, DBFilename)
}

// ListenAddr returns the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// EnsureDirectories creates the data, work and publish directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.WorkDir, c.Paths.PublishDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// PipelineProfile converts the profile section for the pipeline.
func (c *Config) PipelineProfile() pipeline.Profile {
	p := c.Profile
	return pipeline.Profile{
		Width:        p.Width,
		Height:       p.Height,
		FrameRate:    p.FrameRate,
		VideoCodec:   p.VideoCodec,
		Preset:       p.Preset,
		CRF:          p.CRF,
		VideoProfile: p.VideoProfile,
		Level:        p.Level,
		PixFmt:       p.PixFmt,
		AudioCodec:   p.AudioCodec,
		AudioBitrate: p.AudioBitrate,
		SampleRate:   p.SampleRate,
		Channels:     p.Channels,
	}
}

// SilenceParams converts the silence section for the pipeline.
func (c *Config) SilenceParams() pipeline.SilenceParams {
	return pipeline.SilenceParams{ThresholdDB: c.Silence.ThresholdDB, MinDuration: c.Silence.MinDuration}
}

// FetchMaxBytes parses fetch.max_size; 0 means unlimited.
func (c *Config) FetchMaxBytes() (int64, error) {
	s := strings.TrimSpace(c.Fetch.MaxSize)
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("fetch.max_size: %w", err)
	}
	return int64(n), nil
}

// Seconds converts a timeout field to a duration.
func Seconds(v int) time.Duration {
	return time.Duration(v) * time.Second
}

// CreateSample writes a sample configuration file to path.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

// defaultDataDir returns ~/.reelcut, or .reelcut when home is unknown.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

func parseBool(name, value string) (bool, error) {
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", name, err)
	}
	return b, nil
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
