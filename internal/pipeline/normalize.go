package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/reelcut/reelcut/internal/logging"
)

// Profile is the canonical encoding target for auxiliary clips.
type Profile struct {
	Width        int     `toml:"width"`
	Height       int     `toml:"height"`
	FrameRate    float64 `toml:"frame_rate"` // 0 keeps the clip's rate
	VideoCodec   string  `toml:"video_codec"`
	Preset       string  `toml:"preset"`
	CRF          int     `toml:"crf"`
	VideoProfile string  `toml:"video_profile"`
	Level        string  `toml:"level"`
	PixFmt       string  `toml:"pix_fmt"`
	AudioCodec   string  `toml:"audio_codec"`
	AudioBitrate string  `toml:"audio_bitrate"`
	SampleRate   int     `toml:"sample_rate"`
	Channels     int     `toml:"channels"` // 0 keeps the clip's layout
}

// DefaultProfile is 640x360 yuv420p H.264 high@4.0 CRF 18 with 192k stereo
// AAC at 48 kHz.
func DefaultProfile() Profile {
	return Profile{
		Width:        640,
		Height:       360,
		VideoCodec:   "libx264",
		Preset:       "fast",
		CRF:          18,
		VideoProfile: "high",
		Level:        "4.0",
		PixFmt:       "yuv420p",
		AudioCodec:   "aac",
		AudioBitrate: "192k",
		SampleRate:   48000,
		Channels:     2,
	}
}

// Validate checks that the profile can drive an encode.
func (p Profile) Validate() error {
	var errs []error
	if p.Width <= 0 || p.Height <= 0 {
		errs = append(errs, fmt.Errorf("resolution %dx%d must be positive", p.Width, p.Height))
	}
	if p.Width%2 != 0 || p.Height%2 != 0 {
		errs = append(errs, fmt.Errorf("resolution %dx%d must be even", p.Width, p.Height))
	}
	if p.VideoCodec == "" || p.AudioCodec == "" {
		errs = append(errs, errors.New("video and audio codecs are required"))
	}
	if p.CRF < 0 || p.CRF > 51 {
		errs = append(errs, fmt.Errorf("crf %d out of range 0-51", p.CRF))
	}
	if p.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate %d must be positive", p.SampleRate))
	}
	if p.Channels < 0 || p.Channels > 8 {
		errs = append(errs, fmt.Errorf("channels %d out of range 0-8", p.Channels))
	}
	if p.FrameRate < 0 {
		errs = append(errs, fmt.Errorf("frame rate %.3f must not be negative", p.FrameRate))
	}
	return errors.Join(errs...)
}

// MatchSource adopts the geometry, frame rate, pixel format and audio layout
// of a probed main video so the normalized clip joins it without re-encoding
// the main content. Codec and quality targets are left as configured. Odd
// dimensions are rounded down to even, as H.264 requires.
func (p Profile) MatchSource(src ProbeResult) Profile {
	if src.Width > 1 && src.Height > 1 {
		p.Width = src.Width &^ 1
		p.Height = src.Height &^ 1
	}
	if src.FrameRate > 0 {
		p.FrameRate = src.FrameRate
	}
	if src.PixFmt != "" {
		p.PixFmt = src.PixFmt
	}
	if src.SampleRate > 0 {
		p.SampleRate = src.SampleRate
	}
	if src.Channels > 0 {
		p.Channels = src.Channels
	}
	return p
}

// Filter returns the scale-and-pad video filter chain for the profile.
func (p Profile) Filter() string {
	return fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:-1:-1:color=black,setsar=1:1",
		p.Width, p.Height, p.Width, p.Height,
	)
}

// Normalizer re-encodes auxiliary clips to a Profile.
type Normalizer struct {
	engine Engine
	logger *slog.Logger
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(engine Engine, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Normalizer{engine: engine, logger: logger}
}

// Normalize re-encodes clipPath into out and returns out. A failed encode
// leaves nothing behind at out.
func (n *Normalizer) Normalize(ctx context.Context, clipPath string, profile Profile, out string) (string, error) {
	if err := profile.Validate(); err != nil {
		return "", fmt.Errorf("invalid profile: %w", err)
	}

	start := time.Now()
	if err := n.engine.Normalize(ctx, clipPath, profile, out); err != nil {
		_ = os.Remove(out) // partial encode; may not exist
		return "", err
	}

	n.logger.Info("clip normalized",
		"width", profile.Width,
		"height", profile.Height,
		"sample_rate", profile.SampleRate,
		"channels", profile.Channels,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}
