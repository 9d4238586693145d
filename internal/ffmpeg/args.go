package ffmpeg

import (
	"fmt"
	"strconv"

	"github.com/reelcut/reelcut/internal/pipeline"
)

func probeArgs(path string) []string {
	return []string{"-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", path}
}

// silenceArgs decodes the whole input through silencedetect. The filter
// reports at info level, so the log level is left at its default.
func silenceArgs(path string, p pipeline.SilenceParams) []string {
	filter := fmt.Sprintf("silencedetect=n=%sdB:d=%s", formatSeconds(p.ThresholdDB), formatSeconds(p.MinDuration))
	return []string{"-hide_banner", "-nostats", "-i", path, "-af", filter, "-f", "null", "-"}
}

func extractArgs(src string, start, duration float64, out string) []string {
	return []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-ss", formatSeconds(start),
		"-i", src,
		"-t", formatSeconds(duration),
		"-c", "copy",
		"-avoid_negative_ts", "make_zero",
		out,
	}
}

func normalizeArgs(in string, p pipeline.Profile, out string) []string {
	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", in,
		"-vf", p.Filter(),
	}
	if p.FrameRate > 0 {
		args = append(args, "-r", formatSeconds(p.FrameRate))
	}
	args = append(args, "-c:v", p.VideoCodec)
	if p.Preset != "" {
		args = append(args, "-preset", p.Preset)
	}
	args = append(args, "-crf", strconv.Itoa(p.CRF))
	if p.VideoProfile != "" {
		args = append(args, "-profile:v", p.VideoProfile)
	}
	if p.Level != "" {
		args = append(args, "-level", p.Level)
	}
	pixFmt := p.PixFmt
	if pixFmt == "" {
		pixFmt = "yuv420p"
	}
	args = append(args, "-pix_fmt", pixFmt, "-c:a", p.AudioCodec)
	if p.AudioBitrate != "" {
		args = append(args, "-b:a", p.AudioBitrate)
	}
	args = append(args, "-ar", strconv.Itoa(p.SampleRate))
	if p.Channels > 0 {
		args = append(args, "-ac", strconv.Itoa(p.Channels))
	}
	return append(args, "-movflags", "+faststart", out)
}

func concatArgs(manifest, out string) []string {
	return []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-f", "concat", "-safe", "0",
		"-i", manifest,
		"-c", "copy",
		"-max_muxing_queue_size", "9999",
		"-movflags", "+faststart",
		out,
	}
}
