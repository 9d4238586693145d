package ffmpeg

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/reelcut/reelcut/internal/pipeline"
)

// ErrNoDuration is returned when probed media reports no usable duration.
var ErrNoDuration = errors.New("media has no duration")

// ProbeOutput is the subset of ffprobe's JSON document used here.
type ProbeOutput struct {
	Streams []Stream `json:"streams"`
	Format  Format   `json:"format"`
}

// Stream describes one elementary stream.
type Stream struct {
	Index      int    `json:"index"`
	CodecName  string `json:"codec_name"`
	CodecType  string `json:"codec_type"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	FrameRate  string `json:"r_frame_rate"`
	AvgRate    string `json:"avg_frame_rate"`
	SampleRate string `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PixFmt     string `json:"pix_fmt"`
	Duration   string `json:"duration"`
}

// Format carries container-level metadata.
type Format struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

func parseProbe(data []byte) (*pipeline.ProbeResult, error) {
	var out ProbeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("ffprobe parse: %w", err)
	}

	res := &pipeline.ProbeResult{Duration: parseFloat(out.Format.Duration)}
	var longest float64
	for _, s := range out.Streams {
		if d := parseFloat(s.Duration); d > longest {
			longest = d
		}
		switch strings.ToLower(s.CodecType) {
		case "video":
			if res.VideoCodec != "" {
				continue
			}
			res.VideoCodec = s.CodecName
			res.Width, res.Height = s.Width, s.Height
			res.PixFmt = s.PixFmt
			res.FrameRate = parseRate(s.AvgRate)
			if res.FrameRate == 0 {
				res.FrameRate = parseRate(s.FrameRate)
			}
		case "audio":
			if res.AudioCodec != "" {
				continue
			}
			res.AudioCodec = s.CodecName
			res.SampleRate = int(parseFloat(s.SampleRate))
			res.Channels = s.Channels
		}
	}

	if !(res.Duration > 0) {
		res.Duration = longest
	}
	if !(res.Duration > 0) || math.IsInf(res.Duration, 0) {
		return nil, ErrNoDuration
	}
	return res, nil
}

// parseRate parses ffprobe rationals such as "30000/1001". "0/0" yields 0.
func parseRate(value string) float64 {
	num, den, ok := strings.Cut(strings.TrimSpace(value), "/")
	if !ok {
		return sanitize(parseFloat(num))
	}
	n, d := parseFloat(num), parseFloat(den)
	if d == 0 || math.IsNaN(n) || math.IsNaN(d) {
		return 0
	}
	return math.Round(n/d*1000) / 1000
}

func parseFloat(value string) float64 {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" || cleaned == "N/A" {
		return 0
	}
	if parsed, err := strconv.ParseFloat(cleaned, 64); err == nil {
		return parsed
	}
	return math.NaN()
}

func sanitize(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0
	}
	return f
}
