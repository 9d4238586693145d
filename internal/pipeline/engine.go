package pipeline

import (
	"context"
	"fmt"
)

// Engine is the external transcoding and analysis capability. Every method
// blocks for the duration of the engine's work and honours ctx cancellation.
type Engine interface {
	Probe(ctx context.Context, path string) (*ProbeResult, error)

	// DetectSilence runs silence analysis over path and calls onLine for each
	// diagnostic line, sequentially, before returning.
	DetectSilence(ctx context.Context, path string, params SilenceParams, onLine func(line string)) error

	// Extract copies [start, start+duration) of src into out without re-encoding.
	Extract(ctx context.Context, src string, start, duration float64, out string) error

	// Normalize re-encodes in to the given profile.
	Normalize(ctx context.Context, in string, profile Profile, out string) error

	// Concat joins the files listed in manifest by stream copy.
	Concat(ctx context.Context, manifest, out string) error
}

// Fetcher materialises a remote or local source at dest.
type Fetcher interface {
	Fetch(ctx context.Context, source, dest string) error
}

// Publisher exposes a finished output under name and returns its address.
type Publisher interface {
	Publish(ctx context.Context, src, name string) (string, error)
}

// Recorder receives a snapshot on every job state transition.
type Recorder interface {
	Record(ctx context.Context, snap Snapshot) error
}

// ProbeResult is the subset of probe output the pipeline relies on.
type ProbeResult struct {
	Duration   float64
	Width      int
	Height     int
	VideoCodec string
	PixFmt     string
	FrameRate  float64
	AudioCodec string
	SampleRate int
	Channels   int
}

// StreamSignature holds the parameters that must agree for a stream-copy join.
type StreamSignature struct {
	VideoCodec string
	Width      int
	Height     int
	PixFmt     string
	AudioCodec string
	SampleRate int
	Channels   int
}

func (s StreamSignature) String() string {
	return fmt.Sprintf("%s %dx%d %s / %s %dHz %dch",
		s.VideoCodec, s.Width, s.Height, s.PixFmt, s.AudioCodec, s.SampleRate, s.Channels)
}

// Signature returns the concat-relevant parameters of the probed media.
func (p ProbeResult) Signature() StreamSignature {
	return StreamSignature{
		VideoCodec: p.VideoCodec,
		Width:      p.Width,
		Height:     p.Height,
		PixFmt:     p.PixFmt,
		AudioCodec: p.AudioCodec,
		SampleRate: p.SampleRate,
		Channels:   p.Channels,
	}
}

// SilenceParams configures silence detection.
type SilenceParams struct {
	ThresholdDB float64 // amplitude threshold, e.g. -50
	MinDuration float64 // minimum silence run in seconds
}

// DefaultSilenceParams mirrors silencedetect=n=-50dB:d=1.
func DefaultSilenceParams() SilenceParams {
	return SilenceParams{ThresholdDB: -50, MinDuration: 1}
}

// VideoDescriptor is a probed source. Duration is authoritative for clipping.
type VideoDescriptor struct {
	Path     string
	Duration float64
	Probe    ProbeResult
}

// MediaUnit is one clip destined for concatenation; Ordinal fixes its position.
type MediaUnit struct {
	Path    string
	Ordinal int
}
