package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/reelcut/reelcut/internal/pipeline"
)

const sampleProbe = `{
  "streams": [
    {"index": 0, "codec_name": "h264", "codec_type": "video", "width": 1280, "height": 720,
     "pix_fmt": "yuv420p", "r_frame_rate": "30000/1001", "avg_frame_rate": "30000/1001", "duration": "12.512500"},
    {"index": 1, "codec_name": "aac", "codec_type": "audio", "sample_rate": "48000",
     "channels": 2, "duration": "12.480000"}
  ],
  "format": {"filename": "in.mp4", "format_name": "mov,mp4,m4a,3gp,3g2,mj2",
             "duration": "12.512500", "size": "2097152", "bit_rate": "1340000"}
}`

type fakeRun struct {
	calls  atomic.Int32
	bins   []string
	args   [][]string
	stdout string
	stderr string
	err    error
	block  bool
}

func (f *fakeRun) run(ctx context.Context, bin string, args []string, stdout, stderr io.Writer) error {
	f.calls.Add(1)
	f.bins = append(f.bins, bin)
	f.args = append(f.args, args)
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	io.WriteString(stdout, f.stdout)
	io.WriteString(stderr, f.stderr)
	return f.err
}

func newTestEngine(f *fakeRun) *Engine {
	return New(Config{}, WithRunFunc(f.run))
}

func TestProbe(t *testing.T) {
	f := &fakeRun{stdout: sampleProbe}
	e := newTestEngine(f)

	res, err := e.Probe(context.Background(), "/tmp/in.mp4")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	want := pipeline.ProbeResult{
		Duration:   12.5125,
		Width:      1280,
		Height:     720,
		VideoCodec: "h264",
		PixFmt:     "yuv420p",
		FrameRate:  29.97,
		AudioCodec: "aac",
		SampleRate: 48000,
		Channels:   2,
	}
	if *res != want {
		t.Errorf("Probe = %+v, want %+v", *res, want)
	}
	if f.bins[0] != "ffprobe" {
		t.Errorf("ran %s, want ffprobe", f.bins[0])
	}
	if last := f.args[0][len(f.args[0])-1]; last != "/tmp/in.mp4" {
		t.Errorf("path not last argument: %v", f.args[0])
	}
}

func TestProbeDurationFallbackAndMissing(t *testing.T) {
	streamsOnly := `{"streams":[{"codec_type":"audio","codec_name":"mp3","sample_rate":"44100","duration":"3.5"}],"format":{"duration":"N/A"}}`
	res, err := parseProbe([]byte(streamsOnly))
	if err != nil {
		t.Fatalf("parseProbe: %v", err)
	}
	if res.Duration != 3.5 || res.VideoCodec != "" || res.SampleRate != 44100 {
		t.Errorf("unexpected result %+v", res)
	}

	if _, err := parseProbe([]byte(`{"streams":[],"format":{}}`)); !errors.Is(err, ErrNoDuration) {
		t.Errorf("expected ErrNoDuration, got %v", err)
	}
	if _, err := parseProbe([]byte(`not json`)); err == nil {
		t.Error("expected parse error")
	}
}

func TestProbeSignatureSeparatesLayouts(t *testing.T) {
	base, err := parseProbe([]byte(sampleProbe))
	if err != nil {
		t.Fatalf("parseProbe: %v", err)
	}

	tests := []struct {
		name string
		from string
		to   string
	}{
		{"mono audio", `"channels": 2`, `"channels": 1`},
		{"pixel format", `"pix_fmt": "yuv420p"`, `"pix_fmt": "yuv444p"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := strings.Replace(sampleProbe, tt.from, tt.to, 1)
			if doc == sampleProbe {
				t.Fatalf("fixture does not contain %s", tt.from)
			}
			other, err := parseProbe([]byte(doc))
			if err != nil {
				t.Fatalf("parseProbe: %v", err)
			}
			if other.Signature() == base.Signature() {
				t.Errorf("signatures match: %s", base.Signature())
			}
		})
	}
}

func TestParseRate(t *testing.T) {
	tests := map[string]float64{
		"30000/1001": 29.97,
		"25/1":       25,
		"0/0":        0,
		"24":         24,
		"":           0,
		"abc/1":      0,
	}
	for in, want := range tests {
		if got := parseRate(in); got != want {
			t.Errorf("parseRate(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDetectSilenceStreamsLines(t *testing.T) {
	f := &fakeRun{stderr: "Input #0, mov\n" +
		"[silencedetect @ 0x1] silence_start: 1.5\r" +
		"[silencedetect @ 0x1] silence_end: 2.75 | silence_duration: 1.25\n" +
		"[silencedetect @ 0x1] silence_start: 9"}
	e := newTestEngine(f)

	var lines []string
	err := e.DetectSilence(context.Background(), "in.mp4", pipeline.DefaultSilenceParams(), func(l string) {
		lines = append(lines, l)
	})
	if err != nil {
		t.Fatalf("DetectSilence: %v", err)
	}
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d: %q", len(lines), lines)
	}
	if lines[3] != "[silencedetect @ 0x1] silence_start: 9" {
		t.Errorf("unterminated trailing line lost: %q", lines[3])
	}
	if !slices.Contains(f.args[0], "silencedetect=n=-50dB:d=1") {
		t.Errorf("filter missing from args: %v", f.args[0])
	}
}

func TestCommandFailureCarriesStderrTail(t *testing.T) {
	f := &fakeRun{stderr: "segment.mp4: Invalid data found when processing input\n", err: errors.New("exit status 1")}
	e := newTestEngine(f)

	err := e.Extract(context.Background(), "in.mp4", 0, 5, "out.mp4")
	var cerr *CommandError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *CommandError, got %T: %v", err, err)
	}
	if cerr.Tool != "ffmpeg" || cerr.ExitCode != -1 {
		t.Errorf("unexpected error fields %+v", cerr)
	}
	if !strings.Contains(err.Error(), "Invalid data found") {
		t.Errorf("stderr tail missing from %q", err.Error())
	}
}

func TestTimeoutCancelsCommand(t *testing.T) {
	f := &fakeRun{block: true}
	e := New(Config{ConcatTimeout: 20 * time.Millisecond}, WithRunFunc(f.run))

	err := e.Concat(context.Background(), "list.txt", "out.mp4")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestArgs(t *testing.T) {
	extract := extractArgs("in.mp4", 4.5, 10, "seg.mp4")
	wantExtract := []string{"-y", "-hide_banner", "-loglevel", "error", "-ss", "4.5", "-i", "in.mp4", "-t", "10",
		"-c", "copy", "-avoid_negative_ts", "make_zero", "seg.mp4"}
	if !slices.Equal(extract, wantExtract) {
		t.Errorf("extractArgs = %v", extract)
	}

	concat := strings.Join(concatArgs("list.txt", "out.mp4"), " ")
	for _, frag := range []string{"-f concat -safe 0 -i list.txt", "-c copy", "-max_muxing_queue_size 9999"} {
		if !strings.Contains(concat, frag) {
			t.Errorf("concat args %q missing %q", concat, frag)
		}
	}

	norm := strings.Join(normalizeArgs("intro.mov", pipeline.DefaultProfile(), "n.mp4"), " ")
	for _, frag := range []string{
		"-vf scale=640:360:force_original_aspect_ratio=decrease,pad=640:360:-1:-1:color=black,setsar=1:1",
		"-c:v libx264 -preset fast -crf 18 -profile:v high -level 4.0",
		"-pix_fmt yuv420p",
		"-c:a aac -b:a 192k -ar 48000 -ac 2",
		"-movflags +faststart n.mp4",
	} {
		if !strings.Contains(norm, frag) {
			t.Errorf("normalize args %q missing %q", norm, frag)
		}
	}
	if strings.Contains(norm, " -r ") {
		t.Errorf("frame rate forced without one configured: %q", norm)
	}

	p := pipeline.DefaultProfile()
	p.FrameRate = 29.97
	if norm := strings.Join(normalizeArgs("a", p, "b"), " "); !strings.Contains(norm, "-r 29.97") {
		t.Errorf("frame rate missing: %q", norm)
	}

	p.Channels, p.PixFmt = 0, ""
	norm = strings.Join(normalizeArgs("a", p, "b"), " ")
	if strings.Contains(norm, " -ac ") || !strings.Contains(norm, "-pix_fmt yuv420p") {
		t.Errorf("layout defaults wrong: %q", norm)
	}
}

func TestLimitedWriterKeepsOnlyTail(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, limit: 10}

	lw.Write([]byte("hello"))
	lw.Write([]byte(" world of test data"))
	if got := buf.String(); got != " test data" {
		t.Errorf("got %q, want %q", got, " test data")
	}
}

func TestDoctor(t *testing.T) {
	f := &fakeRun{stdout: "ffmpeg version 6.1.1 Copyright (c) 2000-2023\nbuilt with gcc\n"}
	e := newTestEngine(f)
	d := NewDoctor(e, nil)

	if d.Peek() != nil {
		t.Fatal("expected empty cache")
	}
	caps := d.Get(context.Background())
	if !caps.Ready() {
		t.Fatalf("expected ready, got %+v", caps)
	}
	if caps.FFmpeg.Version != "ffmpeg version 6.1.1 Copyright (c) 2000-2023" {
		t.Errorf("version = %q", caps.FFmpeg.Version)
	}

	d.Get(context.Background())
	if n := f.calls.Load(); n != 2 {
		t.Errorf("expected cached second Get, got %d runs", n)
	}

	f.err = errors.New("exec: \"ffprobe\": executable file not found in $PATH")
	caps = d.Refresh(context.Background())
	if caps.Ready() || caps.FFprobe.Error == "" {
		t.Errorf("expected not ready with error, got %+v", caps)
	}
}
