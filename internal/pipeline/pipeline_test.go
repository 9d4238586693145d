package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/reelcut/reelcut/internal/segment"
	"github.com/reelcut/reelcut/internal/silence"
)

type harness struct {
	workDir   string
	engine    *fakeEngine
	fetcher   *fakeFetcher
	publisher *fakePublisher
	recorder  *fakeRecorder
	orch      *Orchestrator
}

func newHarness(t *testing.T, engine *fakeEngine, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		workDir:   t.TempDir(),
		engine:    engine,
		fetcher:   &fakeFetcher{},
		publisher: &fakePublisher{},
		recorder:  &fakeRecorder{},
	}
	cfg := Config{
		WorkDir:            h.workDir,
		MaxParallel:        4,
		MatchSourceProfile: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.orch = New(cfg, engine, h.fetcher, h.publisher, WithRecorder(h.recorder))
	return h
}

func requireKind(t *testing.T, err error, want Kind) *Error {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", want)
	}
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if perr.Kind != want {
		t.Fatalf("expected kind %s, got %s (%v)", want, perr.Kind, err)
	}
	return perr
}

func TestRunExplicitTrim(t *testing.T) {
	h := newHarness(t, newFakeEngine(20), nil)

	res, err := h.orch.Run(context.Background(), Request{
		Workflow:  WorkflowExplicitTrim,
		SourceURL: "https://cdn.example.com/talk.mp4",
		Cuts:      []segment.Cut{{Start: ptr(5), End: ptr(8)}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []segment.Interval{{Start: 0, End: 5}, {Start: 8, End: 20}}
	if !slices.Equal(res.KeepIntervals, want) {
		t.Errorf("keeps = %v, want %v", res.KeepIntervals, want)
	}
	if res.URL != "http://localhost:3000/output-video/output.mp4" {
		t.Errorf("unexpected url %q", res.URL)
	}
	if res.Duration != 20 {
		t.Errorf("duration = %v, want 20", res.Duration)
	}

	if got := h.engine.extractCalls.Load(); got != 2 {
		t.Errorf("expected 2 extractions, got %d", got)
	}
	names := h.engine.lastManifest(t)
	if !slices.Equal(names, []string{"segment_0000.mp4", "segment_0001.mp4"}) {
		t.Errorf("manifest order = %v", names)
	}
	if h.publisher.content != "joined" {
		t.Errorf("published %q, want concatenated output", h.publisher.content)
	}

	wantStates := []State{StateCreated, StateProbed, StateIntervalsResolved, StateExtracted, StateConcatenated, StateFinalized}
	if got := h.recorder.states(); !slices.Equal(got, wantStates) {
		t.Errorf("states = %v, want %v", got, wantStates)
	}
	last := h.recorder.last()
	if last.OutputURL != res.URL || last.KeepCount != 2 || last.JobID != res.JobID {
		t.Errorf("unexpected final snapshot %+v", last)
	}

	assertEmptyDir(t, h.workDir)
}

func TestRunExplicitTrimExtractionRanges(t *testing.T) {
	h := newHarness(t, newFakeEngine(20), nil)

	_, err := h.orch.Run(context.Background(), Request{
		Workflow:  WorkflowExplicitTrim,
		SourceURL: "/videos/in.mov",
		Cuts: []segment.Cut{
			{Start: ptr(15), End: ptr(20)},
			{Start: ptr(0), End: ptr(5)},
		},
		OutputName: "trimmed.mp4",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(h.engine.extracts) != 1 {
		t.Fatalf("expected 1 extraction, got %d", len(h.engine.extracts))
	}
	call := h.engine.extracts[0]
	if call.start != 5 || call.duration != 10 {
		t.Errorf("extract(start=%v, dur=%v), want (5, 10)", call.start, call.duration)
	}
	if h.publisher.name != "trimmed.mp4" {
		t.Errorf("published as %q", h.publisher.name)
	}
}

func TestRunSilenceTrim(t *testing.T) {
	engine := newFakeEngine(10)
	engine.silenceLines = []string{
		"Input #0, mov,mp4,m4a,3gp,3g2,mj2, from 'source.mp4':",
		"[silencedetect @ 0x600000c1c000] silence_start: 2",
		"[silencedetect @ 0x600000c1c000] silence_end: 4 | silence_duration: 2",
		"[silencedetect @ 0x600000c1c000] silence_start: 7",
		"[silencedetect @ 0x600000c1c000] silence_end: 8 | silence_duration: 1",
		"size=N/A time=00:00:10.00 bitrate=N/A speed= 512x",
	}
	h := newHarness(t, engine, nil)

	res, err := h.orch.Run(context.Background(), Request{
		Workflow:  WorkflowSilenceTrim,
		SourceURL: "https://cdn.example.com/podcast.mp4",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []segment.Interval{{Start: 0, End: 2}, {Start: 4, End: 7}, {Start: 8, End: 10}}
	if !slices.Equal(res.KeepIntervals, want) {
		t.Errorf("keeps = %v, want %v", res.KeepIntervals, want)
	}
	if len(h.engine.lastManifest(t)) != 3 {
		t.Errorf("expected 3 units in manifest")
	}
}

func TestRunSilenceCoveringEverythingIsEmptyResult(t *testing.T) {
	engine := newFakeEngine(10)
	engine.silenceLines = []string{
		"[silencedetect @ 0x1] silence_start: 0",
		"[silencedetect @ 0x1] silence_end: 10 | silence_duration: 10",
	}
	h := newHarness(t, engine, nil)

	_, err := h.orch.Run(context.Background(), Request{
		Workflow:  WorkflowSilenceTrim,
		SourceURL: "https://cdn.example.com/quiet.mp4",
	})

	perr := requireKind(t, err, KindEmptyResult)
	if perr.State != StateProbed {
		t.Errorf("failed in state %s, want %s", perr.State, StateProbed)
	}
	if !errors.Is(err, ErrNothingToKeep) {
		t.Errorf("expected ErrNothingToKeep, got %v", err)
	}
	if n := engine.extractCalls.Load(); n != 0 {
		t.Errorf("expected no extraction, got %d", n)
	}
	if n := h.publisher.calls.Load(); n != 0 {
		t.Errorf("expected nothing published, got %d calls", n)
	}
	last := h.recorder.last()
	if last.State != StateFailed || last.ErrKind != KindEmptyResult {
		t.Errorf("final snapshot = %+v", last)
	}
	assertEmptyDir(t, h.workDir)
}

func TestRunUnterminatedSilence(t *testing.T) {
	lines := []string{
		"[silencedetect @ 0x1] silence_start: 2",
		"[silencedetect @ 0x1] silence_end: 3 | silence_duration: 1",
		"[silencedetect @ 0x1] silence_start: 8.5",
	}

	t.Run("fails by default", func(t *testing.T) {
		engine := newFakeEngine(10)
		engine.silenceLines = lines
		h := newHarness(t, engine, nil)

		_, err := h.orch.Run(context.Background(), Request{Workflow: WorkflowSilenceTrim, SourceURL: "a.mp4"})
		requireKind(t, err, KindDetection)
		if !errors.Is(err, silence.ErrUnterminatedInterval) {
			t.Errorf("expected ErrUnterminatedInterval, got %v", err)
		}
		assertEmptyDir(t, h.workDir)
	})

	t.Run("closes at duration when enabled", func(t *testing.T) {
		engine := newFakeEngine(10)
		engine.silenceLines = lines
		h := newHarness(t, engine, func(c *Config) { c.CloseTrailingSilence = true })

		res, err := h.orch.Run(context.Background(), Request{Workflow: WorkflowSilenceTrim, SourceURL: "a.mp4"})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		want := []segment.Interval{{Start: 0, End: 2}, {Start: 3, End: 8.5}}
		if !slices.Equal(res.KeepIntervals, want) {
			t.Errorf("keeps = %v, want %v", res.KeepIntervals, want)
		}
	})
}

func TestRunDetectionEngineFailure(t *testing.T) {
	engine := newFakeEngine(10)
	engine.silenceErr = errors.New("ffmpeg exited 1")
	h := newHarness(t, engine, nil)

	_, err := h.orch.Run(context.Background(), Request{Workflow: WorkflowSilenceTrim, SourceURL: "a.mp4"})
	requireKind(t, err, KindDetection)
}

func TestRunMalformedSilenceStopsAnalysis(t *testing.T) {
	engine := newFakeEngine(600)
	engine.silenceLines = []string{
		"[silencedetect @ 0x1] silence_start: 2",
		"[silencedetect @ 0x1] silence_end: 1 | silence_duration: -1",
		"[silencedetect @ 0x1] silence_start: 40",
		"[silencedetect @ 0x1] silence_end: 41 | silence_duration: 1",
	}
	h := newHarness(t, engine, nil)

	_, err := h.orch.Run(context.Background(), Request{Workflow: WorkflowSilenceTrim, SourceURL: "a.mp4"})
	requireKind(t, err, KindDetection)
	if !errors.Is(err, segment.ErrInvalidInterval) {
		t.Errorf("expected the parse error to win over cancellation, got %v", err)
	}
	if errors.Is(err, context.Canceled) {
		t.Errorf("cancellation leaked into the job error: %v", err)
	}
	if n := engine.silenceFed.Load(); n != 2 {
		t.Errorf("analysis fed %d lines after the bad marker, want to stop at 2", n)
	}
	assertEmptyDir(t, h.workDir)
}

func TestRunInvalidRequest(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"unknown workflow", Request{Workflow: "reverse", SourceURL: "a.mp4"}},
		{"missing source", Request{Workflow: WorkflowSilenceTrim}},
		{"merge without clip", Request{Workflow: WorkflowMergeIntro, SourceURL: "a.mp4"}},
		{"output name with path", Request{Workflow: WorkflowSilenceTrim, SourceURL: "a.mp4", OutputName: "../x.mp4"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, newFakeEngine(10), nil)
			_, err := h.orch.Run(context.Background(), tt.req)
			requireKind(t, err, KindInvalidInput)
			if n := h.fetcher.calls.Load(); n != 0 {
				t.Errorf("expected no fetch, got %d", n)
			}
		})
	}
}

func TestRunInvalidCuts(t *testing.T) {
	h := newHarness(t, newFakeEngine(20), nil)

	_, err := h.orch.Run(context.Background(), Request{
		Workflow:  WorkflowExplicitTrim,
		SourceURL: "a.mp4",
		Cuts:      []segment.Cut{{Start: ptr(9), End: ptr(3)}},
	})
	requireKind(t, err, KindInvalidInput)
	if !errors.Is(err, segment.ErrInvalidInterval) {
		t.Errorf("expected ErrInvalidInterval, got %v", err)
	}
	assertEmptyDir(t, h.workDir)
}

func TestRunDownloadFailure(t *testing.T) {
	h := newHarness(t, newFakeEngine(10), nil)
	h.fetcher.failOn = "https://cdn.example.com/intro.mp4"

	_, err := h.orch.Run(context.Background(), Request{
		Workflow:  WorkflowMergeIntro,
		SourceURL: "https://cdn.example.com/main.mp4",
		AuxURL:    "https://cdn.example.com/intro.mp4",
	})
	perr := requireKind(t, err, KindDownload)
	if perr.State != StateCreated {
		t.Errorf("failed in state %s, want %s", perr.State, StateCreated)
	}
	assertEmptyDir(t, h.workDir)
}

func TestRunProbeFailure(t *testing.T) {
	engine := newFakeEngine(0)
	h := newHarness(t, engine, nil)

	_, err := h.orch.Run(context.Background(), Request{Workflow: WorkflowSilenceTrim, SourceURL: "a.mp4"})
	requireKind(t, err, KindProbe)

	engine.probeFn = func(string) (*ProbeResult, error) { return nil, errors.New("moov atom not found") }
	_, err = h.orch.Run(context.Background(), Request{Workflow: WorkflowSilenceTrim, SourceURL: "a.mp4"})
	requireKind(t, err, KindProbe)
}

func TestRunBoundedConcurrencyKeepsOrdinals(t *testing.T) {
	engine := newFakeEngine(100)

	var inFlight, peak atomic.Int32
	engine.extractFn = func(ctx context.Context, start, duration float64, out string) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		// later segments finish first
		time.Sleep(time.Duration(100-start) * 200 * time.Microsecond)
		return nil
	}
	h := newHarness(t, engine, func(c *Config) { c.MaxParallel = 2 })

	var cuts []segment.Cut
	for i := 0; i < 9; i++ {
		s := float64(i*10 + 5)
		cuts = append(cuts, segment.Cut{Start: ptr(s), End: ptr(s + 1)})
	}

	res, err := h.orch.Run(context.Background(), Request{
		Workflow:  WorkflowExplicitTrim,
		SourceURL: "a.mp4",
		Cuts:      cuts,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.KeepIntervals) != 10 {
		t.Fatalf("expected 10 keeps, got %d", len(res.KeepIntervals))
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency %d exceeds limit 2", p)
	}

	names := h.engine.lastManifest(t)
	for i, name := range names {
		if want := fmt.Sprintf("segment_%04d.mp4", i); name != want {
			t.Errorf("manifest[%d] = %s, want %s", i, name, want)
		}
	}
}

func TestRunExtractionFailureCancelsSiblings(t *testing.T) {
	engine := newFakeEngine(40)

	var started, cancelled, succeeded atomic.Int32
	engine.extractFn = func(ctx context.Context, start, duration float64, out string) error {
		if start == 10 {
			return errors.New("invalid data found when processing input")
		}
		started.Add(1)
		select {
		case <-ctx.Done():
			cancelled.Add(1)
			return ctx.Err()
		case <-time.After(5 * time.Second):
			succeeded.Add(1)
			return nil
		}
	}
	h := newHarness(t, engine, func(c *Config) { c.MaxParallel = 4 })

	_, err := h.orch.Run(context.Background(), Request{
		Workflow:  WorkflowExplicitTrim,
		SourceURL: "a.mp4",
		Cuts: []segment.Cut{
			{Start: ptr(5), End: ptr(10)},
			{Start: ptr(15), End: ptr(20)},
			{Start: ptr(25), End: ptr(30)},
		},
	})
	perr := requireKind(t, err, KindExtraction)
	if perr.State != StateIntervalsResolved {
		t.Errorf("failed in state %s", perr.State)
	}
	// Siblings either observed cancellation mid-extract or never started.
	if n := succeeded.Load(); n != 0 {
		t.Errorf("expected no sibling extraction to succeed, got %d", n)
	}
	if c, s := cancelled.Load(), started.Load(); c != s {
		t.Errorf("%d siblings started but only %d were cancelled", s, c)
	}
	if n := started.Load(); n > 3 {
		t.Errorf("started %d siblings, only 3 exist", n)
	}
	if n := engine.concatCalls.Load(); n != 0 {
		t.Errorf("concat must not run after a failed extraction, got %d calls", n)
	}
	if n := h.publisher.calls.Load(); n != 0 {
		t.Errorf("expected nothing published")
	}
	assertEmptyDir(t, h.workDir)
}

func TestRunMergeOrdering(t *testing.T) {
	tests := []struct {
		workflow Workflow
		want     []string
		name     string
	}{
		{WorkflowMergeIntro, []string{"aux_normalized.mp4", "source.mp4"}, "merged_intro.mp4"},
		{WorkflowMergeOutro, []string{"source.mp4", "aux_normalized.mp4"}, "merged_outro.mp4"},
	}

	for _, tt := range tests {
		t.Run(string(tt.workflow), func(t *testing.T) {
			engine := newFakeEngine(30)
			engine.probe.Width, engine.probe.Height = 1280, 720
			engine.probe.FrameRate = 29.97
			engine.probe.SampleRate = 44100
			h := newHarness(t, engine, nil)

			res, err := h.orch.Run(context.Background(), Request{
				Workflow:  tt.workflow,
				SourceURL: "https://cdn.example.com/main.mp4",
				AuxURL:    "https://cdn.example.com/clip.webm",
			})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if got := engine.lastManifest(t); !slices.Equal(got, tt.want) {
				t.Errorf("manifest = %v, want %v", got, tt.want)
			}
			if res.OutputName != tt.name {
				t.Errorf("output name = %s, want %s", res.OutputName, tt.name)
			}
			if n := engine.extractCalls.Load(); n != 0 {
				t.Errorf("merge should not re-extract the main video, got %d", n)
			}

			p := engine.profiles[0]
			if p.Width != 1280 || p.Height != 720 || p.SampleRate != 44100 || p.FrameRate != 29.97 {
				t.Errorf("profile not matched to source: %+v", p)
			}
			if p.VideoCodec != "libx264" || p.CRF != 18 {
				t.Errorf("codec targets changed: %+v", p)
			}
		})
	}
}

func TestRunMergeFixedProfile(t *testing.T) {
	engine := newFakeEngine(30)
	engine.probe.Width, engine.probe.Height = 1920, 1080
	h := newHarness(t, engine, func(c *Config) { c.MatchSourceProfile = false })

	_, err := h.orch.Run(context.Background(), Request{Workflow: WorkflowMergeOutro, SourceURL: "m.mp4", AuxURL: "o.mp4"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p := engine.profiles[0]; p.Width != 640 || p.Height != 360 {
		t.Errorf("expected canonical 640x360, got %dx%d", p.Width, p.Height)
	}
}

func TestRunMergeIncompatibleUnits(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ProbeResult)
	}{
		{"audio codec", func(p *ProbeResult) { p.AudioCodec = "opus" }},
		{"mono clip", func(p *ProbeResult) { p.Channels = 1 }},
		{"pixel format", func(p *ProbeResult) { p.PixFmt = "yuv444p" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newFakeEngine(30)
			engine.probeFn = func(path string) (*ProbeResult, error) {
				res := engine.probe
				if filepath.Base(path) == "aux_normalized.mp4" {
					tt.mutate(&res)
				}
				return &res, nil
			}
			h := newHarness(t, engine, nil)

			_, err := h.orch.Run(context.Background(), Request{Workflow: WorkflowMergeIntro, SourceURL: "m.mp4", AuxURL: "i.mp4"})
			requireKind(t, err, KindConcatenation)
			if !errors.Is(err, ErrIncompatibleUnits) {
				t.Errorf("expected ErrIncompatibleUnits, got %v", err)
			}
			if n := engine.concatCalls.Load(); n != 0 {
				t.Errorf("engine concat must not run for incompatible units")
			}
			assertEmptyDir(t, h.workDir)
		})
	}
}

func TestRunNormalizationFailure(t *testing.T) {
	engine := newFakeEngine(30)
	engine.normalizeFn = func(context.Context, string, Profile, string) error {
		return errors.New("Unknown encoder 'libx264'")
	}
	h := newHarness(t, engine, nil)

	_, err := h.orch.Run(context.Background(), Request{Workflow: WorkflowMergeIntro, SourceURL: "m.mp4", AuxURL: "i.mp4"})
	requireKind(t, err, KindNormalization)
}

func TestRunPublishFailure(t *testing.T) {
	h := newHarness(t, newFakeEngine(10), nil)
	h.publisher.err = errors.New("disk full")

	_, err := h.orch.Run(context.Background(), Request{Workflow: WorkflowExplicitTrim, SourceURL: "a.mp4"})
	perr := requireKind(t, err, KindPublish)
	if perr.State != StateConcatenated {
		t.Errorf("failed in state %s", perr.State)
	}
	assertEmptyDir(t, h.workDir)
}

func TestRunCancelledContextStillRecordsFailure(t *testing.T) {
	engine := newFakeEngine(10)
	ctx, cancel := context.WithCancel(context.Background())
	engine.extractFn = func(ctx context.Context, start, duration float64, out string) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}
	h := newHarness(t, engine, nil)

	_, err := h.orch.Run(ctx, Request{Workflow: WorkflowExplicitTrim, SourceURL: "a.mp4"})
	requireKind(t, err, KindExtraction)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled in chain, got %v", err)
	}
	if last := h.recorder.last(); last.State != StateFailed {
		t.Errorf("final recorded state = %s", last.State)
	}
}

func TestRunConcurrentJobsUseSeparateWorkspaces(t *testing.T) {
	engine := newFakeEngine(10)
	h := newHarness(t, engine, nil)

	const jobs = 6
	errs := make(chan error, jobs)
	ids := make(chan string, jobs)
	for i := 0; i < jobs; i++ {
		go func() {
			res, err := h.orch.Run(context.Background(), Request{
				Workflow:  WorkflowExplicitTrim,
				SourceURL: "a.mp4",
				Cuts:      []segment.Cut{{Start: ptr(1), End: ptr(2)}},
			})
			if err == nil {
				ids <- res.JobID
			}
			errs <- err
		}()
	}
	for i := 0; i < jobs; i++ {
		if err := <-errs; err != nil {
			t.Errorf("job failed: %v", err)
		}
	}
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		if seen[id] {
			t.Errorf("duplicate job id %s", id)
		}
		seen[id] = true
	}
	assertEmptyDir(t, h.workDir)
}

func TestRunDurationLaw(t *testing.T) {
	engine := newFakeEngine(60)
	h := newHarness(t, engine, nil)

	cuts := []segment.Cut{
		{Start: ptr(50), End: nil},
		{Start: nil, End: ptr(3.25)},
		{Start: ptr(10.5), End: ptr(12)},
	}
	res, err := h.orch.Run(context.Background(), Request{Workflow: WorkflowExplicitTrim, SourceURL: "a.mp4", Cuts: cuts})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	removed := 10 + 3.25 + 1.5
	if got := segment.TotalLength(res.KeepIntervals) + removed; math.Abs(got-60) > 1e-6 {
		t.Errorf("kept + removed = %v, want 60", got)
	}
}

func TestMediaExt(t *testing.T) {
	tests := map[string]string{
		"https://cdn.example.com/a/b/clip.MOV?sig=abc": ".mov",
		"https://cdn.example.com/watch":                ".mp4",
		"/tmp/in.webm":                                 ".webm",
		"https://example.com/x.verylongext":            ".mp4",
	}
	for in, want := range tests {
		if got := mediaExt(in); got != want {
			t.Errorf("mediaExt(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDefaultOutputNames(t *testing.T) {
	tests := map[Workflow]string{
		WorkflowMergeIntro:   "merged_intro.mp4",
		WorkflowMergeOutro:   "merged_outro.mp4",
		WorkflowSilenceTrim:  "output.mp4",
		WorkflowExplicitTrim: "output.mp4",
	}
	for wf, want := range tests {
		if got := wf.DefaultOutputName(); got != want {
			t.Errorf("%s: got %s, want %s", wf, got, want)
		}
	}
}
