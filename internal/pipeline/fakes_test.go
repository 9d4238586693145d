package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

type extractCall struct {
	start, duration float64
	out             string
}

type fakeEngine struct {
	probe   ProbeResult
	probeFn func(path string) (*ProbeResult, error)

	silenceLines []string
	silenceErr   error
	silenceFed   atomic.Int32

	extractFn   func(ctx context.Context, start, duration float64, out string) error
	normalizeFn func(ctx context.Context, in string, p Profile, out string) error
	concatFn    func(ctx context.Context, manifest, out string) error

	extractCalls   atomic.Int32
	normalizeCalls atomic.Int32
	concatCalls    atomic.Int32

	mu        sync.Mutex
	extracts  []extractCall
	profiles  []Profile
	manifests []string
}

func newFakeEngine(duration float64) *fakeEngine {
	return &fakeEngine{probe: ProbeResult{
		Duration:   duration,
		Width:      640,
		Height:     360,
		VideoCodec: "h264",
		PixFmt:     "yuv420p",
		FrameRate:  25,
		AudioCodec: "aac",
		SampleRate: 48000,
		Channels:   2,
	}}
}

func (f *fakeEngine) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	if f.probeFn != nil {
		return f.probeFn(path)
	}
	res := f.probe
	return &res, nil
}

func (f *fakeEngine) DetectSilence(ctx context.Context, path string, params SilenceParams, onLine func(string)) error {
	for _, line := range f.silenceLines {
		if err := ctx.Err(); err != nil {
			return err
		}
		f.silenceFed.Add(1)
		onLine(line)
	}
	return f.silenceErr
}

func (f *fakeEngine) Extract(ctx context.Context, src string, start, duration float64, out string) error {
	f.extractCalls.Add(1)
	f.mu.Lock()
	f.extracts = append(f.extracts, extractCall{start: start, duration: duration, out: out})
	f.mu.Unlock()

	if f.extractFn != nil {
		if err := f.extractFn(ctx, start, duration, out); err != nil {
			return err
		}
	}
	return os.WriteFile(out, []byte(fmt.Sprintf("%.3f+%.3f", start, duration)), 0o644)
}

func (f *fakeEngine) Normalize(ctx context.Context, in string, p Profile, out string) error {
	f.normalizeCalls.Add(1)
	f.mu.Lock()
	f.profiles = append(f.profiles, p)
	f.mu.Unlock()

	if f.normalizeFn != nil {
		if err := f.normalizeFn(ctx, in, p, out); err != nil {
			return err
		}
	}
	return os.WriteFile(out, []byte("normalized"), 0o644)
}

func (f *fakeEngine) Concat(ctx context.Context, manifest, out string) error {
	f.concatCalls.Add(1)
	data, err := os.ReadFile(manifest)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.manifests = append(f.manifests, string(data))
	f.mu.Unlock()

	if f.concatFn != nil {
		if err := f.concatFn(ctx, manifest, out); err != nil {
			return err
		}
	}
	return os.WriteFile(out, []byte("joined"), 0o644)
}

func (f *fakeEngine) lastManifest(t *testing.T) []string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.manifests) == 0 {
		t.Fatal("concat was never called")
	}
	return manifestNames(f.manifests[len(f.manifests)-1])
}

// manifestNames returns the base names listed in an ffconcat manifest.
func manifestNames(manifest string) []string {
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(manifest), "\n") {
		p := strings.TrimPrefix(line, "file ")
		p = strings.Trim(p, "'")
		names = append(names, filepath.Base(p))
	}
	return names
}

type fakeFetcher struct {
	calls  atomic.Int32
	failOn string
}

func (f *fakeFetcher) Fetch(ctx context.Context, source, dest string) error {
	f.calls.Add(1)
	if source == f.failOn {
		return fmt.Errorf("GET %s: status 404", source)
	}
	return os.WriteFile(dest, []byte("media:"+source), 0o644)
}

type fakePublisher struct {
	calls   atomic.Int32
	err     error
	lastSrc string
	content string
	name    string
}

func (p *fakePublisher) Publish(ctx context.Context, src, name string) (string, error) {
	p.calls.Add(1)
	if p.err != nil {
		return "", p.err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return "", err
	}
	p.lastSrc, p.content, p.name = src, string(data), name
	return "http://localhost:3000/output-video/" + name, nil
}

type fakeRecorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *fakeRecorder) Record(ctx context.Context, snap Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
	return nil
}

func (r *fakeRecorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.snaps))
	for i, s := range r.snaps {
		out[i] = s.State
	}
	return out
}

func (r *fakeRecorder) last() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[len(r.snaps)-1]
}

func ptr(v float64) *float64 { return &v }

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read %s: %v", dir, err)
	}
	if len(entries) != 0 {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("expected %s to be empty, found %v", dir, names)
	}
}
