package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reelcut/reelcut/internal/logging"
	"github.com/reelcut/reelcut/internal/segment"
	"github.com/reelcut/reelcut/internal/silence"
)

// Workflow names a reconstruction recipe.
type Workflow string

const (
	WorkflowSilenceTrim  Workflow = "silence-trim"
	WorkflowExplicitTrim Workflow = "explicit-trim"
	WorkflowMergeIntro   Workflow = "merge-intro"
	WorkflowMergeOutro   Workflow = "merge-outro"
)

// DefaultOutputName is the artifact name used when a request names none.
func (w Workflow) DefaultOutputName() string {
	switch w {
	case WorkflowMergeIntro:
		return "merged_intro.mp4"
	case WorkflowMergeOutro:
		return "merged_outro.mp4"
	default:
		return "output.mp4"
	}
}

func (w Workflow) valid() bool {
	switch w {
	case WorkflowSilenceTrim, WorkflowExplicitTrim, WorkflowMergeIntro, WorkflowMergeOutro:
		return true
	}
	return false
}

func (w Workflow) isMerge() bool {
	return w == WorkflowMergeIntro || w == WorkflowMergeOutro
}

// State is a job's position in the reconstruction state machine.
type State string

const (
	StateCreated           State = "created"
	StateProbed            State = "probed"
	StateIntervalsResolved State = "intervals_resolved"
	StateExtracted         State = "extracted"
	StateConcatenated      State = "concatenated"
	StateFinalized         State = "finalized"
	StateFailed            State = "failed"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateFinalized || s == StateFailed
}

// Request describes one reconstruction.
type Request struct {
	Workflow   Workflow
	SourceURL  string
	AuxURL     string        // intro or outro clip; merge workflows only
	Cuts       []segment.Cut // explicit-trim only
	OutputName string        // defaults to Workflow.DefaultOutputName
}

// Validate checks the request shape. It does not touch the network or disk.
func (r Request) Validate() error {
	if !r.Workflow.valid() {
		return fmt.Errorf("unknown workflow %q", r.Workflow)
	}
	if strings.TrimSpace(r.SourceURL) == "" {
		return errors.New("source url is required")
	}
	if r.Workflow.isMerge() && strings.TrimSpace(r.AuxURL) == "" {
		return fmt.Errorf("%s requires an auxiliary clip url", r.Workflow)
	}
	if r.OutputName != "" {
		if strings.ContainsAny(r.OutputName, `/\`) || r.OutputName == "." || r.OutputName == ".." {
			return fmt.Errorf("output name %q must be a plain file name", r.OutputName)
		}
	}
	return nil
}

func (r Request) outputName() string {
	if r.OutputName != "" {
		return r.OutputName
	}
	return r.Workflow.DefaultOutputName()
}

// Job is the per-request state carried through Run.
type Job struct {
	ID         string
	Request    Request
	Workspace  *Workspace
	Source     VideoDescriptor
	AuxPath    string
	Removes    []segment.Interval
	Keeps      []segment.Interval
	Units      []MediaUnit
	OutputPath string
	OutputURL  string
	State      State
}

// Snapshot is the externally visible record of a job at one transition.
type Snapshot struct {
	JobID      string
	Workflow   Workflow
	State      State
	SourceURL  string
	AuxURL     string
	OutputName string
	OutputURL  string
	Duration   float64
	KeepCount  int
	ErrKind    Kind
	Err        string
	At         time.Time
}

// Result describes a finalized job.
type Result struct {
	JobID         string
	OutputName    string
	URL           string
	KeepIntervals []segment.Interval
	Duration      float64 // source duration in seconds
	FrameRate     float64 // source frame rate, 0 when unknown
}

// Config holds orchestrator settings.
type Config struct {
	WorkDir              string
	MaxParallel          int
	Silence              SilenceParams
	CloseTrailingSilence bool
	Profile              Profile
	MatchSourceProfile   bool
	Logger               *slog.Logger
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder reports every state transition to rec.
func WithRecorder(rec Recorder) Option {
	return func(o *Orchestrator) { o.recorder = rec }
}

// WithIDGenerator replaces the UUID job id source.
func WithIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) { o.newID = gen }
}

// Orchestrator sequences fetch, probe, interval resolution, extraction,
// normalization, concatenation and publication for one job at a time per
// Run call. Concurrent Run calls are independent.
type Orchestrator struct {
	cfg        Config
	engine     Engine
	fetcher    Fetcher
	publisher  Publisher
	recorder   Recorder
	newID      func() string
	extractor  *Extractor
	normalizer *Normalizer
	concat     *Concatenator
	logger     *slog.Logger
}

// New creates an Orchestrator.
func New(cfg Config, engine Engine, fetcher Fetcher, publisher Publisher, opts ...Option) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logging.WithComponent(logger, "pipeline")
	if cfg.Silence == (SilenceParams{}) {
		cfg.Silence = DefaultSilenceParams()
	}
	if cfg.Profile == (Profile{}) {
		cfg.Profile = DefaultProfile()
	}

	o := &Orchestrator{
		cfg:        cfg,
		engine:     engine,
		fetcher:    fetcher,
		publisher:  publisher,
		newID:      uuid.NewString,
		extractor:  NewExtractor(engine, cfg.MaxParallel, logger),
		normalizer: NewNormalizer(engine, logger),
		concat:     NewConcatenator(engine, logger),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes req to completion. Any failure is returned as *Error, leaves
// nothing published and still releases the job workspace.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, newError(KindInvalidInput, StateCreated, err)
	}

	job := &Job{ID: o.newID(), Request: req, State: StateCreated}
	logger := logging.WithJobID(o.logger, job.ID).With("workflow", string(req.Workflow))
	start := time.Now()

	ws, err := OpenWorkspace(o.cfg.WorkDir, job.ID)
	if err != nil {
		return nil, o.fail(ctx, logger, job, KindWorkspace, err)
	}
	job.Workspace = ws
	defer func() {
		if err := ws.Release(); err != nil {
			logger.Warn("workspace cleanup failed", "kind", string(KindCleanup), "error", err)
		}
	}()

	logger.Info("job started", "source", logging.SanitizeURL(req.SourceURL))
	o.record(ctx, logger, job, nil)

	if err := o.fetchInputs(ctx, job); err != nil {
		return nil, o.fail(ctx, logger, job, KindDownload, err)
	}

	if err := o.probe(ctx, job); err != nil {
		return nil, o.fail(ctx, logger, job, KindProbe, err)
	}
	o.advance(ctx, logger, job, StateProbed)

	if kind, err := o.resolveIntervals(ctx, logger, job); err != nil {
		return nil, o.fail(ctx, logger, job, kind, err)
	}
	o.advance(ctx, logger, job, StateIntervalsResolved)

	if kind, err := o.produceUnits(ctx, job); err != nil {
		return nil, o.fail(ctx, logger, job, kind, err)
	}
	o.advance(ctx, logger, job, StateExtracted)

	job.OutputPath = ws.Path("reconstructed.mp4")
	if err := o.concat.Concatenate(ctx, job.Units, job.OutputPath); err != nil {
		return nil, o.fail(ctx, logger, job, KindConcatenation, err)
	}
	o.advance(ctx, logger, job, StateConcatenated)

	url, err := o.publisher.Publish(ctx, job.OutputPath, req.outputName())
	if err != nil {
		return nil, o.fail(ctx, logger, job, KindPublish, err)
	}
	job.OutputURL = url
	o.advance(ctx, logger, job, StateFinalized)

	logger.Info("job finished",
		"output", url,
		"keep_count", len(job.Keeps),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &Result{
		JobID:         job.ID,
		OutputName:    req.outputName(),
		URL:           url,
		KeepIntervals: job.Keeps,
		Duration:      job.Source.Duration,
		FrameRate:     job.Source.Probe.FrameRate,
	}, nil
}

func (o *Orchestrator) fetchInputs(ctx context.Context, job *Job) error {
	job.Source.Path = job.Workspace.Path("source" + mediaExt(job.Request.SourceURL))
	if err := o.fetcher.Fetch(ctx, job.Request.SourceURL, job.Source.Path); err != nil {
		return fmt.Errorf("fetch source: %w", err)
	}
	if job.Request.Workflow.isMerge() {
		job.AuxPath = job.Workspace.Path("aux" + mediaExt(job.Request.AuxURL))
		if err := o.fetcher.Fetch(ctx, job.Request.AuxURL, job.AuxPath); err != nil {
			return fmt.Errorf("fetch auxiliary clip: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) probe(ctx context.Context, job *Job) error {
	res, err := o.engine.Probe(ctx, job.Source.Path)
	if err != nil {
		return err
	}
	if res == nil || !(res.Duration > 0) {
		return errors.New("source has no usable duration")
	}
	job.Source.Duration = res.Duration
	job.Source.Probe = *res
	return nil
}

func (o *Orchestrator) resolveIntervals(ctx context.Context, logger *slog.Logger, job *Job) (Kind, error) {
	duration := job.Source.Duration

	switch job.Request.Workflow {
	case WorkflowSilenceTrim:
		removes, err := o.detectSilence(ctx, job)
		if err != nil {
			return KindDetection, err
		}
		job.Removes = removes
	case WorkflowExplicitTrim:
		removes, err := segment.ResolveCuts(job.Request.Cuts, duration)
		if err != nil {
			return KindInvalidInput, err
		}
		job.Removes = removes
	default:
		// merges keep the whole main video
		job.Removes = nil
	}

	job.Keeps = segment.ComputeKeepIntervals(job.Removes, duration)
	logger.Info("intervals resolved",
		"removes", len(job.Removes),
		"keeps", len(job.Keeps),
		"kept_seconds", segment.TotalLength(job.Keeps),
	)
	if len(job.Keeps) == 0 {
		return KindEmptyResult, ErrNothingToKeep
	}
	return "", nil
}

func (o *Orchestrator) detectSilence(ctx context.Context, job *Job) ([]segment.Interval, error) {
	var opts []silence.Option
	if o.cfg.CloseTrailingSilence {
		opts = append(opts, silence.CloseOpenAt(job.Source.Duration))
	}
	parser := silence.NewParser(opts...)

	// A malformed marker stream is final; stop the analysis instead of
	// decoding the rest of the source.
	dctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var parseErr error
	err := o.engine.DetectSilence(dctx, job.Source.Path, o.cfg.Silence, func(line string) {
		if parseErr != nil {
			return
		}
		if parseErr = parser.Feed(line); parseErr != nil {
			cancel()
		}
	})
	if parseErr != nil {
		return nil, parseErr
	}
	if err != nil {
		return nil, fmt.Errorf("silence analysis: %w", err)
	}
	return parser.Finish()
}

func (o *Orchestrator) produceUnits(ctx context.Context, job *Job) (Kind, error) {
	if !job.Request.Workflow.isMerge() {
		units, err := o.extractor.Extract(ctx, job.Source, job.Keeps, job.Workspace.Dir())
		if err != nil {
			return KindExtraction, err
		}
		job.Units = units
		return "", nil
	}

	profile := o.cfg.Profile
	if o.cfg.MatchSourceProfile {
		profile = profile.MatchSource(job.Source.Probe)
	}
	aux, err := o.normalizer.Normalize(ctx, job.AuxPath, profile, job.Workspace.Path("aux_normalized.mp4"))
	if err != nil {
		return KindNormalization, err
	}

	main := MediaUnit{Path: job.Source.Path, Ordinal: 0}
	auxOrdinal := -1
	if job.Request.Workflow == WorkflowMergeOutro {
		auxOrdinal = main.Ordinal + 1
	}
	job.Units = []MediaUnit{main, {Path: aux, Ordinal: auxOrdinal}}
	return "", nil
}

func (o *Orchestrator) advance(ctx context.Context, logger *slog.Logger, job *Job, next State) {
	logger.Debug("state transition", "from", string(job.State), "to", string(next))
	job.State = next
	o.record(ctx, logger, job, nil)
}

func (o *Orchestrator) fail(ctx context.Context, logger *slog.Logger, job *Job, kind Kind, err error) error {
	perr := newError(kind, job.State, err)
	logger.Error("job failed", "kind", string(kind), "state", string(job.State), "error", err)
	job.State = StateFailed
	// the caller may have cancelled ctx; the failure is still recorded
	o.record(context.WithoutCancel(ctx), logger, job, perr)
	return perr
}

func (o *Orchestrator) record(ctx context.Context, logger *slog.Logger, job *Job, perr *Error) {
	if o.recorder == nil {
		return
	}
	snap := Snapshot{
		JobID:      job.ID,
		Workflow:   job.Request.Workflow,
		State:      job.State,
		SourceURL:  job.Request.SourceURL,
		AuxURL:     job.Request.AuxURL,
		OutputName: job.Request.outputName(),
		OutputURL:  job.OutputURL,
		Duration:   job.Source.Duration,
		KeepCount:  len(job.Keeps),
		At:         time.Now().UTC(),
	}
	if perr != nil {
		snap.ErrKind = perr.Kind
		snap.Err = perr.Err.Error()
	}
	if err := o.recorder.Record(ctx, snap); err != nil {
		logger.Warn("failed to record job state", "state", string(job.State), "error", err)
	}
}

// mediaExt returns the file extension of a URL or path, or ".mp4".
func mediaExt(source string) string {
	p := source
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	ext := strings.ToLower(path.Ext(p))
	if ext == "" || len(ext) > 6 || strings.ContainsAny(ext, `/\:`) {
		return ".mp4"
	}
	return ext
}
