package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/reelcut/reelcut/internal/config"
	"github.com/reelcut/reelcut/internal/db"
	"github.com/reelcut/reelcut/internal/ffmpeg"
	"github.com/reelcut/reelcut/internal/fetch"
	"github.com/reelcut/reelcut/internal/jobs"
	"github.com/reelcut/reelcut/internal/logging"
	"github.com/reelcut/reelcut/internal/pipeline"
	"github.com/reelcut/reelcut/internal/publish"
)

const (
	lockFilename   = "reelcut.lock"
	lockRetryDelay = 100 * time.Millisecond
	lockWait       = 30 * time.Second
)

// app is the wired set of components behind every command.
type app struct {
	cfg          *config.Config
	logger       *slog.Logger
	lock         *flock.Flock
	database     *db.DB
	jobs         *jobs.SQLiteRepository
	engine       *ffmpeg.Engine
	doctor       *ffmpeg.Doctor
	publisher    *publish.DirPublisher
	orchestrator *pipeline.Orchestrator
}

type appOptions struct {
	allowLocal bool
}

func newApp(cfg *config.Config, logger *slog.Logger, opts appOptions) (*app, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	lock, err := lockDataDir(context.Background(), cfg, database, logger)
	if err != nil {
		database.Close()
		return nil, err
	}
	repo := jobs.NewRepository(database.Conn())

	engine := ffmpeg.New(engineConfig(cfg, logger))

	maxBytes, err := cfg.FetchMaxBytes()
	if err != nil {
		lock.Unlock()
		database.Close()
		return nil, err
	}
	fetcher := fetch.NewHTTPFetcher(fetch.Config{
		Timeout:    config.Seconds(cfg.Timeouts.Fetch),
		MaxBytes:   maxBytes,
		AllowLocal: cfg.Fetch.AllowLocal || opts.allowLocal,
		Retries:    cfg.Fetch.Retries,
		UserAgent:  "reelcut/" + config.Version,
		Logger:     logger,
	}, nil)

	publisher, err := publish.NewDirPublisher(cfg.Paths.PublishDir, cfg.Server.PublicBaseURL, logger)
	if err != nil {
		lock.Unlock()
		database.Close()
		return nil, err
	}

	orch := pipeline.New(pipeline.Config{
		WorkDir:              cfg.Paths.WorkDir,
		MaxParallel:          cfg.Pipeline.MaxParallel,
		Silence:              cfg.SilenceParams(),
		CloseTrailingSilence: cfg.Silence.CloseTrailing,
		Profile:              cfg.PipelineProfile(),
		MatchSourceProfile:   cfg.Profile.MatchSource,
		Logger:               logger,
	}, engine, fetcher, publisher, pipeline.WithRecorder(repo))

	return &app{
		cfg:          cfg,
		logger:       logger,
		lock:         lock,
		database:     database,
		jobs:         repo,
		engine:       engine,
		doctor:       ffmpeg.NewDoctor(engine, logger),
		publisher:    publisher,
		orchestrator: orch,
	}, nil
}

func engineConfig(cfg *config.Config, logger *slog.Logger) ffmpeg.Config {
	t := cfg.Timeouts
	return ffmpeg.Config{
		FFmpegPath:       cfg.FFmpeg.FFmpegPath,
		FFprobePath:      cfg.FFmpeg.FFprobePath,
		ProbeTimeout:     config.Seconds(t.Probe),
		DetectTimeout:    config.Seconds(t.Detect),
		ExtractTimeout:   config.Seconds(t.Extract),
		NormalizeTimeout: config.Seconds(t.Normalize),
		ConcatTimeout:    config.Seconds(t.Concat),
		Logger:           logger,
		DebugPaths:       cfg.FFmpeg.DebugPaths,
	}
}

func (a *app) Close() error {
	err := a.database.Close()
	if uerr := a.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

// lockDataDir takes the data directory lock that every job-running process
// holds in shared mode for its lifetime. A process that finds the lock free
// takes it exclusively first and recovers what a dead predecessor left
// behind: jobs stuck mid-flight and their workspaces.
func lockDataDir(ctx context.Context, cfg *config.Config, database *db.DB, logger *slog.Logger) (*flock.Flock, error) {
	lock := flock.New(filepath.Join(cfg.Paths.DataDir, lockFilename))

	exclusive, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock data dir: %w", err)
	}
	if exclusive {
		recoverInterrupted(ctx, cfg, database, logger)
		if err := lock.Unlock(); err != nil {
			return nil, fmt.Errorf("release recovery lock: %w", err)
		}
	}

	lctx, cancel := context.WithTimeout(ctx, lockWait)
	defer cancel()
	ok, err := lock.TryRLockContext(lctx, lockRetryDelay)
	if err != nil || !ok {
		return nil, fmt.Errorf("lock data dir %s: %w", logging.SanitizePath(cfg.Paths.DataDir), err)
	}
	return lock, nil
}

func recoverInterrupted(ctx context.Context, cfg *config.Config, database *db.DB, logger *slog.Logger) {
	ids, err := database.FailInterrupted(ctx)
	if err != nil {
		logger.Warn("failed to mark interrupted jobs", "error", err)
	}
	removed, err := pipeline.SweepWorkspaces(cfg.Paths.WorkDir)
	if err != nil {
		logger.Warn("failed to remove stale workspaces", "error", err)
	}
	if len(ids) > 0 || len(removed) > 0 {
		logger.Info("recovered from unclean shutdown",
			"failed_jobs", len(ids),
			"removed_workspaces", len(removed),
		)
	}
}
