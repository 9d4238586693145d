// Package api exposes the reconstruction workflows, job history and
// published outputs over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/reelcut/reelcut/internal/ffmpeg"
	"github.com/reelcut/reelcut/internal/jobs"
	"github.com/reelcut/reelcut/internal/logging"
	"github.com/reelcut/reelcut/internal/pipeline"
)

// Runner executes one reconstruction to completion.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// OutputServer streams a published output by name.
type OutputServer interface {
	ServeOutput(w http.ResponseWriter, r *http.Request, name string) error
}

// CapabilityProber reports engine availability. Peek returns the cached
// result, nil before the first check.
type CapabilityProber interface {
	Get(ctx context.Context) *ffmpeg.Capabilities
	Peek() *ffmpeg.Capabilities
}

// ErrShuttingDown is returned for jobs submitted after Shutdown began.
var ErrShuttingDown = errors.New("server is shutting down")

// drainTimeout bounds the wait for cancelled jobs to unwind.
const drainTimeout = 15 * time.Second

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	runs       *runTracker
	cancelBase context.CancelFunc
}

type ServerConfig struct {
	Addr      string
	Runner    Runner
	Jobs      jobs.Repository
	Outputs   OutputServer
	Doctor    CapabilityProber
	Logger    *slog.Logger
	StartTime time.Time
	Version   string
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	runs := &runTracker{runner: cfg.Runner}
	if cfg.Runner != nil {
		cfg.Runner = runs
	}
	router := NewRouter(cfg)

	// Request contexts derive from baseCtx so Shutdown can cancel jobs
	// that outlive its deadline.
	baseCtx, cancel := context.WithCancel(context.Background())

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           router,
			BaseContext:       func(net.Listener) context.Context { return baseCtx },
			ReadHeaderTimeout: 15 * time.Second,
			// Reconstruction responses are written when the job ends.
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger:     cfg.Logger,
		runs:       runs,
		cancelBase: cancel,
	}
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting HTTP server", "addr", ln.Addr().String())
	err := s.httpServer.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight jobs to answer
// or for ctx to expire. Jobs still running at that point are cancelled, and
// Shutdown returns only after they have unwound and released their
// workspaces (bounded by drainTimeout).
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server", "running_jobs", s.runs.active())
	err := s.httpServer.Shutdown(ctx)

	s.runs.close()
	if n := s.runs.active(); n > 0 {
		s.logger.Warn("cancelling running jobs", "count", n)
	}
	s.cancelBase()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if derr := s.runs.wait(drainCtx); derr != nil {
		s.logger.Error("jobs did not stop after cancellation", "count", s.runs.active(), "error", derr)
		err = errors.Join(err, derr)
	}
	if err != nil {
		_ = s.httpServer.Close()
	}
	return err
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// runTracker counts jobs in flight so Shutdown can wait for them, and
// refuses new ones once closed.
type runTracker struct {
	runner Runner

	mu     sync.Mutex
	closed bool
	n      int
	wg     sync.WaitGroup
}

func (t *runTracker) Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrShuttingDown
	}
	t.n++
	t.wg.Add(1)
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.n--
		t.mu.Unlock()
		t.wg.Done()
	}()
	return t.runner.Run(ctx, req)
}

func (t *runTracker) close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

func (t *runTracker) active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

// wait blocks until every admitted run has returned or ctx ends.
func (t *runTracker) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
