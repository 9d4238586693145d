package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/reelcut/reelcut/internal/api"
	"github.com/reelcut/reelcut/internal/config"
	"github.com/reelcut/reelcut/internal/logging"
	"github.com/reelcut/reelcut/internal/playback"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var port int
	var bind string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				// public_base_url follows the port unless set explicitly.
				if cfg.Server.PublicBaseURL == fmt.Sprintf("http://localhost:%d", cfg.Server.Port) {
					cfg.Server.PublicBaseURL = ""
				}
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("bind") {
				cfg.Server.Bind = bind
			}
			if err := cfg.Finalize(); err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", config.DefaultPort, "Listen port")
	cmd.Flags().StringVar(&bind, "bind", config.DefaultBind, "Listen address")
	return cmd
}

func runServer(parent context.Context, cfg *config.Config) error {
	startTime := time.Now()
	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting reelcut",
		"version", config.Version,
		"data_dir", logging.SanitizePath(cfg.Paths.DataDir),
		"publish_dir", logging.SanitizePath(cfg.Paths.PublishDir),
	)

	a, err := newApp(cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	initCtx, initCancel := context.WithTimeout(parent, 10*time.Second)
	caps := a.doctor.Refresh(initCtx)
	initCancel()
	if !caps.Ready() {
		logger.Warn("ffmpeg tools unavailable, jobs will fail until installed",
			"ffmpeg", caps.FFmpeg.Error,
			"ffprobe", caps.FFprobe.Error,
		)
	} else {
		logger.Info("ffmpeg tools detected", "ffmpeg", caps.FFmpeg.Version, "ffprobe", caps.FFprobe.Version)
	}

	server := api.NewServer(api.ServerConfig{
		Addr:      cfg.ListenAddr(),
		Runner:    a.orchestrator,
		Jobs:      a.jobs,
		Outputs:   playback.NewServer(a.publisher, logger),
		Doctor:    a.doctor,
		Logger:    logger,
		StartTime: startTime,
		Version:   config.Version,
	})

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Seconds(cfg.Timeouts.Shutdown))
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}
	if err := <-errCh; err != nil {
		logger.Error("HTTP server error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
