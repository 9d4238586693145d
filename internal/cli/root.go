// Package cli implements the reelcut command line.
package cli

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/reelcut/reelcut/internal/config"
	"github.com/reelcut/reelcut/internal/logging"
)

// commandContext lazily loads configuration shared by all subcommands.
type commandContext struct {
	configFlag   string
	logLevelFlag string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, _, _, err := config.Load(strings.TrimSpace(c.configFlag))
		if err != nil {
			c.configErr = err
			return
		}
		if lvl := strings.TrimSpace(c.logLevelFlag); lvl != "" {
			cfg.Logging.Level = lvl
			if err := cfg.Finalize(); err != nil {
				c.configErr = err
				return
			}
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// stderrLogger is used by one-shot commands; stdout carries their results.
func (c *commandContext) stderrLogger(cfg *config.Config) *slog.Logger {
	return logging.NewStderrLogger(cfg.Logging.Level, cfg.Logging.Format)
}

// NewRootCommand builds the reelcut command tree.
func NewRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "reelcut",
		Short:         "Remove segments from videos and stitch intros and outros",
		Version:       config.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&ctx.configFlag, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&ctx.logLevelFlag, "log-level", "", "Override logging.level (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newSilenceCommand(ctx))
	rootCmd.AddCommand(newTrimCommand(ctx))
	rootCmd.AddCommand(newMergeCommand(ctx))
	rootCmd.AddCommand(newJobsCommand(ctx))
	rootCmd.AddCommand(newDoctorCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))

	return rootCmd
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
