package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reelcut/reelcut/internal/config"
	"github.com/reelcut/reelcut/internal/ffmpeg"
	"github.com/reelcut/reelcut/internal/logging"
)

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that ffmpeg and ffprobe are usable",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			engine := ffmpeg.New(engineConfig(cfg, logging.Discard()))
			caps := ffmpeg.NewDoctor(engine, nil).Refresh(cmd.Context())

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, capabilitiesTable(caps))
			fmt.Fprintf(out, "Config:    %s\n", configSummary(cfg))
			fmt.Fprintf(out, "Publish:   %s\n", logging.SanitizePath(cfg.Paths.PublishDir))
			fmt.Fprintf(out, "Workspace: %s\n", logging.SanitizePath(cfg.Paths.WorkDir))
			if !caps.Ready() {
				return fmt.Errorf("ffmpeg tools are not ready")
			}
			return nil
		},
	}
}

func capabilitiesTable(caps *ffmpeg.Capabilities) string {
	row := func(name string, t ffmpeg.ToolInfo) []string {
		detail := t.Version
		if !t.Available {
			detail = t.Error
		}
		return []string{name, t.Path, yesNo(t.Available), detail}
	}
	return renderTable(
		[]string{"Tool", "Path", "Available", "Detail"},
		[][]string{row("ffmpeg", caps.FFmpeg), row("ffprobe", caps.FFprobe)},
		nil,
	)
}

func configSummary(cfg *config.Config) string {
	return fmt.Sprintf("port %d, %d parallel extractions, silence %.0f dB / %gs",
		cfg.Server.Port, cfg.Pipeline.MaxParallel, cfg.Silence.ThresholdDB, cfg.Silence.MinDuration)
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
