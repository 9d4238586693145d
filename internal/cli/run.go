package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/reelcut/reelcut/internal/edl"
	"github.com/reelcut/reelcut/internal/logging"
	"github.com/reelcut/reelcut/internal/pipeline"
	"github.com/reelcut/reelcut/internal/segment"
)

func newSilenceCommand(ctx *commandContext) *cobra.Command {
	var output string
	var threshold, minDuration float64
	var closeTrailing bool
	var edlPath string

	cmd := &cobra.Command{
		Use:   "silence <source>",
		Short: "Remove silent stretches from a video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("threshold-db") {
				cfg.Silence.ThresholdDB = threshold
			}
			if cmd.Flags().Changed("min-duration") {
				cfg.Silence.MinDuration = minDuration
			}
			if cmd.Flags().Changed("close-trailing") {
				cfg.Silence.CloseTrailing = closeTrailing
			}
			if err := cfg.Finalize(); err != nil {
				return err
			}
			return runOnce(cmd, ctx, pipeline.Request{
				Workflow:   pipeline.WorkflowSilenceTrim,
				SourceURL:  args[0],
				OutputName: output,
			}, edlPath)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Published output name (default output.mp4)")
	cmd.Flags().Float64Var(&threshold, "threshold-db", -50, "Silence threshold in dB")
	cmd.Flags().Float64Var(&minDuration, "min-duration", 1, "Minimum silence length in seconds")
	cmd.Flags().BoolVar(&closeTrailing, "close-trailing", false, "Treat silence running to the end of the file as removable")
	cmd.Flags().StringVar(&edlPath, "edl", "", "Also write the kept ranges as an EDL to this path")
	return cmd
}

func newTrimCommand(ctx *commandContext) *cobra.Command {
	var output string
	var cutFlags []string
	var edlPath string

	cmd := &cobra.Command{
		Use:   "trim <source>",
		Short: "Remove explicit time ranges from a video",
		Long: `Remove explicit time ranges from a video.

Each --cut is START:END in seconds. Either side may be empty:
":10" removes the first ten seconds and "90:" everything after 90s.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cuts := make([]segment.Cut, 0, len(cutFlags))
			for _, raw := range cutFlags {
				c, err := parseCut(raw)
				if err != nil {
					return err
				}
				cuts = append(cuts, c)
			}
			return runOnce(cmd, ctx, pipeline.Request{
				Workflow:   pipeline.WorkflowExplicitTrim,
				SourceURL:  args[0],
				Cuts:       cuts,
				OutputName: output,
			}, edlPath)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Published output name (default output.mp4)")
	cmd.Flags().StringArrayVar(&cutFlags, "cut", nil, "Range to remove as START:END (repeatable)")
	cmd.Flags().StringVar(&edlPath, "edl", "", "Also write the kept ranges as an EDL to this path")
	return cmd
}

func newMergeCommand(ctx *commandContext) *cobra.Command {
	var output, intro, outro string

	cmd := &cobra.Command{
		Use:   "merge <source>",
		Short: "Prepend an intro or append an outro to a video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := pipeline.Request{SourceURL: args[0], OutputName: output}
			switch {
			case intro != "" && outro != "":
				return fmt.Errorf("use either --intro or --outro, not both")
			case intro != "":
				req.Workflow = pipeline.WorkflowMergeIntro
				req.AuxURL = intro
			case outro != "":
				req.Workflow = pipeline.WorkflowMergeOutro
				req.AuxURL = outro
			default:
				return fmt.Errorf("one of --intro or --outro is required")
			}
			return runOnce(cmd, ctx, req, "")
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Published output name")
	cmd.Flags().StringVar(&intro, "intro", "", "Intro clip URL or path")
	cmd.Flags().StringVar(&outro, "outro", "", "Outro clip URL or path")
	return cmd
}

// runOnce executes a single job in-process. Local paths are accepted as
// sources since the caller already has access to the filesystem.
func runOnce(cmd *cobra.Command, ctx *commandContext, req pipeline.Request, edlPath string) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	logger := ctx.stderrLogger(cfg)

	a, err := newApp(cfg, logger, appOptions{allowLocal: true})
	if err != nil {
		return err
	}
	defer a.Close()

	runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := a.orchestrator.Run(runCtx, req)
	if err != nil {
		if kind := pipeline.KindOf(err); kind != "" {
			return fmt.Errorf("%s: %w", kind, unwrapPipeline(err))
		}
		return err
	}

	path, _ := a.publisher.Resolve(res.OutputName)
	printResult(cmd.OutOrStdout(), res, path)

	if edlPath != "" {
		if err := writeEDL(edlPath, req, res); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "EDL:      %s\n", edlPath)
	}
	return nil
}

func writeEDL(path string, req pipeline.Request, res *pipeline.Result) error {
	doc := edl.Render(res.KeepIntervals, edl.Options{
		Title:     strings.TrimSuffix(res.OutputName, filepath.Ext(res.OutputName)),
		ClipName:  filepath.Base(logging.SanitizeURL(req.SourceURL)),
		FrameRate: res.FrameRate,
	})
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		return fmt.Errorf("write edl: %w", err)
	}
	return nil
}

func unwrapPipeline(err error) error {
	var perr *pipeline.Error
	if errors.As(err, &perr) && perr.Err != nil {
		return perr.Err
	}
	return err
}

func printResult(w io.Writer, res *pipeline.Result, path string) {
	kept := segment.TotalLength(res.KeepIntervals)
	fmt.Fprintf(w, "Job:      %s\n", res.JobID)
	fmt.Fprintf(w, "Output:   %s\n", res.URL)
	if path != "" {
		fmt.Fprintf(w, "File:     %s\n", path)
	}
	fmt.Fprintf(w, "Duration: %s -> %s\n", formatSeconds(res.Duration), formatSeconds(kept))

	if len(res.KeepIntervals) == 0 {
		return
	}
	rows := make([][]string, len(res.KeepIntervals))
	for i, iv := range res.KeepIntervals {
		rows[i] = []string{
			strconv.Itoa(i),
			formatSeconds(iv.Start),
			formatSeconds(iv.End),
			formatSeconds(iv.Length()),
		}
	}
	fmt.Fprintln(w, renderTable(
		[]string{"#", "Start", "End", "Length"},
		rows,
		[]columnAlignment{alignRight, alignRight, alignRight, alignRight},
	))
}

// parseCut parses START:END where either side may be empty.
func parseCut(raw string) (segment.Cut, error) {
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return segment.Cut{}, fmt.Errorf("cut %q: want START:END", raw)
	}
	var c segment.Cut
	var err error
	if c.Start, err = parseBound(startStr); err != nil {
		return segment.Cut{}, fmt.Errorf("cut %q: start: %w", raw, err)
	}
	if c.End, err = parseBound(endStr); err != nil {
		return segment.Cut{}, fmt.Errorf("cut %q: end: %w", raw, err)
	}
	return c, nil
}

func parseBound(s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("%q is not a number of seconds", s)
	}
	return &f, nil
}

func formatSeconds(s float64) string {
	return humanize.FtoaWithDigits(s, 3) + "s"
}

