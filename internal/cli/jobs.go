package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/reelcut/reelcut/internal/db"
	"github.com/reelcut/reelcut/internal/jobs"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var status string
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "jobs [job-id]",
		Short: "List recorded jobs or show one job's history",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return err
			}
			database, err := db.New(cfg.DBPath(), ctx.stderrLogger(cfg))
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer database.Close()
			repo := jobs.NewRepository(database.Conn())
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				job, err := repo.GetJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if job == nil {
					return fmt.Errorf("job %s not found", args[0])
				}
				if asJSON {
					return writeJSON(cmd, job)
				}
				fmt.Fprint(out, describeJob(job))
				return nil
			}

			list, err := repo.ListJobs(cmd.Context(), jobs.ListOptions{Status: status, Limit: limit})
			if err != nil {
				return err
			}
			if asJSON {
				if list == nil {
					list = []*jobs.Job{}
				}
				return writeJSON(cmd, list)
			}
			if len(list) == 0 {
				fmt.Fprintln(out, "No jobs recorded")
				return nil
			}
			fmt.Fprintln(out, jobsTable(list, time.Now()))
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only list jobs in this state")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum jobs to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON")
	return cmd
}

func jobsTable(list []*jobs.Job, now time.Time) string {
	rows := make([][]string, len(list))
	for i, j := range list {
		rows[i] = []string{
			shortID(j.ID),
			j.Workflow,
			j.Status,
			formatDuration(j.Duration),
			strconv.Itoa(j.KeepCount),
			humanize.RelTime(j.UpdatedAt, now, "ago", "from now"),
			j.OutputName,
		}
	}
	return renderTable(
		[]string{"ID", "Workflow", "Status", "Source", "Keeps", "Updated", "Output"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
	)
}

func describeJob(j *jobs.Job) string {
	s := fmt.Sprintf("ID:       %s\nWorkflow: %s\nStatus:   %s\nSource:   %s\n", j.ID, j.Workflow, j.Status, j.SourceURL)
	if j.AuxURL != "" {
		s += fmt.Sprintf("Clip:     %s\n", j.AuxURL)
	}
	if j.OutputURL != "" {
		s += fmt.Sprintf("Output:   %s\n", j.OutputURL)
	}
	if j.Error != "" {
		s += fmt.Sprintf("Error:    %s: %s\n", j.ErrorKind, j.Error)
	}
	if len(j.Events) == 0 {
		return s
	}
	rows := make([][]string, len(j.Events))
	for i, e := range j.Events {
		rows[i] = []string{e.At.Local().Format("2006-01-02 15:04:05.000"), e.Status, e.ErrorKind}
	}
	return s + renderTable([]string{"At", "State", "Error"}, rows, nil) + "\n"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatDuration(seconds float64) string {
	if seconds <= 0 {
		return "-"
	}
	return (time.Duration(seconds * float64(time.Second))).Round(time.Second).String()
}

func writeJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
