package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/echo-labs/echo-cli/internal/model"
	"github.com/echo-labs/echo-cli/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect story generation run history",
	Long:  "Commands for listing, viewing, and summarizing story generation runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List story generation runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		userID, _ := cmd.Flags().GetInt64("user-id")
		storyRef, _ := cmd.Flags().GetString("story")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.RunFilter{
			Status:   model.RunStatus(status),
			UserID:   userID,
			StoryRef: model.StoryRef(storyRef),
			Limit:    limit,
		}
		if cmd.Flags().Changed("degraded") {
			degraded, _ := cmd.Flags().GetBool("degraded")
			filter.Degraded = &degraded
		}

		runs, err := st.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		return formatRunsList(os.Stdout, runs)
	},
}

// -- runs show --

// runDetail is a run together with its step ledger.
type runDetail struct {
	*model.Run
	Steps []model.RunStep `json:"steps"`
}

var runsShowCmd = &cobra.Command{
	Use:     "show <run-id>",
	Aliases: []string{"get"},
	Short:   "Show full details of a run",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		steps, err := st.ListSteps(ctx, run.ID)
		if err != nil {
			return eris.Wrap(err, "runs show: steps")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runDetail{Run: run, Steps: steps})
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")

		runs, err := st.ListRuns(ctx, store.RunFilter{Limit: 10000}) // high limit for stats
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}
		if since > 0 {
			runs = runsSince(runs, time.Now().Add(-since))
		}

		return formatRunStats(os.Stdout, computeRunStats(runs))
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (queued, generating, complete, degraded, failed, ...)")
	runsListCmd.Flags().Int64("user-id", 0, "filter by backend user id")
	runsListCmd.Flags().String("story", "", "filter by story ref (backend id or sim-<millis>)")
	runsListCmd.Flags().Bool("degraded", false, "only degraded runs (--degraded=false for healthy runs)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total       int
	Complete    int
	Degraded    int
	Simulated   int
	Failed      int
	InFlight    int
	AvgDurSecs  float64
	AvgAttempts float64
}

// computeRunStats computes aggregate statistics from a list of runs.
func computeRunStats(runs []model.Run) runStats {
	var s runStats
	s.Total = len(runs)

	var totalDur time.Duration
	var durCount, attempts, attemptCount int

	for _, r := range runs {
		switch r.Status {
		case model.RunStatusComplete, model.RunStatusDegraded:
			if r.Status == model.RunStatusComplete {
				s.Complete++
			} else {
				s.Degraded++
			}
			totalDur += r.UpdatedAt.Sub(r.CreatedAt)
			durCount++
			if r.Result != nil {
				if r.Result.Degraded {
					s.Simulated++
				}
				attempts += r.Result.Attempts
				attemptCount++
			}
		case model.RunStatusFailed:
			s.Failed++
		default:
			s.InFlight++
		}
	}

	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	if attemptCount > 0 {
		s.AvgAttempts = float64(attempts) / float64(attemptCount)
	}
	return s
}

func runsSince(runs []model.Run, cutoff time.Time) []model.Run {
	out := make([]model.Run, 0, len(runs))
	for _, r := range runs {
		if !r.CreatedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

// formatRunsList writes a table of runs to w.
func formatRunsList(w io.Writer, runs []model.Run) error {
	table := tablewriter.NewWriter(w)
	if err := table.Append([]string{"ID", "USER", "STATUS", "STORY", "DEGRADED", "CREATED", "DURATION"}); err != nil {
		return eris.Wrap(err, "runs: append header")
	}

	for _, r := range runs {
		dur := r.UpdatedAt.Sub(r.CreatedAt).Round(time.Second).String()

		story, degraded := "", ""
		if r.Result != nil {
			story = r.Result.StoryRef.String()
			if r.Result.Degraded {
				degraded = string(r.Result.DegradedSource)
			}
		}

		row := []string{
			truncateID(r.ID),
			strconv.FormatInt(r.UserID, 10),
			string(r.Status),
			story,
			degraded,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		}
		if err := table.Append(row); err != nil {
			return eris.Wrap(err, "runs: append row")
		}
	}
	return eris.Wrap(table.Render(), "runs: render table")
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(w io.Writer, s runStats) error {
	table := tablewriter.NewWriter(w)
	rows := [][]string{
		{"Total runs", strconv.Itoa(s.Total)},
		{"Complete", strconv.Itoa(s.Complete)},
		{"Degraded", strconv.Itoa(s.Degraded)},
		{"  Simulated story", strconv.Itoa(s.Simulated)},
		{"Failed", strconv.Itoa(s.Failed)},
		{"In flight", strconv.Itoa(s.InFlight)},
	}
	if s.AvgDurSecs > 0 {
		rows = append(rows, []string{"Avg duration", fmt.Sprintf("%.1fs", s.AvgDurSecs)})
	}
	if s.AvgAttempts > 0 {
		rows = append(rows, []string{"Avg final story attempts", fmt.Sprintf("%.2f", s.AvgAttempts)})
	}
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return eris.Wrap(err, "runs: append stats row")
		}
	}
	return eris.Wrap(table.Render(), "runs: render stats")
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
