package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/echo-labs/echo-cli/pkg/echoapi"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Browse persisted life events",
}

var (
	eventsListUserID   int64
	eventsListStoryIDs []int64
)

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's events, optionally for specific stories",
	RunE: func(cmd *cobra.Command, _ []string) error {
		events := initClient(cfg.Backend).ListEvents(cmd.Context(), eventsListUserID, eventsListStoryIDs...)
		if len(events) == 0 {
			fmt.Fprintln(os.Stderr, "No events found.")
			return nil
		}
		return formatEventsList(os.Stdout, events)
	},
}

func init() {
	eventsListCmd.Flags().Int64Var(&eventsListUserID, "user-id", 0, "backend user id (required)")
	eventsListCmd.Flags().Int64SliceVar(&eventsListStoryIDs, "story-id", nil, "restrict to these story ids")
	_ = eventsListCmd.MarkFlagRequired("user-id")

	eventsCmd.AddCommand(eventsListCmd)
	rootCmd.AddCommand(eventsCmd)
}

// formatEventsList writes a table of events to w.
func formatEventsList(w io.Writer, events []echoapi.PersistedEvent) error {
	table := tablewriter.NewWriter(w)
	if err := table.Append([]string{"ID", "STORY", "TYPE", "DATE", "EVENT", "COORDINATES", "FUTURE"}); err != nil {
		return eris.Wrap(err, "events: append header")
	}
	for _, e := range events {
		date := ""
		if e.EventDate != nil {
			date = *e.EventDate
		}
		row := []string{
			strconv.FormatInt(e.EventID, 10),
			strconv.FormatInt(e.StoryID, 10),
			e.EventType,
			date,
			preview(e.Text, 50),
			fmt.Sprintf("%.2f, %.2f, %.2f", e.Coordinates[0], e.Coordinates[1], e.Coordinates[2]),
			strconv.FormatBool(e.Future),
		}
		if err := table.Append(row); err != nil {
			return eris.Wrap(err, "events: append row")
		}
	}
	return eris.Wrap(table.Render(), "events: render table")
}
