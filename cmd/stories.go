package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/echo-labs/echo-cli/pkg/echoapi"
)

var storiesCmd = &cobra.Command{
	Use:   "stories",
	Short: "Browse generated stories",
}

// -- stories list --

var storiesListUserID int64

var storiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's stories",
	RunE: func(cmd *cobra.Command, _ []string) error {
		stories := initClient(cfg.Backend).ListStories(cmd.Context(), storiesListUserID)
		if len(stories) == 0 {
			fmt.Fprintln(os.Stderr, "No stories found.")
			return nil
		}
		return formatStoriesList(os.Stdout, stories)
	},
}

// -- stories get --

var storiesGetCmd = &cobra.Command{
	Use:   "get <story-id>",
	Short: "Print the full text of a story",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		storyID, err := parseID(args[0])
		if err != nil {
			return err
		}

		story := initClient(cfg.Backend).GetStory(cmd.Context(), storyID)
		if story == nil {
			return eris.Errorf("stories get: story %d not found", storyID)
		}

		fmt.Fprintf(os.Stdout, "Story %d (%s)\n\n%s\n", story.StoryID, story.Timestamp, story.Text)
		return nil
	},
}

func init() {
	storiesListCmd.Flags().Int64Var(&storiesListUserID, "user-id", 0, "backend user id (required)")
	_ = storiesListCmd.MarkFlagRequired("user-id")

	storiesCmd.AddCommand(storiesListCmd)
	storiesCmd.AddCommand(storiesGetCmd)
	rootCmd.AddCommand(storiesCmd)
}

// formatStoriesList writes a table of stories to w.
func formatStoriesList(w io.Writer, stories []echoapi.Story) error {
	table := tablewriter.NewWriter(w)
	if err := table.Append([]string{"ID", "TRANSACTION", "CREATED", "PREVIEW"}); err != nil {
		return eris.Wrap(err, "stories: append header")
	}
	for _, s := range stories {
		row := []string{
			strconv.FormatInt(s.StoryID, 10),
			s.TransactionID,
			s.Timestamp,
			preview(s.Text, 60),
		}
		if err := table.Append(row); err != nil {
			return eris.Wrap(err, "stories: append row")
		}
	}
	return eris.Wrap(table.Render(), "stories: render table")
}

// preview flattens text onto one line and truncates it to n runes.
func preview(text string, n int) string {
	flat := strings.Join(strings.Fields(text), " ")
	runes := []rune(flat)
	if len(runes) <= n {
		return flat
	}
	return string(runes[:n-3]) + "..."
}
