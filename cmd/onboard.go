package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/echo-labs/echo-cli/internal/session"
)

var (
	onboardUserID   int64
	onboardGenerate bool
)

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Answer the onboarding questionnaire and save the profile",
	Long:  "Asks each onboarding question on stdin, saves the resulting profile to the backend and optionally generates the first story.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		draft, err := runQuestionnaire(cmd.InOrStdin(), cmd.OutOrStdout(), session.NewDraft(onboardUserID))
		if err != nil {
			return err
		}

		client := initClient(cfg.Backend)
		saved, err := client.UpsertUser(ctx, draft.Profile())
		if err != nil {
			return eris.Wrap(err, "onboard: save profile")
		}
		zap.L().Info("profile saved", zap.Int64("user_id", saved.UserID))
		fmt.Fprintf(cmd.OutOrStdout(), "Saved profile for user %d.\n", saved.UserID)

		if !onboardGenerate {
			return nil
		}

		env, err := initPipeline(ctx, "generate")
		if err != nil {
			return err
		}
		defer env.Close()

		outcome, err := env.Pipeline.Run(ctx, saved.UserID)
		if err != nil {
			return eris.Wrap(err, "onboard: generate story")
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(outcome)
	},
}

func init() {
	onboardCmd.Flags().Int64Var(&onboardUserID, "user-id", 0, "update an existing user instead of creating one")
	onboardCmd.Flags().BoolVar(&onboardGenerate, "generate", false, "generate a story once the profile is saved")
	rootCmd.AddCommand(onboardCmd)
}

// runQuestionnaire asks every step in order, re-asking until the answer is
// accepted. Optional steps accept an empty line.
func runQuestionnaire(in io.Reader, out io.Writer, draft session.Draft) (session.Draft, error) {
	scanner := bufio.NewScanner(in)

	for _, step := range session.Steps {
		for {
			printPrompt(out, step)
			if !scanner.Scan() {
				if err := scanner.Err(); err != nil {
					return draft, eris.Wrap(err, "onboard: read answer")
				}
				return draft, eris.Errorf("onboard: input ended before %s was answered", step.Name)
			}

			next, err := draft.Apply(step.Name, scanner.Text())
			if err != nil {
				fmt.Fprintf(out, "  %v\n", err)
				continue
			}
			draft = next
			break
		}
	}

	if !draft.Complete() {
		return draft, eris.Errorf("onboard: missing answers: %s", strings.Join(draft.Missing(), ", "))
	}
	return draft, nil
}

func printPrompt(out io.Writer, step session.Step) {
	suffix := ""
	if step.Optional {
		suffix = " (optional)"
	}
	fmt.Fprintf(out, "What is %s?%s\n", step.Prompt, suffix)
	for i, opt := range step.Options {
		fmt.Fprintf(out, "  %d) %s\n", i+1, opt)
	}
	fmt.Fprint(out, "> ")
}
