package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	generateUserID    int64
	generateSimulated bool
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a story for one user",
	Long:  "Creates an order, confirms payment, generates the intermediate and final story, then extracts and persists its events.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if generateSimulated {
			cfg.Pipeline.SimulateOnFailure = true
		}

		env, err := initPipeline(ctx, "generate")
		if err != nil {
			return err
		}
		defer env.Close()

		outcome, err := env.Pipeline.Run(ctx, generateUserID)
		if err != nil {
			return eris.Wrap(err, "generate story")
		}

		zap.L().Info("story generated",
			zap.Int64("user_id", generateUserID),
			zap.String("run_id", outcome.RunID),
			zap.String("story_ref", outcome.StoryRef.String()),
			zap.Bool("degraded", outcome.Degraded),
			zap.Int("events", len(outcome.Events)),
		)

		// Print outcome JSON to stdout
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(outcome)
	},
}

func init() {
	generateCmd.Flags().Int64Var(&generateUserID, "user-id", 0, "backend user id (required)")
	generateCmd.Flags().BoolVar(&generateSimulated, "simulate-on-failure", false, "continue with a simulated story if the final story request is rejected")
	_ = generateCmd.MarkFlagRequired("user-id")
	rootCmd.AddCommand(generateCmd)
}
