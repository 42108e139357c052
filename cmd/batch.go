package main

import (
	"context"
	"errors"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/echo-labs/echo-cli/internal/model"
	"github.com/echo-labs/echo-cli/internal/pipeline"
)

var (
	batchUserIDs []int64
	batchLimit   int
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Generate stories for several users",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "batch")
		if err != nil {
			return err
		}
		defer env.Close()

		summary, err := processBatch(ctx, batchUserIDs, batchLimit, cfg.Batch.MaxConcurrency, env.Pipeline.Run)
		if err != nil {
			return err
		}
		if summary.Failed > 0 {
			return eris.Errorf("batch: %d of %d runs failed", summary.Failed, summary.Total())
		}
		return nil
	},
}

func init() {
	batchCmd.Flags().Int64SliceVar(&batchUserIDs, "user-ids", nil, "comma-separated backend user ids (required)")
	batchCmd.Flags().IntVar(&batchLimit, "limit", 100, "max number of users to process")
	_ = batchCmd.MarkFlagRequired("user-ids")
	rootCmd.AddCommand(batchCmd)
}

// generateFunc is the callback signature for running the pipeline for one user.
type generateFunc func(ctx context.Context, userID int64) (*model.StoryOutcome, error)

// batchSummary counts batch results.
type batchSummary struct {
	Succeeded int64
	Degraded  int64
	Skipped   int64
	Failed    int64
}

// Total returns the number of users processed.
func (s batchSummary) Total() int64 {
	return s.Succeeded + s.Degraded + s.Skipped + s.Failed
}

// processBatch de-duplicates ids, applies limit, then runs generate
// concurrently. Individual failures never abort the batch; a user whose run
// is already in flight is skipped.
func processBatch(ctx context.Context, userIDs []int64, limit, concurrency int, generate generateFunc) (batchSummary, error) {
	ids := uniqueIDs(userIDs)
	if len(ids) == 0 {
		zap.L().Info("no users to process")
		return batchSummary{}, nil
	}

	// Apply limit
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	if concurrency < 1 {
		concurrency = 1
	}

	zap.L().Info("processing batch",
		zap.Int("users", len(ids)),
		zap.Int("concurrency", concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var succeeded, degraded, skipped, failed atomic.Int64

	for _, userID := range ids {
		g.Go(func() error {
			log := zap.L().With(zap.Int64("user_id", userID))

			outcome, err := generate(gctx, userID)
			switch {
			case errors.Is(err, pipeline.ErrRunInProgress):
				skipped.Add(1)
				log.Warn("run already in progress, skipping")
				return nil
			case err != nil:
				failed.Add(1)
				log.Error("story generation failed", zap.Error(err))
				return nil // don't abort batch on individual failure
			}

			if outcome.Status() == model.RunStatusDegraded {
				degraded.Add(1)
			} else {
				succeeded.Add(1)
			}
			log.Info("story generation complete",
				zap.String("story_ref", outcome.StoryRef.String()),
				zap.Bool("degraded", outcome.Degraded),
			)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return batchSummary{}, eris.Wrap(err, "batch processing")
	}

	summary := batchSummary{
		Succeeded: succeeded.Load(),
		Degraded:  degraded.Load(),
		Skipped:   skipped.Load(),
		Failed:    failed.Load(),
	}
	zap.L().Info("batch complete",
		zap.Int64("succeeded", summary.Succeeded),
		zap.Int64("degraded", summary.Degraded),
		zap.Int64("skipped", summary.Skipped),
		zap.Int64("failed", summary.Failed),
	)
	return summary, nil
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
