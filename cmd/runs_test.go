package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echo-labs/echo-cli/internal/model"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	runs := []model.Run{
		{
			ID:        "abc12345-6789-0000-0000-000000000000",
			UserID:    42,
			Status:    model.RunStatusComplete,
			Result:    &model.RunResult{StoryRef: "99", Attempts: 1},
			CreatedAt: now,
			UpdatedAt: now.Add(2 * time.Minute),
		},
		{
			ID:        "def12345-6789-0000-0000-000000000000",
			UserID:    7,
			Status:    model.RunStatusDegraded,
			Result:    &model.RunResult{StoryRef: "sim-1700000000000", Degraded: true, DegradedSource: model.DegradedClient},
			CreatedAt: now.Add(-1 * time.Hour),
			UpdatedAt: now.Add(-30 * time.Minute),
		},
		{
			ID:        "0123",
			UserID:    3,
			Status:    model.RunStatusGenerating,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}

	var buf bytes.Buffer
	require.NoError(t, formatRunsList(&buf, runs))

	output := buf.String()
	assert.Contains(t, output, "ID")
	assert.Contains(t, output, "USER")
	assert.Contains(t, output, "STATUS")
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc12345-6789")
	assert.Contains(t, output, "complete")
	assert.Contains(t, output, "99")
	assert.Contains(t, output, "degraded")
	assert.Contains(t, output, "sim-1700000000000")
	assert.Contains(t, output, "client")
	assert.Contains(t, output, "generating")
	assert.Contains(t, output, "2025-06-15 10:30")
	assert.Contains(t, output, "2m0s")
}

func TestRunsStats(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

	runs := []model.Run{
		{
			ID: "1", Status: model.RunStatusComplete,
			Result:    &model.RunResult{Attempts: 1},
			CreatedAt: now, UpdatedAt: now.Add(60 * time.Second),
		},
		{
			ID: "2", Status: model.RunStatusDegraded,
			Result:    &model.RunResult{Attempts: 4, Degraded: true, DegradedSource: model.DegradedClient},
			CreatedAt: now, UpdatedAt: now.Add(120 * time.Second),
		},
		{
			ID: "3", Status: model.RunStatusDegraded,
			Result:    &model.RunResult{Attempts: 1, EnrichmentError: "persist events: boom"},
			CreatedAt: now, UpdatedAt: now.Add(180 * time.Second),
		},
		{ID: "4", Status: model.RunStatusFailed, CreatedAt: now, UpdatedAt: now.Add(5 * time.Second)},
		{ID: "5", Status: model.RunStatusPaying, CreatedAt: now, UpdatedAt: now},
	}

	s := computeRunStats(runs)
	assert.Equal(t, 5, s.Total)
	assert.Equal(t, 1, s.Complete)
	assert.Equal(t, 2, s.Degraded)
	assert.Equal(t, 1, s.Simulated)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.InFlight)
	assert.InDelta(t, 120.0, s.AvgDurSecs, 0.01)
	assert.InDelta(t, 2.0, s.AvgAttempts, 0.01)

	var buf bytes.Buffer
	require.NoError(t, formatRunStats(&buf, s))
	output := buf.String()
	assert.Contains(t, output, "Total runs")
	assert.Contains(t, output, "Degraded")
	assert.Contains(t, output, "120.0s")
	assert.Contains(t, output, "2.00")
}

func TestRunsStats_Empty(t *testing.T) {
	s := computeRunStats(nil)
	assert.Equal(t, 0, s.Total)
	assert.Zero(t, s.AvgDurSecs)
	assert.Zero(t, s.AvgAttempts)
}

func TestRunsSince(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	runs := []model.Run{
		{ID: "old", CreatedAt: now.Add(-48 * time.Hour)},
		{ID: "new", CreatedAt: now.Add(-time.Hour)},
	}
	got := runsSince(runs, now.Add(-24*time.Hour))
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].ID)
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789"))
	assert.Equal(t, "short", truncateID("short"))
}
