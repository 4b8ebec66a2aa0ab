package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"holdings-sync/journal"
	"holdings-sync/pipeline"
	"holdings-sync/pkg/holdings"
)

func TestExitCode(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		res  *pipeline.Result
		want int
	}{
		{"success", context.Background(), &pipeline.Result{Success: true}, exitSuccess},
		{"stage failure", context.Background(), &pipeline.Result{FailedStage: "locate", Err: fmt.Errorf("locate: %w", holdings.ErrNotFound)}, exitFailure},
		{"signal", cancelled, &pipeline.Result{FailedStage: "unlock", Err: errors.New("browser closed")}, exitInterrupt},
		{"wrapped cancel", context.Background(), &pipeline.Result{FailedStage: "unlock", Err: fmt.Errorf("unlock: %w", context.Canceled)}, exitInterrupt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.ctx, tt.res))
		})
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"  yes  \n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
		{"y", true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.input), func(t *testing.T) {
			var out bytes.Buffer
			assert.Equal(t, tt.want, confirm(strings.NewReader(tt.input), &out, "Start?"))
			assert.Equal(t, "Start? [y/N]: ", out.String())
		})
	}
}

func TestFormatHistory(t *testing.T) {
	var buf bytes.Buffer
	formatHistory(&buf, nil)
	assert.Equal(t, "No runs recorded.\n", buf.String())

	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	buf.Reset()
	formatHistory(&buf, []journal.Entry{
		{RunID: "a", StartedAt: start, FinishedAt: start.Add(95 * time.Second), Mode: "automated", Status: "success", Rows: 42},
		{RunID: "b", StartedAt: start, FinishedAt: start.Add(3 * time.Second), Mode: "interactive", Status: "failure", FailedStage: "locate", Error: strings.Repeat("x", 100)},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "STARTED"))
	assert.Contains(t, lines[1], "success")
	assert.Contains(t, lines[1], "1m35s")
	assert.Contains(t, lines[2], "locate")
	assert.Contains(t, lines[2], strings.Repeat("x", 57)+"...")
	assert.NotContains(t, lines[2], strings.Repeat("x", 58))
}

func TestPrintHistory(t *testing.T) {
	var buf bytes.Buffer
	assert.Equal(t, exitFailure, printHistory(&buf, nil, 5))
	assert.Contains(t, buf.String(), "disabled")

	j, err := journal.Open(filepath.Join(t.TempDir(), "runs.db"), testLogger())
	require.NoError(t, err)
	defer j.Close()
	now := time.Now()
	require.NoError(t, j.Record(context.Background(), &pipeline.Result{RunID: "r1", Mode: "automated", Started: now, Finished: now, Success: true, Rows: 3}))

	buf.Reset()
	assert.Equal(t, exitSuccess, printHistory(&buf, j, 5))
	assert.Contains(t, buf.String(), "automated")
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, &pipeline.Result{FailedStage: "unlock", Err: fmt.Errorf("unlock: %w", holdings.ErrTimeout)}, "holdings-sync.log")
	assert.Contains(t, buf.String(), `"unlock"`)
	assert.Contains(t, buf.String(), "timed out")
	assert.Contains(t, buf.String(), "holdings-sync.log")

	buf.Reset()
	start := time.Now()
	printSummary(&buf, &pipeline.Result{Success: true, Rows: 2, Cols: 3, Started: start, Finished: start.Add(time.Minute)}, "holdings-sync.log")
	assert.Contains(t, buf.String(), "2 rows x 3 columns")
	assert.NotContains(t, buf.String(), "holdings-sync.log")
}

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "holdings-sync.log")
	logger, closeLog, err := newLogger(path)
	require.NoError(t, err)
	logger.Info("Sync completed", "rows", 2)
	closeLog()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `msg="Sync completed" rows=2`)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}
