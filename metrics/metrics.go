// Package metrics exports pipeline stage metrics in the Prometheus text
// format for the node exporter textfile collector.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"holdings-sync/pipeline"
)

// Recorder collects stage and run gauges on a private registry.
type Recorder struct {
	registry *prometheus.Registry
	textfile string
	logger   *slog.Logger

	stageDuration *prometheus.GaugeVec
	stageSuccess  *prometheus.GaugeVec
	lastSuccess   prometheus.Gauge
	lastTimestamp prometheus.Gauge
	rowsPublished prometheus.Gauge
}

// New creates a recorder. When textfile is empty nothing is written.
func New(textfile string, logger *slog.Logger) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		textfile: textfile,
		logger:   logger,

		stageDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "holdings_sync_stage_duration_seconds",
			Help: "Duration of the last execution of each pipeline stage.",
		}, []string{"stage"}),
		stageSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "holdings_sync_stage_success",
			Help: "Whether the last execution of each stage succeeded (1) or failed (0).",
		}, []string{"stage"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "holdings_sync_last_run_success",
			Help: "Whether the last run succeeded (1) or failed (0).",
		}),
		lastTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "holdings_sync_last_run_timestamp_seconds",
			Help: "Unix time the last run finished.",
		}),
		rowsPublished: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "holdings_sync_rows_published",
			Help: "Data rows written by the last successful run.",
		}),
	}
	r.registry.MustRegister(r.stageDuration, r.stageSuccess, r.lastSuccess, r.lastTimestamp, r.rowsPublished)
	return r
}

// StageDone implements pipeline.Recorder.
func (r *Recorder) StageDone(_ context.Context, _ string, stage string, d time.Duration, err error) {
	r.stageDuration.WithLabelValues(stage).Set(d.Seconds())
	r.stageSuccess.WithLabelValues(stage).Set(boolValue(err == nil))
}

// RunDone implements pipeline.Recorder.
func (r *Recorder) RunDone(_ context.Context, res *pipeline.Result) {
	r.lastSuccess.Set(boolValue(res.Success))
	r.lastTimestamp.Set(float64(res.Finished.Unix()))
	if res.Success {
		r.rowsPublished.Set(float64(res.Rows))
	}

	if err := r.Write(); err != nil {
		r.logger.Warn("Failed to write metrics textfile", "path", r.textfile, "error", err)
	}
}

// Write exports the registry to the textfile, if configured.
func (r *Recorder) Write() error {
	if r.textfile == "" {
		return nil
	}
	if dir := filepath.Dir(r.textfile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create metrics directory: %w", err)
		}
	}
	if err := prometheus.WriteToTextfile(r.textfile, r.registry); err != nil {
		return fmt.Errorf("write textfile: %w", err)
	}
	r.logger.Info("Metrics written", "path", r.textfile)
	return nil
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
