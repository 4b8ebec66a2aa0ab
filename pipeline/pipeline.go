// Package pipeline runs the holdings sync stages in order and stops at the
// first failure.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"holdings-sync/pkg/holdings"
)

// Stage names, in execution order.
const (
	StageAuth    = "auth"
	StageLocate  = "locate"
	StageFetch   = "fetch"
	StageUnlock  = "unlock"
	StageExtract = "extract"
	StageRead    = "read"
	StagePublish = "publish"
)

// Stages lists every stage in execution order.
var Stages = []string{StageAuth, StageLocate, StageFetch, StageUnlock, StageExtract, StageRead, StagePublish}

// Authorizer interface for obtaining API credentials.
type Authorizer interface {
	Authorize(ctx context.Context) (oauth2.TokenSource, error)
}

// Locator interface for finding the statement message.
type Locator interface {
	Locate(ctx context.Context) (*holdings.Message, error)
}

// Fetcher interface for saving the secure attachment.
type Fetcher interface {
	Fetch(ctx context.Context, msg *holdings.Message) (*holdings.Attachment, error)
}

// Unlocker interface for turning the attachment into an archive.
type Unlocker interface {
	Unlock(ctx context.Context, att *holdings.Attachment) (*holdings.Archive, error)
}

// Extractor interface for unpacking the archive. It returns the workbook path.
type Extractor interface {
	Extract(ctx context.Context, archive *holdings.Archive) (string, error)
}

// Publisher interface for writing the table.
type Publisher interface {
	Publish(ctx context.Context, table *holdings.Table) error
}

// Services are the stages that call Google APIs.
type Services struct {
	Locator   Locator
	Fetcher   Fetcher
	Publisher Publisher
}

// Connector builds the API-backed stages once credentials are available.
type Connector func(ctx context.Context, ts oauth2.TokenSource) (*Services, error)

// Recorder observes stage and run outcomes.
type Recorder interface {
	StageDone(ctx context.Context, runID, stage string, d time.Duration, err error)
	RunDone(ctx context.Context, res *Result)
}

// Result summarizes one run.
type Result struct {
	RunID       string
	Mode        string
	Started     time.Time
	Finished    time.Time
	Success     bool
	FailedStage string // Empty on success
	Err         error
	MessageID   string
	Workbook    string
	Rows        int
	Cols        int
}

// Duration is the wall time of the run.
func (r *Result) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Config wires a Runner.
type Config struct {
	Mode      string
	Auth      Authorizer
	Connect   Connector
	Unlocker  Unlocker
	Extractor Extractor
	ReadTable func(path string) (*holdings.Table, error)
	Recorders []Recorder
	Logger    *slog.Logger
}

// Runner executes the pipeline.
type Runner struct {
	mode      string
	auth      Authorizer
	connect   Connector
	unlocker  Unlocker
	extractor Extractor
	readTable func(path string) (*holdings.Table, error)
	recorders []Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a new pipeline runner.
func New(cfg *Config) *Runner {
	return &Runner{
		mode:      cfg.Mode,
		auth:      cfg.Auth,
		connect:   cfg.Connect,
		unlocker:  cfg.Unlocker,
		extractor: cfg.Extractor,
		readTable: cfg.ReadTable,
		recorders: cfg.Recorders,
		logger:    cfg.Logger,
		now:       time.Now,
	}
}

// Run executes every stage once. It never returns nil.
func (r *Runner) Run(ctx context.Context) *Result {
	res := &Result{
		RunID:   uuid.NewString(),
		Mode:    r.mode,
		Started: r.now(),
	}
	logger := r.logger.With("run_id", res.RunID)
	logger.Info("Pipeline starting", "mode", r.mode, "timestamp", res.Started.Format(time.RFC3339))

	r.execute(ctx, logger, res)

	res.Finished = r.now()
	res.Success = res.Err == nil
	if res.Success {
		logger.Info("Pipeline completed",
			"message_id", res.MessageID,
			"rows", res.Rows,
			"cols", res.Cols,
			"duration_ms", res.Duration().Milliseconds())
	} else {
		logger.Error("Pipeline failed",
			"stage", res.FailedStage,
			"duration_ms", res.Duration().Milliseconds(),
			"error", res.Err)
	}

	for _, rec := range r.recorders {
		rec.RunDone(ctx, res)
	}
	return res
}

func (r *Runner) execute(ctx context.Context, logger *slog.Logger, res *Result) {
	var (
		services *Services
		msg      *holdings.Message
		att      *holdings.Attachment
		archive  *holdings.Archive
		table    *holdings.Table
	)

	steps := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{StageAuth, func(ctx context.Context) error {
			ts, err := r.auth.Authorize(ctx)
			if err != nil {
				return err
			}
			services, err = r.connect(ctx, ts)
			if err != nil {
				return fmt.Errorf("create API clients: %w", err)
			}
			return nil
		}},
		{StageLocate, func(ctx context.Context) error {
			var err error
			msg, err = services.Locator.Locate(ctx)
			if msg != nil {
				res.MessageID = msg.ID
			}
			return err
		}},
		{StageFetch, func(ctx context.Context) error {
			var err error
			att, err = services.Fetcher.Fetch(ctx, msg)
			return err
		}},
		{StageUnlock, func(ctx context.Context) error {
			var err error
			archive, err = r.unlocker.Unlock(ctx, att)
			return err
		}},
		{StageExtract, func(ctx context.Context) error {
			var err error
			res.Workbook, err = r.extractor.Extract(ctx, archive)
			return err
		}},
		{StageRead, func(ctx context.Context) error {
			var err error
			table, err = r.readTable(res.Workbook)
			if err != nil {
				return err
			}
			res.Rows, res.Cols = table.Shape()
			return nil
		}},
		{StagePublish, func(ctx context.Context) error {
			return services.Publisher.Publish(ctx, table)
		}},
	}

	for _, step := range steps {
		if err := r.stage(ctx, logger, res.RunID, step.name, step.fn); err != nil {
			res.FailedStage = step.name
			res.Err = fmt.Errorf("%s: %w", step.name, err)
			return
		}
	}
}

// stage runs one step, logging and recording its outcome. A panic in the
// step is returned as an error.
func (r *Runner) stage(ctx context.Context, logger *slog.Logger, runID, name string, fn func(ctx context.Context) error) (err error) {
	logger = logger.With("stage", name)
	logger.Info("Stage starting")
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
		d := time.Since(start)
		for _, rec := range r.recorders {
			rec.StageDone(ctx, runID, name, d, err)
		}
		if err != nil {
			logger.Error("Stage failed", "duration_ms", d.Milliseconds(), "error", err)
			return
		}
		logger.Info("Stage completed", "duration_ms", d.Milliseconds())
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}
