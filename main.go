// Package main runs the holdings sync pipeline: it finds the vendor's holdings
// email, unlocks the secure attachment, reads the workbook inside and
// publishes it to a Google Sheets worksheet.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	gcs "cloud.google.com/go/storage"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"holdings-sync/auth"
	"holdings-sync/config"
	"holdings-sync/extract"
	"holdings-sync/journal"
	"holdings-sync/mailbox"
	"holdings-sync/metrics"
	"holdings-sync/pipeline"
	"holdings-sync/publish"
	"holdings-sync/storage"
	"holdings-sync/unlock"
)

const (
	exitSuccess   = 0
	exitFailure   = 1
	exitInterrupt = 130
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("holdings-sync", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to a YAML config file (default ./holdings.yaml when present)")
	assumeYes := flags.BoolP("yes", "y", false, "skip the confirmation prompt")
	history := flags.Int("history", 0, "print the last N journaled runs and exit")
	flags.Bool("dry-run", false, "log the table instead of writing the spreadsheet")
	flags.String("mode", "", "execution context: interactive or automated (default detected from CI variables)")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitSuccess
		}
		return exitFailure
	}

	v := viper.New()
	if err := v.BindPFlag("dry_run", flags.Lookup("dry-run")); err != nil {
		fmt.Fprintln(os.Stderr, "bind flag:", err)
		return exitFailure
	}
	if err := v.BindPFlag("mode", flags.Lookup("mode")); err != nil {
		fmt.Fprintln(os.Stderr, "bind flag:", err)
		return exitFailure
	}

	cfg, err := config.Load(v, *configPath, os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, styleError.Render("Configuration error: "+err.Error()))
		return exitFailure
	}
	interactive := cfg.Mode == config.ModeInteractive

	// Initialize structured logger
	logger, closeLog, err := newLogger(cfg.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open log file:", err)
		return exitFailure
	}
	defer closeLog()
	slog.SetDefault(logger)

	var j *journal.Journal
	if cfg.Journal.Path != "" {
		j, err = journal.Open(cfg.Journal.Path, logger)
		if err != nil {
			logger.Warn("Run journal unavailable", "path", cfg.Journal.Path, "error", err)
		} else {
			defer func() {
				if err := j.Close(); err != nil {
					logger.Warn("Failed to close journal", "error", err)
				}
			}()
		}
	}

	if *history > 0 {
		return printHistory(os.Stdout, j, *history)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if interactive && !*assumeYes {
		printBanner(os.Stdout, cfg)
		if !confirm(os.Stdin, os.Stdout, "Start the sync?") {
			logger.Info("Sync cancelled by user")
			return exitSuccess
		}
	}

	runner, cleanup, err := buildRunner(ctx, cfg, j, logger)
	if err != nil {
		logger.Error("Failed to initialize pipeline", "error", err)
		return exitFailure
	}
	defer cleanup()

	res := runner.Run(ctx)
	code := exitCode(ctx, res)
	switch code {
	case exitSuccess:
		logger.Info("Sync completed", "run_id", res.RunID, "rows", res.Rows, "cols", res.Cols, "duration_ms", res.Duration().Milliseconds())
	case exitInterrupt:
		logger.Warn("Sync interrupted", "run_id", res.RunID, "stage", res.FailedStage)
	default:
		logger.Error("Sync failed", "run_id", res.RunID, "stage", res.FailedStage, "error", res.Err)
	}

	if interactive {
		printSummary(os.Stdout, res, cfg.LogFile)
		if code != exitInterrupt {
			waitForEnter(os.Stdin, os.Stdout)
		}
	}
	return code
}

// newLogger writes human-readable records to stdout and the log file.
func newLogger(path string) (*slog.Logger, func(), error) {
	var w io.Writer = os.Stdout
	closeFn := func() {}
	if path != "" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, err
			}
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		w = io.MultiWriter(os.Stdout, f)
		closeFn = func() { _ = f.Close() }
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})), closeFn, nil
}

// buildRunner wires every stage from cfg. The returned cleanup releases the
// bucket client, if one was opened.
func buildRunner(ctx context.Context, cfg *config.Config, j *journal.Journal, logger *slog.Logger) (*pipeline.Runner, func(), error) {
	cleanup := func() {}

	workDir, err := filepath.Abs(cfg.WorkDir)
	if err != nil {
		return nil, cleanup, fmt.Errorf("resolve work directory: %w", err)
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, cleanup, fmt.Errorf("create work directory: %w", err)
	}
	logger.Info("Working directory ready", "path", workDir, "mode", cfg.Mode)

	tokenDir, tokenKey := filepath.Split(cfg.Auth.TokenFile)
	store := storage.NewLocal(filepath.Clean(tokenDir), logger)
	if cfg.Auth.TokenBucket != "" {
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, cleanup, fmt.Errorf("initialize storage client: %w", err)
		}
		cleanup = func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}
		store = storage.NewBucket(client, cfg.Auth.TokenBucket, "", logger)
	}

	provider := auth.New(&auth.Config{
		Store:       store,
		TokenKey:    tokenKey,
		ClientDir:   cfg.Auth.ClientDir,
		ClientFiles: cfg.Auth.ClientFiles,
		Interactive: cfg.Mode == config.ModeInteractive,
		Logger:      logger,
	})

	opts := unlock.DefaultOptions()
	opts.Code = cfg.Unlock.Code
	opts.WorkDir = workDir
	opts.SettleDelay = cfg.Unlock.SettleDelay
	opts.SubmitDelay = cfg.Unlock.SubmitDelay
	opts.DownloadTimeout = cfg.Unlock.DownloadTimeout
	opts.PollInterval = cfg.Unlock.PollInterval
	unlocker := unlock.New(&unlock.ChromeLauncher{
		Headless:   cfg.Mode == config.ModeAutomated,
		ExecPath:   cfg.Unlock.ChromeBin,
		DriverPath: cfg.Unlock.DriverPath,
		Logger:     logger,
	}, opts, logger)

	recorders := []pipeline.Recorder{metrics.New(cfg.Metrics.Textfile, logger)}
	if j != nil {
		recorders = append(recorders, j)
	}

	runner := pipeline.New(&pipeline.Config{
		Mode:      string(cfg.Mode),
		Auth:      provider,
		Connect:   connector(cfg, workDir, logger),
		Unlocker:  unlocker,
		Extractor: extract.NewExtractor(logger),
		ReadTable: extract.ReadTable,
		Recorders: recorders,
		Logger:    logger,
	})
	return runner, cleanup, nil
}

// connector builds the Gmail and Sheets clients once credentials exist.
func connector(cfg *config.Config, workDir string, logger *slog.Logger) pipeline.Connector {
	return func(ctx context.Context, ts oauth2.TokenSource) (*pipeline.Services, error) {
		gmailService, err := gmail.NewService(ctx, option.WithTokenSource(ts))
		if err != nil {
			return nil, fmt.Errorf("initialize Gmail service: %w", err)
		}

		var publisher pipeline.Publisher
		if cfg.DryRun {
			logger.Info("Dry run enabled, spreadsheet will not be modified")
			publisher = publish.NewMockPublisher(logger)
		} else {
			sheetsService, err := sheets.NewService(ctx, option.WithTokenSource(ts))
			if err != nil {
				return nil, fmt.Errorf("initialize Sheets service: %w", err)
			}
			publisher = publish.New(sheetsService, logger, cfg.Sheet.SpreadsheetID, cfg.Sheet.Worksheet, cfg.Sheet.DefaultRows, cfg.Sheet.DefaultCols)
		}

		return &pipeline.Services{
			Locator:   mailbox.NewLocator(gmailService, logger, cfg.Mail.User, cfg.Mail.Queries, cfg.Mail.MaxResults, cfg.Mail.SearchPolicy),
			Fetcher:   mailbox.NewFetcher(gmailService, logger, cfg.Mail.User, workDir),
			Publisher: publisher,
		}, nil
	}
}

// exitCode maps a run outcome to the process exit status.
func exitCode(ctx context.Context, res *pipeline.Result) int {
	switch {
	case res.Success:
		return exitSuccess
	case ctx.Err() != nil, errors.Is(res.Err, context.Canceled):
		return exitInterrupt
	default:
		return exitFailure
	}
}

func printHistory(w io.Writer, j *journal.Journal, n int) int {
	if j == nil {
		fmt.Fprintln(w, "Run journal is disabled (journal.path is empty or unavailable).")
		return exitFailure
	}
	entries, err := j.Last(context.Background(), n)
	if err != nil {
		fmt.Fprintln(w, styleError.Render("Failed to read journal: "+err.Error()))
		return exitFailure
	}
	formatHistory(w, entries)
	return exitSuccess
}
