// Package unlock opens the secure statement page in a browser, enters the
// access code and waits for the resulting archive download.
package unlock

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"holdings-sync/pkg/holdings"
)

// Options controls the unlocker. Zero durations mean no wait.
type Options struct {
	Code    string
	WorkDir string

	SettleDelay     time.Duration // After opening or reloading the page
	SubmitDelay     time.Duration // After submitting the code
	DownloadTimeout time.Duration
	PollInterval    time.Duration // Download directory poll interval
	FieldWait       time.Duration // Per-locator wait for a selector
	FieldPoll       time.Duration
	DecoyDelay      time.Duration // After clicking the decoy field
	KeyPause        time.Duration // Between click, clear and typing
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		SettleDelay:     5 * time.Second,
		SubmitDelay:     10 * time.Second,
		DownloadTimeout: 120 * time.Second,
		PollInterval:    2 * time.Second,
		FieldWait:       5 * time.Second,
		FieldPoll:       250 * time.Millisecond,
		DecoyDelay:      2 * time.Second,
		KeyPause:        500 * time.Millisecond,
	}
}

// Unlocker drives the secure page.
type Unlocker struct {
	launcher Launcher
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an unlocker.
func New(launcher Launcher, opts Options, logger *slog.Logger) *Unlocker {
	return &Unlocker{
		launcher: launcher,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// Unlock opens att, submits the code and returns the downloaded archive.
// The browser is closed on every return path.
func (u *Unlocker) Unlock(ctx context.Context, att *holdings.Attachment) (*holdings.Archive, error) {
	if u.opts.Code == "" {
		return nil, fmt.Errorf("%w: unlock code is empty", holdings.ErrConfiguration)
	}
	started := u.now()
	u.preflight(att.Path)

	abs, err := filepath.Abs(att.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve attachment path: %w", err)
	}
	workDir, err := filepath.Abs(u.opts.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	page, err := u.launcher.Launch(ctx, workDir)
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	defer func() {
		if closeErr := page.Close(); closeErr != nil {
			u.logger.Warn("Failed to close browser", "error", closeErr)
		}
		u.logger.Info("Browser closed")
	}()

	fileURL := (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
	u.logger.Info("Opening secure page", "url", fileURL)
	if err := page.Open(ctx, fileURL); err != nil {
		return nil, fmt.Errorf("open secure page: %w", err)
	}
	if err := u.sleep(ctx, u.opts.SettleDelay); err != nil {
		return nil, err
	}

	inputs, err := page.Query(ctx, "input")
	if err != nil {
		u.logger.Warn("Failed to list inputs", "error", err)
	}
	u.logger.Info("Page loaded", "inputs", len(inputs))
	if len(inputs) == 0 {
		u.logger.Warn("No input fields, reloading page once")
		if err := page.Reload(ctx); err != nil {
			return nil, fmt.Errorf("reload secure page: %w", err)
		}
		if err := u.sleep(ctx, u.opts.SettleDelay); err != nil {
			return nil, err
		}
	}

	field, ok, err := u.discover(ctx, page)
	if err != nil {
		return nil, err
	}
	if !ok {
		u.dumpDiagnostics(ctx, page)
		return nil, fmt.Errorf("%w: no code input field on the secure page", holdings.ErrNotFound)
	}

	if err := u.submit(ctx, page, field); err != nil {
		return nil, err
	}
	if err := u.sleep(ctx, u.opts.SubmitDelay); err != nil {
		return nil, err
	}

	u.triggerDownload(ctx, page)

	return AwaitDownload(ctx, u.logger, workDir, started, u.opts.DownloadTimeout, u.opts.PollInterval)
}

// submit enters the code and presses Enter, falling back to a scripted
// submit when the field cannot be interacted with.
func (u *Unlocker) submit(ctx context.Context, page Page, field Element) error {
	u.logger.Info("Entering access code", "digits", len(u.opts.Code))

	err := u.typeCode(ctx, page, field)
	if err == nil {
		u.logger.Info("Access code submitted")
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	u.logger.Warn("Direct input failed, submitting by script", "error", err)
	if err := page.ScriptSubmit(ctx, field, u.opts.Code); err != nil {
		return fmt.Errorf("submit access code: %w", err)
	}
	u.logger.Info("Access code submitted by script")
	return nil
}

func (u *Unlocker) typeCode(ctx context.Context, page Page, field Element) error {
	if err := page.Click(ctx, field); err != nil {
		return fmt.Errorf("click field: %w", err)
	}
	if err := u.sleep(ctx, u.opts.KeyPause); err != nil {
		return err
	}
	if err := page.Fill(ctx, field, u.opts.Code); err != nil {
		return fmt.Errorf("type code: %w", err)
	}
	if err := u.sleep(ctx, u.opts.KeyPause); err != nil {
		return err
	}
	if err := page.PressEnter(ctx, field); err != nil {
		return fmt.Errorf("press enter: %w", err)
	}
	return nil
}

// triggerDownload clicks the first download link, if any. Pages that start
// the download by themselves have none.
func (u *Unlocker) triggerDownload(ctx context.Context, page Page) {
	anchors, err := page.Query(ctx, "a")
	if err != nil {
		u.logger.Warn("Failed to list links", "error", err)
		return
	}
	for _, a := range anchors {
		if !isDownloadLink(a) {
			continue
		}
		u.logger.Info("Download link found", "href", a.Href, "text", a.Text)
		if err := page.Click(ctx, a); err != nil {
			u.logger.Warn("Link click failed, clicking by script", "error", err)
			if err := page.ScriptClick(ctx, a); err != nil {
				u.logger.Warn("Scripted link click failed", "error", err)
			}
		}
		return
	}
	u.logger.Info("No download link, waiting for automatic download")
}

func isDownloadLink(a Element) bool {
	href := a.Href
	if i := strings.IndexAny(href, "?#"); i >= 0 {
		href = href[:i]
	}
	if strings.HasSuffix(strings.ToLower(href), ".zip") {
		return true
	}
	text := strings.ToLower(a.Text)
	return strings.Contains(text, "download") || strings.Contains(text, ".zip") || strings.Contains(text, "다운로드")
}

// sleep waits for d or until ctx is done.
func (u *Unlocker) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
