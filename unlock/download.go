package unlock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"holdings-sync/pkg/holdings"
)

// AwaitDownload polls dir until a finished .zip modified at or after since
// appears, and returns the most recently modified one. It fails with
// holdings.ErrTimeout once timeout has elapsed, never earlier.
func AwaitDownload(ctx context.Context, logger *slog.Logger, dir string, since time.Time, timeout, interval time.Duration) (*holdings.Archive, error) {
	logger.Info("Waiting for archive download", "dir", dir, "timeout", timeout)
	start := time.Now()
	deadline := start.Add(timeout)

	for {
		archive, pending, err := scanDownloads(dir, since)
		if err != nil {
			return nil, fmt.Errorf("scan download directory: %w", err)
		}
		if archive != nil {
			logger.Info("Archive download complete",
				"path", archive.Path,
				"bytes", archive.Size,
				"duration_ms", time.Since(start).Milliseconds())
			return archive, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: no archive in %s after %s", holdings.ErrTimeout, dir, timeout)
		}
		logger.Debug("Download not ready", "pending", pending, "remaining", remaining)

		wait := remaining
		if interval > 0 && interval < wait {
			wait = interval
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("wait for download: %w", ctx.Err())
		case <-t.C:
		}
	}
}

// scanDownloads returns the newest complete archive, or nil. pending reports
// whether a partial download is still present.
func scanDownloads(dir string, since time.Time) (archive *holdings.Archive, pending bool, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	cutoff := since.Truncate(time.Second)
	var newest *holdings.Archive
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.ToLower(e.Name())
		if strings.HasSuffix(name, ".crdownload") {
			pending = true
			continue
		}
		if !strings.HasSuffix(name, ".zip") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			continue
		}
		if newest == nil || info.ModTime().After(newest.ModTime) {
			newest = &holdings.Archive{
				Path:    filepath.Join(dir, e.Name()),
				ModTime: info.ModTime(),
				Size:    info.Size(),
			}
		}
	}

	if pending || newest == nil || newest.Size == 0 {
		return nil, pending, nil
	}
	return newest, false, nil
}
