package unlock

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"holdings-sync/pkg/holdings"
)

func touch(t *testing.T, dir, name string, size int, mod time.Time) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o600))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func TestScanDownloads(t *testing.T) {
	since := time.Now().Add(-time.Minute)
	old := since.Add(-time.Hour)

	tests := []struct {
		name        string
		files       func(t *testing.T, dir string)
		wantName    string
		wantPending bool
	}{
		{
			name:  "empty directory",
			files: func(*testing.T, string) {},
		},
		{
			name: "stale archive ignored",
			files: func(t *testing.T, dir string) {
				touch(t, dir, "previous.zip", 10, old)
			},
		},
		{
			name: "newest fresh archive wins",
			files: func(t *testing.T, dir string) {
				touch(t, dir, "previous.zip", 10, old)
				touch(t, dir, "a.zip", 10, since.Add(10*time.Second))
				touch(t, dir, "b.ZIP", 10, since.Add(20*time.Second))
				touch(t, dir, "notes.txt", 10, since.Add(30*time.Second))
			},
			wantName: "b.ZIP",
		},
		{
			name: "partial download pending",
			files: func(t *testing.T, dir string) {
				touch(t, dir, "a.zip", 10, since.Add(10*time.Second))
				touch(t, dir, "b.zip.crdownload", 10, since.Add(20*time.Second))
			},
			wantPending: true,
		},
		{
			name: "empty archive not ready",
			files: func(t *testing.T, dir string) {
				touch(t, dir, "a.zip", 0, since.Add(10*time.Second))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			tt.files(t, dir)

			archive, pending, err := scanDownloads(dir, since)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPending, pending)
			if tt.wantName == "" {
				assert.Nil(t, archive)
				return
			}
			require.NotNil(t, archive)
			assert.Equal(t, filepath.Join(dir, tt.wantName), archive.Path)
			assert.Equal(t, int64(10), archive.Size)
		})
	}
}

func TestScanDownloadsMissingDirectory(t *testing.T) {
	archive, pending, err := scanDownloads(filepath.Join(t.TempDir(), "absent"), time.Now())
	require.NoError(t, err)
	assert.Nil(t, archive)
	assert.False(t, pending)
}

func TestAwaitDownloadTimeoutBound(t *testing.T) {
	dir := t.TempDir()
	timeout := 200 * time.Millisecond

	start := time.Now()
	_, err := AwaitDownload(context.Background(), testLogger(), dir, start, timeout, 30*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, holdings.ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, timeout, "must not give up before the bound")
	assert.Less(t, elapsed, timeout+time.Second)
}

func TestAwaitDownloadIntervalLongerThanTimeout(t *testing.T) {
	start := time.Now()
	_, err := AwaitDownload(context.Background(), testLogger(), t.TempDir(), start, 100*time.Millisecond, time.Hour)
	assert.ErrorIs(t, err, holdings.ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAwaitDownloadAppearsLater(t *testing.T) {
	dir := t.TempDir()
	since := time.Now()

	go func() {
		time.Sleep(60 * time.Millisecond)
		// Written under a temporary name first, like a browser does.
		partial := filepath.Join(dir, "holdings.zip.crdownload")
		if err := os.WriteFile(partial, []byte("PK"), 0o600); err != nil {
			return
		}
		time.Sleep(40 * time.Millisecond)
		_ = os.Rename(partial, filepath.Join(dir, "holdings.zip"))
	}()

	archive, err := AwaitDownload(context.Background(), testLogger(), dir, since, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "holdings.zip"), archive.Path)
}

func TestAwaitDownloadCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := AwaitDownload(ctx, testLogger(), t.TempDir(), time.Now(), time.Minute, 10*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, holdings.ErrTimeout)
}
