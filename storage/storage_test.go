package storage

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "state")
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewLocal(dir, logger), dir
}

func TestLocalRoundTrip(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	_, err := s.Load(ctx, "token.json")
	require.Error(t, err)
	assert.True(t, IsNotFound(err), "missing key should be reported as not found: %v", err)

	require.NoError(t, s.Save(ctx, "token.json", []byte(`{"a":1}`)))
	info, err := os.Stat(filepath.Join(dir, "token.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := s.Load(ctx, "token.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))

	// Overwrite replaces the previous value
	require.NoError(t, s.Save(ctx, "token.json", []byte(`{"a":2}`)))
	data, err = s.Load(ctx, "token.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2}`, string(data))

	require.NoError(t, s.Delete(ctx, "token.json"))
	require.NoError(t, s.Delete(ctx, "token.json"), "delete should be idempotent")

	_, err = s.Load(ctx, "token.json")
	assert.True(t, IsNotFound(err))
}

func TestInvalidKeys(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"", "../token.json", "nested/token.json", `win\token.json`} {
		t.Run(key, func(t *testing.T) {
			assert.Error(t, s.Save(ctx, key, []byte("x")))
			_, err := s.Load(ctx, key)
			assert.Error(t, err)
			assert.False(t, IsNotFound(err))
		})
	}
}

func TestLocation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	local := NewLocal("/var/lib/holdings", logger)
	assert.Equal(t, "/var/lib/holdings/token.json", local.Location("token.json"))
}
