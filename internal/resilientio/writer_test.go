package resilientio

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_WriteAndFlush(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	w := New()
	defer func() { _ = w.Close() }()

	w.Write(path, map[string]any{"b": 2, "a": 1})

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, float64(1), decoded["a"])
	assert.Equal(t, float64(2), decoded["b"])
	assert.True(t, w.IsHealthy())
}

func TestWriter_SecurePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret.json")

	w := New(WithSecurePermissions())
	defer func() { _ = w.Close() }()

	w.Write(path, map[string]string{"token": "abc"})

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestWriter_CloseFlushesPending(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flush.json")

	w := New()
	w.Write(path, map[string]int{"n": 1})
	require.NoError(t, w.Close())

	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestWriter_CloseReportsErrorWhenPathUnwritable(t *testing.T) {
	// A path under a file (not a directory) can never succeed as a parent
	// directory, exercising the "non-zero on still-pending" contract.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	path := filepath.Join(blocker, "state.json")

	w := New()
	w.Write(path, map[string]int{"n": 1})
	err := w.Close()
	assert.Error(t, err)
}
