package logging

import (
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestFormatter_IncludesRequestIDAndOrderedFields(t *testing.T) {
	f := &Formatter{}
	entry := &log.Entry{
		Logger:  log.StandardLogger(),
		Message: "dispatch attempt failed",
		Level:   log.WarnLevel,
		Data: log.Fields{
			"request_id": "abc123",
			"provider":   "openai",
			"status":     429,
		},
	}

	out, err := f.Format(entry)
	require.NoError(t, err)
	line := string(out)
	require.Contains(t, line, "[abc123]")
	require.Contains(t, line, "[warn ]")
	require.Contains(t, line, "dispatch attempt failed")
	require.Contains(t, line, "provider=openai")
	require.Contains(t, line, "status=429")
}

func TestToFile_RotatesToDiskAndBackToStdout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "gateway.log")

	require.NoError(t, ToFile(path, 1, 1, 1, false))
	log.Info("hello from file")
	require.NoError(t, Close())

	require.NoError(t, ToFile("", 0, 0, 0, false))
}
