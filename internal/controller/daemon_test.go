package controller

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ytakagi/factory/internal/lock"
	"github.com/ytakagi/factory/internal/logging"
	"github.com/ytakagi/factory/internal/model"
)

func TestDaemon_SingleInstancePerFactoryDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "locks"), 0755))

	// Simulate a running daemon holding the lock
	holder := lock.NewFileLock(filepath.Join(dir, "locks", "daemon.lock"))
	require.NoError(t, holder.TryLock())
	defer holder.Unlock()

	logger := logging.New(io.Discard, "daemon", logging.LevelError)
	d := NewDaemon(dir, model.Config{}, nil, logger)

	err := d.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon lock")
}
