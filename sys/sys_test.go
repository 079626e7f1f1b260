package sys

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, WriteFileAtomic(path, []byte("first"), 0o644))
	require.NoError(t, WriteFileAtomic(path, []byte("second"), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAcquireOSFileLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "proc.lock")
	release, err := AcquireOSFileLock(lockPath, time.Second)
	require.NoError(t, err)

	_, err = AcquireOSFileLock(lockPath, 50*time.Millisecond)
	assert.Error(t, err, "second acquisition times out while held")

	require.NoError(t, release())
	release2, err := AcquireOSFileLock(lockPath, time.Second)
	require.NoError(t, err)
	require.NoError(t, release2())
}

func TestCollectProcessStats(t *testing.T) {
	stats := CollectProcessStats()
	assert.Greater(t, stats.RSSBytes, uint64(0))
}
