package recording

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/nexusreplay/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	rec := newRecorder(t, 32)
	s := rec.Stream(core.StreamEvent, 1)
	for i := uint64(0); i < 30; i++ {
		require.NoError(t, s.WriteUvarint(i*7))
	}
	path := filepath.Join(t.TempDir(), "trip.rec")
	require.NoError(t, rec.Save(path))

	loaded, err := Load(path, Options{Logger: testLogger()})
	require.NoError(t, err)
	assert.Equal(t, core.RoleReplaying, loaded.Role())
	assert.True(t, loaded.Finalized())

	ls := loaded.Stream(core.StreamEvent, 1)
	for i := uint64(0); i < 30; i++ {
		v, err := ls.ReadUvarint()
		require.NoError(t, err)
		assert.Equal(t, i*7, v)
	}
	assert.True(t, ls.AtEnd())
}

func TestLoadRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.rec")
	require.NoError(t, os.WriteFile(path, []byte("this is not a recording at all"), 0o644))
	_, err := Load(path, Options{Logger: testLogger()})
	var ce *core.CorruptionError
	assert.ErrorAs(t, err, &ce)
}

func TestLoadRejectsTruncatedFile(t *testing.T) {
	rec := newRecorder(t, 32)
	require.NoError(t, rec.Stream(core.StreamEvent, 1).WriteBytes([]byte("data to truncate")))
	path := filepath.Join(t.TempDir(), "trunc.rec")
	require.NoError(t, rec.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-6], 0o644))
	_, err = Load(path, Options{Logger: testLogger()})
	var ce *core.CorruptionError
	assert.ErrorAs(t, err, &ce)
}

func TestLoadRejectsFlippedContents(t *testing.T) {
	rec := newRecorder(t, 32)
	require.NoError(t, rec.Stream(core.StreamEvent, 1).WriteBytes([]byte("contents to damage")))
	path := filepath.Join(t.TempDir(), "flip.rec")
	require.NoError(t, rec.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-8] ^= 0x01
	require.NoError(t, os.WriteFile(path, data, 0o644))
	_, err = Load(path, Options{Logger: testLogger()})
	assert.Error(t, err)
}
