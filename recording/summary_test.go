package recording

import (
	"testing"
	"time"

	"github.com/INLOpen/nexusreplay/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummaryRoundTrip(t *testing.T) {
	rec := newRecorder(t, 64)
	w := NewSummaryWriter(rec)
	base := time.Unix(1700000000, 0)
	var want []core.Checkpoint
	for i := uint64(1); i <= 5; i++ {
		cp := core.Checkpoint{
			Index:    i,
			Progress: i * 1000,
			Events:   i * 10,
			Time:     base.Add(time.Duration(i) * time.Second),
		}
		want = append(want, cp)
		require.NoError(t, w.Append(cp))
	}
	_, err := rec.Flush()
	require.NoError(t, err)

	rep := newReplayer(t)
	require.NoError(t, rep.NewContents(0, rec.BytesFrom(0)))
	rep.Finalize()

	got, err := NewSummaryReader(rep).ReadAll()
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Index, got[i].Index)
		assert.Equal(t, want[i].Progress, got[i].Progress)
		assert.Equal(t, want[i].Events, got[i].Events)
		assert.True(t, want[i].Time.Equal(got[i].Time), "checkpoint %d time", i)
	}
}

func TestSummaryReaderEmpty(t *testing.T) {
	rep := newReplayer(t)
	rep.Finalize()
	cps, err := NewSummaryReader(rep).ReadAll()
	require.NoError(t, err)
	assert.Empty(t, cps)
}

func TestSummaryStats(t *testing.T) {
	base := time.Unix(1700000000, 0)
	var cps []core.Checkpoint
	for i := 0; i < 10; i++ {
		cps = append(cps, core.Checkpoint{
			Index:    uint64(i + 1),
			Progress: uint64(i) * 500,
			Time:     base.Add(time.Duration(i) * 100 * time.Millisecond),
		})
	}
	st, err := NewSummaryStats(cps)
	require.NoError(t, err)
	assert.Equal(t, 10, st.Count)
	assert.Equal(t, 900*time.Millisecond, st.TotalDuration)
	// Every interval is exactly 100ms and every progress delta is 500.
	assert.InDelta(t, 100, st.IntervalQuantile(0.5), 1)
	assert.InDelta(t, 500, st.ProgressQuantile(0.5), 1)
}
