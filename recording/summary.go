package recording

import (
	"errors"
	"fmt"
	"time"

	"github.com/INLOpen/nexusreplay/core"
	tdigest "github.com/caio/go-tdigest/v4"
)

// The summary stream holds one entry per checkpoint: index, execution
// progress, total thread events and the wall time the checkpoint was
// reached while recording. Replays read the recorded entries back, so
// summary data always describes the original execution.

// SummaryWriter appends checkpoint entries to a recording's summary stream.
type SummaryWriter struct {
	s *Stream
}

func NewSummaryWriter(r *Recording) *SummaryWriter {
	return &SummaryWriter{s: r.Stream(core.StreamSummary, 0)}
}

func (w *SummaryWriter) Append(cp core.Checkpoint) error {
	if err := w.s.WriteUvarint(cp.Index); err != nil {
		return err
	}
	if err := w.s.WriteUvarint(cp.Progress); err != nil {
		return err
	}
	if err := w.s.WriteUvarint(cp.Events); err != nil {
		return err
	}
	return w.s.WriteUvarint(uint64(cp.Time.UnixNano()))
}

// SummaryReader consumes checkpoint entries from a recording's summary
// stream.
type SummaryReader struct {
	s *Stream
}

func NewSummaryReader(r *Recording) *SummaryReader {
	return &SummaryReader{s: r.Stream(core.StreamSummary, 0)}
}

// Next returns the next checkpoint entry. ok is false at end of stream.
func (r *SummaryReader) Next() (cp core.Checkpoint, ok bool, err error) {
	idx, err := r.s.ReadUvarint()
	if err != nil {
		if errors.Is(err, core.ErrRecordingStalled) {
			return cp, false, nil
		}
		return cp, false, err
	}
	progress, err := r.s.ReadUvarint()
	if err != nil {
		return cp, false, err
	}
	events, err := r.s.ReadUvarint()
	if err != nil {
		return cp, false, err
	}
	nanos, err := r.s.ReadUvarint()
	if err != nil {
		return cp, false, err
	}
	return core.Checkpoint{
		Index:    idx,
		Progress: progress,
		Events:   events,
		Time:     time.Unix(0, int64(nanos)),
	}, true, nil
}

// ReadAll drains the summary stream. Only meaningful on a finalized
// recording; on a live one it blocks until finalization.
func (r *SummaryReader) ReadAll() ([]core.Checkpoint, error) {
	var out []core.Checkpoint
	for {
		cp, ok, err := r.Next()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, cp)
	}
}

// SummaryStats aggregates checkpoint intervals for diagnostics: how far
// apart checkpoints landed in wall time and in execution progress.
type SummaryStats struct {
	Count          int
	TotalDuration  time.Duration
	intervalMillis *tdigest.TDigest
	progressDeltas *tdigest.TDigest
}

// NewSummaryStats builds interval statistics from checkpoint entries.
func NewSummaryStats(cps []core.Checkpoint) (*SummaryStats, error) {
	im, err := tdigest.New()
	if err != nil {
		return nil, fmt.Errorf("tdigest.New failed: %w", err)
	}
	pd, err := tdigest.New()
	if err != nil {
		return nil, fmt.Errorf("tdigest.New failed: %w", err)
	}
	st := &SummaryStats{Count: len(cps), intervalMillis: im, progressDeltas: pd}
	for i := 1; i < len(cps); i++ {
		gap := cps[i].Time.Sub(cps[i-1].Time)
		if err := im.AddWeighted(float64(gap.Milliseconds()), 1); err != nil {
			return nil, fmt.Errorf("tdigest AddWeighted failed: %w", err)
		}
		if err := pd.AddWeighted(float64(cps[i].Progress-cps[i-1].Progress), 1); err != nil {
			return nil, fmt.Errorf("tdigest AddWeighted failed: %w", err)
		}
	}
	if len(cps) > 1 {
		st.TotalDuration = cps[len(cps)-1].Time.Sub(cps[0].Time)
	}
	return st, nil
}

// IntervalQuantile returns the q quantile of inter-checkpoint wall time in
// milliseconds. q is in [0, 1].
func (st *SummaryStats) IntervalQuantile(q float64) float64 {
	return st.intervalMillis.Quantile(q)
}

// ProgressQuantile returns the q quantile of inter-checkpoint execution
// progress deltas. q is in [0, 1].
func (st *SummaryStats) ProgressQuantile(q float64) float64 {
	return st.progressDeltas.Quantile(q)
}
