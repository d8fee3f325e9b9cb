package observability

import (
	"testing"
	"time"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := NewStageWindow(8)
	for i := 1; i <= 4; i++ {
		w.Observe("negotiate", time.Duration(i*100)*time.Millisecond)
	}
	w.ObserveIndicator("streaming_stall")
	w.ObserveIndicator("streaming_stall")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Errorf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("stages = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != "negotiate" || s.Samples != 4 {
		t.Errorf("stage = %+v", s)
	}
	if s.LastMS != 400 {
		t.Errorf("LastMS = %v, want 400", s.LastMS)
	}
	if s.AvgMS != 250 {
		t.Errorf("AvgMS = %v, want 250", s.AvgMS)
	}
	if s.P50MS != 250 {
		t.Errorf("P50MS = %v, want 250", s.P50MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Errorf("indicators = %+v", snap.Indicators)
	}
}

func TestStageWindowWraps(t *testing.T) {
	w := NewStageWindow(4)
	for i := 0; i < 10; i++ {
		w.Observe("drain", time.Duration(i)*time.Millisecond)
	}
	snap := w.Snapshot()
	if snap.Stages[0].Samples != 4 {
		t.Errorf("Samples = %d, want window size 4", snap.Stages[0].Samples)
	}
	if snap.Stages[0].LastMS != 9 {
		t.Errorf("LastMS = %v, want 9", snap.Stages[0].LastMS)
	}
}

func TestStageWindowReset(t *testing.T) {
	w := NewStageWindow(4)
	w.Observe("transcribe", time.Second)
	w.Reset()
	if snap := w.Snapshot(); len(snap.Stages) != 0 || len(snap.Indicators) != 0 {
		t.Errorf("snapshot after reset = %+v", snap)
	}
}
