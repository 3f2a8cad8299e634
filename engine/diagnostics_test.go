package engine

import "testing"

func TestHistogramAggregates(t *testing.T) {
	var h Histogram
	for i := 1; i <= 100; i++ {
		h.Record(float64(i))
	}

	snap := h.Snapshot()
	if snap.Count != 100 {
		t.Fatalf("count = %d", snap.Count)
	}
	if snap.Mean < 50 || snap.Mean > 51 {
		t.Errorf("mean = %v, want ~50.5", snap.Mean)
	}
	if snap.P50 != 50 {
		t.Errorf("p50 = %v, want 50", snap.P50)
	}
	if snap.P95 != 95 {
		t.Errorf("p95 = %v, want 95", snap.P95)
	}
	if snap.P99 != 99 {
		t.Errorf("p99 = %v, want 99", snap.P99)
	}
	if snap.Max != 100 {
		t.Errorf("max = %v, want 100", snap.Max)
	}
}

func TestHistogramEmpty(t *testing.T) {
	var h Histogram
	snap := h.Snapshot()
	if snap.Count != 0 || snap.Mean != 0 || snap.Max != 0 {
		t.Fatalf("empty snapshot = %+v", snap)
	}
}

func TestHistogramReset(t *testing.T) {
	var h Histogram
	h.Record(5)
	h.Reset()
	if snap := h.Snapshot(); snap.Count != 0 {
		t.Fatalf("count after reset = %d", snap.Count)
	}
}

func TestDiagnosticsSnapshotAndReset(t *testing.T) {
	d := &Diagnostics{}
	d.FramesIn.Add(10)
	d.VADSpeech.Add(3)
	d.Transform.Record(1.5)

	snap := d.Snapshot()
	if snap.FramesIn != 10 || snap.VADSpeech != 3 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.TransformMs.Count != 1 {
		t.Fatalf("transform count = %d", snap.TransformMs.Count)
	}

	d.Reset()
	snap = d.Snapshot()
	if snap.FramesIn != 0 || snap.TransformMs.Count != 0 {
		t.Fatalf("snapshot after reset = %+v", snap)
	}
}
