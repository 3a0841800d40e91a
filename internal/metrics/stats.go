package metrics

import "time"

// Window accumulates per-batch timing across a stretch of batches.
type Window struct {
	samples  int
	data     time.Duration
	compute  time.Duration
	batches  int
	lastLoss float64
}

// Record adds one batch to the window.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss float64) {
	w.samples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.batches++
	w.lastLoss = loss
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{}
	total := w.data + w.compute
	if total > 0 {
		snap.SamplesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.batches > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.batches)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.batches)
	}
	snap.LastLoss = w.lastLoss

	*w = Window{}
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	SamplesPerSec float64
	AvgDataMS     float64
	AvgComputeMS  float64
	LastLoss      float64
}
