package metrics

// Average is a batch-size weighted running mean of per-batch losses.
type Average struct {
	sum   float64
	count int
}

// Add folds in a batch whose mean loss is loss over n samples.
func (a *Average) Add(loss float64, n int) {
	a.sum += loss * float64(n)
	a.count += n
}

// Count is the number of samples folded in so far.
func (a *Average) Count() int { return a.count }

// Mean returns sum(loss_i*n_i)/sum(n_i). ok is false when no samples
// have been added.
func (a *Average) Mean() (mean float64, ok bool) {
	if a.count == 0 {
		return 0, false
	}
	return a.sum / float64(a.count), true
}
