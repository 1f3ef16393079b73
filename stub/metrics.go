package stub

// HistogramVec observes values with labels, e.g. lookup durations by result.
type HistogramVec interface {
	ObserveLabels(v float64, labels ...string)
}

// HistogramVecIgnore is a HistogramVec that does nothing.
type HistogramVecIgnore struct{}

func (HistogramVecIgnore) ObserveLabels(v float64, labels ...string) {}
