package metrics

// IncrementalAverage folds sample into a running mean over count previous
// samples without keeping the raw sum.
func IncrementalAverage(avg float64, count int64, sample float64) float64 {
	if count < 0 {
		count = 0
	}
	return avg + (sample-avg)/float64(count+1)
}
