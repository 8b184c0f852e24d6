package diag

import "sort"

// Median aggregates bandwidth samples. Median rather than mean keeps one
// outlier probe from skewing the result; for an even sample count it is the
// average of the two central values. Panics on an empty slice.
func Median(samples []int64) int64 {
	sorted := make([]int64, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
