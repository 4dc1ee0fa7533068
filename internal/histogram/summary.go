package histogram

import (
	"math"
	"sort"
)

// Summary holds descriptive statistics of a duration population.
type Summary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Q1     float64 `json:"q1"`
	Q3     float64 `json:"q3"`
}

// Summarize computes count, mean, median, extrema and quartiles.
//
// Quartiles use a simplified rank method: the sorted value at index
// floor(n*0.25) and floor(n*0.75), with no interpolation. Reported AHI duration
// statistics depend on this, so it must not be swapped for interpolated
// percentiles.
func Summarize(values []float64) Summary {
	sorted := finiteValues(values)
	n := len(sorted)
	if n == 0 {
		return Summary{}
	}
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}

	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}

	return Summary{
		Count:  n,
		Mean:   sum / float64(n),
		Median: median,
		Min:    sorted[0],
		Max:    sorted[n-1],
		Q1:     sorted[rankIndex(n, 0.25)],
		Q3:     sorted[rankIndex(n, 0.75)],
	}
}

func rankIndex(n int, p float64) int {
	idx := int(math.Floor(float64(n) * p))
	return min(max(idx, 0), n-1)
}
