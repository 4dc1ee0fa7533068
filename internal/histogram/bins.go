// Package histogram buckets event-duration distributions and summarises them.
package histogram

import (
	"fmt"
	"math"
)

// DefaultEmptyBinCount is returned for an empty population so empty-state previews
// still render a usable axis. It is not derived from Sturges' rule.
const DefaultEmptyBinCount = 5

// Bin is a duration range. Start is inclusive; End is exclusive except for the last bin.
type Bin struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Count int     `json:"count"`
}

// Result is a single-series histogram.
type Result struct {
	Bins        []Bin    `json:"bins"`
	Frequencies []int    `json:"frequencies"`
	Labels      []string `json:"labels"`
}

// SeparatedResult holds apnea and hypopnea counts against shared bin boundaries.
type SeparatedResult struct {
	Bins     []Bin    `json:"bins"`
	Labels   []string `json:"labels"`
	Apnea    []int    `json:"apnea"`
	Hypopnea []int    `json:"hypopnea"`
}

// RecommendedBinCount applies Sturges' rule, ceil(log2(n)) + 1.
func RecommendedBinCount(n int) int {
	if n <= 0 {
		return DefaultEmptyBinCount
	}
	return int(math.Ceil(math.Log2(float64(n)))) + 1
}

// Compute buckets values into binCount equal-width bins spanning [min, max].
// Non-finite values are ignored.
func Compute(values []float64, binCount int) Result {
	finite := finiteValues(values)
	if len(finite) == 0 {
		return Result{Bins: []Bin{}, Frequencies: []int{}, Labels: []string{}}
	}

	lo, hi := bounds(finite)
	layout := newLayout(lo, hi, binCount)
	freq := layout.count(finite)

	bins := layout.bins()
	for i := range bins {
		bins[i].Count = freq[i]
	}
	return Result{Bins: bins, Frequencies: freq, Labels: layout.labels()}
}

// ComputeSeparated buckets both series against boundaries derived from their combined range,
// so the two frequency arrays can share one chart axis.
func ComputeSeparated(apnea, hypopnea []float64, binCount int) SeparatedResult {
	a := finiteValues(apnea)
	h := finiteValues(hypopnea)
	if len(a)+len(h) == 0 {
		return SeparatedResult{Bins: []Bin{}, Labels: []string{}, Apnea: []int{}, Hypopnea: []int{}}
	}

	combined := make([]float64, 0, len(a)+len(h))
	combined = append(append(combined, a...), h...)
	lo, hi := bounds(combined)
	layout := newLayout(lo, hi, binCount)

	apneaFreq := layout.count(a)
	hypopneaFreq := layout.count(h)
	bins := layout.bins()
	for i := range bins {
		bins[i].Count = apneaFreq[i] + hypopneaFreq[i]
	}
	return SeparatedResult{
		Bins:     bins,
		Labels:   layout.labels(),
		Apnea:    apneaFreq,
		Hypopnea: hypopneaFreq,
	}
}

type layout struct {
	min, max float64
	width    float64
	n        int
}

func newLayout(lo, hi float64, binCount int) layout {
	if binCount < 1 {
		binCount = 1
	}
	return layout{min: lo, max: hi, width: (hi - lo) / float64(binCount), n: binCount}
}

// index maps v onto [0, n-1]. A zero width (max == min) puts everything in bin 0.
func (l layout) index(v float64) int {
	if l.width <= 0 {
		return 0
	}
	idx := int(math.Floor((v - l.min) / l.width))
	if idx < 0 {
		return 0
	}
	if idx >= l.n {
		return l.n - 1
	}
	return idx
}

func (l layout) count(values []float64) []int {
	freq := make([]int, l.n)
	for _, v := range values {
		freq[l.index(v)]++
	}
	return freq
}

func (l layout) bins() []Bin {
	bins := make([]Bin, l.n)
	for i := range bins {
		bins[i].Start = l.min + float64(i)*l.width
		bins[i].End = l.min + float64(i+1)*l.width
	}
	// pin the closed upper edge to the observed maximum
	bins[l.n-1].End = l.max
	return bins
}

func (l layout) labels() []string {
	bins := l.bins()
	labels := make([]string, len(bins))
	for i, b := range bins {
		labels[i] = fmt.Sprintf("%.1f-%.1f", b.Start, b.End)
	}
	return labels
}

func finiteValues(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out = append(out, v)
	}
	return out
}

func bounds(values []float64) (float64, float64) {
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}
