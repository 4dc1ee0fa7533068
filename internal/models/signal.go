package models

import (
	"fmt"
	"math"
	"sort"
)

// Channel describes one recorded signal.
type Channel struct {
	Name         string  `json:"name"`
	SampleRate   float64 `json:"sample_rate"`
	TotalSamples int64   `json:"total_samples"`
}

// SignalChunk is a window of samples for one channel at one resolution.
type SignalChunk struct {
	Channel    string    `json:"channel"`
	Start      float64   `json:"start_time"`
	End        float64   `json:"end_time"`
	Downsample int       `json:"downsample"`
	Timestamps []float64 `json:"timestamps"`
	Values     []float64 `json:"values"`
}

// Len returns the number of samples held by the chunk.
func (c SignalChunk) Len() int { return len(c.Values) }

// Covers reports whether the chunk spans [start, end] at the given resolution.
func (c SignalChunk) Covers(start, end float64, downsample int) bool {
	return c.Downsample == downsample && c.Start <= start && c.End >= end
}

// Slice returns the samples whose timestamps fall within [start, end].
// The returned chunk shares backing arrays with the receiver.
func (c SignalChunk) Slice(start, end float64) SignalChunk {
	lo := sort.SearchFloat64s(c.Timestamps, start)
	hi := sort.Search(len(c.Timestamps), func(i int) bool { return c.Timestamps[i] > end })
	n := min(len(c.Timestamps), len(c.Values))
	lo = min(lo, n)
	hi = min(hi, n)
	if hi < lo {
		hi = lo
	}
	return SignalChunk{
		Channel:    c.Channel,
		Start:      start,
		End:        end,
		Downsample: c.Downsample,
		Timestamps: c.Timestamps[lo:hi:hi],
		Values:     c.Values[lo:hi:hi],
	}
}

// ChannelRange is the global value range of a channel across the whole recording.
type ChannelRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// ChannelStats are descriptive statistics computed by the analysis service.
// Absent values stay nil.
type ChannelStats struct {
	Mean         *float64 `json:"mean"`
	Median       *float64 `json:"median"`
	Min          *float64 `json:"min"`
	Max          *float64 `json:"max"`
	StdDev       *float64 `json:"std"`
	TotalSamples *int64   `json:"total_samples,omitempty"`
	SampleRate   *float64 `json:"sample_rate,omitempty"`
}

// ViewportWindow is the visualisation window currently requested by the user.
type ViewportWindow struct {
	Start      float64  `json:"start_time"`
	End        float64  `json:"end_time"`
	Channels   []string `json:"channels"`
	Downsample int      `json:"downsample"`
}

// Validate checks the window bounds and normalises the downsample factor.
func (v *ViewportWindow) Validate() error {
	if !isFinite(v.Start) || !isFinite(v.End) {
		return fmt.Errorf("start_time and end_time must be finite, got %g and %g", v.Start, v.End)
	}
	if v.Start < 0 {
		return fmt.Errorf("start_time must be >= 0, got %g", v.Start)
	}
	if v.End <= v.Start {
		return fmt.Errorf("end_time %g must be after start_time %g", v.End, v.Start)
	}
	if len(v.Channels) == 0 {
		return fmt.Errorf("at least one channel is required")
	}
	if v.Downsample < 1 {
		v.Downsample = 1
	}
	return nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// TimeRange bounds a span of the recording in seconds.
type TimeRange struct {
	Start float64 `json:"start_time"`
	End   float64 `json:"end_time"`
}
