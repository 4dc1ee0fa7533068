package analysis

import (
	"github.com/somnolab/psg-viewer/internal/histogram"
	"github.com/somnolab/psg-viewer/internal/models"
	"github.com/somnolab/psg-viewer/internal/statsfmt"
	"github.com/somnolab/psg-viewer/internal/utils"
)

// Counts are event totals per partition.
type Counts struct {
	All      int `json:"all"`
	Apnea    int `json:"apnea"`
	Hypopnea int `json:"hypopnea"`
}

// DurationStats summarise event durations per partition.
type DurationStats struct {
	All      histogram.Summary `json:"all"`
	Apnea    histogram.Summary `json:"apnea"`
	Hypopnea histogram.Summary `json:"hypopnea"`
}

// Navigation describes the event cursor. Current and Hint are nil when there
// are no events.
type Navigation struct {
	Index   int               `json:"index"`
	Len     int               `json:"len"`
	IsFirst bool              `json:"is_first"`
	IsLast  bool              `json:"is_last"`
	Current *models.AHIEvent  `json:"current,omitempty"`
	Hint    *models.TimeRange `json:"hint,omitempty"`
}

// ErrorState is the last failure recorded by the orchestrator.
type ErrorState struct {
	Kind    utils.ErrorKind `json:"kind"`
	Message string          `json:"message"`
}

// ViewState is an immutable snapshot of everything the rendering layer draws.
// Exactly one of Histogram and SeparatedHistogram is set once an analysis is
// loaded.
type ViewState struct {
	Version uint64 `json:"version"`

	HasAnalysis bool               `json:"has_analysis"`
	Running     bool               `json:"running"`
	Summary     *models.AHISummary `json:"summary,omitempty"`
	Counts      Counts             `json:"counts"`
	NoEvents    bool               `json:"no_events"`

	BinCount           int                        `json:"bin_count"`
	AutoBins           bool                       `json:"auto_bins"`
	Separated          bool                       `json:"separated"`
	Histogram          *histogram.Result          `json:"histogram,omitempty"`
	SeparatedHistogram *histogram.SeparatedResult `json:"separated_histogram,omitempty"`
	DurationStats      DurationStats              `json:"duration_stats"`

	Navigation Navigation `json:"navigation"`

	ChannelStats  []statsfmt.Row                 `json:"channel_stats"`
	ChannelRanges map[string]models.ChannelRange `json:"channel_ranges,omitempty"`

	Viewport    *models.ViewportWindow        `json:"viewport,omitempty"`
	Chunks      map[string]models.SignalChunk `json:"chunks,omitempty"`
	NoChunkData bool                          `json:"no_chunk_data"`

	Error *ErrorState `json:"error,omitempty"`
}
