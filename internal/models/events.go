package models

import "math"

// EventType classifies a detected breathing disruption.
type EventType string

const (
	EventApnea    EventType = "apnea"
	EventHypopnea EventType = "hypopnea"
)

// AHIEvent is a single apnea or hypopnea interval produced by the analysis service.
// Times are seconds from the recording start.
type AHIEvent struct {
	Type      EventType `json:"type"`
	StartTime float64   `json:"start_time"`
	EndTime   float64   `json:"end_time"`
	Duration  float64   `json:"duration"`
	Severity  string    `json:"severity"`
	SpO2Drop  *float64  `json:"spo2_drop,omitempty"`
}

// DurationTolerance returns the accepted drift between Duration and EndTime-StartTime.
func (e AHIEvent) DurationTolerance() float64 {
	return 1e-6 * math.Max(1, math.Abs(e.EndTime))
}

// AHISummary carries the pre-computed severity summary. It is passed through verbatim.
type AHISummary struct {
	AHI            float64 `json:"ahi"`
	Severity       string  `json:"severity"`
	TotalEvents    int     `json:"total_events"`
	ApneaCount     int     `json:"apnea_count"`
	HypopneaCount  int     `json:"hypopnea_count"`
	RecordingHours float64 `json:"recording_hours"`
}

// AnalysisPayload is the raw AHI analysis response. Nil slices mean the field was absent.
type AnalysisPayload struct {
	Summary        *AHISummary `json:"ahi_analysis"`
	ApneaEvents    []AHIEvent  `json:"apnea_events"`
	HypopneaEvents []AHIEvent  `json:"hypopnea_events"`
	AllEvents      []AHIEvent  `json:"all_events"`
}

// EventCollection is the validated, chronologically ordered event set of one analysis run.
type EventCollection struct {
	All      []AHIEvent
	Apnea    []AHIEvent
	Hypopnea []AHIEvent
}

// Len reports the number of events in the collection.
func (c EventCollection) Len() int { return len(c.All) }

// Durations returns event durations in collection order.
func Durations(events []AHIEvent) []float64 {
	out := make([]float64, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Duration)
	}
	return out
}
