package analysis

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/somnolab/psg-viewer/internal/models"
	"github.com/somnolab/psg-viewer/internal/utils"
)

const validateOp = "load analysis"

type eventKey struct {
	typ   models.EventType
	start float64
	end   float64
}

// BuildCollection validates payload and returns its events partitioned by type
// and ordered by start time. The payload is not modified.
func BuildCollection(payload models.AnalysisPayload) (models.EventCollection, error) {
	var missing []string
	if payload.ApneaEvents == nil {
		missing = append(missing, "apnea_events")
	}
	if payload.HypopneaEvents == nil {
		missing = append(missing, "hypopnea_events")
	}
	if payload.AllEvents == nil {
		missing = append(missing, "all_events")
	}
	if len(missing) > 0 {
		return models.EventCollection{}, utils.ValidationError(validateOp, "payload missing "+strings.Join(missing, ", "))
	}

	apnea, err := checkPartition(payload.ApneaEvents, models.EventApnea)
	if err != nil {
		return models.EventCollection{}, err
	}
	hypopnea, err := checkPartition(payload.HypopneaEvents, models.EventHypopnea)
	if err != nil {
		return models.EventCollection{}, err
	}

	if want := len(apnea) + len(hypopnea); len(payload.AllEvents) != want {
		return models.EventCollection{}, utils.ValidationError(validateOp,
			fmt.Sprintf("all_events has %d entries, expected %d apnea+hypopnea", len(payload.AllEvents), want))
	}

	pending := make(map[eventKey]int, len(apnea)+len(hypopnea))
	for _, ev := range apnea {
		pending[keyOf(ev)]++
	}
	for _, ev := range hypopnea {
		pending[keyOf(ev)]++
	}

	all := make([]models.AHIEvent, 0, len(payload.AllEvents))
	for i, ev := range payload.AllEvents {
		if ev.Type != models.EventApnea && ev.Type != models.EventHypopnea {
			return models.EventCollection{}, utils.ValidationError(validateOp, fmt.Sprintf("all_events[%d]: unknown type %q", i, ev.Type))
		}
		if err := checkEvent(ev); err != nil {
			return models.EventCollection{}, utils.NewFetchError(validateOp, utils.KindValidation, fmt.Sprintf("all_events[%d]", i), err)
		}
		k := keyOf(ev)
		if pending[k] == 0 {
			return models.EventCollection{}, utils.ValidationError(validateOp,
				fmt.Sprintf("all_events[%d] (%s at %g) is not in the %s list", i, ev.Type, ev.StartTime, ev.Type))
		}
		pending[k]--
		all = append(all, ev)
	}

	sortChronologically(all)
	sortChronologically(apnea)
	sortChronologically(hypopnea)
	return models.EventCollection{All: all, Apnea: apnea, Hypopnea: hypopnea}, nil
}

func checkPartition(events []models.AHIEvent, typ models.EventType) ([]models.AHIEvent, error) {
	out := make([]models.AHIEvent, 0, len(events))
	for i, ev := range events {
		if ev.Type == "" {
			ev.Type = typ
		}
		if ev.Type != typ {
			return nil, utils.ValidationError(validateOp, fmt.Sprintf("%s_events[%d] has type %q", typ, i, ev.Type))
		}
		if err := checkEvent(ev); err != nil {
			return nil, utils.NewFetchError(validateOp, utils.KindValidation, fmt.Sprintf("%s_events[%d]", typ, i), err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func checkEvent(ev models.AHIEvent) error {
	if !finite(ev.StartTime) || !finite(ev.EndTime) || !finite(ev.Duration) {
		return fmt.Errorf("non-finite timing")
	}
	if ev.EndTime <= ev.StartTime {
		return fmt.Errorf("end_time %g must be after start_time %g", ev.EndTime, ev.StartTime)
	}
	if diff := math.Abs(ev.Duration - (ev.EndTime - ev.StartTime)); diff > ev.DurationTolerance() {
		return fmt.Errorf("duration %g does not match end_time-start_time %g", ev.Duration, ev.EndTime-ev.StartTime)
	}
	if ev.SpO2Drop != nil && (!finite(*ev.SpO2Drop) || *ev.SpO2Drop < 0) {
		return fmt.Errorf("spo2_drop must be >= 0, got %g", *ev.SpO2Drop)
	}
	return nil
}

func keyOf(ev models.AHIEvent) eventKey {
	return eventKey{typ: ev.Type, start: ev.StartTime, end: ev.EndTime}
}

func sortChronologically(events []models.AHIEvent) {
	sort.SliceStable(events, func(i, j int) bool { return events[i].StartTime < events[j].StartTime })
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
