package main

import (
	"encoding/json"
	"log"
	"math"
	"net/http"
	"strings"
	"time"
)

const recordingSeconds = 8 * 3600

type channelSpec struct {
	rate float64
	min  float64
	max  float64
	wave func(t float64) float64
}

var channels = map[string]channelSpec{
	"Flow": {rate: 32, min: -1, max: 1, wave: func(t float64) float64 {
		amp := 1.0
		if inEvent(t) {
			amp = 0.15
		}
		return amp * math.Sin(2*math.Pi*t/4)
	}},
	"SpO2": {rate: 1, min: 82, max: 99, wave: func(t float64) float64 {
		if inEvent(t - 10) {
			return 88
		}
		return 96 + math.Sin(t/600)
	}},
	"Thorax": {rate: 16, min: -0.5, max: 0.5, wave: func(t float64) float64 {
		return 0.5 * math.Sin(2*math.Pi*t/4+0.4)
	}},
}

type mockEvent struct {
	Type      string  `json:"type"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	Duration  float64 `json:"duration"`
	Severity  string  `json:"severity"`
	SpO2Drop  float64 `json:"spo2_drop"`
}

var events = func() []mockEvent {
	var out []mockEvent
	for i := 0; i < 24; i++ {
		start := float64(600 + i*1150)
		duration := 10 + float64((i*7)%25)
		typ, drop := "apnea", 4.0+float64(i%5)
		if i%3 == 0 {
			typ, drop = "hypopnea", 3.0
		}
		severity := "mild"
		if duration >= 20 {
			severity = "moderate"
		}
		if duration >= 30 {
			severity = "severe"
		}
		out = append(out, mockEvent{Type: typ, StartTime: start, EndTime: start + duration, Duration: duration, Severity: severity, SpO2Drop: drop})
	}
	return out
}()

func inEvent(t float64) bool {
	for _, ev := range events {
		if t >= ev.StartTime && t < ev.EndTime {
			return true
		}
	}
	return false
}

type windowRequest struct {
	Channel    string   `json:"channel"`
	Channels   []string `json:"channels"`
	StartTime  float64  `json:"start_time"`
	EndTime    float64  `json:"end_time"`
	Downsample int      `json:"downsample"`
}

type series struct {
	Timestamps []float64 `json:"timestamps"`
	Values     []float64 `json:"values"`
}

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/signal/window", func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeWindow(w, r)
		if !ok {
			return
		}
		s, found := sample(req.Channel, req.StartTime, req.EndTime, req.Downsample)
		if !found {
			http.Error(w, "unknown channel", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{"channel": req.Channel, "timestamps": s.Timestamps, "values": s.Values})
	})

	mux.HandleFunc("/api/signal/multi-window", func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeWindow(w, r)
		if !ok {
			return
		}
		if len(req.Channels) == 0 || len(req.Channels) > 5 {
			http.Error(w, "between 1 and 5 channels required", http.StatusBadRequest)
			return
		}
		out := make(map[string]series, len(req.Channels))
		for _, name := range req.Channels {
			s, found := sample(name, req.StartTime, req.EndTime, req.Downsample)
			if !found {
				http.Error(w, "unknown channel "+name, http.StatusNotFound)
				return
			}
			out[name] = s
		}
		writeJSON(w, map[string]any{"channels": out})
	})

	mux.HandleFunc("/api/signal/ranges", func(w http.ResponseWriter, r *http.Request) {
		ranges := map[string]any{}
		for _, name := range requested(r) {
			if spec, ok := channels[name]; ok {
				ranges[name] = map[string]float64{"min": spec.min, "max": spec.max}
			}
		}
		writeJSON(w, map[string]any{"ranges": ranges})
	})

	mux.HandleFunc("/api/signal/stats", func(w http.ResponseWriter, r *http.Request) {
		stats := map[string]any{}
		for _, name := range requested(r) {
			spec, ok := channels[name]
			if !ok {
				continue
			}
			mid := (spec.min + spec.max) / 2
			stats[name] = map[string]any{
				"mean":          mid,
				"median":        mid,
				"min":           spec.min,
				"max":           spec.max,
				"std":           (spec.max - spec.min) / 4,
				"total_samples": int64(spec.rate * recordingSeconds),
				"sample_rate":   spec.rate,
			}
		}
		writeJSON(w, map[string]any{"stats": stats})
	})

	mux.HandleFunc("/api/analysis/ahi", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var apnea, hypopnea []mockEvent
		for _, ev := range events {
			if ev.Type == "apnea" {
				apnea = append(apnea, ev)
			} else {
				hypopnea = append(hypopnea, ev)
			}
		}
		hours := float64(recordingSeconds) / 3600
		// Simulate the slow EDF pass.
		time.Sleep(500 * time.Millisecond)
		writeJSON(w, map[string]any{
			"ahi_analysis": map[string]any{
				"ahi":             float64(len(events)) / hours,
				"severity":        "normal",
				"total_events":    len(events),
				"apnea_count":     len(apnea),
				"hypopnea_count":  len(hypopnea),
				"recording_hours": hours,
			},
			"apnea_events":    apnea,
			"hypopnea_events": hypopnea,
			"all_events":      events,
		})
	})

	logger := log.New(log.Writer(), "analysis-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":8000",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :8000")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func sample(name string, start, end float64, downsample int) (series, bool) {
	spec, ok := channels[name]
	if !ok {
		return series{}, false
	}
	if downsample < 1 {
		downsample = 1
	}
	start = math.Max(0, start)
	end = math.Min(recordingSeconds, end)
	step := float64(downsample) / spec.rate
	s := series{Timestamps: []float64{}, Values: []float64{}}
	for t := math.Ceil(start*spec.rate) / spec.rate; t <= end; t += step {
		s.Timestamps = append(s.Timestamps, t)
		s.Values = append(s.Values, spec.wave(t))
	}
	return s, true
}

func decodeWindow(w http.ResponseWriter, r *http.Request) (windowRequest, bool) {
	if !enforcePost(w, r) {
		return windowRequest{}, false
	}
	var req windowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return windowRequest{}, false
	}
	if req.EndTime <= req.StartTime {
		http.Error(w, "end_time must be after start_time", http.StatusBadRequest)
		return windowRequest{}, false
	}
	return req, true
}

func requested(r *http.Request) []string {
	raw := r.URL.Query().Get("channels")
	if raw == "" {
		names := make([]string, 0, len(channels))
		for name := range channels {
			names = append(names, name)
		}
		return names
	}
	return strings.Split(raw, ",")
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
