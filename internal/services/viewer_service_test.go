package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/somnolab/psg-viewer/internal/analysis"
	"github.com/somnolab/psg-viewer/internal/api"
	"github.com/somnolab/psg-viewer/internal/models"
	"github.com/somnolab/psg-viewer/internal/utils"
)

type fakeBackend struct {
	mu          sync.Mutex
	payload     models.AnalysisPayload
	analysisErr error
	statsErr    error
	windowCalls int
}

func (f *fakeBackend) FetchChunk(ctx context.Context, channels []string, start, end float64, downsample int) (map[string]models.SignalChunk, error) {
	f.mu.Lock()
	f.windowCalls++
	f.mu.Unlock()
	out := make(map[string]models.SignalChunk, len(channels))
	for _, ch := range channels {
		chunk := models.SignalChunk{Channel: ch}
		for ts := start; ts <= end; ts += 0.5 {
			chunk.Timestamps = append(chunk.Timestamps, ts)
			chunk.Values = append(chunk.Values, 1)
		}
		out[ch] = chunk
	}
	return out, nil
}

func (f *fakeBackend) RunAHIAnalysis(ctx context.Context, flow, spo2 string) (models.AnalysisPayload, error) {
	if f.analysisErr != nil {
		return models.AnalysisPayload{}, f.analysisErr
	}
	return f.payload, nil
}

func (f *fakeBackend) FetchChannelStats(ctx context.Context, channels []string) (map[string]models.ChannelStats, error) {
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	mean := 95.5
	samples := int64(7200)
	rate := 1.0
	out := make(map[string]models.ChannelStats, len(channels))
	for _, ch := range channels {
		out[ch] = models.ChannelStats{Mean: &mean, TotalSamples: &samples, SampleRate: &rate}
	}
	return out, nil
}

func (f *fakeBackend) FetchChannelRanges(ctx context.Context, channels []string) (map[string]models.ChannelRange, error) {
	out := make(map[string]models.ChannelRange, len(channels))
	for _, ch := range channels {
		out[ch] = models.ChannelRange{Min: 80, Max: 100}
	}
	return out, nil
}

func samplePayload() models.AnalysisPayload {
	apnea := []models.AHIEvent{
		{Type: models.EventApnea, StartTime: 30, EndTime: 45, Duration: 15, Severity: "moderate"},
		{Type: models.EventApnea, StartTime: 400, EndTime: 422, Duration: 22, Severity: "severe"},
	}
	hypopnea := []models.AHIEvent{
		{Type: models.EventHypopnea, StartTime: 200, EndTime: 218, Duration: 18, Severity: "mild"},
	}
	return models.AnalysisPayload{
		Summary:        &models.AHISummary{AHI: 12.5, Severity: "moderate", TotalEvents: 3, ApneaCount: 2, HypopneaCount: 1, RecordingHours: 0.24},
		ApneaEvents:    apnea,
		HypopneaEvents: hypopnea,
		AllEvents:      []models.AHIEvent{apnea[0], hypopnea[0], apnea[1]},
	}
}

func request(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return s
}

func openSession(t *testing.T, service *ViewerService) string {
	t.Helper()
	resp, err := service.OpenSession(context.Background(), &structpb.Struct{})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	id := resp.GetFields()["session_id"].GetStringValue()
	if id == "" {
		t.Fatalf("expected session id")
	}
	return id
}

func TestRunAnalysisAndNavigate(t *testing.T) {
	service := NewViewerService(nil, &fakeBackend{payload: samplePayload()}, SessionOptions{})
	id := openSession(t, service)

	resp, err := service.RunAnalysis(context.Background(), request(t, map[string]any{
		"session_id":   id,
		"flow_channel": "Flow",
		"spo2_channel": "SpO2",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state, err := api.FromStructViewState(resp)
	if err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.Counts.All != 3 || state.Summary == nil || state.Summary.AHI != 12.5 {
		t.Fatalf("unexpected state: %+v", state)
	}

	resp, err = service.Navigate(context.Background(), request(t, map[string]any{"session_id": id, "command": "last"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state, _ = api.FromStructViewState(resp)
	if state.Navigation.Index != 2 || !state.Navigation.IsLast || state.Navigation.Current.StartTime != 400 {
		t.Fatalf("unexpected navigation: %+v", state.Navigation)
	}
	if state.Navigation.Hint == nil || state.Navigation.Hint.Start != 395 || state.Navigation.Hint.End != 427 {
		t.Fatalf("unexpected hint: %+v", state.Navigation.Hint)
	}

	resp, err = service.Navigate(context.Background(), request(t, map[string]any{"session_id": id, "index": 1}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state, _ = api.FromStructViewState(resp)
	if state.Navigation.Current == nil || state.Navigation.Current.Type != models.EventHypopnea {
		t.Fatalf("expected hypopnea at index 1, got %+v", state.Navigation.Current)
	}
}

func TestNavigateRejectsUnknownCommand(t *testing.T) {
	service := NewViewerService(nil, &fakeBackend{}, SessionOptions{})
	id := openSession(t, service)
	_, err := service.Navigate(context.Background(), request(t, map[string]any{"session_id": id, "command": "sideways"}))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestRunAnalysisMapsFailureKinds(t *testing.T) {
	backend := &fakeBackend{analysisErr: utils.NewFetchError("run ahi analysis", utils.KindTimeout, "deadline exceeded", context.DeadlineExceeded)}
	service := NewViewerService(nil, backend, SessionOptions{})
	id := openSession(t, service)

	_, err := service.RunAnalysis(context.Background(), request(t, map[string]any{
		"session_id":   id,
		"flow_channel": "Flow",
		"spo2_channel": "SpO2",
	}))
	if status.Code(err) != codes.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	resp, err := service.GetViewState(context.Background(), request(t, map[string]any{"session_id": id}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state, _ := api.FromStructViewState(resp)
	if state.Error == nil || state.Error.Kind != utils.KindTimeout {
		t.Fatalf("expected timeout recorded in view state, got %+v", state.Error)
	}
}

func TestLoadAnalysisRejectsInvalidPayload(t *testing.T) {
	service := NewViewerService(nil, &fakeBackend{}, SessionOptions{})
	id := openSession(t, service)

	_, err := service.LoadAnalysis(context.Background(), request(t, map[string]any{
		"session_id": id,
		"payload": map[string]any{
			"apnea_events":    []any{},
			"hypopnea_events": []any{},
		},
	}))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestSetHistogramAndViewport(t *testing.T) {
	backend := &fakeBackend{payload: samplePayload()}
	service := NewViewerService(nil, backend, SessionOptions{})
	id := openSession(t, service)
	sess, err := service.Lookup(id)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if err := sess.Orchestrator.LoadAnalysis(samplePayload()); err != nil {
		t.Fatalf("load: %v", err)
	}

	resp, err := service.SetHistogram(context.Background(), request(t, map[string]any{
		"session_id": id,
		"bin_count":  4,
		"separated":  true,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state, _ := api.FromStructViewState(resp)
	if state.BinCount != 4 || !state.Separated || state.SeparatedHistogram == nil || len(state.SeparatedHistogram.Bins) != 4 {
		t.Fatalf("unexpected histogram state: %+v", state)
	}

	viewport := map[string]any{
		"session_id": id,
		"start_time": 12.0,
		"end_time":   18.0,
		"channels":   []any{"Flow"},
		"downsample": 1,
	}
	resp, err = service.SetViewport(context.Background(), request(t, viewport))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state, _ = api.FromStructViewState(resp)
	flow := state.Chunks["Flow"]
	if state.Viewport == nil || flow.Len() != 13 {
		t.Fatalf("expected 13 samples in [12,18], got %d", flow.Len())
	}
	if _, err := service.SetViewport(context.Background(), request(t, viewport)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if backend.windowCalls != 1 {
		t.Fatalf("repeat viewport should be served from cache, got %d calls", backend.windowCalls)
	}
}

func TestLoadChannelStats(t *testing.T) {
	service := NewViewerService(nil, &fakeBackend{}, SessionOptions{})
	id := openSession(t, service)

	resp, err := service.LoadChannelStats(context.Background(), request(t, map[string]any{
		"session_id": id,
		"channels":   []any{"SpO2"},
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state, _ := api.FromStructViewState(resp)
	if len(state.ChannelStats) != 1 || state.ChannelStats[0].TotalSamples != "7,200" || state.ChannelStats[0].Duration != "02:00:00" {
		t.Fatalf("unexpected stats rows: %+v", state.ChannelStats)
	}
	if state.ChannelRanges["SpO2"].Max != 100 {
		t.Fatalf("unexpected ranges: %+v", state.ChannelRanges)
	}
}

func TestLoadChannelStatsFailureReachesViewState(t *testing.T) {
	backend := &fakeBackend{statsErr: utils.NewFetchError("channel stats", utils.KindTimeout, "deadline exceeded", context.DeadlineExceeded)}
	service := NewViewerService(nil, backend, SessionOptions{})
	id := openSession(t, service)

	sess, err := service.session(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var notified []utils.ErrorKind
	sess.Orchestrator.Subscribe(func(s analysis.ViewState) {
		if s.Error != nil {
			notified = append(notified, s.Error.Kind)
		}
	})

	_, err = service.LoadChannelStats(context.Background(), request(t, map[string]any{
		"session_id": id,
		"channels":   []any{"SpO2"},
	}))
	if status.Code(err) != codes.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	resp, err := service.GetViewState(context.Background(), request(t, map[string]any{"session_id": id}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state, _ := api.FromStructViewState(resp)
	if state.Error == nil || state.Error.Kind != utils.KindTimeout {
		t.Fatalf("expected timeout recorded in view state, got %+v", state.Error)
	}
	if len(notified) != 1 || notified[0] != utils.KindTimeout {
		t.Fatalf("expected watchers to observe the failure, got %v", notified)
	}
}

func TestUnknownSession(t *testing.T) {
	service := NewViewerService(nil, &fakeBackend{}, SessionOptions{})
	_, err := service.GetViewState(context.Background(), request(t, map[string]any{"session_id": "missing"}))
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = service.GetViewState(context.Background(), &structpb.Struct{})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestCloseAndSweepSessions(t *testing.T) {
	service := NewViewerService(nil, &fakeBackend{}, SessionOptions{})
	now := time.Date(2024, 3, 1, 22, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }

	closed := service.Open()
	idle := service.Open()
	active := service.Open()

	if _, err := service.CloseSession(context.Background(), request(t, map[string]any{"session_id": closed.ID})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case <-closed.Done():
	default:
		t.Fatalf("closed session should be torn down")
	}

	now = now.Add(20 * time.Minute)
	if _, err := service.Lookup(active.ID); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	now = now.Add(15 * time.Minute)

	if n := service.Sweep(30 * time.Minute); n != 1 {
		t.Fatalf("expected one expired session, got %d", n)
	}
	if _, err := service.Lookup(idle.ID); err == nil {
		t.Fatalf("idle session should be gone")
	}
	if _, err := service.Lookup(active.ID); err != nil {
		t.Fatalf("active session should survive: %v", err)
	}
	service.Shutdown()
	select {
	case <-active.Done():
	default:
		t.Fatalf("shutdown should close every session")
	}
}
