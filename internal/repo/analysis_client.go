package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/somnolab/psg-viewer/internal/models"
	"github.com/somnolab/psg-viewer/internal/utils"
)

// MaxChannelsPerRequest is the multi-channel endpoint's channel limit.
const MaxChannelsPerRequest = 5

// Paths locates the analysis service endpoints below the base URL.
type Paths struct {
	Window      string
	MultiWindow string
	Ranges      string
	Stats       string
	AHI         string
}

// DefaultPaths matches the analysis service's stock routes.
func DefaultPaths() Paths {
	return Paths{
		Window:      "/api/signal/window",
		MultiWindow: "/api/signal/multi-window",
		Ranges:      "/api/signal/ranges",
		Stats:       "/api/signal/stats",
		AHI:         "/api/analysis/ahi",
	}
}

// AnalysisClient talks to the remote service that parses recordings and detects events.
type AnalysisClient struct {
	baseURL    string
	paths      Paths
	httpClient *http.Client
}

// NewAnalysisClient constructs a client targeting the configured analysis service.
// Server-side EDF processing is slow, so timeout should be minutes rather than seconds.
func NewAnalysisClient(baseURL string, paths Paths, timeout time.Duration) *AnalysisClient {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &AnalysisClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		paths:      paths,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type sampleSeries struct {
	Timestamps []float64 `json:"timestamps"`
	Values     []float64 `json:"values"`
}

func (s sampleSeries) chunk(channel string, start, end float64, downsample int) (models.SignalChunk, error) {
	if s.Values == nil || s.Timestamps == nil {
		return models.SignalChunk{}, fmt.Errorf("channel %q: timestamps and values are required", channel)
	}
	if len(s.Timestamps) != len(s.Values) {
		return models.SignalChunk{}, fmt.Errorf("channel %q: %d timestamps for %d values", channel, len(s.Timestamps), len(s.Values))
	}
	return models.SignalChunk{
		Channel:    channel,
		Start:      start,
		End:        end,
		Downsample: downsample,
		Timestamps: s.Timestamps,
		Values:     s.Values,
	}, nil
}

// FetchWindow retrieves one channel's samples for [start, end].
func (c *AnalysisClient) FetchWindow(ctx context.Context, channel string, start, end float64, downsample int) (models.SignalChunk, error) {
	const op = "fetch window"
	if err := c.ready(op); err != nil {
		return models.SignalChunk{}, err
	}

	payload := map[string]any{
		"channel":    channel,
		"start_time": start,
		"end_time":   end,
		"downsample": downsample,
	}
	var response struct {
		Channel string `json:"channel"`
		sampleSeries
	}
	if err := c.postJSON(ctx, op, c.resolvePath(c.paths.Window), payload, &response); err != nil {
		return models.SignalChunk{}, err
	}

	chunk, err := response.chunk(channel, start, end, downsample)
	if err != nil {
		return models.SignalChunk{}, utils.NewFetchError(op, utils.KindValidation, "malformed window", err)
	}
	return chunk, nil
}

// FetchMultiWindow retrieves up to MaxChannelsPerRequest channels in one call.
func (c *AnalysisClient) FetchMultiWindow(ctx context.Context, channels []string, start, end float64, downsample int) (map[string]models.SignalChunk, error) {
	const op = "fetch multi window"
	if err := c.ready(op); err != nil {
		return nil, err
	}
	if len(channels) == 0 || len(channels) > MaxChannelsPerRequest {
		return nil, utils.ValidationError(op, fmt.Sprintf("between 1 and %d channels required, got %d", MaxChannelsPerRequest, len(channels)))
	}

	payload := map[string]any{
		"channels":   channels,
		"start_time": start,
		"end_time":   end,
		"downsample": downsample,
	}
	var response struct {
		Channels map[string]sampleSeries `json:"channels"`
	}
	if err := c.postJSON(ctx, op, c.resolvePath(c.paths.MultiWindow), payload, &response); err != nil {
		return nil, err
	}

	out := make(map[string]models.SignalChunk, len(channels))
	for _, ch := range channels {
		series, ok := response.Channels[ch]
		if !ok {
			return nil, utils.ValidationError(op, fmt.Sprintf("response missing channel %q", ch))
		}
		chunk, err := series.chunk(ch, start, end, downsample)
		if err != nil {
			return nil, utils.NewFetchError(op, utils.KindValidation, "malformed window", err)
		}
		out[ch] = chunk
	}
	return out, nil
}

// FetchChunk implements chunks.Transport. Channel sets larger than the
// multi-channel limit are split into batches fetched concurrently.
func (c *AnalysisClient) FetchChunk(ctx context.Context, channels []string, start, end float64, downsample int) (map[string]models.SignalChunk, error) {
	if len(channels) == 1 {
		chunk, err := c.FetchWindow(ctx, channels[0], start, end, downsample)
		if err != nil {
			return nil, err
		}
		return map[string]models.SignalChunk{channels[0]: chunk}, nil
	}

	batches := batchChannels(channels, MaxChannelsPerRequest)
	results := make([]map[string]models.SignalChunk, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(2)
	for i, batch := range batches {
		i, batch := i, batch
		g.Go(func() error {
			res, err := c.FetchMultiWindow(gctx, batch, start, end, downsample)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]models.SignalChunk, len(channels))
	for _, res := range results {
		for ch, chunk := range res {
			out[ch] = chunk
		}
	}
	return out, nil
}

// FetchChannelRanges retrieves the global min/max of each channel.
func (c *AnalysisClient) FetchChannelRanges(ctx context.Context, channels []string) (map[string]models.ChannelRange, error) {
	const op = "fetch channel ranges"
	if err := c.ready(op); err != nil {
		return nil, err
	}

	var response struct {
		Ranges map[string]models.ChannelRange `json:"ranges"`
	}
	if err := c.getJSON(ctx, op, c.channelQuery(c.paths.Ranges, channels), &response); err != nil {
		return nil, err
	}
	if response.Ranges == nil {
		return nil, utils.ValidationError(op, "response missing ranges")
	}
	return response.Ranges, nil
}

// FetchChannelStats retrieves descriptive statistics per channel.
func (c *AnalysisClient) FetchChannelStats(ctx context.Context, channels []string) (map[string]models.ChannelStats, error) {
	const op = "fetch channel stats"
	if err := c.ready(op); err != nil {
		return nil, err
	}

	var response struct {
		Stats map[string]models.ChannelStats `json:"stats"`
	}
	if err := c.getJSON(ctx, op, c.channelQuery(c.paths.Stats, channels), &response); err != nil {
		return nil, err
	}
	if response.Stats == nil {
		return nil, utils.ValidationError(op, "response missing stats")
	}
	return response.Stats, nil
}

// RunAHIAnalysis asks the service to detect apnea/hypopnea events from the flow and SpO2 channels.
func (c *AnalysisClient) RunAHIAnalysis(ctx context.Context, flowChannel, spo2Channel string) (models.AnalysisPayload, error) {
	const op = "run ahi analysis"
	if err := c.ready(op); err != nil {
		return models.AnalysisPayload{}, err
	}
	if strings.TrimSpace(flowChannel) == "" || strings.TrimSpace(spo2Channel) == "" {
		return models.AnalysisPayload{}, utils.ValidationError(op, "flow and spo2 channels are required")
	}

	payload := map[string]any{
		"flow_channel": flowChannel,
		"spo2_channel": spo2Channel,
	}
	var response models.AnalysisPayload
	if err := c.postJSON(ctx, op, c.resolvePath(c.paths.AHI), payload, &response); err != nil {
		return models.AnalysisPayload{}, err
	}

	var missing []string
	if response.Summary == nil {
		missing = append(missing, "ahi_analysis")
	}
	if response.ApneaEvents == nil {
		missing = append(missing, "apnea_events")
	}
	if response.HypopneaEvents == nil {
		missing = append(missing, "hypopnea_events")
	}
	if response.AllEvents == nil {
		missing = append(missing, "all_events")
	}
	if len(missing) > 0 {
		return models.AnalysisPayload{}, utils.ValidationError(op, "response missing "+strings.Join(missing, ", "))
	}
	return response, nil
}

func (c *AnalysisClient) ready(op string) error {
	if c == nil {
		return utils.NewFetchError(op, utils.KindTransport, "analysis client not initialised", nil)
	}
	if c.baseURL == "" {
		return utils.NewFetchError(op, utils.KindTransport, "analysis base URL not configured", nil)
	}
	return nil
}

func (c *AnalysisClient) channelQuery(p string, channels []string) string {
	endpoint := c.resolvePath(p)
	if len(channels) == 0 {
		return endpoint
	}
	return endpoint + "?" + url.Values{"channels": {strings.Join(channels, ",")}}.Encode()
}

func (c *AnalysisClient) resolvePath(p string) string {
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (c *AnalysisClient) postJSON(ctx context.Context, op, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return utils.NewFetchError(op, utils.KindValidation, "marshal payload", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return utils.NewFetchError(op, utils.KindTransport, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(op, req, out)
}

func (c *AnalysisClient) getJSON(ctx context.Context, op, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return utils.NewFetchError(op, utils.KindTransport, "build request", err)
	}
	return c.do(op, req, out)
}

func (c *AnalysisClient) do(op string, req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return utils.NewFetchError(op, transportKind(err), "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		kind := utils.KindTransport
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout {
			kind = utils.KindTimeout
		}
		msg := "analysis service returned " + resp.Status
		if trimmed := strings.TrimSpace(string(detail)); trimmed != "" {
			msg += ": " + trimmed
		}
		return utils.NewFetchError(op, kind, msg, nil)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if kind := transportKind(err); kind == utils.KindTimeout || kind == utils.KindCanceled {
			return utils.NewFetchError(op, kind, "reading response", err)
		}
		return utils.NewFetchError(op, utils.KindValidation, "decode response", err)
	}
	return nil
}

func transportKind(err error) utils.ErrorKind {
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return utils.KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return utils.KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return utils.KindTimeout
	default:
		return utils.KindTransport
	}
}

func batchChannels(channels []string, size int) [][]string {
	var batches [][]string
	for len(channels) > size {
		batches = append(batches, channels[:size:size])
		channels = channels[size:]
	}
	if len(channels) > 0 {
		batches = append(batches, channels)
	}
	return batches
}
