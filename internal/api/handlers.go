package api

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/somnolab/psg-viewer/internal/analysis"
	"github.com/somnolab/psg-viewer/internal/models"
)

// SessionRequest addresses an existing session.
type SessionRequest struct {
	SessionID string `json:"session_id"`
}

// RunAnalysisRequest starts AHI analysis on the given channels.
type RunAnalysisRequest struct {
	SessionID   string `json:"session_id"`
	FlowChannel string `json:"flow_channel"`
	SpO2Channel string `json:"spo2_channel"`
}

// LoadAnalysisRequest installs an analysis payload obtained elsewhere.
type LoadAnalysisRequest struct {
	SessionID string                 `json:"session_id"`
	Payload   models.AnalysisPayload `json:"payload"`
}

// ChannelsRequest names channels for statistics and range lookups.
type ChannelsRequest struct {
	SessionID string   `json:"session_id"`
	Channels  []string `json:"channels"`
}

// NavigateRequest moves the event cursor by command or to an explicit index.
type NavigateRequest struct {
	SessionID string `json:"session_id"`
	Command   string `json:"command,omitempty"`
	Index     *int   `json:"index,omitempty"`
}

// HistogramRequest changes histogram settings. Absent fields are unchanged.
type HistogramRequest struct {
	SessionID string `json:"session_id"`
	BinCount  *int   `json:"bin_count,omitempty"`
	Separated *bool  `json:"separated,omitempty"`
}

// ViewportRequest selects the visible waveform window.
type ViewportRequest struct {
	SessionID string `json:"session_id"`
	models.ViewportWindow
}

// SessionResponse is returned by OpenSession.
type SessionResponse struct {
	SessionID string `json:"session_id"`
}

// DecodeRequest maps a Struct message onto T.
func DecodeRequest[T any](s *structpb.Struct) (T, error) {
	var out T
	if s == nil {
		return out, fmt.Errorf("request is nil")
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return out, fmt.Errorf("encode request: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode request: %w", err)
	}
	return out, nil
}

// EncodeResponse maps v onto a Struct message. v must encode as a JSON object.
func EncodeResponse(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("convert response: %w", err)
	}
	return out, nil
}

// ToStructViewState converts a snapshot for the wire.
func ToStructViewState(state analysis.ViewState) (*structpb.Struct, error) {
	return EncodeResponse(state)
}

// FromStructViewState decodes a snapshot received over the wire.
func FromStructViewState(s *structpb.Struct) (analysis.ViewState, error) {
	return DecodeRequest[analysis.ViewState](s)
}

// RequireSession extracts and checks a session id.
func RequireSession(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("session_id is required")
	}
	return id, nil
}
