package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/somnolab/psg-viewer/internal/analysis"
	"github.com/somnolab/psg-viewer/internal/api"
	"github.com/somnolab/psg-viewer/internal/models"
	"github.com/somnolab/psg-viewer/internal/navigator"
	"github.com/somnolab/psg-viewer/internal/utils"
)

var errSessionNotFound = errors.New("session not found")

// ViewerService implements the gRPC Viewer service over a set of sessions.
type ViewerService struct {
	logger  *slog.Logger
	backend AnalysisService
	opts    SessionOptions
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewViewerService constructs the session registry.
func NewViewerService(logger *slog.Logger, backend AnalysisService, opts SessionOptions) *ViewerService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ViewerService{
		logger:   logger,
		backend:  backend,
		opts:     opts,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Open starts a new session.
func (s *ViewerService) Open() *Session {
	sess := newSession(s.logger, s.backend, s.opts, s.now())
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	count := len(s.sessions)
	s.mu.Unlock()
	s.logger.Info("session opened", slog.String("session_id", sess.ID), slog.Int("active", count))
	return sess
}

// Lookup returns a live session and marks it active.
func (s *ViewerService) Lookup(id string) (*Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", errSessionNotFound, id)
	}
	sess.Touch(s.now())
	return sess, nil
}

// Close tears down a session and reports whether it existed.
func (s *ViewerService) Close(id string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if ok {
		sess.Close()
		s.logger.Info("session closed", slog.String("session_id", id))
	}
	return ok
}

// Sweep closes sessions idle for longer than ttl and returns how many were closed.
func (s *ViewerService) Sweep(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := s.now().Add(-ttl)
	var expired []*Session
	s.mu.Lock()
	for id, sess := range s.sessions {
		if sess.IdleSince().Before(cutoff) {
			expired = append(expired, sess)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()
	for _, sess := range expired {
		sess.Close()
		s.logger.Info("session expired", slog.String("session_id", sess.ID))
	}
	return len(expired)
}

// RunSweeper expires idle sessions every interval until ctx is done.
func (s *ViewerService) RunSweeper(ctx context.Context, ttl, interval time.Duration) {
	if ttl <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ttl)
		}
	}
}

// Shutdown closes every session.
func (s *ViewerService) Shutdown() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
}

// OpenSession creates a session and returns its id.
func (s *ViewerService) OpenSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess := s.Open()
	return encode(api.SessionResponse{SessionID: sess.ID})
}

// CloseSession tears down a session.
func (s *ViewerService) CloseSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in, err := api.DecodeRequest[api.SessionRequest](req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	id, err := api.RequireSession(in.SessionID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if !s.Close(id) {
		return nil, status.Error(codes.NotFound, fmt.Sprintf("session %s not found", id))
	}
	return encode(api.SessionResponse{SessionID: id})
}

// RunAnalysis runs AHI analysis for the session.
func (s *ViewerService) RunAnalysis(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in, err := api.DecodeRequest[api.RunAnalysisRequest](req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	sess, err := s.session(in.SessionID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.FlowChannel) == "" || strings.TrimSpace(in.SpO2Channel) == "" {
		return nil, status.Error(codes.InvalidArgument, "flow_channel and spo2_channel are required")
	}

	start := time.Now()
	if err := sess.Orchestrator.RunAnalysis(ctx, in.FlowChannel, in.SpO2Channel); err != nil {
		return nil, toStatus(err)
	}
	s.logger.Debug("analysis completed", slog.String("session_id", sess.ID), slog.Duration("elapsed", time.Since(start)))
	return viewState(sess.Orchestrator.ViewState())
}

// LoadAnalysis installs a caller-supplied analysis payload.
func (s *ViewerService) LoadAnalysis(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in, err := api.DecodeRequest[api.LoadAnalysisRequest](req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	sess, err := s.session(in.SessionID)
	if err != nil {
		return nil, err
	}
	if err := sess.Orchestrator.LoadAnalysis(in.Payload); err != nil {
		return nil, toStatus(err)
	}
	return viewState(sess.Orchestrator.ViewState())
}

// LoadChannelStats fetches statistics and global ranges for the channels.
func (s *ViewerService) LoadChannelStats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in, err := api.DecodeRequest[api.ChannelsRequest](req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	sess, err := s.session(in.SessionID)
	if err != nil {
		return nil, err
	}
	if len(in.Channels) == 0 {
		return nil, status.Error(codes.InvalidArgument, "channels are required")
	}
	if s.backend == nil {
		return nil, status.Error(codes.FailedPrecondition, "analysis service not configured")
	}

	var (
		stats  map[string]models.ChannelStats
		ranges map[string]models.ChannelRange
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		stats, err = s.backend.FetchChannelStats(gctx, in.Channels)
		return err
	})
	g.Go(func() error {
		var err error
		ranges, err = s.backend.FetchChannelRanges(gctx, in.Channels)
		return err
	})
	if err := g.Wait(); err != nil {
		s.logger.Warn("channel statistics unavailable", slog.String("session_id", sess.ID), slog.Any("error", err))
		sess.Orchestrator.RecordError(err)
		return nil, toStatus(err)
	}

	sess.Orchestrator.SetChannelStats(stats)
	return viewState(sess.Orchestrator.SetChannelRanges(ranges))
}

// Navigate moves the event cursor by command or index.
func (s *ViewerService) Navigate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in, err := api.DecodeRequest[api.NavigateRequest](req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	sess, err := s.session(in.SessionID)
	if err != nil {
		return nil, err
	}
	if in.Index != nil {
		return viewState(sess.Orchestrator.SeekEvent(*in.Index))
	}
	cmd, err := navigator.ParseCommand(in.Command)
	if err != nil {
		return nil, toStatus(err)
	}
	return viewState(sess.Orchestrator.Navigate(cmd))
}

// SetHistogram updates the bin count and separation mode.
func (s *ViewerService) SetHistogram(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in, err := api.DecodeRequest[api.HistogramRequest](req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	sess, err := s.session(in.SessionID)
	if err != nil {
		return nil, err
	}
	if in.BinCount != nil {
		sess.Orchestrator.SetBinCount(*in.BinCount)
	}
	if in.Separated != nil {
		sess.Orchestrator.SetSeparated(*in.Separated)
	}
	return viewState(sess.Orchestrator.ViewState())
}

// SetViewport loads the samples for the visible window.
func (s *ViewerService) SetViewport(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in, err := api.DecodeRequest[api.ViewportRequest](req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	sess, err := s.session(in.SessionID)
	if err != nil {
		return nil, err
	}
	res, err := sess.Orchestrator.SetViewport(ctx, in.ViewportWindow)
	if err != nil {
		return nil, toStatus(err)
	}
	if res.Stale {
		s.logger.Debug("viewport superseded", slog.String("session_id", sess.ID), slog.Uint64("generation", res.Generation))
	}
	return viewState(sess.Orchestrator.ViewState())
}

// ClearError dismisses the session's error state.
func (s *ViewerService) ClearError(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.sessionFrom(req)
	if err != nil {
		return nil, err
	}
	return viewState(sess.Orchestrator.ClearError())
}

// GetViewState returns the current snapshot.
func (s *ViewerService) GetViewState(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.sessionFrom(req)
	if err != nil {
		return nil, err
	}
	return viewState(sess.Orchestrator.ViewState())
}

// WatchViewState streams the current snapshot followed by every change until
// the client disconnects or the session closes. Slow receivers only see the
// latest snapshot.
func (s *ViewerService) WatchViewState(req *structpb.Struct, stream api.ViewStateStream) error {
	sess, err := s.sessionFrom(req)
	if err != nil {
		return err
	}

	updates := make(chan analysis.ViewState, 1)
	unsubscribe := sess.Orchestrator.Subscribe(func(state analysis.ViewState) {
		for {
			select {
			case updates <- state:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	defer unsubscribe()

	if err := sendState(stream, sess.Orchestrator.ViewState()); err != nil {
		return err
	}
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sess.Done():
			return nil
		case state := <-updates:
			if err := sendState(stream, state); err != nil {
				return err
			}
		}
	}
}

func (s *ViewerService) sessionFrom(req *structpb.Struct) (*Session, error) {
	in, err := api.DecodeRequest[api.SessionRequest](req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return s.session(in.SessionID)
}

func (s *ViewerService) session(id string) (*Session, error) {
	id, err := api.RequireSession(id)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	sess, err := s.Lookup(id)
	if err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	return sess, nil
}

func sendState(stream api.ViewStateStream, state analysis.ViewState) error {
	msg, err := api.ToStructViewState(state)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return stream.Send(msg)
}

func viewState(state analysis.ViewState) (*structpb.Struct, error) {
	msg, err := api.ToStructViewState(state)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return msg, nil
}

func encode(v any) (*structpb.Struct, error) {
	msg, err := api.EncodeResponse(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return msg, nil
}

// toStatus maps failure kinds onto gRPC codes.
func toStatus(err error) error {
	switch utils.KindOf(err) {
	case utils.KindValidation:
		return status.Error(codes.InvalidArgument, err.Error())
	case utils.KindTimeout:
		return status.Error(codes.DeadlineExceeded, err.Error())
	case utils.KindCanceled:
		return status.Error(codes.Canceled, err.Error())
	case utils.KindEmpty:
		return status.Error(codes.NotFound, err.Error())
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}
