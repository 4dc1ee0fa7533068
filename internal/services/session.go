package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/somnolab/psg-viewer/internal/analysis"
	"github.com/somnolab/psg-viewer/internal/chunks"
	"github.com/somnolab/psg-viewer/internal/metrics"
	"github.com/somnolab/psg-viewer/internal/models"
)

// AnalysisService is the remote analysis backend used by a session.
type AnalysisService interface {
	chunks.Transport
	analysis.Fetcher
	FetchChannelStats(ctx context.Context, channels []string) (map[string]models.ChannelStats, error)
	FetchChannelRanges(ctx context.Context, channels []string) (map[string]models.ChannelRange, error)
}

// SessionOptions configures the state owned by each session.
type SessionOptions struct {
	Chunks   chunks.Options
	Analysis analysis.Options
}

// Session is the application state of one browsing session. It owns the
// orchestrator and the chunk loader and is torn down when the user leaves.
type Session struct {
	ID           string
	Orchestrator *analysis.Orchestrator
	Loader       *chunks.Loader

	createdAt time.Time
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	lastSeen time.Time
}

func newSession(logger *slog.Logger, backend AnalysisService, opts SessionOptions, now time.Time) *Session {
	id := uuid.NewString()
	logger = logger.With(slog.String("session_id", id))
	loader := chunks.NewLoader(logger, backend, opts.Chunks)
	metrics.SessionOpened()
	return &Session{
		ID:           id,
		Orchestrator: analysis.New(logger, backend, loader, opts.Analysis),
		Loader:       loader,
		createdAt:    now,
		lastSeen:     now,
		done:         make(chan struct{}),
	}
}

// Touch marks the session as active.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

// IdleSince returns the time of the last request.
func (s *Session) IdleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Done is closed when the session is torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close cancels outstanding retrievals, drops cached chunks and ends watchers.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.Loader.Close()
		s.Orchestrator.Close()
		metrics.SessionClosed()
	})
}
