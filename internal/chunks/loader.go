// Package chunks retrieves and caches waveform windows for the active viewport.
package chunks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/somnolab/psg-viewer/internal/metrics"
	"github.com/somnolab/psg-viewer/internal/models"
	"github.com/somnolab/psg-viewer/internal/utils"
)

// DefaultFetchTimeout leaves room for server-side EDF processing of large files.
const DefaultFetchTimeout = 5 * time.Minute

// Transport retrieves sample windows for a set of channels.
type Transport interface {
	FetchChunk(ctx context.Context, channels []string, start, end float64, downsample int) (map[string]models.SignalChunk, error)
}

// Result is the outcome of one window request.
type Result struct {
	Viewport   models.ViewportWindow
	Generation uint64
	Chunks     map[string]models.SignalChunk
	// Stale is set when the viewport advanced before the data arrived. The data
	// was cached but not applied.
	Stale     bool
	FromCache bool
}

// Empty reports whether no requested channel returned samples.
func (r Result) Empty() bool {
	for _, chunk := range r.Chunks {
		if chunk.Len() > 0 {
			return false
		}
	}
	return true
}

// ApplyFunc receives fresh results. It runs under the loader lock, so it must not
// call back into the Loader.
type ApplyFunc func(Result)

// Options tunes a Loader.
type Options struct {
	Granularity float64
	MaxSamples  int64
	Timeout     time.Duration
	Apply       ApplyFunc
}

// Stats is a point-in-time view of loader counters.
type Stats struct {
	Hits          int64
	Misses        int64
	Shared        int64
	Fetches       int64
	Evictions     int64
	Stale         int64
	Entries       int
	CachedSamples int64
}

type flight struct {
	done  chan struct{}
	chunk models.SignalChunk
	err   error
}

// Loader serves viewport windows from cache, deduplicates in-flight retrievals,
// and keeps stale responses out of the active view.
type Loader struct {
	transport Transport
	logger    *slog.Logger
	opts      Options
	latencies *utils.LatencyTracker

	mu         sync.Mutex
	cache      *Cache
	inflight   map[Key]*flight
	generation uint64
	latest     []Key
	stats      Stats

	ctx    context.Context
	cancel context.CancelFunc
}

// NewLoader constructs a Loader over transport.
func NewLoader(logger *slog.Logger, transport Transport, opts Options) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Granularity <= 0 {
		opts.Granularity = DefaultGranularity
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultFetchTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		transport: transport,
		logger:    logger,
		opts:      opts,
		latencies: utils.NewLatencyTracker(256),
		cache:     NewCache(opts.MaxSamples),
		inflight:  make(map[Key]*flight),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetApply installs the callback that receives non-stale results.
func (l *Loader) SetApply(fn ApplyFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opts.Apply = fn
}

// SetViewport records v as the active window. The generation advances only when
// the snapped window differs from the current one.
func (l *Loader) SetViewport(v models.ViewportWindow) uint64 {
	keys := l.keysFor(v)

	l.mu.Lock()
	defer l.mu.Unlock()
	if !sameKeys(keys, l.latest) {
		l.generation++
		l.latest = keys
	}
	return l.generation
}

// Generation returns the active viewport generation.
func (l *Loader) Generation() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.generation
}

// RequestWindow makes v the active viewport and returns a chunk per channel.
// Cached windows resolve without a network call; identical outstanding
// retrievals are shared.
func (l *Loader) RequestWindow(ctx context.Context, v models.ViewportWindow) (Result, error) {
	if err := v.Validate(); err != nil {
		return Result{}, utils.NewFetchError("request window", utils.KindValidation, "invalid viewport", err)
	}
	if l.transport == nil {
		return Result{}, utils.NewFetchError("request window", utils.KindTransport, "no transport configured", nil)
	}
	gen := l.SetViewport(v)
	keys := l.keysFor(v)

	chunks := make(map[string]models.SignalChunk, len(keys))
	waits := make(map[Key]*flight)
	var (
		missing []Key
		flights []*flight
	)

	l.mu.Lock()
	for _, key := range keys {
		if chunk, ok := l.cache.Lookup(key); ok {
			chunks[key.Channel] = chunk
			l.stats.Hits++
			metrics.ObserveLookup("hit")
			continue
		}
		if f, ok := l.inflight[key]; ok {
			waits[key] = f
			l.stats.Shared++
			metrics.ObserveLookup("shared")
			continue
		}
		f := &flight{done: make(chan struct{})}
		l.inflight[key] = f
		waits[key] = f
		missing = append(missing, key)
		flights = append(flights, f)
		l.stats.Misses++
		metrics.ObserveLookup("miss")
	}
	if len(missing) > 0 {
		l.stats.Fetches++
		go l.fetch(l.ctx, missing, flights)
	}
	l.mu.Unlock()

	fromCache := len(waits) == 0
	for key, f := range waits {
		select {
		case <-f.done:
		case <-ctx.Done():
			return Result{}, utils.NewFetchError("request window", utils.KindCanceled, "request abandoned", ctx.Err())
		}
		if f.err != nil {
			return l.failed(v, gen, f.err)
		}
		chunks[key.Channel] = f.chunk
	}

	for channel, chunk := range chunks {
		chunks[channel] = chunk.Slice(v.Start, v.End)
	}
	res := Result{Viewport: v, Generation: gen, Chunks: chunks, FromCache: fromCache}

	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.generation {
		res.Stale = true
		l.stats.Stale++
		metrics.ObserveStale()
		l.logger.Debug("discarding stale window", slog.Uint64("generation", gen), slog.Uint64("active", l.generation))
		return res, nil
	}
	if l.opts.Apply != nil {
		l.opts.Apply(res)
	}
	return res, nil
}

// failed reports err unless the viewport moved on while the retrieval was
// outstanding, in which case the request is stale and the error is dropped.
func (l *Loader) failed(v models.ViewportWindow, gen uint64, err error) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen == l.generation {
		return Result{}, err
	}
	l.stats.Stale++
	metrics.ObserveStale()
	l.logger.Debug("discarding stale window failure",
		slog.Uint64("generation", gen),
		slog.Uint64("active", l.generation),
		slog.Any("error", err))
	return Result{Viewport: v, Generation: gen, Stale: true}, nil
}

// Cancel aborts outstanding retrievals and invalidates the active viewport.
// Later requests use a fresh context and never join a cancelled retrieval.
func (l *Loader) Cancel() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancel()
	l.ctx, l.cancel = context.WithCancel(context.Background())
	clear(l.inflight)
	l.generation++
	l.latest = nil
}

// Close aborts outstanding retrievals and drops the cache.
func (l *Loader) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancel()
	l.cache.Clear()
	metrics.SetCachedSamples(0)
}

// Stats returns a snapshot of the loader counters.
func (l *Loader) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	s.Entries = l.cache.Len()
	s.CachedSamples = l.cache.Samples()
	return s
}

// fetch retrieves keys in one call and completes flights, which holds the
// flight issued for each key in order.
func (l *Loader) fetch(parent context.Context, keys []Key, flights []*flight) {
	ctx, cancel := context.WithTimeout(parent, l.opts.Timeout)
	defer cancel()

	channels := make([]string, 0, len(keys))
	for _, key := range keys {
		channels = append(channels, key.Channel)
	}
	start, end, downsample := keys[0].Start, keys[0].End, keys[0].Downsample

	began := time.Now()
	fetched, err := l.transport.FetchChunk(ctx, channels, start, end, downsample)
	elapsed := time.Since(began)
	err = classify(err)

	l.latencies.Observe(elapsed)
	if err != nil {
		metrics.ObserveFetch(elapsed, metrics.OutcomeError)
		l.logger.Warn("window retrieval failed",
			slog.Any("channels", channels),
			slog.Float64("start", start),
			slog.Float64("end", end),
			slog.Any("error", err))
	} else {
		metrics.ObserveFetch(elapsed, metrics.OutcomeSuccess)
	}
	if count := l.latencies.Count(); count >= 20 && count%20 == 0 {
		l.logger.Info("window retrieval latency", slog.Duration("p95", l.latencies.Percentile(95)), slog.Int("samples", count))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for i, key := range keys {
		f := flights[i]
		if l.inflight[key] == f {
			delete(l.inflight, key)
		}
		switch chunk, ok := fetched[key.Channel]; {
		case err != nil:
			f.err = err
		case !ok:
			f.err = utils.NewFetchError("request window", utils.KindValidation, fmt.Sprintf("response missing channel %q", key.Channel), nil)
		default:
			chunk.Channel = key.Channel
			chunk.Start, chunk.End, chunk.Downsample = key.Start, key.End, key.Downsample
			f.chunk = chunk
			evicted, _ := l.cache.Put(key, chunk)
			l.stats.Evictions += int64(evicted)
			metrics.ObserveEvictions(evicted)
		}
		close(f.done)
	}
	metrics.SetCachedSamples(l.cache.Samples())
}

func (l *Loader) keysFor(v models.ViewportWindow) []Key {
	keys := make([]Key, 0, len(v.Channels))
	seen := make(map[string]struct{}, len(v.Channels))
	for _, channel := range v.Channels {
		if _, dup := seen[channel]; dup {
			continue
		}
		seen[channel] = struct{}{}
		keys = append(keys, KeyFor(channel, v.Start, v.End, v.Downsample, l.opts.Granularity))
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Channel < keys[j].Channel })
	return keys
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*utils.FetchError); ok {
		return err
	}
	return utils.NewFetchError("request window", utils.KindOf(err), "retrieval failed", err)
}

func sameKeys(a, b []Key) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
