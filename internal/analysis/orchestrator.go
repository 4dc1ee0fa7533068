// Package analysis composes the histogram, navigator, statistics formatter and
// chunk loader into one view state for a single browsing session.
package analysis

import (
	"context"
	"log/slog"
	"maps"
	"sync"

	"github.com/somnolab/psg-viewer/internal/chunks"
	"github.com/somnolab/psg-viewer/internal/histogram"
	"github.com/somnolab/psg-viewer/internal/metrics"
	"github.com/somnolab/psg-viewer/internal/models"
	"github.com/somnolab/psg-viewer/internal/navigator"
	"github.com/somnolab/psg-viewer/internal/statsfmt"
	"github.com/somnolab/psg-viewer/internal/utils"
)

// DefaultHintPadding is the margin, in seconds, placed around a navigated event.
const DefaultHintPadding = 5.0

// Fetcher runs AHI analysis on the analysis service.
type Fetcher interface {
	RunAHIAnalysis(ctx context.Context, flowChannel, spo2Channel string) (models.AnalysisPayload, error)
}

// WindowSource supplies waveform windows. *chunks.Loader satisfies it.
type WindowSource interface {
	RequestWindow(ctx context.Context, v models.ViewportWindow) (chunks.Result, error)
	SetApply(fn chunks.ApplyFunc)
	Cancel()
}

// Options tunes an Orchestrator.
type Options struct {
	// HintPadding of zero selects DefaultHintPadding; negative disables padding.
	HintPadding    float64
	StatsPrecision int
	Separated      bool
	BinCount       int
}

// Orchestrator owns the analysis view state of one session. Every transition
// produces a new ViewState delivered to subscribers in version order.
type Orchestrator struct {
	logger    *slog.Logger
	fetcher   Fetcher
	windows   WindowSource
	formatter *statsfmt.Formatter
	padding   float64

	// notifyMu orders deliveries. It is taken before mu is released.
	notifyMu sync.Mutex

	mu          sync.Mutex
	version     uint64
	summary     *models.AHISummary
	events      models.EventCollection
	hasAnalysis bool
	running     bool
	nav         *navigator.Navigator
	binCount    int
	separated   bool
	hist        *histogram.Result
	sepHist     *histogram.SeparatedResult
	durations   DurationStats
	statsRows   []statsfmt.Row
	ranges      map[string]models.ChannelRange
	viewport    *models.ViewportWindow
	chunks      map[string]models.SignalChunk
	lastErr     *ErrorState
	subscribers map[int]func(ViewState)
	nextSubID   int
}

// New constructs an Orchestrator. fetcher and windows may be nil when the
// corresponding operations are unused.
func New(logger *slog.Logger, fetcher Fetcher, windows WindowSource, opts Options) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HintPadding < 0 {
		opts.HintPadding = 0
	} else if opts.HintPadding == 0 {
		opts.HintPadding = DefaultHintPadding
	}
	o := &Orchestrator{
		logger:      logger,
		fetcher:     fetcher,
		windows:     windows,
		formatter:   statsfmt.New(opts.StatsPrecision),
		padding:     opts.HintPadding,
		nav:         navigator.New(nil),
		binCount:    max(opts.BinCount, 0),
		separated:   opts.Separated,
		statsRows:   []statsfmt.Row{},
		subscribers: make(map[int]func(ViewState)),
	}
	o.recomputeLocked()
	if windows != nil {
		windows.SetApply(o.applyWindow)
	}
	return o
}

// Subscribe registers fn for every future snapshot and returns a function that
// removes it. fn must not call mutating Orchestrator methods.
func (o *Orchestrator) Subscribe(fn func(ViewState)) (unsubscribe func()) {
	o.mu.Lock()
	id := o.nextSubID
	o.nextSubID++
	o.subscribers[id] = fn
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subscribers, id)
			o.mu.Unlock()
		})
	}
}

// ViewState returns the current snapshot.
func (o *Orchestrator) ViewState() ViewState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// LoadAnalysis validates payload and replaces the analysis atomically. On
// failure the previous analysis stays visible and the error state is set.
func (o *Orchestrator) LoadAnalysis(payload models.AnalysisPayload) error {
	collection, err := BuildCollection(payload)
	if err != nil {
		metrics.ObserveAnalysis(metrics.OutcomeError)
		o.logger.Warn("rejected analysis payload", slog.Any("error", err))
		o.update(func() { o.setErrorLocked(err) })
		return err
	}

	var summary *models.AHISummary
	if payload.Summary != nil {
		s := *payload.Summary
		summary = &s
	}
	metrics.ObserveAnalysis(metrics.OutcomeSuccess)
	o.logger.Info("analysis loaded",
		slog.Int("events", collection.Len()),
		slog.Int("apnea", len(collection.Apnea)),
		slog.Int("hypopnea", len(collection.Hypopnea)))

	o.update(func() {
		o.summary = summary
		o.events = collection
		o.hasAnalysis = true
		o.nav.Reset(collection.All)
		o.lastErr = nil
		o.recomputeLocked()
	})
	return nil
}

// RunAnalysis requests a new AHI analysis and loads the result. Outstanding
// window retrievals are cancelled first.
func (o *Orchestrator) RunAnalysis(ctx context.Context, flowChannel, spo2Channel string) error {
	const op = "run analysis"
	if o.fetcher == nil {
		err := utils.NewFetchError(op, utils.KindTransport, "analysis service not configured", nil)
		o.update(func() { o.setErrorLocked(err) })
		return err
	}
	if o.windows != nil {
		o.windows.Cancel()
	}

	o.update(func() { o.running = true })
	payload, err := o.fetcher.RunAHIAnalysis(ctx, flowChannel, spo2Channel)
	if err != nil {
		metrics.ObserveAnalysis(metrics.OutcomeError)
		o.logger.Error("ahi analysis failed",
			slog.String("flow_channel", flowChannel),
			slog.String("spo2_channel", spo2Channel),
			slog.Any("error", err))
		o.update(func() {
			o.running = false
			o.setErrorLocked(err)
		})
		return err
	}

	err = o.LoadAnalysis(payload)
	o.update(func() { o.running = false })
	return err
}

// SetBinCount fixes the histogram bin count; n <= 0 selects Sturges' rule.
func (o *Orchestrator) SetBinCount(n int) ViewState {
	return o.update(func() {
		o.binCount = max(n, 0)
		o.recomputeLocked()
	})
}

// SetSeparated switches between the combined and the per-type histogram.
func (o *Orchestrator) SetSeparated(separated bool) ViewState {
	return o.update(func() {
		o.separated = separated
		o.recomputeLocked()
	})
}

// Navigate moves the event cursor.
func (o *Orchestrator) Navigate(cmd navigator.Command) ViewState {
	return o.update(func() { o.nav.Apply(cmd) })
}

// SeekEvent moves the cursor to index i, clamped to the event range.
func (o *Orchestrator) SeekEvent(i int) ViewState {
	return o.update(func() { o.nav.Seek(i) })
}

// SetChannelStats replaces the channel statistics wholesale.
func (o *Orchestrator) SetChannelStats(stats map[string]models.ChannelStats) ViewState {
	rows := o.formatter.Table(stats)
	return o.update(func() { o.statsRows = rows })
}

// SetChannelRanges replaces the per-channel global value ranges.
func (o *Orchestrator) SetChannelRanges(ranges map[string]models.ChannelRange) ViewState {
	cp := maps.Clone(ranges)
	return o.update(func() { o.ranges = cp })
}

// SetViewport requests the samples for v. Fresh data is applied through the
// window source callback; stale responses are dropped silently.
func (o *Orchestrator) SetViewport(ctx context.Context, v models.ViewportWindow) (chunks.Result, error) {
	if o.windows == nil {
		err := utils.NewFetchError("set viewport", utils.KindTransport, "no window source configured", nil)
		o.update(func() { o.setErrorLocked(err) })
		return chunks.Result{}, err
	}
	res, err := o.windows.RequestWindow(ctx, v)
	if err != nil {
		if utils.KindOf(err) == utils.KindCanceled {
			o.logger.Debug("viewport request cancelled", slog.Any("error", err))
			return res, err
		}
		o.logger.Warn("viewport request failed", slog.Any("error", err))
		o.update(func() { o.setErrorLocked(err) })
		return res, err
	}
	return res, nil
}

// RecordError surfaces a failure raised outside the orchestrator's own
// operations. A nil err leaves the state unchanged.
func (o *Orchestrator) RecordError(err error) ViewState {
	if err == nil {
		return o.ViewState()
	}
	return o.update(func() { o.setErrorLocked(err) })
}

// ClearError dismisses the current error.
func (o *Orchestrator) ClearError() ViewState {
	return o.update(func() { o.lastErr = nil })
}

// Close drops all subscribers.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	clear(o.subscribers)
}

// applyWindow runs under the loader lock for non-stale results.
func (o *Orchestrator) applyWindow(res chunks.Result) {
	o.update(func() {
		v := res.Viewport
		v.Channels = append([]string(nil), v.Channels...)
		o.viewport = &v
		o.chunks = maps.Clone(res.Chunks)
	})
}

// update applies mutate under the state lock, then delivers the resulting
// snapshot outside of it.
func (o *Orchestrator) update(mutate func()) ViewState {
	o.mu.Lock()
	mutate()
	o.version++
	snap := o.snapshotLocked()
	subs := make([]func(ViewState), 0, len(o.subscribers))
	for _, fn := range o.subscribers {
		subs = append(subs, fn)
	}
	o.notifyMu.Lock()
	o.mu.Unlock()

	defer o.notifyMu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
	return snap
}

func (o *Orchestrator) setErrorLocked(err error) {
	o.lastErr = &ErrorState{Kind: utils.KindOf(err), Message: err.Error()}
}

func (o *Orchestrator) effectiveBinCount() int {
	if o.binCount > 0 {
		return o.binCount
	}
	return histogram.RecommendedBinCount(o.events.Len())
}

func (o *Orchestrator) recomputeLocked() {
	n := o.effectiveBinCount()
	if o.separated {
		res := histogram.ComputeSeparated(models.Durations(o.events.Apnea), models.Durations(o.events.Hypopnea), n)
		o.sepHist, o.hist = &res, nil
	} else {
		res := histogram.Compute(models.Durations(o.events.All), n)
		o.hist, o.sepHist = &res, nil
	}
	o.durations = DurationStats{
		All:      histogram.Summarize(models.Durations(o.events.All)),
		Apnea:    histogram.Summarize(models.Durations(o.events.Apnea)),
		Hypopnea: histogram.Summarize(models.Durations(o.events.Hypopnea)),
	}
}

func (o *Orchestrator) snapshotLocked() ViewState {
	s := ViewState{
		Version:     o.version,
		HasAnalysis: o.hasAnalysis,
		Running:     o.running,
		Counts: Counts{
			All:      o.events.Len(),
			Apnea:    len(o.events.Apnea),
			Hypopnea: len(o.events.Hypopnea),
		},
		NoEvents:           o.events.Len() == 0,
		BinCount:           o.effectiveBinCount(),
		AutoBins:           o.binCount == 0,
		Separated:          o.separated,
		Histogram:          o.hist,
		SeparatedHistogram: o.sepHist,
		DurationStats:      o.durations,
		ChannelStats:       o.statsRows,
		ChannelRanges:      o.ranges,
		Navigation: Navigation{
			Index:   o.nav.Index(),
			Len:     o.nav.Len(),
			IsFirst: o.nav.IsFirst(),
			IsLast:  o.nav.IsLast(),
		},
	}
	if o.summary != nil {
		summary := *o.summary
		s.Summary = &summary
	}
	if ev, ok := o.nav.Current(); ok {
		s.Navigation.Current = &ev
		s.Navigation.Hint = &models.TimeRange{
			Start: max(0, ev.StartTime-o.padding),
			End:   ev.EndTime + o.padding,
		}
	}
	if o.viewport != nil {
		v := *o.viewport
		s.Viewport = &v
		s.Chunks = maps.Clone(o.chunks)
		s.NoChunkData = chunks.Result{Chunks: o.chunks}.Empty()
	}
	if o.lastErr != nil {
		e := *o.lastErr
		s.Error = &e
	}
	return s
}
