package chunks

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/somnolab/psg-viewer/internal/models"
	"github.com/somnolab/psg-viewer/internal/utils"
)

type fakeTransport struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	err     error
}

func newFakeTransport(blocking bool) *fakeTransport {
	ft := &fakeTransport{started: make(chan struct{}, 16)}
	if blocking {
		ft.release = make(chan struct{})
	}
	return ft
}

func (f *fakeTransport) FetchChunk(ctx context.Context, channels []string, start, end float64, downsample int) (map[string]models.SignalChunk, error) {
	f.calls.Add(1)
	f.started <- struct{}{}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]models.SignalChunk, len(channels))
	for _, ch := range channels {
		out[ch] = syntheticChunk(ch, start, end, 2)
	}
	return out, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func viewport(start, end float64, channels ...string) models.ViewportWindow {
	return models.ViewportWindow{Start: start, End: end, Channels: channels, Downsample: 1}
}

func TestRequestWindowCachesResult(t *testing.T) {
	transport := newFakeTransport(false)
	loader := NewLoader(nil, transport, Options{Granularity: 10})

	res, err := loader.RequestWindow(context.Background(), viewport(12, 28, "Flow", "SpO2"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.FromCache || res.Stale || len(res.Chunks) != 2 {
		t.Fatalf("unexpected first result: %+v", res)
	}
	flow := res.Chunks["Flow"]
	if flow.Len() == 0 || flow.Timestamps[0] < 12 || flow.Timestamps[flow.Len()-1] > 28 {
		t.Fatalf("expected chunk sliced to requested window, got %v..%v", flow.Timestamps[0], flow.Timestamps[flow.Len()-1])
	}

	// a small pan inside the snapped window is served from cache
	res, err = loader.RequestWindow(context.Background(), viewport(14, 26, "Flow"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.FromCache {
		t.Fatalf("expected cache hit")
	}
	if got := transport.calls.Load(); got != 1 {
		t.Fatalf("expected one network call, got %d", got)
	}
	if stats := loader.Stats(); stats.Hits != 1 || stats.Misses != 2 || stats.Entries != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestConcurrentIdenticalRequestsShareOneCall(t *testing.T) {
	transport := newFakeTransport(true)
	loader := NewLoader(nil, transport, Options{Granularity: 10})
	v := viewport(0, 30, "Flow")

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = loader.RequestWindow(context.Background(), v)
	}()
	<-transport.started

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = loader.RequestWindow(context.Background(), v)
	}()
	waitFor(t, func() bool { return loader.Stats().Shared == 1 })

	close(transport.release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if results[i].Stale {
			t.Fatalf("request %d unexpectedly stale", i)
		}
	}
	if got := transport.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one network call, got %d", got)
	}
}

func TestStaleResponseIsCachedButNotApplied(t *testing.T) {
	transport := newFakeTransport(true)
	var applied []Result
	loader := NewLoader(nil, transport, Options{
		Granularity: 10,
		Apply:       func(r Result) { applied = append(applied, r) },
	})

	first := viewport(0, 30, "Flow")
	done := make(chan Result, 1)
	go func() {
		res, err := loader.RequestWindow(context.Background(), first)
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		done <- res
	}()
	<-transport.started

	loader.SetViewport(viewport(600, 630, "Flow"))
	close(transport.release)

	res := <-done
	if !res.Stale {
		t.Fatalf("expected stale result")
	}
	if len(applied) != 0 {
		t.Fatalf("stale result must not be applied, got %d applications", len(applied))
	}
	if loader.Stats().Stale != 1 {
		t.Fatalf("expected stale counter to increment")
	}

	again, err := loader.RequestWindow(context.Background(), first)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !again.FromCache || again.Stale {
		t.Fatalf("expected cached, fresh result, got %+v", again)
	}
	if transport.calls.Load() != 1 {
		t.Fatalf("stale response should have been cached")
	}
	if len(applied) != 1 {
		t.Fatalf("expected fresh result to be applied once, got %d", len(applied))
	}
}

func TestSetViewportSameWindowKeepsGeneration(t *testing.T) {
	loader := NewLoader(nil, newFakeTransport(false), Options{Granularity: 10})
	g1 := loader.SetViewport(viewport(11, 19, "Flow"))
	g2 := loader.SetViewport(viewport(12, 18, "Flow"))
	if g1 != g2 {
		t.Fatalf("pan within one snapped window should not advance generation: %d -> %d", g1, g2)
	}
	g3 := loader.SetViewport(viewport(12, 18, "Flow", "SpO2"))
	if g3 == g2 {
		t.Fatalf("channel toggle should advance generation")
	}
}

func TestRequestWindowTypedFailure(t *testing.T) {
	transport := newFakeTransport(false)
	transport.err = utils.NewFetchError("fetch", utils.KindTimeout, "deadline", context.DeadlineExceeded)
	loader := NewLoader(nil, transport, Options{})

	_, err := loader.RequestWindow(context.Background(), viewport(0, 10, "Flow"))
	if utils.KindOf(err) != utils.KindTimeout {
		t.Fatalf("expected timeout kind, got %v", err)
	}

	transport.err = errors.New("connection refused")
	_, err = loader.RequestWindow(context.Background(), viewport(0, 10, "Flow"))
	if utils.KindOf(err) != utils.KindTransport {
		t.Fatalf("expected transport kind, got %v", err)
	}
	if loader.Stats().Entries != 0 {
		t.Fatalf("failed fetches must not populate the cache")
	}
}

func TestRequestWindowRejectsInvalidViewport(t *testing.T) {
	loader := NewLoader(nil, newFakeTransport(false), Options{})
	_, err := loader.RequestWindow(context.Background(), viewport(30, 10, "Flow"))
	if utils.KindOf(err) != utils.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRequestWindowRejectsNonFiniteBounds(t *testing.T) {
	for _, v := range []models.ViewportWindow{
		viewport(math.NaN(), 20, "Flow"),
		viewport(0, math.NaN(), "Flow"),
		viewport(0, math.Inf(1), "Flow"),
		viewport(math.Inf(-1), 10, "Flow"),
	} {
		transport := newFakeTransport(false)
		loader := NewLoader(nil, transport, Options{})

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err := loader.RequestWindow(ctx, v)
		cancel()
		if utils.KindOf(err) != utils.KindValidation {
			t.Fatalf("%g..%g: expected validation error, got %v", v.Start, v.End, err)
		}
		if calls := transport.calls.Load(); calls != 0 {
			t.Fatalf("%g..%g: expected no network call, got %d", v.Start, v.End, calls)
		}
		loader.mu.Lock()
		pending := len(loader.inflight)
		loader.mu.Unlock()
		if pending != 0 {
			t.Fatalf("%g..%g: expected no outstanding retrievals, got %d", v.Start, v.End, pending)
		}
	}
}

func TestCancelAbortsOutstandingFetch(t *testing.T) {
	transport := newFakeTransport(true)
	loader := NewLoader(nil, transport, Options{})

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := loader.RequestWindow(context.Background(), viewport(0, 10, "Flow"))
		done <- outcome{res, err}
	}()
	<-transport.started
	loader.Cancel()

	select {
	case got := <-done:
		if got.err != nil || !got.res.Stale {
			t.Fatalf("expected cancelled request to resolve stale without error, got %+v, %v", got.res, got.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cancel did not abort the transport")
	}
}

func TestRequestAfterCancelStartsFreshFetch(t *testing.T) {
	transport := newFakeTransport(true)
	loader := NewLoader(nil, transport, Options{Granularity: 10})
	v := viewport(0, 10, "Flow")

	first := make(chan error, 1)
	go func() {
		_, err := loader.RequestWindow(context.Background(), v)
		first <- err
	}()
	<-transport.started
	loader.Cancel()
	if err := <-first; err != nil {
		t.Fatalf("cancelled request should resolve quietly, got %v", err)
	}

	type outcome struct {
		res Result
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		res, err := loader.RequestWindow(context.Background(), v)
		second <- outcome{res, err}
	}()
	select {
	case <-transport.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("request after cancel joined the aborted retrieval instead of fetching")
	}
	close(transport.release)

	got := <-second
	if got.err != nil {
		t.Fatalf("unexpected error: %v", got.err)
	}
	if got.res.Stale || got.res.Chunks["Flow"].Len() == 0 {
		t.Fatalf("expected fresh data, got %+v", got.res)
	}
	if calls := transport.calls.Load(); calls != 2 {
		t.Fatalf("expected two network calls, got %d", calls)
	}
	if stats := loader.Stats(); stats.Shared != 0 {
		t.Fatalf("request after cancel must not share the aborted retrieval: %+v", stats)
	}
}

func TestSupersededFailureIsStale(t *testing.T) {
	transport := newFakeTransport(true)
	transport.err = utils.NewFetchError("fetch", utils.KindTimeout, "deadline", context.DeadlineExceeded)
	var applied int
	loader := NewLoader(nil, transport, Options{
		Granularity: 10,
		Apply:       func(Result) { applied++ },
	})

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := loader.RequestWindow(context.Background(), viewport(0, 30, "Flow"))
		done <- outcome{res, err}
	}()
	<-transport.started

	loader.SetViewport(viewport(600, 630, "Flow"))
	close(transport.release)

	got := <-done
	if got.err != nil {
		t.Fatalf("failure of a superseded window must not be reported, got %v", got.err)
	}
	if !got.res.Stale {
		t.Fatalf("expected stale result, got %+v", got.res)
	}
	if applied != 0 {
		t.Fatalf("stale failure must not be applied")
	}
	if stats := loader.Stats(); stats.Stale != 1 || stats.Entries != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestCurrentFailureIsReported(t *testing.T) {
	transport := newFakeTransport(true)
	transport.err = utils.NewFetchError("fetch", utils.KindTimeout, "deadline", context.DeadlineExceeded)
	loader := NewLoader(nil, transport, Options{Granularity: 10})

	errCh := make(chan error, 1)
	go func() {
		_, err := loader.RequestWindow(context.Background(), viewport(0, 30, "Flow"))
		errCh <- err
	}()
	<-transport.started

	// a pan inside the same snapped window keeps the request current
	loader.SetViewport(viewport(2, 28, "Flow"))
	close(transport.release)

	if err := <-errCh; utils.KindOf(err) != utils.KindTimeout {
		t.Fatalf("expected timeout kind, got %v", err)
	}
}

func TestWaiterContextDoesNotAbortSharedFetch(t *testing.T) {
	transport := newFakeTransport(true)
	loader := NewLoader(nil, transport, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := loader.RequestWindow(ctx, viewport(0, 10, "Flow"))
		errCh <- err
	}()
	<-transport.started
	cancel()
	if err := <-errCh; utils.KindOf(err) != utils.KindCanceled {
		t.Fatalf("expected abandoned waiter to see canceled, got %v", err)
	}

	close(transport.release)
	waitFor(t, func() bool { return loader.Stats().Entries == 1 })
}

func TestEvictionUnderBudget(t *testing.T) {
	transport := newFakeTransport(false)
	loader := NewLoader(nil, transport, Options{Granularity: 10, MaxSamples: 50})

	for i := 0; i < 5; i++ {
		start := float64(i * 100)
		if _, err := loader.RequestWindow(context.Background(), viewport(start, start+20, "Flow")); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	stats := loader.Stats()
	if stats.CachedSamples > 50 {
		t.Fatalf("cache exceeded budget: %d", stats.CachedSamples)
	}
	if stats.Evictions == 0 {
		t.Fatalf("expected evictions")
	}
}
