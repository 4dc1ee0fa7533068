package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register should tolerate duplicates: %v", err)
	}
}

func TestObserveFetchNormalisesOutcome(t *testing.T) {
	before := testutil.ToFloat64(chunkFetchesTotal.WithLabelValues(OutcomeSuccess))
	ObserveFetch(-time.Second, "weird")
	after := testutil.ToFloat64(chunkFetchesTotal.WithLabelValues(OutcomeSuccess))
	if after-before != 1 {
		t.Fatalf("expected unknown outcome to count as success, delta=%v", after-before)
	}
}

func TestObserveEvictionsIgnoresZero(t *testing.T) {
	before := testutil.ToFloat64(chunkEvictionsTotal)
	ObserveEvictions(0)
	ObserveEvictions(3)
	if got := testutil.ToFloat64(chunkEvictionsTotal) - before; got != 3 {
		t.Fatalf("expected 3 evictions, got %v", got)
	}
}

func TestSessionGauge(t *testing.T) {
	before := testutil.ToFloat64(activeSessions)
	SessionOpened()
	SessionOpened()
	SessionClosed()
	if got := testutil.ToFloat64(activeSessions) - before; got != 1 {
		t.Fatalf("expected one live session, got %v", got)
	}
}
