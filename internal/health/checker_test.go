package health

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lineopthq/optimizer/internal/metrics"
)

func TestCheckerReadyConditions(t *testing.T) {
	store := metrics.NewStore()
	checker := NewChecker(store, 10, 30*time.Minute)

	now := time.Unix(1000, 0).UTC()
	ready, reasons := checker.Ready(now)
	if ready {
		t.Fatalf("expected not ready before first cycle")
	}
	if len(reasons) == 0 || reasons[0] != "no cycle completed yet" {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
	snap := store.Snapshot()
	if snap.Ready {
		t.Fatalf("expected readiness gauge to be false")
	}
	if !strings.Contains(snap.ReadyReason, "no cycle completed yet") {
		t.Fatalf("expected reason to mention cycle, got %q", snap.ReadyReason)
	}

	checker.ObserveCycle(now, nil)
	ready, _ = checker.Ready(now)
	if !ready {
		t.Fatalf("expected ready after successful cycle")
	}
	snap = store.Snapshot()
	if !snap.Ready || snap.ReadyTransitions != 1 {
		t.Fatalf("expected ready gauge with one transition, got %+v", snap)
	}

	// Queue at capacity flips readiness.
	store.QueueRecorder().ObserveQueueDepth(10)
	ready, reasons = checker.Ready(now)
	if ready {
		t.Fatalf("expected not ready when queue at capacity")
	}
	if reasons[0] != "report queue at capacity" {
		t.Fatalf("unexpected reasons: %v", reasons)
	}

	// Clear queue pressure and advance past the stale window.
	store.QueueRecorder().ObserveQueueDepth(0)
	staleNow := now.Add(time.Hour)
	ready, reasons = checker.Ready(staleNow)
	if ready {
		t.Fatalf("expected not ready when cycle stale")
	}
	if !strings.Contains(reasons[0], "last cycle stale") {
		t.Fatalf("unexpected reasons: %v", reasons)
	}

	// A recent cycle failure is reported alongside staleness.
	checker.ObserveCycle(staleNow, errors.New("probe service down"))
	ready, reasons = checker.Ready(staleNow)
	if ready {
		t.Fatalf("expected not ready after cycle failure")
	}
	if reasons[len(reasons)-1] != "cycle failing: probe service down" {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
}

func TestCheckerProbeFailureRatio(t *testing.T) {
	store := metrics.NewStore()
	checker := NewChecker(store, 0, time.Hour)
	now := time.Unix(2000, 0).UTC()
	checker.ObserveCycle(now, nil)

	rec := store.ProbeRecorder()
	for i := 0; i < 19; i++ {
		rec.IncPing(true)
	}
	ready, _ := checker.Ready(now)
	if !ready {
		t.Fatalf("expected ready below the sample floor")
	}

	rec.IncPing(true)
	ready, reasons := checker.Ready(now)
	if ready {
		t.Fatalf("expected not ready at full failure ratio")
	}
	if !strings.Contains(reasons[0], "probe failure ratio") {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
}

func TestCheckerHistoryLoad(t *testing.T) {
	store := metrics.NewStore()
	checker := NewChecker(store, 0, time.Hour)
	now := time.Unix(3000, 0).UTC()
	checker.ObserveCycle(now, nil)

	checker.ObserveHistoryLoad(errors.New("corrupt journal"))
	ready, reasons := checker.Ready(now)
	if ready {
		t.Fatalf("expected not ready with history load failure")
	}
	if !strings.Contains(reasons[0], "history unavailable") {
		t.Fatalf("unexpected reasons: %v", reasons)
	}

	checker.ObserveHistoryLoad(nil)
	ready, _ = checker.Ready(now)
	if !ready {
		t.Fatalf("expected ready after history recovery")
	}
}

func TestHTTPHandler(t *testing.T) {
	store := metrics.NewStore()
	checker := NewChecker(store, 0, time.Hour)
	h := NewHTTPHandler(checker)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from healthz got %d", w.Result().StatusCode)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Result().StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before first cycle got %d", w.Result().StatusCode)
	}

	checker.ObserveCycle(time.Now().UTC(), nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after cycle got %d", w.Result().StatusCode)
	}
}
