package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lineopthq/optimizer/internal/metrics"
)

const (
	defaultCycleStale        = 2 * time.Hour
	probeFailureRatioCeiling = 0.9
	probeFailureMinSamples   = 20
)

// Checker evaluates readiness conditions for the pipeline.
type Checker struct {
	metrics       *metrics.Store
	queueCapacity int
	staleAfter    time.Duration

	mu               sync.RWMutex
	lastCycleSuccess time.Time
	cycleErr         string
	lastCycleError   time.Time
	historyErr       string
}

// NewChecker constructs a readiness checker bound to the provided metrics store.
func NewChecker(store *metrics.Store, queueCapacity int, staleAfter time.Duration) *Checker {
	if staleAfter <= 0 {
		staleAfter = defaultCycleStale
	}
	return &Checker{
		metrics:       store,
		queueCapacity: queueCapacity,
		staleAfter:    staleAfter,
	}
}

// ObserveCycle records the outcome of an optimization cycle.
func (c *Checker) ObserveCycle(ts time.Time, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.cycleErr = err.Error()
		c.lastCycleError = ts
		return
	}
	c.lastCycleSuccess = ts
	c.cycleErr = ""
	c.lastCycleError = time.Time{}
}

// ObserveHistoryLoad records whether persisted history could be loaded.
// A load failure means the pipeline is running on cold-start state.
func (c *Checker) ObserveHistoryLoad(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.historyErr = err.Error()
		return
	}
	c.historyErr = ""
}

// Ready evaluates all readiness conditions and returns the overall
// status plus the reasons for failure.
func (c *Checker) Ready(now time.Time) (bool, []string) {
	reasons := make([]string, 0, 4)

	if c.metrics != nil {
		snap := c.metrics.Snapshot()
		if c.queueCapacity > 0 && snap.QueueDepth >= int64(c.queueCapacity) {
			reasons = append(reasons, "report queue at capacity")
		}
		if snap.ProbesTotal >= probeFailureMinSamples {
			ratio := float64(snap.ProbeFailuresTotal) / float64(snap.ProbesTotal)
			if ratio >= probeFailureRatioCeiling {
				reasons = append(reasons, fmt.Sprintf("probe failure ratio %.2f", ratio))
			}
		}
	}

	c.mu.RLock()
	lastSuccess := c.lastCycleSuccess
	cycleErr := c.cycleErr
	lastErr := c.lastCycleError
	historyErr := c.historyErr
	staleAfter := c.staleAfter
	c.mu.RUnlock()

	if lastSuccess.IsZero() {
		reasons = append(reasons, "no cycle completed yet")
	} else if staleAfter > 0 && now.Sub(lastSuccess) > staleAfter {
		reasons = append(reasons, fmt.Sprintf("last cycle stale (%s)", now.Sub(lastSuccess).Round(time.Second)))
	}

	if cycleErr != "" {
		if staleAfter <= 0 || now.Sub(lastErr) <= staleAfter {
			reasons = append(reasons, fmt.Sprintf("cycle failing: %s", cycleErr))
		}
	}

	if historyErr != "" {
		reasons = append(reasons, fmt.Sprintf("history unavailable: %s", historyErr))
	}

	ready := len(reasons) == 0
	if c.metrics != nil {
		if ready {
			c.metrics.ObserveReadiness(true, "")
		} else {
			c.metrics.ObserveReadiness(false, strings.Join(reasons, "; "))
		}
	}
	if !ready {
		return false, reasons
	}
	return true, nil
}

// NewHTTPHandler serves /healthz (process liveness) and /readyz
// (pipeline readiness) from the checker.
func NewHTTPHandler(checker *Checker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ready, reasons := checker.Ready(time.Now().UTC())
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status":  "not ready",
				"reasons": reasons,
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})
	return mux
}
