package probe

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/lineopthq/optimizer/internal/nodes"
	"github.com/lineopthq/optimizer/internal/queue"
	"github.com/lineopthq/optimizer/pkg/types"
)

// fakeTransport serves scripted results keyed by IP.
type fakeTransport struct {
	mu        sync.Mutex
	latencies map[string]float64
	httpDown  map[string]bool
	pingCalls int
	httpCalls int
}

func (f *fakeTransport) ProbePing(ctx context.Context, ip, nodeID string) (types.RawMeasurement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingCalls++
	latency, ok := f.latencies[ip]
	if !ok {
		return types.Unreachable(ip, "", nodeID), nil
	}
	return types.RawMeasurement{IP: ip, NodeID: nodeID, LatencyMs: latency, Available: true}, nil
}

func (f *fakeTransport) ProbeHTTP(ctx context.Context, ip string, origin types.Origin) (types.HTTPMeasurement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.httpCalls++
	if f.httpDown[ip] {
		return types.UnavailableHTTP(ip, origin), nil
	}
	return types.HTTPMeasurement{IP: ip, Origin: origin, TTFBMs: 50, TotalMs: 400, Available: true}, nil
}

func newTestOrchestrator(t *testing.T, cfg Config, transport Transport, q *queue.ReportQueue) *Orchestrator {
	t.Helper()
	orch, err := NewOrchestrator(cfg, Dependencies{
		Transport: transport,
		Registry:  nodes.Builtin(),
		Queue:     q,
		Rand:      rand.New(rand.NewSource(1)),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return orch
}

func TestMeasureIPCoversLinesAndOrigins(t *testing.T) {
	transport := &fakeTransport{latencies: map[string]float64{"1.2.3.4": 30}}
	orch := newTestOrchestrator(t, Config{Retries: 1}, transport, nil)

	report, err := orch.MeasureIP(context.Background(), "1.2.3.4")
	if err != nil {
		t.Fatalf("MeasureIP: %v", err)
	}
	if len(report.Tests) != 3 {
		t.Fatalf("expected 3 domestic lines got %d", len(report.Tests))
	}
	for _, line := range types.DomesticLines() {
		m, ok := report.Tests[line]
		if !ok {
			t.Fatalf("missing line %s", line)
		}
		if !m.Available || m.LatencyMs != 30 {
			t.Fatalf("unexpected measurement for %s: %+v", line, m)
		}
		if m.Line != line {
			t.Fatalf("expected line %s stamped on measurement got %s", line, m.Line)
		}
	}
	if len(report.HTTP.ByOrigin) != 3 {
		t.Fatalf("expected 3 origins got %d", len(report.HTTP.ByOrigin))
	}
	if !report.HTTP.Available {
		t.Fatalf("expected http available")
	}
}

func TestMeasureIPOverseasMode(t *testing.T) {
	transport := &fakeTransport{latencies: map[string]float64{"1.2.3.4": 30}}
	orch := newTestOrchestrator(t, Config{OverseasMode: true, Retries: 1}, transport, nil)

	report, err := orch.MeasureIP(context.Background(), "1.2.3.4")
	if err != nil {
		t.Fatalf("MeasureIP: %v", err)
	}
	if _, ok := report.Tests[types.LineOverseas]; !ok {
		t.Fatalf("expected overseas line in overseas mode")
	}
}

func TestMeasureIPUnreachableYieldsRecords(t *testing.T) {
	transport := &fakeTransport{httpDown: map[string]bool{"9.9.9.9": true}}
	orch := newTestOrchestrator(t, Config{Retries: 2}, transport, nil)

	report, err := orch.MeasureIP(context.Background(), "9.9.9.9")
	if err != nil {
		t.Fatalf("MeasureIP: %v", err)
	}
	if report.AnyAvailable() {
		t.Fatalf("expected fully unreachable report")
	}
	for line, m := range report.Tests {
		if m.Available || m.LossPct != 100 {
			t.Fatalf("expected canonical failure for %s got %+v", line, m)
		}
	}
	if report.HTTP.Available {
		t.Fatalf("expected http unavailable")
	}
	// Two attempts per domestic line.
	if transport.pingCalls != 6 {
		t.Fatalf("expected 6 ping attempts got %d", transport.pingCalls)
	}
}

func TestMeasureBatchEnqueuesReports(t *testing.T) {
	transport := &fakeTransport{latencies: map[string]float64{"1.1.1.1": 20, "2.2.2.2": 40}}
	q := queue.NewReportQueue(10)
	orch := newTestOrchestrator(t, Config{Retries: 1}, transport, q)

	var progress []int
	reports := orch.MeasureBatch(context.Background(), []string{"1.1.1.1", "2.2.2.2"}, func(done, total int) {
		progress = append(progress, done)
	})
	if len(reports) != 2 {
		t.Fatalf("expected 2 reports got %d", len(reports))
	}
	if q.Len() != 2 {
		t.Fatalf("expected 2 queued reports got %d", q.Len())
	}
	if len(progress) != 2 || progress[1] != 2 {
		t.Fatalf("unexpected progress callbacks: %v", progress)
	}
}

func TestMeasureBatchHonorsCancellation(t *testing.T) {
	transport := &fakeTransport{latencies: map[string]float64{"1.1.1.1": 20}}
	orch := newTestOrchestrator(t, Config{Retries: 1}, transport, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	reports := orch.MeasureBatch(ctx, []string{"1.1.1.1", "2.2.2.2"}, nil)
	if len(reports) != 0 {
		t.Fatalf("expected no reports after cancellation got %d", len(reports))
	}
}
