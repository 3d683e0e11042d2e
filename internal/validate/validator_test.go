package validate

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/lineopthq/optimizer/internal/config"
	"github.com/lineopthq/optimizer/internal/nodes"
	"github.com/lineopthq/optimizer/pkg/types"
)

// scriptedTransport answers ping probes per node and HTTP probes per
// origin from fixed tables.
type scriptedTransport struct {
	mu       sync.Mutex
	pings    map[string]types.RawMeasurement
	badNodes map[string]bool
	ttfb     float64
	total    float64
	httpDown bool
}

func (s *scriptedTransport) ProbePing(ctx context.Context, ip, nodeID string) (types.RawMeasurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.badNodes[nodeID] {
		return types.Unreachable(ip, "", nodeID), nil
	}
	if m, ok := s.pings[nodeID]; ok {
		m.IP = ip
		m.NodeID = nodeID
		return m, nil
	}
	return types.RawMeasurement{IP: ip, NodeID: nodeID, LatencyMs: 40, Available: true}, nil
}

func (s *scriptedTransport) ProbeHTTP(ctx context.Context, ip string, origin types.Origin) (types.HTTPMeasurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpDown {
		return types.UnavailableHTTP(ip, origin), nil
	}
	return types.HTTPMeasurement{IP: ip, Origin: origin, TTFBMs: s.ttfb, TotalMs: s.total, Available: true}, nil
}

func newTestValidator(t *testing.T, transport *scriptedTransport) *Validator {
	t.Helper()
	defaults := config.Default().Evaluation
	v, err := New(Config{
		SuccessRatio:    0.8,
		Thresholds:      defaults.LatencyThresholds,
		HTTPTTFBMs:      defaults.HTTPTTFBMs,
		HTTPTotalTimeMs: defaults.HTTPTotalTimeMs,
	}, Dependencies{
		Transport: transport,
		Registry:  nodes.Builtin(),
		Rand:      rand.New(rand.NewSource(1)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func candidate(ip string, line types.Line) types.ScoredCandidate {
	return types.ScoredCandidate{IP: ip, Line: line, Score: 80, LatencyMs: 40, NodeID: "1227"}
}

func TestValidateBatchConfirms(t *testing.T) {
	transport := &scriptedTransport{ttfb: 100, total: 500}
	v := newTestValidator(t, transport)

	result := v.ValidateBatch(context.Background(), map[types.Line][]types.ScoredCandidate{
		types.LineTelecom: {candidate("1.2.3.4", types.LineTelecom)},
	})

	confirmed := result[types.LineTelecom]
	if len(confirmed) != 1 {
		t.Fatalf("expected 1 confirmed candidate got %d", len(confirmed))
	}
	c := confirmed[0]
	if c.LatencyMs != 40 {
		t.Fatalf("expected averaged latency 40 got %v", c.LatencyMs)
	}
	// Half of the 10-node telecom pool.
	if len(c.Trail) != 5 {
		t.Fatalf("expected trail of 5 probes got %d", len(c.Trail))
	}
	for _, m := range c.Trail {
		if m.NodeID == "1227" {
			t.Fatalf("initial node reused during validation")
		}
	}
	if !c.HTTP.Available {
		t.Fatalf("expected http report attached")
	}
}

func TestValidateBatchDropsBelowRatio(t *testing.T) {
	// 2 of 5 sampled nodes failing puts the ratio at 0.6 < 0.8.
	transport := &scriptedTransport{ttfb: 100, total: 500, badNodes: map[string]bool{
		"1312": true, "1169": true, "1135": true, "1310": true,
		"1132": true, "1214": true, "1311": true,
	}}
	v := newTestValidator(t, transport)

	result := v.ValidateBatch(context.Background(), map[types.Line][]types.ScoredCandidate{
		types.LineTelecom: {candidate("1.2.3.4", types.LineTelecom)},
	})
	if len(result[types.LineTelecom]) != 0 {
		t.Fatalf("expected candidate dropped below success ratio")
	}
}

func TestValidateBatchDropsOnHTTPFailure(t *testing.T) {
	transport := &scriptedTransport{httpDown: true}
	v := newTestValidator(t, transport)

	result := v.ValidateBatch(context.Background(), map[types.Line][]types.ScoredCandidate{
		types.LineTelecom: {candidate("1.2.3.4", types.LineTelecom)},
	})
	if len(result[types.LineTelecom]) != 0 {
		t.Fatalf("expected candidate dropped without http confirmation")
	}
}

func TestValidateBatchOverseasRelaxedThresholds(t *testing.T) {
	// 250ms ttfb exceeds the domestic limit of 200 but stays within the
	// overseas limit of 300.
	transport := &scriptedTransport{ttfb: 250, total: 1200}
	v := newTestValidator(t, transport)

	overseas := candidate("8.8.4.4", types.LineOverseas)
	overseas.NodeID = "1340"
	overseas.LatencyMs = 120
	domestic := candidate("1.2.3.4", types.LineTelecom)

	result := v.ValidateBatch(context.Background(), map[types.Line][]types.ScoredCandidate{
		types.LineOverseas: {overseas},
		types.LineTelecom:  {domestic},
	})
	if len(result[types.LineOverseas]) != 1 {
		t.Fatalf("expected overseas candidate confirmed under relaxed limits")
	}
	if len(result[types.LineTelecom]) != 0 {
		t.Fatalf("expected domestic candidate dropped over strict limits")
	}
}

func TestValidateBatchDefaultPassesThrough(t *testing.T) {
	transport := &scriptedTransport{httpDown: true}
	v := newTestValidator(t, transport)

	def := types.ScoredCandidate{IP: "1.2.3.4", Line: types.LineDefault, Score: 70}
	result := v.ValidateBatch(context.Background(), map[types.Line][]types.ScoredCandidate{
		types.LineDefault: {def},
	})
	if len(result[types.LineDefault]) != 1 {
		t.Fatalf("expected DEFAULT pass-through")
	}
	if result[types.LineDefault][0].Score != 70 {
		t.Fatalf("expected score preserved, got %v", result[types.LineDefault][0].Score)
	}
}
