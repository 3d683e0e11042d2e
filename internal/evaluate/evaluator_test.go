package evaluate

import (
	"math"
	"testing"

	"github.com/lineopthq/optimizer/internal/config"
	"github.com/lineopthq/optimizer/pkg/types"
)

func testConfig() config.EvaluationConfig {
	return config.Default().Evaluation
}

func goodReport(ip string) types.IPReport {
	return types.IPReport{
		IP: ip,
		Tests: map[types.Line]types.RawMeasurement{
			types.LineTelecom: {IP: ip, Line: types.LineTelecom, NodeID: "1227", LatencyMs: 50, Available: true},
			types.LineUnicom:  {IP: ip, Line: types.LineUnicom, NodeID: "1254", LatencyMs: 60, Available: true},
			types.LineMobile:  {IP: ip, Line: types.LineMobile, NodeID: "1249", LatencyMs: 55, Available: true},
		},
		HTTP: types.BuildHTTPReport(ip, []types.HTTPMeasurement{
			{IP: ip, Origin: types.OriginAliyun, TTFBMs: 80, TotalMs: 500, Available: true},
			{IP: ip, Origin: types.OriginBaidu, TTFBMs: 100, TotalMs: 600, Available: true},
			{IP: ip, Origin: types.OriginGoogle, TTFBMs: 150, TotalMs: 800, Available: true},
		}),
	}
}

func TestEvaluateBatchQualifies(t *testing.T) {
	ev := New(testConfig(), Dependencies{})

	result := ev.EvaluateBatch([]types.IPReport{goodReport("1.2.3.4")})

	for _, line := range types.DomesticLines() {
		candidates := result[line]
		if len(candidates) != 1 {
			t.Fatalf("expected 1 candidate for %s got %d", line, len(candidates))
		}
		c := candidates[0]
		if c.IP != "1.2.3.4" {
			t.Fatalf("unexpected candidate ip %s", c.IP)
		}
		if c.Score <= 0 {
			t.Fatalf("expected positive score for %s got %v", line, c.Score)
		}
		if c.HTTPScore <= 0 {
			t.Fatalf("expected positive http score for %s got %v", line, c.HTTPScore)
		}
	}
	if len(result[types.LineDefault]) != 1 {
		t.Fatalf("expected DEFAULT candidate, got %d", len(result[types.LineDefault]))
	}
	def := result[types.LineDefault][0]
	if def.LatencyMs != 55 {
		t.Fatalf("expected DEFAULT mean latency 55 got %v", def.LatencyMs)
	}
}

func TestEvaluateBatchLatencyGate(t *testing.T) {
	ev := New(testConfig(), Dependencies{})

	report := goodReport("1.2.3.4")
	slow := report.Tests[types.LineTelecom]
	slow.LatencyMs = 150 // threshold is 100
	report.Tests[types.LineTelecom] = slow

	result := ev.EvaluateBatch([]types.IPReport{report})
	if len(result[types.LineTelecom]) != 0 {
		t.Fatalf("expected telecom rejection over threshold")
	}
	if len(result[types.LineUnicom]) != 1 {
		t.Fatalf("expected unicom to still qualify")
	}
}

func TestEvaluateBatchHTTPGate(t *testing.T) {
	ev := New(testConfig(), Dependencies{})

	report := goodReport("1.2.3.4")
	report.HTTP = types.BuildHTTPReport("1.2.3.4", []types.HTTPMeasurement{
		types.UnavailableHTTP("1.2.3.4", types.OriginAliyun),
		types.UnavailableHTTP("1.2.3.4", types.OriginBaidu),
		{IP: "1.2.3.4", Origin: types.OriginGoogle, TTFBMs: 150, TotalMs: 800, Available: true},
	})

	result := ev.EvaluateBatch([]types.IPReport{report})
	// Domestic lines need ALIYUN or BAIDU; GOOGLE alone fails the gate.
	for _, line := range types.DomesticLines() {
		if len(result[line]) != 0 {
			t.Fatalf("expected %s rejection without domestic origins", line)
		}
	}
	// DEFAULT may use any origin.
	if len(result[types.LineDefault]) != 1 {
		t.Fatalf("expected DEFAULT to qualify through GOOGLE")
	}
}

func TestEvaluateBatchUnavailableLinesSkipped(t *testing.T) {
	ev := New(testConfig(), Dependencies{})

	report := types.IPReport{
		IP: "9.9.9.9",
		Tests: map[types.Line]types.RawMeasurement{
			types.LineTelecom: types.Unreachable("9.9.9.9", types.LineTelecom, "1227"),
			types.LineUnicom:  types.Unreachable("9.9.9.9", types.LineUnicom, "1254"),
			types.LineMobile:  types.Unreachable("9.9.9.9", types.LineMobile, "1249"),
		},
		HTTP: types.BuildHTTPReport("9.9.9.9", nil),
	}

	result := ev.EvaluateBatch([]types.IPReport{report})
	for line, candidates := range result {
		if len(candidates) != 0 {
			t.Fatalf("expected no candidates for %s got %d", line, len(candidates))
		}
	}

	bad := Unavailable([]types.IPReport{report, goodReport("1.2.3.4")})
	if len(bad) != 1 || bad[0] != "9.9.9.9" {
		t.Fatalf("expected only 9.9.9.9 flagged, got %v", bad)
	}
}

func TestPenaltyFailedDomesticLines(t *testing.T) {
	ev := New(testConfig(), Dependencies{})

	full := goodReport("1.2.3.4")
	partial := goodReport("1.2.3.5")
	partial.Tests[types.LineMobile] = types.Unreachable("1.2.3.5", types.LineMobile, "1249")

	result := ev.EvaluateBatch([]types.IPReport{full, partial})
	fullScore := result[types.LineTelecom][0].Score
	var partialScore float64
	for _, c := range result[types.LineTelecom] {
		if c.IP == "1.2.3.5" {
			partialScore = c.Score
		}
	}
	if partialScore <= 0 || partialScore >= fullScore {
		t.Fatalf("expected penalized score below %v, got %v", fullScore, partialScore)
	}
}

func TestPenaltyNoHTTPHalvesScore(t *testing.T) {
	cfg := testConfig()
	ev := New(cfg, Dependencies{})

	report := goodReport("1.2.3.4")
	noHTTP := goodReport("1.2.3.4")
	noHTTP.HTTP = types.BuildHTTPReport("1.2.3.4", nil)

	withScore := ev.score(report, types.LineTelecom, 50, 0)
	withoutScore := ev.score(noHTTP, types.LineTelecom, 50, 0)

	// Without HTTP the http components are 0 and the 0.5 penalty applies.
	base := withScore - (ev.httpScore(report.HTTP, types.LineTelecom) * (cfg.Weights.TTFB + cfg.Weights.TotalTime))
	if math.Abs(withoutScore-base*0.5) > 1 {
		t.Fatalf("expected halved score near %v got %v", base*0.5, withoutScore)
	}
}

func TestNormalized(t *testing.T) {
	if got := normalized(50, 100); got != 50 {
		t.Fatalf("expected 50 got %v", got)
	}
	if got := normalized(math.Inf(1), 100); got != 0 {
		t.Fatalf("expected 0 for inf got %v", got)
	}
	if got := normalized(0, 100); got != 0 {
		t.Fatalf("expected 0 for zero value got %v", got)
	}
	if got := normalized(250, 100); got != 0 {
		t.Fatalf("expected floor 0 got %v", got)
	}
}
