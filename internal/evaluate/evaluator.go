package evaluate

import (
	"io"
	"log"
	"math"

	"github.com/lineopthq/optimizer/internal/config"
	"github.com/lineopthq/optimizer/internal/metrics"
	"github.com/lineopthq/optimizer/pkg/types"
)

// Dependencies allow test overrides for logging and telemetry.
type Dependencies struct {
	Logger  *log.Logger
	Metrics *metrics.Store
}

// Evaluator scores one cycle's measurements per line. Candidates pass
// the qualification gate only when the line is reachable, under its
// latency threshold, and HTTP-viable through the line's origins.
type Evaluator struct {
	cfg     config.EvaluationConfig
	logger  *log.Logger
	metrics *metrics.Store
}

func New(cfg config.EvaluationConfig, deps Dependencies) *Evaluator {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Evaluator{cfg: cfg, logger: logger, metrics: deps.Metrics}
}

// EvaluateBatch evaluates every report against every line, including
// the derived DEFAULT line. Evaluation problems affect only the
// (ip, line) pair at hand.
func (e *Evaluator) EvaluateBatch(reports []types.IPReport) map[types.Line][]types.ScoredCandidate {
	out := make(map[types.Line][]types.ScoredCandidate, len(types.AllLines()))
	for _, line := range types.AllLines() {
		out[line] = nil
	}

	for _, report := range reports {
		for line, test := range report.Tests {
			if !test.Available {
				continue
			}
			threshold := e.cfg.LatencyThresholds.ForLine(line)
			if test.LatencyMs >= threshold {
				e.logger.Printf("evaluate %s %s: latency %.1fms over threshold %.1fms", report.IP, line, test.LatencyMs, threshold)
				continue
			}
			httpScore := e.httpScore(report.HTTP, line)
			if httpScore <= 0 {
				e.logger.Printf("evaluate %s %s: no usable http result", report.IP, line)
				continue
			}
			candidate := types.ScoredCandidate{
				IP:        report.IP,
				Line:      line,
				Score:     e.score(report, line, test.LatencyMs, test.LossPct),
				LatencyMs: test.LatencyMs,
				LossPct:   test.LossPct,
				HTTPScore: httpScore,
				NodeID:    test.NodeID,
			}
			out[line] = append(out[line], candidate)
			if e.metrics != nil {
				e.metrics.IncQualified(line)
			}
		}

		e.evaluateDefault(report, out)
	}
	return out
}

// evaluateDefault qualifies the report for the DEFAULT line on the
// mean of its available per-line latencies.
func (e *Evaluator) evaluateDefault(report types.IPReport, out map[types.Line][]types.ScoredCandidate) {
	var latencySum, lossSum float64
	var n int
	for _, test := range report.Tests {
		if test.Available {
			latencySum += test.LatencyMs
			lossSum += test.LossPct
			n++
		}
	}
	if n == 0 {
		return
	}
	avgLatency := latencySum / float64(n)
	avgLoss := lossSum / float64(n)

	if avgLatency >= e.cfg.LatencyThresholds.ForLine(types.LineDefault) {
		return
	}
	httpScore := e.httpScore(report.HTTP, types.LineDefault)
	if httpScore <= 0 {
		return
	}
	out[types.LineDefault] = append(out[types.LineDefault], types.ScoredCandidate{
		IP:        report.IP,
		Line:      types.LineDefault,
		Score:     e.score(report, types.LineDefault, avgLatency, avgLoss),
		LatencyMs: avgLatency,
		LossPct:   avgLoss,
		HTTPScore: httpScore,
	})
	if e.metrics != nil {
		e.metrics.IncQualified(types.LineDefault)
	}
}

// httpScore normalizes the best line-appropriate origin result to
// 0..100 against the configured thresholds.
func (e *Evaluator) httpScore(report types.HTTPReport, line types.Line) float64 {
	if !report.Available {
		return 0
	}
	best, ok := report.BestOrigin(types.OriginsForLine(line))
	if !ok {
		return 0
	}
	ttfbScore := normalized(best.TTFBMs, e.cfg.HTTPTTFBMs)
	totalScore := normalized(best.TotalMs, e.cfg.HTTPTotalTimeMs)
	return (ttfbScore + totalScore) / 2
}

// score blends the weighted component scores and applies penalties.
func (e *Evaluator) score(report types.IPReport, line types.Line, latency, loss float64) float64 {
	w := e.cfg.Weights

	latencyScore := normalized(latency, e.cfg.LatencyThresholds.ForLine(line))
	lossScore := math.Max(0, 100-loss)
	stddev := latencyStdDev(report)
	stabilityScore := 100.0
	if stddev > 0 {
		stabilityScore = normalized(stddev, e.cfg.VarianceMs)
	}

	ttfbScore, totalScore := 0.0, 0.0
	if best, ok := report.HTTP.BestOrigin(types.OriginsForLine(line)); ok {
		ttfbScore = normalized(best.TTFBMs, e.cfg.HTTPTTFBMs)
		totalScore = normalized(best.TotalMs, e.cfg.HTTPTotalTimeMs)
	}

	blended := latencyScore*w.Latency +
		lossScore*w.Loss +
		stabilityScore*w.Stability +
		ttfbScore*w.TTFB +
		totalScore*w.TotalTime

	return math.Max(0, blended*e.penalty(report, stddev))
}

// penalty compounds the multipliers for missing HTTP reachability,
// failed domestic lines, and high latency variance.
func (e *Evaluator) penalty(report types.IPReport, stddev float64) float64 {
	penalty := 1.0
	if !report.HTTP.Available {
		penalty *= 0.5
	}
	failed := 0
	for _, line := range types.DomesticLines() {
		test, ok := report.Tests[line]
		if !ok || !test.Available {
			failed++
		}
	}
	if failed > 0 {
		penalty *= math.Max(0, 1-0.2*float64(failed))
	}
	if stddev > e.cfg.VarianceMs {
		penalty *= 0.9
	}
	return penalty
}

// normalized maps a latency-like value to 0..100 against a threshold,
// with 0 for non-positive or unbounded values.
func normalized(value, threshold float64) float64 {
	if value <= 0 || math.IsInf(value, 1) || threshold <= 0 {
		return 0
	}
	return math.Max(0, 100-(value/threshold)*100)
}

// latencyStdDev computes the standard deviation of the available
// per-line latencies. Fewer than two samples yields 0.
func latencyStdDev(report types.IPReport) float64 {
	var values []float64
	for _, test := range report.Tests {
		if test.Available && !math.IsInf(test.LatencyMs, 1) {
			values = append(values, test.LatencyMs)
		}
	}
	if len(values) < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return math.Sqrt(sq / float64(len(values)-1))
}

// Unavailable lists the IPs that no line could reach this cycle; they
// feed the bad-IP registry.
func Unavailable(reports []types.IPReport) []string {
	var out []string
	for _, report := range reports {
		if !report.AnyAvailable() {
			out = append(out, report.IP)
		}
	}
	return out
}
