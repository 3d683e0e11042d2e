package types

import "math"

// RawMeasurement is the outcome of one ping-style probe of an IP from a
// single node. Every probe attempt produces a record: total failure is
// encoded as Available=false with infinite latency and full loss, never
// as an absent record.
type RawMeasurement struct {
	IP        string
	Line      Line
	NodeID    string
	LatencyMs float64
	LossPct   float64
	Available bool
}

// Unreachable builds the canonical failed measurement for an (ip, line,
// node) triple.
func Unreachable(ip string, line Line, nodeID string) RawMeasurement {
	return RawMeasurement{
		IP:        ip,
		Line:      line,
		NodeID:    nodeID,
		LatencyMs: math.Inf(1),
		LossPct:   100,
		Available: false,
	}
}

// HTTPMeasurement is the outcome of one HTTP probe of an IP through a
// single resolver origin.
type HTTPMeasurement struct {
	IP        string
	Origin    Origin
	TTFBMs    float64
	TotalMs   float64
	Available bool
}

// UnavailableHTTP builds the canonical failed HTTP measurement.
func UnavailableHTTP(ip string, origin Origin) HTTPMeasurement {
	return HTTPMeasurement{
		IP:        ip,
		Origin:    origin,
		TTFBMs:    math.Inf(1),
		TotalMs:   math.Inf(1),
		Available: false,
	}
}

// HTTPReport aggregates the per-origin HTTP measurements for one IP.
// The report is available if at least one origin succeeded; averages
// cover the available origins only.
type HTTPReport struct {
	ByOrigin   map[Origin]HTTPMeasurement
	Available  bool
	AvgTTFBMs  float64
	AvgTotalMs float64
}

// BuildHTTPReport folds per-origin measurements into an aggregate.
func BuildHTTPReport(ip string, measurements []HTTPMeasurement) HTTPReport {
	report := HTTPReport{ByOrigin: make(map[Origin]HTTPMeasurement, len(measurements))}
	var ttfbSum, totalSum float64
	var okCount int
	for _, m := range measurements {
		report.ByOrigin[m.Origin] = m
		if m.Available {
			okCount++
			ttfbSum += m.TTFBMs
			totalSum += m.TotalMs
		}
	}
	if okCount == 0 {
		report.AvgTTFBMs = math.Inf(1)
		report.AvgTotalMs = math.Inf(1)
		return report
	}
	report.Available = true
	report.AvgTTFBMs = ttfbSum / float64(okCount)
	report.AvgTotalMs = totalSum / float64(okCount)
	return report
}

// BestOrigin returns the available measurement with the lowest TTFB
// among the given origins, and false when none is available.
func (r HTTPReport) BestOrigin(origins []Origin) (HTTPMeasurement, bool) {
	best := HTTPMeasurement{TTFBMs: math.Inf(1)}
	found := false
	for _, origin := range origins {
		m, ok := r.ByOrigin[origin]
		if !ok || !m.Available {
			continue
		}
		if !found || m.TTFBMs < best.TTFBMs {
			best = m
			found = true
		}
	}
	return best, found
}

// IPReport is one cycle's full measurement of a single candidate IP:
// the best-of-node ping result per line plus the HTTP origin report.
type IPReport struct {
	IP    string
	Tests map[Line]RawMeasurement
	HTTP  HTTPReport
}

// AnyAvailable reports whether at least one line reached the IP.
func (r IPReport) AnyAvailable() bool {
	for _, m := range r.Tests {
		if m.Available {
			return true
		}
	}
	return false
}

// ScoredCandidate is the Evaluator's point-in-time verdict for one
// (ip, line) pair that passed the qualification gate.
type ScoredCandidate struct {
	IP        string
	Line      Line
	Score     float64
	LatencyMs float64
	LossPct   float64
	HTTPScore float64
	NodeID    string
}

// ValidatedCandidate is a ScoredCandidate confirmed by the Validator.
// Latency and loss are averaged over the confirming nodes; Trail keeps
// the raw re-probe results for auditing.
type ValidatedCandidate struct {
	ScoredCandidate
	HTTP  HTTPReport
	Trail []RawMeasurement
}
