package history

import (
	"math"
	"time"

	"github.com/lineopthq/optimizer/pkg/types"
)

// ScoreState says why a historical score is (or is not) usable.
type ScoreState int

const (
	// ScoreNone means no history exists for the (ip, line) pair.
	ScoreNone ScoreState = iota
	// ScoreExpired means the record fell outside the analysis window.
	ScoreExpired
	// ScoreOK means the score value is current and usable.
	ScoreOK
)

func (s ScoreState) String() string {
	switch s {
	case ScoreNone:
		return "none"
	case ScoreExpired:
		return "expired"
	case ScoreOK:
		return "ok"
	}
	return "unknown"
}

// staleAfter is the age past which a record still inside the analysis
// window contributes only half its stability credit.
const staleAfter = 7 * 24 * time.Hour

// AnalyzerConfig holds the scoring parameters.
type AnalyzerConfig struct {
	AnalysisDays    int
	HTTPTTFBMs      float64
	HTTPTotalTimeMs float64
}

// Analyzer derives a 0..100 trust score from an IP's history for one
// line: banded latency 0.4, HTTP EMAs 0.4, stability 0.2.
type Analyzer struct {
	store *Store
	cfg   AnalyzerConfig
}

func NewAnalyzer(store *Store, cfg AnalyzerConfig) *Analyzer {
	if cfg.AnalysisDays <= 0 {
		cfg.AnalysisDays = 7
	}
	if cfg.HTTPTTFBMs <= 0 {
		cfg.HTTPTTFBMs = 200
	}
	if cfg.HTTPTotalTimeMs <= 0 {
		cfg.HTTPTotalTimeMs = 1000
	}
	return &Analyzer{store: store, cfg: cfg}
}

// Score computes the historical score for an (ip, line) pair. The state
// tells the caller whether the value may be used; the value is 0 unless
// the state is ScoreOK.
func (a *Analyzer) Score(ip string, line types.Line, now time.Time) (float64, ScoreState) {
	record, ok := a.store.Get(ip)
	if !ok {
		return 0, ScoreNone
	}
	if _, ok := record.Latency[line]; !ok && line != types.LineDefault {
		return 0, ScoreNone
	}

	age := now.Sub(record.LastUpdate)
	if age > time.Duration(a.cfg.AnalysisDays)*24*time.Hour {
		return 0, ScoreExpired
	}

	latencyScore := bandedLatencyScore(a.lineLatency(record, line))
	httpScore := a.httpScore(record, line)
	stabilityScore := a.stabilityScore(record, age)

	return latencyScore*0.4 + httpScore*0.4 + stabilityScore*0.2, ScoreOK
}

// lineLatency resolves the EMA latency to judge: the line's own EMA,
// or the mean across lines for DEFAULT.
func (a *Analyzer) lineLatency(record types.HistoryRecord, line types.Line) float64 {
	if line != types.LineDefault {
		return record.Latency[line]
	}
	var sum float64
	var n int
	for _, v := range record.Latency {
		sum += v
		n++
	}
	if n == 0 {
		return math.Inf(1)
	}
	return sum / float64(n)
}

// bandedLatencyScore maps an EMA latency to a coarse score band.
func bandedLatencyScore(latency float64) float64 {
	switch {
	case math.IsInf(latency, 1) || latency <= 0:
		return 0
	case latency <= 200:
		return 100
	case latency <= 300:
		return 80
	case latency <= 400:
		return 60
	default:
		return math.Max(0, 60-(latency-400)/10)
	}
}

// httpScore averages per-origin EMA scores over the line's origins,
// normalizing each against the configured thresholds.
func (a *Analyzer) httpScore(record types.HistoryRecord, line types.Line) float64 {
	var sum float64
	var n int
	for _, origin := range types.OriginsForLine(line) {
		ttfb, hasTTFB := record.HTTP.TTFB[origin]
		total, hasTotal := record.HTTP.TotalTime[origin]
		if !hasTTFB || !hasTotal {
			continue
		}
		ttfbScore := math.Max(0, 100-(ttfb/a.cfg.HTTPTTFBMs)*100)
		totalScore := math.Max(0, 100-(total/a.cfg.HTTPTotalTimeMs)*100)
		sum += (ttfbScore + totalScore) / 2
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// stabilityScore credits repeated observation: 4 points per update to a
// cap of 100, halved for records older than a week, plus a 10 point
// bonus for records with three or more updates whose domestic EMAs all
// stay at or under 400ms.
func (a *Analyzer) stabilityScore(record types.HistoryRecord, age time.Duration) float64 {
	var score float64
	if age > staleAfter {
		score = math.Min(50, float64(record.UpdateCount)*2)
	} else {
		score = math.Min(100, float64(record.UpdateCount)*4)
	}

	if record.UpdateCount >= 3 {
		steady := true
		for _, line := range types.DomesticLines() {
			if latency, ok := record.Latency[line]; ok && latency > 400 {
				steady = false
				break
			}
		}
		if steady {
			score = math.Min(100, score+10)
		}
	}
	return score
}
