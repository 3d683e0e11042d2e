package selection

import (
	"fmt"
	"io"
	"log"
	"math"
	"sort"
	"time"

	"github.com/lineopthq/optimizer/internal/config"
	"github.com/lineopthq/optimizer/internal/events"
	"github.com/lineopthq/optimizer/internal/history"
	"github.com/lineopthq/optimizer/internal/metrics"
	"github.com/lineopthq/optimizer/pkg/types"
)

// Dependencies allow test overrides for the analyzer and telemetry.
type Dependencies struct {
	Analyzer *history.Analyzer
	Metrics  *metrics.Store
	Events   events.Recorder
	Logger   *log.Logger
}

// Engine picks the record set to publish per line: validated fresh
// candidates compete with incumbent records scored from history alone,
// and any per-line failure falls back to what is already published.
type Engine struct {
	cfg      config.SelectionConfig
	analyzer *history.Analyzer
	metrics  *metrics.Store
	events   events.Recorder
	logger   *log.Logger
}

func New(cfg config.SelectionConfig, deps Dependencies) (*Engine, error) {
	if deps.Analyzer == nil {
		return nil, fmt.Errorf("history analyzer is required")
	}
	evRec := deps.Events
	if evRec == nil {
		evRec = events.NoopRecorder{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Engine{
		cfg:      cfg,
		analyzer: deps.Analyzer,
		metrics:  deps.Metrics,
		events:   evRec,
		logger:   logger,
	}, nil
}

type rankedIP struct {
	ip        string
	score     float64
	incumbent bool
}

// Select decides the publish set for every line. published holds the
// records currently live per line; validated holds this cycle's
// confirmed candidates.
func (e *Engine) Select(published map[types.Line][]string, validated map[types.Line][]types.ValidatedCandidate, now time.Time) map[types.Line][]string {
	out := make(map[types.Line][]string, len(types.AllLines()))

	for _, line := range types.PublishableLines() {
		out[line] = e.selectLine(line, published[line], validated[line], now)
	}
	out[types.LineDefault] = e.selectDefault(out, published[types.LineDefault], validated[types.LineDefault], now)

	if e.metrics != nil {
		for line, ips := range out {
			e.metrics.ObserveSelected(line, len(ips))
		}
	}
	return out
}

// selectLine ranks incumbents and fresh candidates for one line. A
// panic inside the ranking falls back to the published set; other
// lines are unaffected.
func (e *Engine) selectLine(line types.Line, published []string, candidates []types.ValidatedCandidate, now time.Time) (selected []string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("selection %s failed: %v, keeping published set", line, r)
			selected = append([]string(nil), published...)
			e.recordFallback(line)
		}
	}()

	historical := make(map[string]float64, len(published))
	scores := make(map[string]float64, len(published)+len(candidates))
	incumbent := make(map[string]bool, len(published))
	for _, ip := range published {
		incumbent[ip] = true
		score, state := e.analyzer.Score(ip, line, now)
		if state == history.ScoreOK && score > 0 {
			historical[ip] = score
			scores[ip] = score
		}
	}

	// Fresh measurements override history for the same IP.
	for _, c := range candidates {
		scores[c.IP] = freshScore(c)
	}

	ranked := make([]rankedIP, 0, len(scores))
	for ip, score := range scores {
		ranked = append(ranked, rankedIP{ip: ip, score: score, incumbent: incumbent[ip]})
	}
	sortRanked(ranked)

	max := e.cfg.MaxRecordsFor(line)
	for _, r := range ranked {
		if len(selected) >= max {
			break
		}
		if r.score > 0 {
			selected = append(selected, r.ip)
		}
	}

	// Under-provision: retain incumbents whose history still stands,
	// even when a weak fresh probe zeroed them out above.
	if len(selected) < max {
		for _, r := range ranked {
			if len(selected) >= max {
				break
			}
			if r.incumbent && historical[r.ip] > 0 && !contains(selected, r.ip) {
				selected = append(selected, r.ip)
			}
		}
	}
	return selected
}

// selectDefault derives the DEFAULT set from the per-line winners,
// judged in DEFAULT context against history; when no winner has usable
// history, the freshest DEFAULT candidates stand in.
func (e *Engine) selectDefault(winners map[types.Line][]string, published []string, candidates []types.ValidatedCandidate, now time.Time) (selected []string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("selection DEFAULT failed: %v, keeping published set", r)
			selected = append([]string(nil), published...)
			e.recordFallback(types.LineDefault)
		}
	}()

	seen := make(map[string]bool)
	var ranked []rankedIP
	for _, line := range types.PublishableLines() {
		for _, ip := range winners[line] {
			if seen[ip] {
				continue
			}
			seen[ip] = true
			score, state := e.analyzer.Score(ip, types.LineDefault, now)
			if state == history.ScoreOK && score > 0 {
				ranked = append(ranked, rankedIP{ip: ip, score: score})
			}
		}
	}

	if len(ranked) == 0 {
		for _, c := range candidates {
			if score := freshScore(c); score > 0 {
				ranked = append(ranked, rankedIP{ip: c.IP, score: score})
			}
		}
	}
	sortRanked(ranked)

	max := e.cfg.MaxRecordsFor(types.LineDefault)
	for _, r := range ranked {
		if len(selected) >= max {
			break
		}
		selected = append(selected, r.ip)
	}
	return selected
}

func (e *Engine) recordFallback(line types.Line) {
	e.events.Record(types.Event{
		Type:      types.EventSelectionFallback,
		Timestamp: time.Now().UTC(),
		Line:      line,
	})
	if e.metrics != nil {
		e.metrics.IncFallback(line)
	}
}

// freshScore rates a validated candidate from this cycle's
// measurements: inverse latency 0.7, inverse HTTP timings 0.3.
func freshScore(c types.ValidatedCandidate) float64 {
	var latencyScore float64
	if c.LatencyMs > 0 && !math.IsInf(c.LatencyMs, 1) {
		latencyScore = 1000 / c.LatencyMs
	}
	var httpScore float64
	if c.HTTP.Available && c.HTTP.AvgTTFBMs > 0 && c.HTTP.AvgTotalMs > 0 &&
		!math.IsInf(c.HTTP.AvgTTFBMs, 1) && !math.IsInf(c.HTTP.AvgTotalMs, 1) {
		httpScore = (1000/c.HTTP.AvgTTFBMs + 1000/c.HTTP.AvgTotalMs) / 2
	}
	return latencyScore*0.7 + httpScore*0.3
}

// sortRanked orders by score descending, incumbents before newcomers
// at equal score, then IP ascending for determinism.
func sortRanked(ranked []rankedIP) {
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if ranked[i].incumbent != ranked[j].incumbent {
			return ranked[i].incumbent
		}
		return ranked[i].ip < ranked[j].ip
	})
}

func contains(list []string, ip string) bool {
	for _, v := range list {
		if v == ip {
			return true
		}
	}
	return false
}
