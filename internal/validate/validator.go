package validate

import (
	"context"
	"io"
	"log"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lineopthq/optimizer/internal/config"
	"github.com/lineopthq/optimizer/internal/events"
	"github.com/lineopthq/optimizer/internal/metrics"
	"github.com/lineopthq/optimizer/internal/nodes"
	"github.com/lineopthq/optimizer/internal/probe"
	"github.com/lineopthq/optimizer/pkg/types"
)

// overseasRelax widens the HTTP thresholds for the OVERSEAS line.
const overseasRelax = 1.5

// Config holds the static configuration for a Validator.
type Config struct {
	SuccessRatio    float64
	Thresholds      config.LatencyThresholds
	HTTPTTFBMs      float64
	HTTPTotalTimeMs float64
	Timeout         time.Duration
}

// Dependencies allow test overrides for transport, registry, clock,
// randomness, and telemetry.
type Dependencies struct {
	Transport probe.Transport
	Registry  *nodes.Registry
	Metrics   *metrics.Store
	Events    events.Recorder
	Logger    *log.Logger
	Rand      *rand.Rand
	Now       func() time.Time
}

// Validator confirms qualified candidates by re-probing them from half
// the line's node pool, excluding the node that produced the initial
// measurement. A failed validation drops the candidate for this cycle
// only; nothing is persisted.
type Validator struct {
	cfg       Config
	transport probe.Transport
	registry  *nodes.Registry
	metrics   *metrics.Store
	events    events.Recorder
	logger    *log.Logger
	rand      *rand.Rand
	now       func() time.Time
}

func New(cfg Config, deps Dependencies) (*Validator, error) {
	if deps.Transport == nil {
		return nil, errMissingTransport
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.SuccessRatio <= 0 || cfg.SuccessRatio > 1 {
		cfg.SuccessRatio = 0.8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	evRec := deps.Events
	if evRec == nil {
		evRec = events.NoopRecorder{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	rng := deps.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Validator{
		cfg:       cfg,
		transport: deps.Transport,
		registry:  deps.Registry,
		metrics:   deps.Metrics,
		events:    evRec,
		logger:    logger,
		rand:      rng,
		now:       now,
	}, nil
}

// ValidateBatch re-checks every candidate per line. DEFAULT candidates
// pass through untouched; their lines were validated individually.
func (v *Validator) ValidateBatch(ctx context.Context, candidates map[types.Line][]types.ScoredCandidate) map[types.Line][]types.ValidatedCandidate {
	out := make(map[types.Line][]types.ValidatedCandidate, len(candidates))

	for line, list := range candidates {
		if line == types.LineDefault {
			for _, c := range list {
				out[line] = append(out[line], types.ValidatedCandidate{ScoredCandidate: c})
			}
			continue
		}
		for _, c := range list {
			if err := ctx.Err(); err != nil {
				return out
			}
			confirmed, ok := v.validate(ctx, c)
			if !ok {
				v.events.Record(types.Event{
					Type:      types.EventCandidateDropped,
					Timestamp: v.now().UTC(),
					IP:        c.IP,
					Line:      line,
				})
				continue
			}
			out[line] = append(out[line], confirmed)
			if v.metrics != nil {
				v.metrics.IncValidated(line)
			}
		}
	}
	return out
}

// validate runs the node re-probes and the HTTP re-check for one
// candidate.
func (v *Validator) validate(ctx context.Context, c types.ScoredCandidate) (types.ValidatedCandidate, bool) {
	count := v.registry.Len(c.Line) / 2
	if count == 0 {
		return types.ValidatedCandidate{}, false
	}
	selected := v.registry.SampleExcluding(c.Line, count, []string{c.NodeID}, v.rand)
	if len(selected) < count {
		v.logger.Printf("validate %s %s: node pool too small (%d < %d)", c.IP, c.Line, len(selected), count)
		return types.ValidatedCandidate{}, false
	}

	trail := make([]types.RawMeasurement, len(selected))
	g, gctx := errgroup.WithContext(ctx)
	for i, nodeID := range selected {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, v.cfg.Timeout)
			defer cancel()
			m, err := v.transport.ProbePing(probeCtx, c.IP, nodeID)
			if err != nil {
				m = types.Unreachable(c.IP, c.Line, nodeID)
			}
			m.Line = c.Line
			m.NodeID = nodeID
			trail[i] = m
			return nil
		})
	}
	_ = g.Wait()

	httpReport, httpOK := v.validateHTTP(ctx, c.IP, c.Line)

	threshold := v.cfg.Thresholds.ForLine(c.Line)
	var confirming []types.RawMeasurement
	for _, m := range trail {
		if m.Available && m.LatencyMs <= threshold {
			confirming = append(confirming, m)
		}
	}
	ratio := float64(len(confirming)) / float64(len(trail))
	if ratio < v.cfg.SuccessRatio || !httpOK {
		v.logger.Printf("validate %s %s: ratio %.2f httpOK=%t, dropped", c.IP, c.Line, ratio, httpOK)
		return types.ValidatedCandidate{}, false
	}

	var latencySum, lossSum float64
	for _, m := range confirming {
		latencySum += m.LatencyMs
		lossSum += m.LossPct
	}
	confirmed := c
	confirmed.LatencyMs = latencySum / float64(len(confirming))
	confirmed.LossPct = lossSum / float64(len(confirming))

	return types.ValidatedCandidate{
		ScoredCandidate: confirmed,
		HTTP:            httpReport,
		Trail:           trail,
	}, true
}

// validateHTTP re-probes the line's origins and checks the best result
// against the thresholds, relaxed for OVERSEAS.
func (v *Validator) validateHTTP(ctx context.Context, ip string, line types.Line) (types.HTTPReport, bool) {
	origins := types.OriginsForLine(line)
	results := make([]types.HTTPMeasurement, len(origins))

	g, gctx := errgroup.WithContext(ctx)
	for i, origin := range origins {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, v.cfg.Timeout)
			defer cancel()
			m, err := v.transport.ProbeHTTP(probeCtx, ip, origin)
			if err != nil {
				m = types.UnavailableHTTP(ip, origin)
			}
			results[i] = m
			return nil
		})
	}
	_ = g.Wait()

	report := types.BuildHTTPReport(ip, results)
	best, ok := report.BestOrigin(origins)
	if !ok {
		return report, false
	}

	ttfbLimit := v.cfg.HTTPTTFBMs
	totalLimit := v.cfg.HTTPTotalTimeMs
	if line == types.LineOverseas {
		ttfbLimit *= overseasRelax
		totalLimit *= overseasRelax
	}
	return report, best.TTFBMs <= ttfbLimit && best.TotalMs <= totalLimit
}
