package probe

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lineopthq/optimizer/internal/events"
	"github.com/lineopthq/optimizer/internal/metrics"
	"github.com/lineopthq/optimizer/internal/nodes"
	"github.com/lineopthq/optimizer/internal/queue"
	"github.com/lineopthq/optimizer/pkg/types"
)

// Config holds the static configuration for an Orchestrator.
type Config struct {
	OverseasMode bool
	InterIPDelay time.Duration
	Timeout      time.Duration
	Retries      int
}

// Dependencies allow test overrides for transport, node registry,
// clock, randomness, and telemetry.
type Dependencies struct {
	Transport Transport
	Registry  *nodes.Registry
	Queue     *queue.ReportQueue
	Metrics   metrics.ProbeRecorder
	Events    events.Recorder
	Logger    *log.Logger
	Rand      *rand.Rand
	Now       func() time.Time
}

// Orchestrator measures candidate IPs through a Transport: one node per
// line for pings, the fixed origin set for HTTP, best-of-node folding
// into a single IPReport per IP.
type Orchestrator struct {
	cfg       Config
	transport Transport
	registry  *nodes.Registry
	queue     *queue.ReportQueue
	metrics   metrics.ProbeRecorder
	events    events.Recorder
	logger    *log.Logger
	rand      *rand.Rand
	now       func() time.Time
}

// NewOrchestrator builds an orchestrator from configuration and dependencies.
func NewOrchestrator(cfg Config, deps Dependencies) (*Orchestrator, error) {
	if deps.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("node registry is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	rec := deps.Metrics
	if rec == nil {
		rec = metrics.NoopProbeRecorder{}
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
	return &Orchestrator{
		cfg:       cfg,
		transport: deps.Transport,
		registry:  deps.Registry,
		queue:     deps.Queue,
		metrics:   rec,
		events:    evRec,
		logger:    logger,
		rand:      rng,
		now:       now,
	}, nil
}

// MeasureIP probes one IP across every active line plus the HTTP origin
// set. Probe failures are recorded as data; the only error returned is
// context cancellation.
func (o *Orchestrator) MeasureIP(ctx context.Context, ip string) (types.IPReport, error) {
	report := types.IPReport{
		IP:    ip,
		Tests: make(map[types.Line]types.RawMeasurement),
	}

	lines := types.DomesticLines()
	if o.cfg.OverseasMode {
		lines = append(lines, types.LineOverseas)
	}

	for _, line := range lines {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		sample := o.registry.Sample(line, 1, o.rand)
		best := types.Unreachable(ip, line, "")
		for _, nodeID := range sample {
			m := o.pingWithRetry(ctx, ip, nodeID)
			m.Line = line
			o.metrics.IncPing(!m.Available)
			best = mergeBest(best, m)
		}
		if !best.Available {
			o.events.Record(types.Event{
				Type:      types.EventProbeFailed,
				Timestamp: o.now().UTC(),
				IP:        ip,
				Line:      line,
			})
		}
		report.Tests[line] = best
	}

	report.HTTP = o.measureHTTP(ctx, ip)
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// pingWithRetry runs up to Retries probe attempts against one node with
// short exponential backoff between failures.
func (o *Orchestrator) pingWithRetry(ctx context.Context, ip, nodeID string) types.RawMeasurement {
	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = 200 * time.Millisecond
	boff.MaxInterval = time.Second

	for attempt := 0; attempt < o.cfg.Retries; attempt++ {
		probeCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
		m, err := o.transport.ProbePing(probeCtx, ip, nodeID)
		cancel()
		if err == nil && m.Available {
			return m
		}
		if err != nil {
			o.logger.Printf("ping %s via node %s: %v", ip, nodeID, err)
		}
		if attempt == o.cfg.Retries-1 {
			break
		}
		wait := boff.NextBackOff()
		if wait == backoff.Stop {
			wait = boff.MaxInterval
		}
		select {
		case <-ctx.Done():
			return types.Unreachable(ip, "", nodeID)
		case <-time.After(wait):
		}
	}
	return types.Unreachable(ip, "", nodeID)
}

// measureHTTP probes every origin concurrently and folds the results.
func (o *Orchestrator) measureHTTP(ctx context.Context, ip string) types.HTTPReport {
	origins := types.AllOrigins()
	results := make([]types.HTTPMeasurement, len(origins))

	g, gctx := errgroup.WithContext(ctx)
	for i, origin := range origins {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, o.cfg.Timeout)
			defer cancel()
			m, err := o.transport.ProbeHTTP(probeCtx, ip, origin)
			if err != nil {
				o.logger.Printf("http probe %s via %s: %v", ip, origin, err)
				m = types.UnavailableHTTP(ip, origin)
			}
			o.metrics.IncHTTP(!m.Available)
			results[i] = m
			return nil
		})
	}
	// Workers never return errors; failures become unavailable records.
	_ = g.Wait()

	return types.BuildHTTPReport(ip, results)
}

// MeasureBatch measures IPs one at a time with inter-IP pacing,
// enqueuing each finished report for the audit drainer. progressFn, if
// set, is called after each IP with (done, total).
func (o *Orchestrator) MeasureBatch(ctx context.Context, ips []string, progressFn func(done, total int)) []types.IPReport {
	reports := make([]types.IPReport, 0, len(ips))

	var limiter *rate.Limiter
	if o.cfg.InterIPDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(o.cfg.InterIPDelay), 1)
	}

	for i, ip := range ips {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return reports
			}
		} else if err := ctx.Err(); err != nil {
			return reports
		}

		report, err := o.MeasureIP(ctx, ip)
		if err != nil {
			return reports
		}
		reports = append(reports, report)
		if o.queue != nil {
			o.queue.Enqueue(report)
		}
		if progressFn != nil {
			progressFn(i+1, len(ips))
		}
	}
	return reports
}

// mergeBest keeps the lower-latency available measurement.
func mergeBest(a, b types.RawMeasurement) types.RawMeasurement {
	if !a.Available {
		return b
	}
	if !b.Available {
		return a
	}
	if b.LatencyMs < a.LatencyMs {
		return b
	}
	return a
}
