package pipeline

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/lineopthq/optimizer/internal/audit"
	"github.com/lineopthq/optimizer/internal/config"
	"github.com/lineopthq/optimizer/internal/dnspub"
	"github.com/lineopthq/optimizer/internal/evaluate"
	"github.com/lineopthq/optimizer/internal/health"
	"github.com/lineopthq/optimizer/internal/history"
	"github.com/lineopthq/optimizer/internal/pool"
	"github.com/lineopthq/optimizer/internal/probe"
	"github.com/lineopthq/optimizer/internal/selection"
	"github.com/lineopthq/optimizer/internal/validate"
	"github.com/lineopthq/optimizer/pkg/types"
)

// Dependencies collect every stage of the measurement-to-publication
// cycle. Orchestrator through Reconciler are required; the rest default
// to no-ops.
type Dependencies struct {
	Orchestrator *probe.Orchestrator
	Evaluator    *evaluate.Evaluator
	Validator    *validate.Validator
	History      *history.Store
	BadIPs       *history.BadIPs
	Engine       *selection.Engine
	Reconciler   *dnspub.Reconciler
	Pool         *pool.Generator

	Drainer   *audit.Drainer
	Snapshots *audit.SnapshotWriter
	Health    *health.Checker
	Logger    *log.Logger
	Rand      *rand.Rand
	Now       func() time.Time
}

// Pipeline runs one full optimization cycle: generate candidates, probe
// them, evaluate, validate, fold history, select, publish, snapshot. A
// started cycle always runs to completion; only context cancellation
// aborts it early.
type Pipeline struct {
	cfg  config.Config
	deps Dependencies

	logger *log.Logger
	rand   *rand.Rand
	now    func() time.Time
}

func New(cfg config.Config, deps Dependencies) (*Pipeline, error) {
	if deps.Orchestrator == nil {
		return nil, fmt.Errorf("probe orchestrator is required")
	}
	if deps.Evaluator == nil {
		return nil, fmt.Errorf("evaluator is required")
	}
	if deps.Validator == nil {
		return nil, fmt.Errorf("validator is required")
	}
	if deps.History == nil || deps.BadIPs == nil {
		return nil, fmt.Errorf("history store and bad-IP registry are required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("selection engine is required")
	}
	if deps.Reconciler == nil {
		return nil, fmt.Errorf("dns reconciler is required")
	}
	if deps.Pool == nil {
		return nil, fmt.Errorf("candidate pool generator is required")
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
	return &Pipeline{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		rand:   rng,
		now:    now,
	}, nil
}

// Result summarizes one finished cycle.
type Result struct {
	CycleID   string
	Measured  int
	Qualified map[types.Line]int
	Validated map[types.Line][]types.ValidatedCandidate
	Selected  map[types.Line][]string
	Duration  time.Duration
}

// Run executes one cycle. ProgressFn, if set, is invoked after each
// probed IP with (done, total).
func (p *Pipeline) Run(ctx context.Context, cycleID string, progressFn func(done, total int)) (*Result, error) {
	started := p.now()

	histErr := p.deps.History.Load()
	if histErr != nil {
		p.logger.Printf("history load failed, starting cold: %v", histErr)
	}
	if p.deps.Health != nil {
		p.deps.Health.ObserveHistoryLoad(histErr)
	}
	if err := p.deps.BadIPs.Load(); err != nil {
		p.logger.Printf("bad-IP load failed, starting cold: %v", err)
	}

	published, err := p.deps.Reconciler.Fetch(ctx)
	if err != nil {
		p.logger.Printf("fetching published records failed, no incumbents this cycle: %v", err)
		published = map[types.Line][]string{}
	}

	candidates := p.deps.Pool.Generate(p.deps.BadIPs.IsBad)
	sampled := pool.Sample(candidates, p.cfg.Pool.SampleSize, p.cfg.Pool.SampleRate, p.rand)
	p.logger.Printf("cycle %s: probing %d of %d candidate IPs", cycleID, len(sampled), len(candidates))

	reports := p.measure(ctx, sampled, progressFn)
	if err := ctx.Err(); err != nil {
		p.observeCycle(err)
		return nil, err
	}

	scored := p.deps.Evaluator.EvaluateBatch(reports)
	validated := p.deps.Validator.ValidateBatch(ctx, scored)
	if err := ctx.Err(); err != nil {
		p.observeCycle(err)
		return nil, err
	}

	now := p.now()
	p.deps.History.Fold(reports, now)
	for _, report := range reports {
		p.deps.BadIPs.Update(report.IP, report, now)
	}
	if unreachable := evaluate.Unavailable(reports); len(unreachable) > 0 {
		p.logger.Printf("%d IPs unreachable on every line this cycle", len(unreachable))
	}

	selected := p.deps.Engine.Select(published, validated, now)

	if err := p.deps.Reconciler.Apply(ctx, selected); err != nil {
		p.logger.Printf("dns reconcile failed, records unchanged: %v", err)
	}

	if p.deps.Snapshots != nil {
		if err := p.deps.Snapshots.WriteCycle(cycleID, selected, validated, now); err != nil {
			p.logger.Printf("snapshot write failed: %v", err)
		}
	}
	if err := p.deps.History.Save(); err != nil {
		p.logger.Printf("history save failed: %v", err)
	}
	if err := p.deps.BadIPs.Save(); err != nil {
		p.logger.Printf("bad-IP save failed: %v", err)
	}

	p.observeCycle(nil)

	qualified := make(map[types.Line]int, len(scored))
	for line, cs := range scored {
		qualified[line] = len(cs)
	}
	return &Result{
		CycleID:   cycleID,
		Measured:  len(reports),
		Qualified: qualified,
		Validated: validated,
		Selected:  selected,
		Duration:  p.now().Sub(started),
	}, nil
}

// measure runs the probe batch with the audit drainer alongside, so
// finished reports reach the journal while probing continues.
func (p *Pipeline) measure(ctx context.Context, ips []string, progressFn func(done, total int)) []types.IPReport {
	if p.deps.Drainer == nil {
		return p.deps.Orchestrator.MeasureBatch(ctx, ips, progressFn)
	}

	drainCtx, stopDrain := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = p.deps.Drainer.Run(drainCtx)
	}()

	// Checkpoint the journal every SaveEvery IPs so a crash mid-batch
	// loses at most one save interval of reports.
	progress := progressFn
	if saveEvery := p.cfg.Run.SaveEvery; saveEvery > 0 {
		progress = func(done, total int) {
			if done%saveEvery == 0 {
				p.deps.Drainer.Flush()
			}
			if progressFn != nil {
				progressFn(done, total)
			}
		}
	}

	reports := p.deps.Orchestrator.MeasureBatch(ctx, ips, progress)

	stopDrain()
	wg.Wait()
	p.deps.Drainer.Flush()
	return reports
}

func (p *Pipeline) observeCycle(err error) {
	if p.deps.Health == nil {
		return
	}
	p.deps.Health.ObserveCycle(p.now().UTC(), err)
}
