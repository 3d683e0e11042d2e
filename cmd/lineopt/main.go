package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/lineopthq/optimizer/internal/audit"
	"github.com/lineopthq/optimizer/internal/config"
	"github.com/lineopthq/optimizer/internal/dnspub"
	"github.com/lineopthq/optimizer/internal/evaluate"
	"github.com/lineopthq/optimizer/internal/events"
	"github.com/lineopthq/optimizer/internal/health"
	"github.com/lineopthq/optimizer/internal/history"
	"github.com/lineopthq/optimizer/internal/logging"
	"github.com/lineopthq/optimizer/internal/metrics"
	"github.com/lineopthq/optimizer/internal/nodes"
	"github.com/lineopthq/optimizer/internal/pipeline"
	"github.com/lineopthq/optimizer/internal/pool"
	"github.com/lineopthq/optimizer/internal/probe"
	"github.com/lineopthq/optimizer/internal/queue"
	"github.com/lineopthq/optimizer/internal/selection"
	"github.com/lineopthq/optimizer/internal/validate"
	"github.com/lineopthq/optimizer/pkg/types"
)

const queueCapacity = 1024

func main() {
	ctx := context.Background()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = run(ctx, os.Args[2:])
	case "check":
		err = check(ctx, os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "command %s failed: %v\n", cmd, err)
		os.Exit(1)
	}
}

func configPathDefault() string {
	if path := os.Getenv("LINEOPT_CONFIG"); path != "" {
		return path
	}
	return config.DefaultConfigPath
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", configPathDefault(), "Path to configuration file")
	quiet := fs.Bool("quiet", false, "Suppress the progress bar")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(ctx, *configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Run.DataDir == "" {
		return fmt.Errorf("run data_dir must be configured")
	}
	if err := os.MkdirAll(cfg.Run.DataDir, 0o700); err != nil {
		return fmt.Errorf("ensure data dir: %w", err)
	}

	logger := logging.New()
	logger.Printf("lineopt starting (service=%s, data_dir=%s)", cfg.Probe.ServiceURL, cfg.Run.DataDir)

	metricsStore := metrics.NewStore()
	healthChecker := health.NewChecker(metricsStore, queueCapacity, 2*time.Hour)

	journal, err := audit.NewJournal(cfg.Run.DataDir, time.Now(), audit.JournalDependencies{Logger: logger})
	if err != nil {
		return fmt.Errorf("open cycle journal: %w", err)
	}
	defer journal.Close()

	recorder := events.NewMulti(journal, events.LogRecorder{Logger: logger})

	reportQueue := queue.NewReportQueue(queueCapacity)
	reportQueue.SetEventRecorder(recorder)
	reportQueue.SetMetricsRecorder(metricsStore.QueueRecorder())

	registry, err := loadRegistry(cfg.Nodes)
	if err != nil {
		return fmt.Errorf("load node registry: %w", err)
	}

	transport, err := buildTransport(cfg.Probe, logger)
	if err != nil {
		return err
	}

	orchestrator, err := probe.NewOrchestrator(probe.Config{
		OverseasMode: cfg.Probe.OverseasMode,
		InterIPDelay: cfg.Probe.InterIPDelay,
		Timeout:      cfg.Probe.Timeout,
		Retries:      cfg.Probe.Retries,
	}, probe.Dependencies{
		Transport: transport,
		Registry:  registry,
		Queue:     reportQueue,
		Metrics:   metricsStore.ProbeRecorder(),
		Events:    recorder,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	validator, err := validate.New(validate.Config{
		SuccessRatio:    cfg.Validation.SuccessRatio,
		Thresholds:      cfg.Evaluation.LatencyThresholds,
		HTTPTTFBMs:      cfg.Evaluation.HTTPTTFBMs,
		HTTPTotalTimeMs: cfg.Evaluation.HTTPTotalTimeMs,
		Timeout:         cfg.Probe.Timeout,
	}, validate.Dependencies{
		Transport: transport,
		Registry:  registry,
		Metrics:   metricsStore,
		Events:    recorder,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("init validator: %w", err)
	}

	histStore := history.NewStore(cfg.History.Dir, cfg.History.EMAWeight, history.StoreDependencies{Logger: logger})
	badIPs := history.NewBadIPs(cfg.History.Dir, cfg.History.BadIPThreshold, cfg.History.MinTestsForBadIP, history.BadIPDependencies{
		Events: recorder,
		Logger: logger,
	})
	analyzer := history.NewAnalyzer(histStore, history.AnalyzerConfig{
		AnalysisDays:    cfg.History.AnalysisDays,
		HTTPTTFBMs:      cfg.Evaluation.HTTPTTFBMs,
		HTTPTotalTimeMs: cfg.Evaluation.HTTPTotalTimeMs,
	})

	engine, err := selection.New(cfg.Selection, selection.Dependencies{
		Analyzer: analyzer,
		Metrics:  metricsStore,
		Events:   recorder,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("init selection engine: %w", err)
	}

	provider, err := dnspub.NewGateway(dnspub.GatewayConfig{
		GatewayURL: cfg.DNS.GatewayURL,
		Token:      cfg.DNS.Token,
	}, dnspub.GatewayDependencies{Logger: logger})
	if err != nil {
		return fmt.Errorf("init dns gateway: %w", err)
	}

	reconciler, err := dnspub.NewReconciler(cfg.DNS, dnspub.ReconcilerDependencies{
		Provider: provider,
		Metrics:  metricsStore,
		Events:   recorder,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("init dns reconciler: %w", err)
	}

	generator, err := pool.NewGenerator(cfg.Pool)
	if err != nil {
		return fmt.Errorf("init candidate pool: %w", err)
	}

	p, err := pipeline.New(cfg, pipeline.Dependencies{
		Orchestrator: orchestrator,
		Evaluator:    evaluate.New(cfg.Evaluation, evaluate.Dependencies{Logger: logger, Metrics: metricsStore}),
		Validator:    validator,
		History:      histStore,
		BadIPs:       badIPs,
		Engine:       engine,
		Reconciler:   reconciler,
		Pool:         generator,
		Drainer:      audit.NewDrainer(reportQueue, journal, audit.WithLogger(logger)),
		Snapshots:    audit.NewSnapshotWriter(cfg.History.Dir, cfg.History.RetentionDays, audit.SnapshotWriterDependencies{Logger: logger}),
		Health:       healthChecker,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	grp, groupCtx := errgroup.WithContext(runCtx)

	grp.Go(func() error {
		return serveMonitoring(groupCtx, cfg.Run.MetricsAddr, metricsStore, healthChecker, logger)
	})

	grp.Go(func() error {
		defer stop()
		result, err := p.Run(groupCtx, journal.CycleID(), progressFunc(*quiet))
		if err != nil {
			if errors.Is(err, context.Canceled) {
				logger.Printf("cycle interrupted")
				return nil
			}
			return err
		}
		printSelection(result)
		logger.Printf("cycle %s done: %d IPs measured in %s", result.CycleID, result.Measured, result.Duration.Round(time.Second))
		return nil
	})

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Printf("lineopt stopped")
	return nil
}

// check verifies DNS provider connectivity with the configured
// credentials and prints the currently published records.
func check(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", configPathDefault(), "Path to configuration file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(ctx, *configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	provider, err := dnspub.NewGateway(dnspub.GatewayConfig{
		GatewayURL: cfg.DNS.GatewayURL,
		Token:      cfg.DNS.Token,
	}, dnspub.GatewayDependencies{Logger: logging.New()})
	if err != nil {
		return fmt.Errorf("init dns gateway: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	records, err := provider.ListRecords(checkCtx, cfg.DNS.Domain, cfg.DNS.Subdomain, "A")
	if err != nil {
		return fmt.Errorf("dns provider unreachable: %w", err)
	}

	fmt.Printf("dns provider ok: %d records for %s.%s\n", len(records), cfg.DNS.Subdomain, cfg.DNS.Domain)
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Line", "IP", "TTL", "Record ID"})
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, rec := range records {
		table.Append([]string{string(rec.Line), rec.Value, fmt.Sprintf("%d", rec.TTL), rec.ID})
	}
	table.Render()
	return nil
}

func loadRegistry(cfg config.NodesConfig) (*nodes.Registry, error) {
	if cfg.CatalogPath == "" {
		return nodes.Builtin(), nil
	}
	return nodes.LoadCatalog(cfg.CatalogPath, cfg.PublicKey)
}

func buildTransport(cfg config.ProbeConfig, logger *log.Logger) (probe.Transport, error) {
	switch cfg.Transport {
	case "", "itdog":
		return probe.NewItdog(probe.ItdogConfig{
			BaseURL: cfg.ServiceURL,
			Timeout: cfg.Timeout,
		}, probe.ItdogDependencies{Logger: logger})
	case "local":
		return probe.NewLocalPing(probe.LocalPingConfig{
			Timeout: cfg.Timeout,
		}, probe.LocalPingDependencies{Logger: logger}), nil
	default:
		return nil, fmt.Errorf("unknown probe transport %q", cfg.Transport)
	}
}

func progressFunc(quiet bool) func(done, total int) {
	if quiet {
		return nil
	}
	var bar *progressbar.ProgressBar
	return func(done, total int) {
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription("probing"),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
		}
		_ = bar.Set(done)
	}
}

// printSelection renders the per-line outcome of the finished cycle.
func printSelection(result *pipeline.Result) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Line", "Qualified", "Validated", "Selected IPs"})
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)

	lines := make([]types.Line, 0, len(result.Selected))
	for line := range result.Selected {
		lines = append(lines, line)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i] < lines[j] })

	for _, line := range lines {
		selected := result.Selected[line]
		table.Append([]string{
			string(line),
			fmt.Sprintf("%d", result.Qualified[line]),
			fmt.Sprintf("%d", len(result.Validated[line])),
			strings.Join(selected, ", "),
		})
	}
	table.Render()
}

func printUsage() {
	fmt.Println("lineopt CDN edge IP optimizer")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  lineopt run [--config /etc/lineopt/config.yaml] [--quiet]")
	fmt.Println("  lineopt check [--config /etc/lineopt/config.yaml]")
	fmt.Println()
	fmt.Println("The config path can also be set via LINEOPT_CONFIG.")
}

func serveMonitoring(ctx context.Context, addr string, store *metrics.Store, checker *health.Checker, logger *log.Logger) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.NewHTTPHandler(store))
	mux.Handle("/", health.NewHTTPHandler(checker))

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("metrics listening on http://%s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
