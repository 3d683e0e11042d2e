package dnspub

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/lineopthq/optimizer/internal/config"
	"github.com/lineopthq/optimizer/internal/events"
	"github.com/lineopthq/optimizer/internal/metrics"
	"github.com/lineopthq/optimizer/pkg/types"
)

const recordTypeA = "A"

// ReconcilerDependencies allow test overrides for the provider and
// telemetry sinks.
type ReconcilerDependencies struct {
	Provider Provider
	Metrics  *metrics.Store
	Events   events.Recorder
	Logger   *log.Logger
	Now      func() time.Time
}

// Reconciler moves the published record set toward a desired per-line
// set. Creates always land before deletes so a line is never left
// without records mid-apply.
type Reconciler struct {
	cfg      config.DNSConfig
	provider Provider
	metrics  *metrics.Store
	events   events.Recorder
	logger   *log.Logger
	now      func() time.Time
}

func NewReconciler(cfg config.DNSConfig, deps ReconcilerDependencies) (*Reconciler, error) {
	if deps.Provider == nil {
		return nil, fmt.Errorf("dns provider is required")
	}
	if cfg.Domain == "" || cfg.Subdomain == "" {
		return nil, fmt.Errorf("dns domain and subdomain are required")
	}
	evRec := deps.Events
	if evRec == nil {
		evRec = events.NoopRecorder{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		cfg:      cfg,
		provider: deps.Provider,
		metrics:  deps.Metrics,
		events:   evRec,
		logger:   logger,
		now:      now,
	}, nil
}

// Fetch returns the currently published A-record values grouped by line.
func (r *Reconciler) Fetch(ctx context.Context) (map[types.Line][]string, error) {
	records, err := r.provider.ListRecords(ctx, r.cfg.Domain, r.cfg.Subdomain, recordTypeA)
	if err != nil {
		return nil, fmt.Errorf("fetch published records: %w", err)
	}
	out := make(map[types.Line][]string)
	for _, rec := range records {
		out[rec.Line] = append(out[rec.Line], rec.Value)
	}
	return out, nil
}

// Apply reconciles each line toward the selected set. Lines with an
// empty selection are left untouched. A failed create or delete is
// logged and skipped; remaining operations still run, except that a
// line's deletes are withheld when any of its creates failed.
func (r *Reconciler) Apply(ctx context.Context, selected map[types.Line][]string) error {
	records, err := r.provider.ListRecords(ctx, r.cfg.Domain, r.cfg.Subdomain, recordTypeA)
	if err != nil {
		return fmt.Errorf("list records before apply: %w", err)
	}

	current := make(map[types.Line][]Record)
	for _, rec := range records {
		current[rec.Line] = append(current[rec.Line], rec)
	}

	for _, line := range types.AllLines() {
		want := selected[line]
		if len(want) == 0 {
			continue
		}
		r.applyLine(ctx, line, want, current[line])
	}
	return nil
}

func (r *Reconciler) applyLine(ctx context.Context, line types.Line, want []string, have []Record) {
	haveSet := make(map[string]Record, len(have))
	for _, rec := range have {
		haveSet[rec.Value] = rec
	}
	wantSet := make(map[string]bool, len(want))
	for _, ip := range want {
		wantSet[ip] = true
	}

	createsFailed := false
	for _, ip := range want {
		if _, ok := haveSet[ip]; ok {
			continue
		}
		id, err := r.provider.CreateRecord(ctx, r.cfg.Domain, r.cfg.Subdomain, ip, recordTypeA, line, r.cfg.TTL)
		if err != nil {
			createsFailed = true
			r.logger.Printf("create %s %s failed: %v", line, ip, err)
			r.recordFailure(line, ip, "create", err)
			continue
		}
		r.logger.Printf("created %s record %s for %s", line, id, ip)
		r.events.Record(types.Event{
			Type:      types.EventRecordCreated,
			Timestamp: r.now().UTC(),
			IP:        ip,
			Line:      line,
			Details:   map[string]any{"record_id": id},
		})
		if r.metrics != nil {
			r.metrics.IncDNSCreate()
		}
	}

	// Deleting after a failed create could leave the line below its
	// intended record count, so stale records survive until next cycle.
	if createsFailed {
		r.logger.Printf("skipping deletes for %s after create failures", line)
		return
	}

	for _, rec := range have {
		if wantSet[rec.Value] {
			continue
		}
		if err := r.provider.DeleteRecord(ctx, r.cfg.Domain, rec.ID); err != nil {
			r.logger.Printf("delete %s record %s (%s) failed: %v", line, rec.ID, rec.Value, err)
			r.recordFailure(line, rec.Value, "delete", err)
			continue
		}
		r.logger.Printf("deleted %s record %s for %s", line, rec.ID, rec.Value)
		r.events.Record(types.Event{
			Type:      types.EventRecordDeleted,
			Timestamp: r.now().UTC(),
			IP:        rec.Value,
			Line:      line,
			Details:   map[string]any{"record_id": rec.ID},
		})
		if r.metrics != nil {
			r.metrics.IncDNSDelete()
		}
	}
}

func (r *Reconciler) recordFailure(line types.Line, ip, op string, err error) {
	r.events.Record(types.Event{
		Type:      types.EventRecordOpFailed,
		Timestamp: r.now().UTC(),
		IP:        ip,
		Line:      line,
		Details:   map[string]any{"op": op, "error": err.Error()},
	})
	if r.metrics != nil {
		r.metrics.IncDNSFailure()
	}
}
