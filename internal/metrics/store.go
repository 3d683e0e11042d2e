package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/lineopthq/optimizer/pkg/types"
)

// Store maintains in-memory gauges and counters for pipeline telemetry.
type Store struct {
	probesTotal         atomic.Uint64
	probeFailures       atomic.Uint64
	httpProbesTotal     atomic.Uint64
	httpProbeFailures   atomic.Uint64
	queueDepth          atomic.Int64
	queueDrops          atomic.Uint64
	readinessState      atomic.Int64
	readinessReason     atomic.Value
	readyTransitions    atomic.Uint64
	notReadyTransitions atomic.Uint64

	mu         sync.Mutex
	qualified  map[types.Line]uint64
	validated  map[types.Line]uint64
	selected   map[types.Line]int
	fallbacks  map[types.Line]uint64
	dnsCreates uint64
	dnsDeletes uint64
	dnsFailed  uint64
}

// NewStore constructs a Store with zeroed metrics.
func NewStore() *Store {
	s := &Store{
		qualified: make(map[types.Line]uint64),
		validated: make(map[types.Line]uint64),
		selected:  make(map[types.Line]int),
		fallbacks: make(map[types.Line]uint64),
	}
	s.readinessReason.Store("")
	return s
}

// Snapshot captures the current metric values in a plain struct.
type Snapshot struct {
	ProbesTotal         uint64
	ProbeFailuresTotal  uint64
	HTTPProbesTotal     uint64
	HTTPProbeFailures   uint64
	QueueDepth          int64
	QueueDroppedTotal   uint64
	Ready               bool
	ReadyReason         string
	ReadyTransitions    uint64
	NotReadyTransitions uint64
	Qualified           map[types.Line]uint64
	Validated           map[types.Line]uint64
	Selected            map[types.Line]int
	Fallbacks           map[types.Line]uint64
	DNSCreates          uint64
	DNSDeletes          uint64
	DNSOpFailures       uint64
}

// Snapshot returns a point-in-time copy of the metrics.
func (s *Store) Snapshot() Snapshot {
	reason, _ := s.readinessReason.Load().(string)

	s.mu.Lock()
	qualified := cloneCounts(s.qualified)
	validated := cloneCounts(s.validated)
	fallbacks := cloneCounts(s.fallbacks)
	selected := make(map[types.Line]int, len(s.selected))
	for line, n := range s.selected {
		selected[line] = n
	}
	dnsCreates := s.dnsCreates
	dnsDeletes := s.dnsDeletes
	dnsFailed := s.dnsFailed
	s.mu.Unlock()

	return Snapshot{
		ProbesTotal:         s.probesTotal.Load(),
		ProbeFailuresTotal:  s.probeFailures.Load(),
		HTTPProbesTotal:     s.httpProbesTotal.Load(),
		HTTPProbeFailures:   s.httpProbeFailures.Load(),
		QueueDepth:          s.queueDepth.Load(),
		QueueDroppedTotal:   s.queueDrops.Load(),
		Ready:               s.readinessState.Load() == 1,
		ReadyReason:         reason,
		ReadyTransitions:    s.readyTransitions.Load(),
		NotReadyTransitions: s.notReadyTransitions.Load(),
		Qualified:           qualified,
		Validated:           validated,
		Selected:            selected,
		Fallbacks:           fallbacks,
		DNSCreates:          dnsCreates,
		DNSDeletes:          dnsDeletes,
		DNSOpFailures:       dnsFailed,
	}
}

func cloneCounts(in map[types.Line]uint64) map[types.Line]uint64 {
	out := make(map[types.Line]uint64, len(in))
	for line, n := range in {
		out[line] = n
	}
	return out
}

// QueueRecorder returns an implementation of QueueRecorder backed by the store.
func (s *Store) QueueRecorder() QueueRecorder {
	return queueRecorder{store: s}
}

// ProbeRecorder returns an implementation of ProbeRecorder backed by the store.
func (s *Store) ProbeRecorder() ProbeRecorder {
	return probeRecorder{store: s}
}

type queueRecorder struct {
	store *Store
}

func (r queueRecorder) ObserveQueueDepth(depth int) {
	r.store.queueDepth.Store(int64(depth))
}

func (r queueRecorder) IncQueueDrops() {
	r.store.queueDrops.Add(1)
}

type probeRecorder struct {
	store *Store
}

func (r probeRecorder) IncPing(failed bool) {
	r.store.probesTotal.Add(1)
	if failed {
		r.store.probeFailures.Add(1)
	}
}

func (r probeRecorder) IncHTTP(failed bool) {
	r.store.httpProbesTotal.Add(1)
	if failed {
		r.store.httpProbeFailures.Add(1)
	}
}

func (s *Store) IncQualified(line types.Line) {
	s.mu.Lock()
	s.qualified[line]++
	s.mu.Unlock()
}

func (s *Store) IncValidated(line types.Line) {
	s.mu.Lock()
	s.validated[line]++
	s.mu.Unlock()
}

func (s *Store) IncFallback(line types.Line) {
	s.mu.Lock()
	s.fallbacks[line]++
	s.mu.Unlock()
}

func (s *Store) ObserveSelected(line types.Line, count int) {
	s.mu.Lock()
	s.selected[line] = count
	s.mu.Unlock()
}

func (s *Store) IncDNSCreate() {
	s.mu.Lock()
	s.dnsCreates++
	s.mu.Unlock()
}

func (s *Store) IncDNSDelete() {
	s.mu.Lock()
	s.dnsDeletes++
	s.mu.Unlock()
}

func (s *Store) IncDNSFailure() {
	s.mu.Lock()
	s.dnsFailed++
	s.mu.Unlock()
}

func (s *Store) ObserveReadiness(ready bool, reason string) {
	prev := s.readinessState.Load()
	if ready {
		if prev == 0 {
			s.readyTransitions.Add(1)
		}
		s.readinessState.Store(1)
		s.readinessReason.Store("")
		return
	}
	if prev == 1 {
		s.notReadyTransitions.Add(1)
	}
	s.readinessState.Store(0)
	s.readinessReason.Store(reason)
}

// WritePrometheus renders the current metrics using the Prometheus text format.
func (s *Store) WritePrometheus(w io.Writer) error {
	snap := s.Snapshot()
	readyValue := 0
	if snap.Ready {
		readyValue = 1
	}
	reason := snap.ReadyReason
	if snap.Ready && reason == "" {
		reason = "ready"
	}
	if !snap.Ready && reason == "" {
		reason = "unknown"
	}
	lines := []string{
		"# HELP lineopt_probes_total Total ping probes issued to the measurement service.",
		"# TYPE lineopt_probes_total counter",
		fmt.Sprintf("lineopt_probes_total %d", snap.ProbesTotal),
		"# HELP lineopt_probe_failures_total Total ping probes that returned no usable result.",
		"# TYPE lineopt_probe_failures_total counter",
		fmt.Sprintf("lineopt_probe_failures_total %d", snap.ProbeFailuresTotal),
		"# HELP lineopt_http_probes_total Total HTTP probes issued across origins.",
		"# TYPE lineopt_http_probes_total counter",
		fmt.Sprintf("lineopt_http_probes_total %d", snap.HTTPProbesTotal),
		"# HELP lineopt_http_probe_failures_total Total HTTP probes that failed.",
		"# TYPE lineopt_http_probe_failures_total counter",
		fmt.Sprintf("lineopt_http_probe_failures_total %d", snap.HTTPProbeFailures),
		"# HELP lineopt_queue_depth_number Number of IP reports currently buffered for the journal.",
		"# TYPE lineopt_queue_depth_number gauge",
		fmt.Sprintf("lineopt_queue_depth_number %d", snap.QueueDepth),
		"# HELP lineopt_queue_dropped_total Total IP reports dropped due to queue pressure.",
		"# TYPE lineopt_queue_dropped_total counter",
		fmt.Sprintf("lineopt_queue_dropped_total %d", snap.QueueDroppedTotal),
		"# HELP lineopt_dns_record_creates_total Total DNS record creations attempted successfully.",
		"# TYPE lineopt_dns_record_creates_total counter",
		fmt.Sprintf("lineopt_dns_record_creates_total %d", snap.DNSCreates),
		"# HELP lineopt_dns_record_deletes_total Total DNS record deletions attempted successfully.",
		"# TYPE lineopt_dns_record_deletes_total counter",
		fmt.Sprintf("lineopt_dns_record_deletes_total %d", snap.DNSDeletes),
		"# HELP lineopt_dns_op_failures_total Total DNS record operations that failed and were skipped.",
		"# TYPE lineopt_dns_op_failures_total counter",
		fmt.Sprintf("lineopt_dns_op_failures_total %d", snap.DNSOpFailures),
		"# HELP lineopt_ready Whether the pipeline considers itself healthy (1=ready).",
		"# TYPE lineopt_ready gauge",
		fmt.Sprintf("lineopt_ready %d", readyValue),
		"# HELP lineopt_ready_info Reason associated with the most recent readiness evaluation.",
		"# TYPE lineopt_ready_info gauge",
		fmt.Sprintf("lineopt_ready_info{reason=%q} 1", reason),
	}

	lines = append(lines,
		"# HELP lineopt_candidates_qualified_total Candidates that passed the evaluation gate, per line.",
		"# TYPE lineopt_candidates_qualified_total counter",
	)
	lines = appendLineCounts(lines, "lineopt_candidates_qualified_total", snap.Qualified)
	lines = append(lines,
		"# HELP lineopt_candidates_validated_total Candidates confirmed by multi-node validation, per line.",
		"# TYPE lineopt_candidates_validated_total counter",
	)
	lines = appendLineCounts(lines, "lineopt_candidates_validated_total", snap.Validated)
	lines = append(lines,
		"# HELP lineopt_selection_fallbacks_total Lines that fell back to the previously published set.",
		"# TYPE lineopt_selection_fallbacks_total counter",
	)
	lines = appendLineCounts(lines, "lineopt_selection_fallbacks_total", snap.Fallbacks)
	lines = append(lines,
		"# HELP lineopt_selected_ips_number IPs selected for publication in the latest cycle, per line.",
		"# TYPE lineopt_selected_ips_number gauge",
	)
	selectedLines := make([]types.Line, 0, len(snap.Selected))
	for line := range snap.Selected {
		selectedLines = append(selectedLines, line)
	}
	sort.Slice(selectedLines, func(i, j int) bool { return selectedLines[i] < selectedLines[j] })
	for _, line := range selectedLines {
		lines = append(lines, fmt.Sprintf("lineopt_selected_ips_number{line=%q} %d", line, snap.Selected[line]))
	}

	lines = append(lines, "")
	for _, line := range lines {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}
	return nil
}

func appendLineCounts(lines []string, name string, counts map[types.Line]uint64) []string {
	keys := make([]types.Line, 0, len(counts))
	for line := range counts {
		keys = append(keys, line)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, line := range keys {
		lines = append(lines, fmt.Sprintf("%s{line=%q} %d", name, line, counts[line]))
	}
	return lines
}

// NewHTTPHandler returns an http.Handler that serves Prometheus formatted metrics.
func NewHTTPHandler(store *Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if r.Method == http.MethodHead {
			return
		}
		if err := store.WritePrometheus(w); err != nil {
			http.Error(w, "metrics unavailable", http.StatusInternalServerError)
		}
	})
}
