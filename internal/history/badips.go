package history

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lineopthq/optimizer/internal/events"
	"github.com/lineopthq/optimizer/pkg/types"
)

const badIPFileName = "bad_ips.json"

// BadIPs tracks IPs that keep failing every line. An IP is bad once it
// has enough samples and its failure rate exceeds the threshold; bad
// IPs are filtered out of future candidate pools.
type BadIPs struct {
	dir       string
	threshold float64
	minTests  int
	events    events.Recorder
	logger    *log.Logger

	mu      sync.Mutex
	records map[string]types.BadIPRecord
}

// BadIPDependencies allow test overrides for events and logging.
type BadIPDependencies struct {
	Events events.Recorder
	Logger *log.Logger
}

func NewBadIPs(dir string, threshold float64, minTests int, deps BadIPDependencies) *BadIPs {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}
	if minTests <= 0 {
		minTests = 5
	}
	evRec := deps.Events
	if evRec == nil {
		evRec = events.NoopRecorder{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &BadIPs{
		dir:       dir,
		threshold: threshold,
		minTests:  minTests,
		events:    evRec,
		logger:    logger,
		records:   make(map[string]types.BadIPRecord),
	}
}

// Load reads the bad-IP file; missing or corrupt data is a cold start.
func (b *BadIPs) Load() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = make(map[string]types.BadIPRecord)

	path := filepath.Join(b.dir, badIPFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read bad-ip file %q: %w", path, err)
	}
	if err := json.Unmarshal(data, &b.records); err != nil {
		b.logger.Printf("bad-ip parse: %v, starting cold", err)
		b.records = make(map[string]types.BadIPRecord)
		return fmt.Errorf("parse bad-ip file %q: %w", path, err)
	}
	return nil
}

// Save writes the registry atomically.
func (b *BadIPs) Save() error {
	b.mu.Lock()
	data, err := json.MarshalIndent(b.records, "", "  ")
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal bad-ip records: %w", err)
	}

	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return fmt.Errorf("create bad-ip dir %q: %w", b.dir, err)
	}
	path := filepath.Join(b.dir, badIPFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write bad-ip file %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace bad-ip file %q: %w", path, err)
	}
	return nil
}

// Update folds one cycle's outcome for an IP into its record. The
// sample ring keeps the last BadIPSampleWindow cycles.
func (b *BadIPs) Update(ip string, report types.IPReport, now time.Time) {
	allFailed := !report.AnyAvailable()

	b.mu.Lock()
	record, ok := b.records[ip]
	if !ok {
		record = types.BadIPRecord{FirstSeen: now.UTC()}
	}
	record.TestCount++
	record.LastUpdate = now.UTC()
	if allFailed {
		record.FailCount++
	}
	record.RecentTests = append(record.RecentTests, types.BadIPSample{
		Timestamp: now.UTC(),
		AllFailed: allFailed,
	})
	if len(record.RecentTests) > types.BadIPSampleWindow {
		record.RecentTests = record.RecentTests[len(record.RecentTests)-types.BadIPSampleWindow:]
	}
	b.records[ip] = record
	b.mu.Unlock()

	if allFailed {
		b.events.Record(types.Event{
			Type:      types.EventBadIPObserved,
			Timestamp: now.UTC(),
			IP:        ip,
		})
	}
}

// IsBad reports whether the IP has crossed the failure threshold with
// enough samples behind it.
func (b *BadIPs) IsBad(ip string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	record, ok := b.records[ip]
	if !ok {
		return false
	}
	if record.TestCount < b.minTests {
		return false
	}
	return float64(record.FailCount)/float64(record.TestCount) > b.threshold
}

// Len returns the number of tracked IPs.
func (b *BadIPs) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}
