package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/lineopthq/optimizer/pkg/types"
)

const latestSnapshotName = "cycle_latest.json"

// SnapshotWriterDependencies allow test overrides for logging.
type SnapshotWriterDependencies struct {
	Logger *log.Logger
}

// SnapshotWriter persists the per-cycle outcome: the selected record
// sets plus summary statistics per line. Each cycle gets its own
// write-once file and the latest pointer is overwritten in place.
type SnapshotWriter struct {
	dir           string
	retentionDays int
	logger        *log.Logger
}

func NewSnapshotWriter(dir string, retentionDays int, deps SnapshotWriterDependencies) *SnapshotWriter {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &SnapshotWriter{
		dir:           dir,
		retentionDays: retentionDays,
		logger:        logger,
	}
}

// LineStats summarizes the validated candidates behind one line's
// published set.
type LineStats struct {
	Total        int     `json:"total"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	MinLatencyMs float64 `json:"min_latency_ms"`
	MaxLatencyMs float64 `json:"max_latency_ms"`
}

// Snapshot is the persisted cycle outcome.
type Snapshot struct {
	CycleID    string               `json:"cycle_id"`
	Timestamp  time.Time            `json:"ts"`
	Selected   map[string][]string  `json:"selected"`
	Statistics map[string]LineStats `json:"statistics"`
}

// WriteCycle writes the snapshot for one finished cycle and refreshes
// the latest pointer, then removes snapshot and journal files older
// than the retention window.
func (w *SnapshotWriter) WriteCycle(cycleID string, selected map[types.Line][]string, validated map[types.Line][]types.ValidatedCandidate, now time.Time) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	snap := Snapshot{
		CycleID:    cycleID,
		Timestamp:  now.UTC(),
		Selected:   make(map[string][]string, len(selected)),
		Statistics: make(map[string]LineStats, len(validated)),
	}
	for line, ips := range selected {
		snap.Selected[string(line)] = ips
	}
	for line, candidates := range validated {
		if stats, ok := lineStats(candidates); ok {
			snap.Statistics[string(line)] = stats
		}
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	name := fmt.Sprintf("cycle_%s_%s.json", now.UTC().Format("20060102_150405"), shortID(cycleID))
	if err := os.WriteFile(filepath.Join(w.dir, name), data, 0o600); err != nil {
		return fmt.Errorf("write snapshot %q: %w", name, err)
	}
	if err := w.writeLatest(data); err != nil {
		return err
	}

	w.cleanup(now)
	return nil
}

// writeLatest replaces the latest pointer atomically so a concurrent
// reader never sees a torn file.
func (w *SnapshotWriter) writeLatest(data []byte) error {
	path := filepath.Join(w.dir, latestSnapshotName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write latest snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace latest snapshot: %w", err)
	}
	return nil
}

// cleanup removes dated artifacts past retention. The latest pointer
// is exempt. Failures are logged and skipped so a stuck file cannot
// fail the cycle.
func (w *SnapshotWriter) cleanup(now time.Time) {
	if w.retentionDays <= 0 {
		return
	}
	cutoff := now.Add(-time.Duration(w.retentionDays) * 24 * time.Hour)

	for _, pattern := range []string{"cycle_*.json", "journal_*.jsonl"} {
		matches, err := filepath.Glob(filepath.Join(w.dir, pattern))
		if err != nil {
			continue
		}
		for _, path := range matches {
			if filepath.Base(path) == latestSnapshotName {
				continue
			}
			info, err := os.Stat(path)
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			if err := os.Remove(path); err != nil {
				w.logger.Printf("cleanup %s failed: %v", filepath.Base(path), err)
				continue
			}
			w.logger.Printf("removed expired artifact %s", filepath.Base(path))
		}
	}
}

func lineStats(candidates []types.ValidatedCandidate) (LineStats, bool) {
	if len(candidates) == 0 {
		return LineStats{}, false
	}
	stats := LineStats{
		Total:        len(candidates),
		MinLatencyMs: candidates[0].LatencyMs,
		MaxLatencyMs: candidates[0].LatencyMs,
	}
	var sum float64
	for _, c := range candidates {
		sum += c.LatencyMs
		if c.LatencyMs < stats.MinLatencyMs {
			stats.MinLatencyMs = c.LatencyMs
		}
		if c.LatencyMs > stats.MaxLatencyMs {
			stats.MaxLatencyMs = c.LatencyMs
		}
	}
	stats.AvgLatencyMs = sum / float64(len(candidates))
	return stats, true
}

func shortID(cycleID string) string {
	if len(cycleID) > 8 {
		return cycleID[:8]
	}
	return cycleID
}
