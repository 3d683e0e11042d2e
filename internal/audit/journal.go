package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lineopthq/optimizer/pkg/types"
)

// JournalDependencies allow test overrides for logging.
type JournalDependencies struct {
	Logger *log.Logger
}

// Journal is the append-only per-cycle record of raw measurements, one
// JSON line per IP. Journal files are write-once audit artifacts and
// are never read back by the pipeline.
type Journal struct {
	cycleID string
	path    string
	logger  *log.Logger

	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewJournal opens a journal file for one cycle under dir. The file
// name carries the cycle timestamp and a fresh cycle ID.
func NewJournal(dir string, now time.Time, deps JournalDependencies) (*Journal, error) {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	cycleID := uuid.NewString()
	name := fmt.Sprintf("journal_%s_%s.jsonl", now.UTC().Format("20060102_150405"), cycleID[:8])
	path := filepath.Join(dir, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal %q: %w", path, err)
	}

	return &Journal{
		cycleID: cycleID,
		path:    path,
		logger:  logger,
		file:    file,
		enc:     json.NewEncoder(file),
	}, nil
}

// CycleID returns the identifier shared by this cycle's artifacts.
func (j *Journal) CycleID() string { return j.cycleID }

// Path returns the journal file location.
func (j *Journal) Path() string { return j.path }

type journalTest struct {
	NodeID    string   `json:"node_id,omitempty"`
	LatencyMs *float64 `json:"latency_ms,omitempty"`
	LossPct   float64  `json:"loss_pct"`
	Available bool     `json:"available"`
}

type journalHTTP struct {
	Available bool     `json:"available"`
	TTFBMs    *float64 `json:"ttfb_ms,omitempty"`
	TotalMs   *float64 `json:"total_ms,omitempty"`
}

type journalEntry struct {
	CycleID   string                 `json:"cycle_id"`
	Timestamp time.Time              `json:"ts"`
	IP        string                 `json:"ip"`
	Tests     map[string]journalTest `json:"tests"`
	HTTP      map[string]journalHTTP `json:"http,omitempty"`
}

// Append writes one line per report. Unreachable measurements carry
// infinite latency in memory; on the wire they become available=false
// with the latency field omitted.
func (j *Journal) Append(reports []types.IPReport, now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, report := range reports {
		entry := journalEntry{
			CycleID:   j.cycleID,
			Timestamp: now.UTC(),
			IP:        report.IP,
			Tests:     make(map[string]journalTest, len(report.Tests)),
		}
		for line, m := range report.Tests {
			entry.Tests[string(line)] = journalTest{
				NodeID:    m.NodeID,
				LatencyMs: finitePtr(m.LatencyMs),
				LossPct:   m.LossPct,
				Available: m.Available,
			}
		}
		if len(report.HTTP.ByOrigin) > 0 {
			entry.HTTP = make(map[string]journalHTTP, len(report.HTTP.ByOrigin))
			for origin, m := range report.HTTP.ByOrigin {
				entry.HTTP[string(origin)] = journalHTTP{
					Available: m.Available,
					TTFBMs:    finitePtr(m.TTFBMs),
					TotalMs:   finitePtr(m.TotalMs),
				}
			}
		}
		if err := j.enc.Encode(entry); err != nil {
			return fmt.Errorf("append journal entry for %s: %w", report.IP, err)
		}
	}
	return nil
}

type journalEventEntry struct {
	CycleID string      `json:"cycle_id"`
	Event   types.Event `json:"event"`
}

// Record implements events.Recorder. Event lines are interleaved with
// measurement lines in the same journal; a write failure is logged and
// the event is lost.
func (j *Journal) Record(event types.Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(journalEventEntry{CycleID: j.cycleID, Event: event}); err != nil {
		j.logger.Printf("journal event write failed: %v", err)
	}
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

func finitePtr(v float64) *float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return &v
}
