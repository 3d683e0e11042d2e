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

	"github.com/lineopthq/optimizer/pkg/types"
)

const historyFileName = "ip_history.json"

// Store holds the per-IP exponential history for one pipeline run:
// loaded once at cycle start, folded in memory, written back once at
// cycle end. A corrupt or missing file is a cold start, never fatal.
type Store struct {
	dir       string
	emaWeight float64
	logger    *log.Logger

	mu      sync.Mutex
	records map[string]types.HistoryRecord
}

// StoreDependencies allow test overrides for logging.
type StoreDependencies struct {
	Logger *log.Logger
}

func NewStore(dir string, emaWeight float64, deps StoreDependencies) *Store {
	if emaWeight <= 0 || emaWeight >= 1 {
		emaWeight = 0.7
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Store{
		dir:       dir,
		emaWeight: emaWeight,
		logger:    logger,
		records:   make(map[string]types.HistoryRecord),
	}
}

// Load reads the history file into memory. Unreadable or corrupt
// history leaves the store empty and returns the cause so callers can
// report degraded readiness.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]types.HistoryRecord)

	path := filepath.Join(s.dir, historyFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		s.logger.Printf("history load: %v, starting cold", err)
		return fmt.Errorf("read history %q: %w", path, err)
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		s.logger.Printf("history parse: %v, starting cold", err)
		s.records = make(map[string]types.HistoryRecord)
		return fmt.Errorf("parse history %q: %w", path, err)
	}
	return nil
}

// Save writes the history atomically (tmp file then rename).
func (s *Store) Save() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.records, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create history dir %q: %w", s.dir, err)
	}
	path := filepath.Join(s.dir, historyFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write history %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace history %q: %w", path, err)
	}
	return nil
}

// Fold merges one cycle's reports into the history: per-line latency
// and per-origin HTTP EMAs weighted toward the new sample, UpdateCount
// incremented, LastUpdate refreshed. Unavailable measurements never
// touch the EMAs.
func (s *Store) Fold(reports []types.IPReport, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, report := range reports {
		if !report.AnyAvailable() {
			continue
		}
		record, ok := s.records[report.IP]
		if !ok {
			record = types.NewHistoryRecord()
		}

		for line, test := range report.Tests {
			if !test.Available {
				continue
			}
			record.Latency[line] = s.ema(record.Latency, line, test.LatencyMs)
		}

		if report.HTTP.Available {
			for origin, m := range report.HTTP.ByOrigin {
				if !m.Available {
					continue
				}
				if m.TTFBMs > 0 {
					record.HTTP.TTFB[origin] = s.emaOrigin(record.HTTP.TTFB, origin, m.TTFBMs)
				}
				if m.TotalMs > 0 {
					record.HTTP.TotalTime[origin] = s.emaOrigin(record.HTTP.TotalTime, origin, m.TotalMs)
				}
			}
		}

		record.UpdateCount++
		record.LastUpdate = now.UTC()
		s.records[report.IP] = record
	}
}

func (s *Store) ema(current map[types.Line]float64, line types.Line, value float64) float64 {
	old, ok := current[line]
	if !ok {
		return value
	}
	return value*s.emaWeight + old*(1-s.emaWeight)
}

func (s *Store) emaOrigin(current map[types.Origin]float64, origin types.Origin, value float64) float64 {
	old, ok := current[origin]
	if !ok {
		return value
	}
	return value*s.emaWeight + old*(1-s.emaWeight)
}

// Get returns the record for an IP and whether one exists.
func (s *Store) Get(ip string) (types.HistoryRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[ip]
	return record, ok
}

// Len returns the number of tracked IPs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
