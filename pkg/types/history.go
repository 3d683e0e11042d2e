package types

import "time"

// HistoryRecord is the persisted exponentially-weighted state for one
// IP. Latency holds one EMA per line, HTTP one EMA per origin for both
// time-to-first-byte and total load time. UpdateCount only ever grows;
// LastUpdate reflects the most recent contributing cycle.
type HistoryRecord struct {
	Latency     map[Line]float64 `json:"latency"`
	HTTP        HistoryHTTP      `json:"http_performance"`
	UpdateCount int              `json:"update_count"`
	LastUpdate  time.Time        `json:"last_update"`
}

// HistoryHTTP holds the per-origin HTTP EMAs of a HistoryRecord.
type HistoryHTTP struct {
	TTFB      map[Origin]float64 `json:"ttfb"`
	TotalTime map[Origin]float64 `json:"total_time"`
}

// NewHistoryRecord builds an empty record ready for folding.
func NewHistoryRecord() HistoryRecord {
	return HistoryRecord{
		Latency: make(map[Line]float64),
		HTTP: HistoryHTTP{
			TTFB:      make(map[Origin]float64),
			TotalTime: make(map[Origin]float64),
		},
	}
}

// BadIPSample records one cycle's outcome for a bad-IP candidate.
type BadIPSample struct {
	Timestamp time.Time `json:"timestamp"`
	AllFailed bool      `json:"all_failed"`
}

// BadIPRecord is the persisted pass/fail bookkeeping for an IP that has
// shown total unavailability. RecentTests is bounded to the last
// BadIPSampleWindow cycles. FailCount never exceeds TestCount.
type BadIPRecord struct {
	FirstSeen   time.Time     `json:"first_seen"`
	LastUpdate  time.Time     `json:"last_update"`
	FailCount   int           `json:"fail_count"`
	TestCount   int           `json:"test_count"`
	RecentTests []BadIPSample `json:"recent_tests"`
}

// BadIPSampleWindow bounds BadIPRecord.RecentTests.
const BadIPSampleWindow = 10
