package queue

import (
	"sync"
	"time"

	"github.com/lineopthq/optimizer/internal/events"
	"github.com/lineopthq/optimizer/internal/metrics"
	"github.com/lineopthq/optimizer/pkg/types"
)

// ReportQueue buffers finished IP reports between the probe
// orchestrator and the journal drainer. When full, the oldest report is
// dropped so a stalled drainer cannot block probing.
type ReportQueue struct {
	mu       sync.Mutex
	capacity int
	items    []types.IPReport
	dropped  uint64
	events   events.Recorder
	metrics  metrics.QueueRecorder
}

func NewReportQueue(capacity int) *ReportQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &ReportQueue{
		capacity: capacity,
		items:    make([]types.IPReport, 0, capacity),
	}
}

func (q *ReportQueue) SetEventRecorder(rec events.Recorder) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = rec
}

func (q *ReportQueue) SetMetricsRecorder(rec metrics.QueueRecorder) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.metrics = rec
}

func (q *ReportQueue) Enqueue(report types.IPReport) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		removed := q.items[0]
		q.items = q.items[1:]
		dropped = true
		q.dropped++
		q.recordDrop(removed.IP)
	}

	q.items = append(q.items, report)
	q.observeDepthLocked()
	return dropped
}

func (q *ReportQueue) Drain(max int) []types.IPReport {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if max > 0 && max < n {
		n = max
	}
	drained := make([]types.IPReport, n)
	copy(drained, q.items[:n])
	q.items = q.items[n:]
	q.observeDepthLocked()
	return drained
}

func (q *ReportQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type Stats struct {
	Len     int
	Dropped uint64
}

func (q *ReportQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Len:     len(q.items),
		Dropped: q.dropped,
	}
}

func (q *ReportQueue) recordDrop(ip string) {
	if q.events != nil {
		q.events.Record(types.Event{
			Type:      types.EventQueueDrop,
			Timestamp: time.Now().UTC(),
			IP:        ip,
		})
	}
	if q.metrics != nil {
		q.metrics.IncQueueDrops()
	}
	q.observeDepthLocked()
}

func (q *ReportQueue) observeDepthLocked() {
	if q.metrics == nil {
		return
	}
	q.metrics.ObserveQueueDepth(len(q.items))
}
