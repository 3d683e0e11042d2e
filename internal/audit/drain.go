package audit

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"github.com/lineopthq/optimizer/internal/queue"
)

// DrainerOption configures a Drainer instance.
type DrainerOption func(*Drainer)

// WithBatchSize overrides the number of reports journaled per pass.
func WithBatchSize(size int) DrainerOption {
	return func(d *Drainer) {
		if size > 0 {
			d.batchSize = size
		}
	}
}

// WithIdleSleep customises the sleep interval when the queue is empty.
func WithIdleSleep(interval time.Duration) DrainerOption {
	return func(d *Drainer) {
		if interval > 0 {
			d.idleSleep = interval
		}
	}
}

// WithLogger attaches a logger for journaling failures.
func WithLogger(logger *log.Logger) DrainerOption {
	return func(d *Drainer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// Drainer moves measured IP reports from the in-memory queue into the
// cycle journal. Journaling is best-effort: a write failure is logged
// and the affected batch is lost, probing is never blocked.
type Drainer struct {
	queue     *queue.ReportQueue
	journal   *Journal
	batchSize int
	idleSleep time.Duration
	logger    *log.Logger
	now       func() time.Time
}

// NewDrainer constructs a Drainer. The queue and journal are required.
func NewDrainer(q *queue.ReportQueue, journal *Journal, opts ...DrainerOption) *Drainer {
	d := &Drainer{
		queue:     q,
		journal:   journal,
		batchSize: 64,
		idleSleep: 100 * time.Millisecond,
		logger:    log.New(io.Discard, "", 0),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run blocks until the context is cancelled, draining the queue as
// reports arrive. A final flush runs before returning so reports
// enqueued just before cancellation still reach the journal.
func (d *Drainer) Run(ctx context.Context) error {
	if d.queue == nil {
		return errors.New("drainer queue is nil")
	}
	if d.journal == nil {
		return errors.New("drainer journal is nil")
	}

	for {
		if err := ctx.Err(); err != nil {
			d.Flush()
			return err
		}

		if d.flushOnce() {
			continue
		}

		select {
		case <-ctx.Done():
			d.Flush()
			return ctx.Err()
		case <-time.After(d.idleSleep):
		}
	}
}

// Flush drains everything currently queued into the journal.
func (d *Drainer) Flush() {
	for d.flushOnce() {
	}
}

func (d *Drainer) flushOnce() bool {
	reports := d.queue.Drain(d.batchSize)
	if len(reports) == 0 {
		return false
	}
	if err := d.journal.Append(reports, d.now()); err != nil {
		d.logger.Printf("journal append failed, %d reports lost: %v", len(reports), err)
	}
	return true
}
