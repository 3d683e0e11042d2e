package events

import (
	"log"

	"github.com/lineopthq/optimizer/pkg/types"
)

// Recorder receives notable pipeline events: queue drops, probe and
// validation failures, selection fallbacks, DNS record operations.
type Recorder interface {
	Record(event types.Event)
}

type NoopRecorder struct{}

func (NoopRecorder) Record(event types.Event) {}

// LogRecorder mirrors events onto a logger for interactive runs.
type LogRecorder struct {
	Logger *log.Logger
}

func (r LogRecorder) Record(event types.Event) {
	if r.Logger == nil {
		return
	}
	if event.IP == "" && event.Line == "" {
		r.Logger.Printf("event %s", event.Type)
		return
	}
	r.Logger.Printf("event %s ip=%s line=%s", event.Type, event.IP, event.Line)
}

type Multi struct {
	recorders []Recorder
}

func NewMulti(recorders ...Recorder) Multi {
	return Multi{recorders: recorders}
}

func (m Multi) Record(event types.Event) {
	for _, rec := range m.recorders {
		if rec != nil {
			rec.Record(event)
		}
	}
}
