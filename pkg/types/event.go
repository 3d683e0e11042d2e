package types

import "time"

type EventType string

const (
	EventQueueDrop         EventType = "QueueDrop"
	EventProbeFailed       EventType = "ProbeFailed"
	EventCandidateDropped  EventType = "CandidateDropped"
	EventSelectionFallback EventType = "SelectionFallback"
	EventRecordCreated     EventType = "RecordCreated"
	EventRecordDeleted     EventType = "RecordDeleted"
	EventRecordOpFailed    EventType = "RecordOpFailed"
	EventBadIPObserved     EventType = "BadIPObserved"
)

type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"ts"`
	IP        string         `json:"ip,omitempty"`
	Line      Line           `json:"line,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}
