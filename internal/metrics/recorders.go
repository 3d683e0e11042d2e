package metrics

type QueueRecorder interface {
	ObserveQueueDepth(depth int)
	IncQueueDrops()
}

type NoopQueueRecorder struct{}

func (NoopQueueRecorder) ObserveQueueDepth(depth int) {}
func (NoopQueueRecorder) IncQueueDrops()              {}

type ProbeRecorder interface {
	IncPing(failed bool)
	IncHTTP(failed bool)
}

type NoopProbeRecorder struct{}

func (NoopProbeRecorder) IncPing(failed bool) {}
func (NoopProbeRecorder) IncHTTP(failed bool) {}
