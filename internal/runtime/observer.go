package runtime

import "time"

// Observer receives runtime lifecycle events. The orchestrator plugs a
// Prometheus-backed implementation in; everything here must be cheap
// and non-blocking.
type Observer interface {
	ExecutionStarted(origin string)
	ExecutionFinished(status string, elapsed time.Duration)
	TaskStarted(agentType string)
	TaskFinished(agentType, status, kind string, retries int, elapsed time.Duration)
	QueueDepth(priority string, depth int)
}

type nopObserver struct{}

func (nopObserver) ExecutionStarted(string)                                 {}
func (nopObserver) ExecutionFinished(string, time.Duration)                 {}
func (nopObserver) TaskStarted(string)                                      {}
func (nopObserver) TaskFinished(string, string, string, int, time.Duration) {}
func (nopObserver) QueueDepth(string, int)                                  {}

func orNopObserver(o Observer) Observer {
	if o == nil {
		return nopObserver{}
	}
	return o
}
