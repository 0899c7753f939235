// ABOUTME: Health states, snapshots and the pure transition function
// ABOUTME: Thresholds decide when consecutive results flip a server's state

package health

import "time"

// State is a server's health as seen by the monitor.
type State string

const (
	StateUnknown   State = "unknown"
	StateHealthy   State = "healthy"
	StateUnhealthy State = "unhealthy"
)

// Snapshot is an immutable view of one server's health.
type Snapshot struct {
	State                State         `json:"state"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	LastChecked          time.Time     `json:"last_checked,omitzero"`
	LastLatency          time.Duration `json:"-"`
	LastError            string        `json:"last_error,omitempty"`
}

// unknownSnapshot is reported for servers that are not tracked.
var unknownSnapshot = &Snapshot{State: StateUnknown}

// Thresholds configure the state machine.
type Thresholds struct {
	Failure  int // consecutive failures that make a server unhealthy
	Recovery int // consecutive successes that make an unhealthy server healthy
}

// next applies one probe result to prev and returns the new snapshot.
func next(prev *Snapshot, probeErr error, latency time.Duration, at time.Time, th Thresholds) *Snapshot {
	s := &Snapshot{
		State:       prev.State,
		LastChecked: at,
		LastLatency: latency,
	}

	if probeErr == nil {
		s.ConsecutiveSuccesses = prev.ConsecutiveSuccesses + 1
		switch prev.State {
		case StateUnknown:
			s.State = StateHealthy
		case StateUnhealthy:
			if s.ConsecutiveSuccesses >= th.Recovery {
				s.State = StateHealthy
			}
		}
		return s
	}

	s.ConsecutiveFailures = prev.ConsecutiveFailures + 1
	s.LastError = probeErr.Error()
	if prev.State != StateUnhealthy && s.ConsecutiveFailures >= th.Failure {
		s.State = StateUnhealthy
	}
	return s
}
