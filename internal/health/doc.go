// Package health probes registered MCP servers and tracks their state.
//
// Each tracked server gets its own goroutine that probes on a fixed interval
// with a per-probe timeout. Results drive a small state machine:
//
//	unknown   --success-->             healthy
//	unknown   --FailureThreshold-->    unhealthy
//	healthy   --FailureThreshold-->    unhealthy
//	unhealthy --RecoveryThreshold-->   healthy
//
// The monitor is the only writer of health state. Readers call Status, which
// loads the server's latest Snapshot through an atomic pointer without
// taking a lock. Untrack cancels the server's goroutine and waits for it to
// exit, so a deleted server is never probed again after Untrack returns.
//
// Probe failures never remove a server and never touch in-flight requests.
// Transitions are logged, counted, written to the audit log as health
// events and passed to an optional alert hook.
package health
