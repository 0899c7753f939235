// Package metrics holds the gateway's Prometheus collectors.
//
// All recording methods are safe on a nil *Metrics, so components can be
// constructed without metrics in tests and when metrics are disabled.
package metrics
