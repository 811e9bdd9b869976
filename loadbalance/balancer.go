// Package loadbalance provides strategies for choosing a host endpoint
// when several hosts announce themselves under the same service name.
//
// Two strategies are implemented:
//   - RoundRobin:      equal-capacity hosts, even spread
//   - WeightedRandom:  heterogeneous hosts (different CPU/memory)
package loadbalance

import "sync-rpc/discovery"

// Balancer selects one endpoint from a discovered set.
// Pick is called before each dial and must be goroutine-safe.
type Balancer interface {
	Pick(endpoints []discovery.Endpoint) (*discovery.Endpoint, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
