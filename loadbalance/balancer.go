// Package loadbalance picks which discovered server a client dials.
//
// Two strategies are implemented:
//   - RoundRobin:      equal-capacity instances, rotates on every (re)connect
//   - WeightedRandom:  heterogeneous instances (different CPU/memory)
package loadbalance

import (
	"errors"
	"fmt"

	"packet-rpc/registry"
)

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each connection attempt.
type Balancer interface {
	// Pick selects one instance from the available list.
	// Must be goroutine-safe.
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// Strategy names accepted by New, as written in config files.
const (
	StrategyRoundRobin     = "round_robin"
	StrategyWeightedRandom = "weighted_random"
)

var ErrUnknownStrategy = errors.New("loadbalance: unknown strategy")

// New returns the balancer for a strategy name. An empty name selects
// round robin.
func New(strategy string) (Balancer, error) {
	switch strategy {
	case "", StrategyRoundRobin:
		return &RoundRobinBalancer{}, nil
	case StrategyWeightedRandom:
		return &WeightedRandomBalancer{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}
