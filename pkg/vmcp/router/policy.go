package router

import (
	"math/rand"
	"sync/atomic"

	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/hashring"
)

// Policy selects one backend from a filtered candidate list (spec §4.3
// step 5).
type Policy string

const (
	PolicyConsistentHash   Policy = "consistent_hash"
	PolicyLeastConnections Policy = "least_connections"
	PolicyRoundRobin       Policy = "round_robin"
	PolicyWeightedRandom   Policy = "weighted_random"
)

// ActiveCounter reports a backend's current in-flight count, used by the
// least-connections policy (backed by the drain coordinator).
type ActiveCounter interface {
	ActiveCount(backendID string) int64
}

// LatencySource reports a backend's EWMA latency, used as the
// least-connections policy's tiebreaker.
type LatencySource interface {
	EWMALatency(backendID vmcp.BackendID) int64 // nanoseconds; 0 if unknown
}

// roundRobinCounter holds one atomic counter per tool, keyed externally by
// the caller (the router owns the map; this type is just the counter).
type roundRobinCounter struct {
	n atomic.Uint64
}

func (c *roundRobinCounter) next(count int) int {
	if count <= 0 {
		return 0
	}
	return int(c.n.Add(1)-1) % count
}

// selectConsistentHash implements spec §4.3's default policy: hash the
// routing key, locate the next ring node clockwise, skip ineligible
// candidates, wrap once.
func selectConsistentHash(ring *hashring.Ring, key string, candidates []vmcp.BackendID) vmcp.BackendID {
	set := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		set[string(c)] = struct{}{}
	}
	chosen := ring.Lookup(key, set)
	if chosen == "" {
		return ""
	}
	return vmcp.BackendID(chosen)
}

// selectLeastConnections implements power-of-two-choices: pick two
// candidates uniformly at random, choose the one with fewer active
// connections, tiebreak on lower EWMA latency.
func selectLeastConnections(candidates []vmcp.BackendID, active ActiveCounter, latency LatencySource, rng *rand.Rand) vmcp.BackendID {
	if len(candidates) == 0 {
		return ""
	}
	if len(candidates) == 1 {
		return candidates[0]
	}
	i, j := rng.Intn(len(candidates)), rng.Intn(len(candidates)-1)
	if j >= i {
		j++
	}
	a, b := candidates[i], candidates[j]

	activeA, activeB := int64(0), int64(0)
	if active != nil {
		activeA, activeB = active.ActiveCount(string(a)), active.ActiveCount(string(b))
	}
	if activeA != activeB {
		if activeA < activeB {
			return a
		}
		return b
	}
	if latency != nil {
		if latency.EWMALatency(a) <= latency.EWMALatency(b) {
			return a
		}
		return b
	}
	return a
}

// selectRoundRobin applies the routing key's atomic counter (owned by the
// router and kept across snapshots) modulo the candidate list.
func selectRoundRobin(candidates []vmcp.BackendID, counter *roundRobinCounter) vmcp.BackendID {
	if len(candidates) == 0 {
		return ""
	}
	return candidates[counter.next(len(candidates))]
}

// selectWeightedRandom picks with probability proportional to each
// candidate's configured weight.
func selectWeightedRandom(candidates []vmcp.BackendID, weights map[vmcp.BackendID]int, rng *rand.Rand) vmcp.BackendID {
	if len(candidates) == 0 {
		return ""
	}
	total := 0
	for _, c := range candidates {
		w := weights[c]
		if w <= 0 {
			w = 1
		}
		total += w
	}
	if total == 0 {
		return candidates[0]
	}
	r := rng.Intn(total)
	for _, c := range candidates {
		w := weights[c]
		if w <= 0 {
			w = 1
		}
		if r < w {
			return c
		}
		r -= w
	}
	return candidates[len(candidates)-1]
}
