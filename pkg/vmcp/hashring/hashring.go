// Package hashring implements the consistent-hash ring used by the router's
// default selection policy (spec §4.3, §8.8). A Ring is built fresh on
// every registry generation and never mutated in place (spec §9: "hash ring
// as a shared mutable structure" is recast as a value held inside the
// immutable snapshot).
package hashring

import (
	"hash/fnv"
	"sort"
	"strconv"
)

// DefaultVirtualNodes is the spec's suggested default (150-200); 150 is
// chosen as the concrete default.
const DefaultVirtualNodes = 150

type vnode struct {
	hash   uint64
	member string
}

// Ring is an immutable consistent-hash ring over a fixed member set.
type Ring struct {
	nodes        []vnode
	memberSet    map[string]struct{}
	virtualNodes int
}

// New builds a ring with vnodes virtual nodes per member, weighted so a
// member with weight w gets w*vnodes virtual nodes (approximating
// proportional load share on top of the plain consistent-hash policy).
func New(vnodes int, members []string, weights map[string]int) *Ring {
	if vnodes <= 0 {
		vnodes = DefaultVirtualNodes
	}
	r := &Ring{memberSet: make(map[string]struct{}, len(members)), virtualNodes: vnodes}
	for _, m := range members {
		r.memberSet[m] = struct{}{}
		w := 1
		if weights != nil {
			if ww, ok := weights[m]; ok && ww > 0 {
				w = ww
			}
		}
		count := vnodes * w
		for i := 0; i < count; i++ {
			key := m + "#" + strconv.Itoa(i)
			r.nodes = append(r.nodes, vnode{hash: hashKey(key), member: m})
		}
	}
	sort.Slice(r.nodes, func(i, j int) bool { return r.nodes[i].hash < r.nodes[j].hash })
	return r
}

func hashKey(key string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return h.Sum64()
}

// Lookup walks clockwise from the hash of key and returns the first member
// present in candidates, wrapping around once. Returns "" if no node on the
// ring belongs to candidates.
func (r *Ring) Lookup(key string, candidates map[string]struct{}) string {
	if len(r.nodes) == 0 || len(candidates) == 0 {
		return ""
	}
	h := hashKey(key)
	idx := sort.Search(len(r.nodes), func(i int) bool { return r.nodes[i].hash >= h })

	for i := 0; i < len(r.nodes); i++ {
		n := r.nodes[(idx+i)%len(r.nodes)]
		if _, ok := candidates[n.member]; ok {
			return n.member
		}
	}
	return ""
}

// Members returns the set of members this ring was built over (independent
// of any caller-supplied candidate filter).
func (r *Ring) Members() map[string]struct{} {
	out := make(map[string]struct{}, len(r.memberSet))
	for m := range r.memberSet {
		out[m] = struct{}{}
	}
	return out
}

// VirtualNodes returns the configured virtual-node count per unit weight.
func (r *Ring) VirtualNodes() int { return r.virtualNodes }
