package vmcp

import (
	"sort"

	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/hashring"
)

// RegistrySnapshot is the consistent, immutable view of one registry
// generation (spec §3). Every reader that obtains a RegistrySnapshot sees
// indexes that agree with each other and with the descriptor map — no
// dangling BackendIds, no hybrid pre/post-update state.
type RegistrySnapshot struct {
	Generation  Generation
	Descriptors map[BackendID]BackendDescriptor
	// ToolIndex maps a tool name to the ordered candidate list: priority
	// descending, ties broken by BackendId lexicographic order (spec §3).
	ToolIndex map[string][]BackendID
	Ring      *hashring.Ring
	Draining  map[BackendID]struct{}
}

// BuildSnapshot constructs a new, fully-derived snapshot from a validated
// descriptor set. It never mutates its input.
func BuildSnapshot(gen Generation, descriptors map[BackendID]BackendDescriptor, draining map[BackendID]struct{}, vnodes int) *RegistrySnapshot {
	descCopy := make(map[BackendID]BackendDescriptor, len(descriptors))
	for id, d := range descriptors {
		descCopy[id] = d.Clone()
	}

	toolIndex := make(map[string][]BackendID)
	for id, d := range descCopy {
		for _, tool := range d.Tools {
			toolIndex[tool] = append(toolIndex[tool], id)
		}
	}
	for tool, ids := range toolIndex {
		sortByPriorityThenID(ids, descCopy)
		toolIndex[tool] = ids
	}

	ringMembers := make([]string, 0, len(descCopy))
	weights := make(map[string]int, len(descCopy))
	for id, d := range descCopy {
		ringMembers = append(ringMembers, string(id))
		w := d.Weight
		if w <= 0 {
			w = 1
		}
		weights[string(id)] = w
	}
	n := vnodes
	if n <= 0 {
		n = 150
	}
	ring := hashring.New(n, ringMembers, weights)

	drainCopy := make(map[BackendID]struct{}, len(draining))
	for id := range draining {
		if _, ok := descCopy[id]; ok {
			drainCopy[id] = struct{}{}
		}
	}

	return &RegistrySnapshot{
		Generation:  gen,
		Descriptors: descCopy,
		ToolIndex:   toolIndex,
		Ring:        ring,
		Draining:    drainCopy,
	}
}

func sortByPriorityThenID(ids []BackendID, descriptors map[BackendID]BackendDescriptor) {
	sort.SliceStable(ids, func(i, j int) bool {
		pi, pj := descriptors[ids[i]].Priority, descriptors[ids[j]].Priority
		if pi != pj {
			return pi > pj
		}
		return ids[i] < ids[j]
	})
}

// IsDraining reports whether id is marked Draining in this snapshot (spec
// §3 invariant: a Draining backend in generation N is never selected for
// any request pinned to generation >= N).
func (s *RegistrySnapshot) IsDraining(id BackendID) bool {
	_, ok := s.Draining[id]
	return ok
}

// CandidatesFor returns the ordered candidate BackendIds for a tool name,
// or nil if the tool is not advertised by any backend.
func (s *RegistrySnapshot) CandidatesFor(tool string) []BackendID {
	return s.ToolIndex[tool]
}
