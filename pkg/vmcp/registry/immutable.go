package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/drain"
)

// ImmutableRegistry serves a fixed backend set established at
// construction, never accepting further updates. Grounded directly on the
// teacher's CLI-mode wiring (`vmcp.NewImmutableRegistry(backends)` in
// `cmd/vmcp/app/commands.go`), which the original spec's "config provider"
// collaborator (§6) implies for deployments with no live config watcher.
type ImmutableRegistry struct {
	snapshot *vmcp.RegistrySnapshot
}

// NewImmutable builds a single-generation registry that rejects all
// updates.
func NewImmutable(backends []vmcp.BackendDescriptor) (*ImmutableRegistry, error) {
	descMap := toMap(backends)
	if len(descMap) != len(backends) {
		return nil, fmt.Errorf("registry: duplicate backend id in immutable descriptor set")
	}
	if err := validateDescriptorSet(descMap); err != nil {
		return nil, fmt.Errorf("registry: invalid immutable descriptor set: %w", err)
	}
	return &ImmutableRegistry{snapshot: vmcp.BuildSnapshot(1, descMap, nil, 150)}, nil
}

func (r *ImmutableRegistry) CurrentSnapshot() *vmcp.RegistrySnapshot { return r.snapshot }

func (*ImmutableRegistry) ApplyUpdate(context.Context, []vmcp.BackendDescriptor, UpdateOptions) (vmcp.Generation, error) {
	return 0, fmt.Errorf("registry: this is an immutable registry, updates are not supported")
}

func (*ImmutableRegistry) DrainBackend(context.Context, vmcp.BackendID, drain.Strategy, time.Duration) (drain.Stats, error) {
	return drain.Stats{}, fmt.Errorf("registry: this is an immutable registry, draining is not supported")
}

var _ Registry = (*ImmutableRegistry)(nil)
var _ Registry = (*DefaultRegistry)(nil)
