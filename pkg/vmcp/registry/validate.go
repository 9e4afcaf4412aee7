package registry

import (
	"encoding/json"
	"fmt"

	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp"
)

// marshalStable serializes a descriptor deterministically (encoding/json
// sorts map keys) so two structurally-equal descriptors produce identical
// bytes regardless of construction order.
func marshalStable(d vmcp.BackendDescriptor) ([]byte, error) {
	return json.Marshal(d)
}

// validateDescriptorSet implements spec §4.2 step 2: no duplicate
// BackendIds (enforced by the caller's map construction), every
// tool-index-eligible descriptor is well-formed, and transport specs pass
// static validation.
func validateDescriptorSet(descriptors map[vmcp.BackendID]vmcp.BackendDescriptor) error {
	for id, d := range descriptors {
		if id == "" {
			return fmt.Errorf("backend descriptor has empty id")
		}
		if d.ID != id {
			return fmt.Errorf("backend %q: map key does not match descriptor id %q", id, d.ID)
		}
		if err := d.Transport.Validate(); err != nil {
			return fmt.Errorf("backend %q: invalid transport spec: %w", id, err)
		}
		if d.Weight < 0 {
			return fmt.Errorf("backend %q: weight must be >= 0", id)
		}
	}
	return nil
}
