package config

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/router"
)

func validBackend(id string) vmcp.BackendDescriptor {
	return vmcp.BackendDescriptor{
		ID:        vmcp.BackendID(id),
		Transport: vmcp.TransportSpec{Kind: vmcp.TransportHTTP, HTTP: &vmcp.HTTPSpec{URL: "http://localhost:9000"}},
	}
}

func TestValidator_RejectsMissingName(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Name = ""
	assert.Error(t, NewValidator().Validate(cfg))
}

func TestValidator_RejectsNonPositiveMaxInFlight(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Ingress.MaxInFlight = 0
	assert.Error(t, NewValidator().Validate(cfg))
}

func TestValidator_RejectsUnknownPolicy(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Router.Policy = router.Policy("not_a_policy")
	assert.Error(t, NewValidator().Validate(cfg))
}

func TestValidator_RejectsUnknownHashKey(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Router.HashKey = "session_id"
	assert.Error(t, NewValidator().Validate(cfg))
}

func TestValidator_RejectsDuplicateBackendIDs(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Backends = []vmcp.BackendDescriptor{validBackend("a"), validBackend("a")}
	assert.Error(t, NewValidator().Validate(cfg))
}

func TestValidator_RejectsInvalidBackendTransport(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Backends = []vmcp.BackendDescriptor{{ID: "a", Transport: vmcp.TransportSpec{Kind: vmcp.TransportHTTP}}}
	assert.Error(t, NewValidator().Validate(cfg))
}

func TestValidator_AcceptsWellFormedConfig(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Backends = []vmcp.BackendDescriptor{validBackend("a"), validBackend("b")}
	assert.NoError(t, NewValidator().Validate(cfg))
}
