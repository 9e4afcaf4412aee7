package rpcerr

import (
	"context"
	"errors"

	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/router"
)

// FromRouteError classifies an error returned by router.Route into the
// JSON-RPC error envelope ingress serializes (spec §7 taxonomy -> §6 codes).
func FromRouteError(tool string, err error) *Error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, router.ErrNoRoutingKey), errors.Is(err, router.ErrNoBackendAvailable):
		return NoBackendAvailable(tool)
	case errors.Is(err, router.ErrAdmissionRefused):
		return RateLimited(0)
	case errors.Is(err, context.DeadlineExceeded):
		return BackendTimeout("", 0)
	case errors.Is(err, context.Canceled):
		return InternalError("request canceled")
	}

	var ce *router.CallError
	if errors.As(err, &ce) {
		return New(CodeBackendError, ce.Error(), nil)
	}

	return InternalError(err.Error())
}
