package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/fyrsmithlabs/gatewayd/internal/gateway"
	"github.com/fyrsmithlabs/gatewayd/internal/ingest"
	"github.com/fyrsmithlabs/gatewayd/internal/planner"
	"github.com/fyrsmithlabs/gatewayd/internal/policy"
	"github.com/fyrsmithlabs/gatewayd/internal/provider"
	"github.com/fyrsmithlabs/gatewayd/internal/registry"
	"github.com/fyrsmithlabs/gatewayd/internal/tools"
	"github.com/labstack/echo/v4"
)

// statusFor maps domain errors to HTTP status codes. Order matters:
// ErrUpstreamUnavailable wraps a *provider.Error.
func statusFor(err error) int {
	var pe *provider.Error
	switch {
	case errors.Is(err, policy.ErrPolicyDenied):
		return http.StatusForbidden
	case errors.Is(err, registry.ErrNoEligibleModel):
		return http.StatusUnprocessableEntity
	case errors.Is(err, gateway.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, planner.ErrContextBudgetExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, tools.ErrToolValidation),
		errors.Is(err, ingest.ErrUnsupportedSourceFormat),
		errors.Is(err, gateway.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, tools.ErrInvocationNotFound):
		return http.StatusNotFound
	case errors.Is(err, tools.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, tools.ErrApprovalPending):
		return http.StatusAccepted
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &pe), errors.Is(err, tools.ErrExecutionFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// httpError converts err into an echo error carrying the mapped status.
// Internal errors are not echoed to the client.
func httpError(err error) *echo.HTTPError {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	return echo.NewHTTPError(status, msg).SetInternal(err)
}

func unavailable(component string) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusServiceUnavailable, component+" is not configured")
}
