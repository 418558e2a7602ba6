package api

import (
	"errors"
	"fmt"
	"net/http"

	"escrow/apps/escrow/internal/errs"
)

var (
	errBadProof             = fmt.Errorf("%w: payment proof must be a 32-byte hex string", errs.ErrInvalidArgument)
	errBadSignatureEncoding = fmt.Errorf("%w: signature must be hex encoded", errs.ErrInvalidArgument)
)

var errorStatuses = []struct {
	err    error
	status int
	code   string
}{
	// A transfer failure wraps the port's cause, which may be any other kind.
	{errs.ErrTransferFailed, http.StatusBadGateway, "transfer_failed"},
	{errs.ErrNotFound, http.StatusNotFound, "not_found"},
	{errs.ErrUnauthorized, http.StatusForbidden, "unauthorized"},
	{errs.ErrInvalidSignature, http.StatusForbidden, "invalid_signature"},
	{errs.ErrInvalidArgument, http.StatusBadRequest, "invalid_argument"},
	{errs.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{errs.ErrDeadlineViolation, http.StatusConflict, "deadline_violation"},
	{errs.ErrInsufficientStake, http.StatusUnprocessableEntity, "insufficient_stake"},
	{errs.ErrRateDeviationExceeded, http.StatusUnprocessableEntity, "rate_deviation_exceeded"},
	{errs.ErrStaleRate, http.StatusServiceUnavailable, "stale_rate"},
	{errs.ErrPaused, http.StatusServiceUnavailable, "paused"},
	{errs.ErrInsufficientFunds, http.StatusUnprocessableEntity, "insufficient_funds"},
}

// errorStatus maps an engine error onto an HTTP status and error code.
func errorStatus(err error) (int, string) {
	for _, e := range errorStatuses {
		if errors.Is(err, e.err) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}
