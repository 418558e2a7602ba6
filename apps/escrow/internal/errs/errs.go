package errs

import "errors"

// Error kinds surfaced by the engine. Callers match them with errors.Is;
// operations wrap them with context using fmt.Errorf("%w: ...").
var (
	ErrInvalidState          = errors.New("invalid state")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrDeadlineViolation     = errors.New("deadline violation")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrTransferFailed        = errors.New("transfer failed")
	ErrInsufficientStake     = errors.New("insufficient stake")
	ErrInvalidSignature      = errors.New("invalid signature")
	ErrRateDeviationExceeded = errors.New("rate deviation exceeded")
	ErrStaleRate             = errors.New("stale rate")
	ErrPaused                = errors.New("paused")
	ErrNotFound              = errors.New("not found")
	ErrInvalidArgument       = errors.New("invalid argument")
)
