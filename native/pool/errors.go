package pool

import "errors"

var (
	ErrUnauthorized            = errors.New("pool: unauthorized")
	ErrWrongPhase              = errors.New("pool: operation not allowed in current phase")
	ErrInvalidTransition       = errors.New("pool: invalid phase transition")
	ErrInsufficientEntitlement = errors.New("pool: amount exceeds entitlement")
	ErrBelowMinimumDeposit     = errors.New("pool: deposit below minimum")
	ErrFundCapExceeded         = errors.New("pool: maximum fund size exceeded")
	ErrAllowanceExceeded       = errors.New("pool: token allowance exceeded")
	ErrTransferFailed          = errors.New("pool: transfer failed")
	ErrUnsupportedCall         = errors.New("pool: unsupported call")
	ErrUnknownStakeholder      = errors.New("pool: role is not a stakeholder")
	ErrInvalidAmount           = errors.New("pool: invalid amount")

	errNilToken = errors.New("pool: token not configured")
	errNilBank  = errors.New("pool: ether bank not configured")
)
