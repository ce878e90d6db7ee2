package proxy

import "errors"

// Each precondition failure has its own sentinel so callers can tell a
// retry-later condition from a terminal one with errors.Is.
var (
	ErrAlreadyDisputed     = errors.New("proxy: dispute already created for this question")
	ErrAlreadyRequested    = errors.New("proxy: arbitration already requested")
	ErrInsufficientDeposit = errors.New("proxy: deposit below arbitration cost")
	ErrInvalidStatus       = errors.New("proxy: invalid arbitration status")
	ErrUnauthorized        = errors.New("proxy: unauthorized")
	ErrAppealWindowClosed  = errors.New("proxy: appeal period is over")
	ErrLoserWindowClosed   = errors.New("proxy: appeal period is over for loser")
	ErrAlreadyFunded       = errors.New("proxy: appeal fee is already paid")
	ErrNotResolved         = errors.New("proxy: arbitration not resolved")
	ErrRoundNotFound       = errors.New("proxy: round does not exist")
	ErrInvalidInput        = errors.New("proxy: invalid input")
	ErrPayoutFailed        = errors.New("proxy: payout failed")

	// ErrDisputeCreationFailed is recorded as the reason of a Failed
	// transition. It is never returned to the caller.
	ErrDisputeCreationFailed = errors.New("proxy: dispute creation failed")
)

// Retryable reports whether err may succeed if the same call is made later.
func Retryable(err error) bool {
	return errors.Is(err, ErrAppealWindowClosed) || errors.Is(err, ErrPayoutFailed)
}
