package lottery

import "errors"

var (
	ErrUnauthorized      = errors.New("caller is not authorized")
	ErrInvalidState      = errors.New("operation not allowed in current lottery state")
	ErrLotteryNotOpen    = errors.New("lottery is not open")
	ErrInsufficientFee   = errors.New("payment below entrance fee")
	ErrOracle            = errors.New("price oracle unavailable")
	ErrUnknownRequest    = errors.New("randomness request does not match pending request")
	ErrNoEntrants        = errors.New("no entrants in round")
	ErrTransferFailed    = errors.New("payout transfer failed")
	ErrInvalidRandomness = errors.New("randomness not found")
	ErrRandomnessRequest = errors.New("randomness request failed")
	ErrIndexOutOfRange   = errors.New("player index out of range")
	ErrResultNotFound    = errors.New("round result not found")
)
