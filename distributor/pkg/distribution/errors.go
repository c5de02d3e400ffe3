package distribution

import "errors"

// Claim rejection reasons. Every claim failure wraps exactly one of these (or
// an asset/store error), so callers can branch with errors.Is.
var (
	ErrClaimExpired     = errors.New("claim expired: distribution has been clawed back")
	ErrMaxNodesExceeded = errors.New("max nodes exceeded")
	ErrInvalidProof     = errors.New("invalid proof")
	ErrExceededMaxClaim = errors.New("exceeded max claim")
	ErrAlreadyClaimed   = errors.New("already claimed")
	ErrArithmetic       = errors.New("arithmetic overflow")
)
