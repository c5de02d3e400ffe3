package processor

import (
	"context"
	"errors"

	"github.com/malbeclabs/distributor/distributor/pkg/asset"
	"github.com/malbeclabs/distributor/distributor/pkg/distribution"
	"github.com/malbeclabs/distributor/distributor/pkg/store"
)

// Result codes, used as metric labels and in API error bodies.
const (
	CodeOK                = "ok"
	CodeClaimExpired      = "claim_expired"
	CodeMaxNodesExceeded  = "max_nodes_exceeded"
	CodeInvalidProof      = "invalid_proof"
	CodeExceededMaxClaim  = "exceeded_max_claim"
	CodeAlreadyClaimed    = "already_claimed"
	CodeArithmetic        = "arithmetic_error"
	CodeInsufficientFunds = "insufficient_funds"
	CodeUnauthorized      = "unauthorized"
	CodeUnauthenticated   = "unauthenticated"
	CodeNotFound          = "not_found"
	CodeInvalidRequest    = "invalid_request"
	CodeCanceled          = "canceled"
	CodeInternal          = "internal"
)

var (
	// ErrInvalidRequest wraps requests rejected before any state is read.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnauthenticated wraps requests whose recipient identity did not verify.
	ErrUnauthenticated = errors.New("unauthenticated")
)

var codes = []struct {
	err  error
	code string
}{
	{distribution.ErrClaimExpired, CodeClaimExpired},
	{distribution.ErrMaxNodesExceeded, CodeMaxNodesExceeded},
	{distribution.ErrInvalidProof, CodeInvalidProof},
	{distribution.ErrExceededMaxClaim, CodeExceededMaxClaim},
	{distribution.ErrAlreadyClaimed, CodeAlreadyClaimed},
	{distribution.ErrArithmetic, CodeArithmetic},
	{asset.ErrInsufficientFunds, CodeInsufficientFunds},
	{asset.ErrUnauthorized, CodeUnauthorized},
	{store.ErrNotFound, CodeNotFound},
	{ErrInvalidRequest, CodeInvalidRequest},
	{ErrUnauthenticated, CodeUnauthenticated},
	{context.Canceled, CodeCanceled},
	{context.DeadlineExceeded, CodeCanceled},
}

// Code classifies err into one of the result codes.
func Code(err error) string {
	if err == nil {
		return CodeOK
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}
