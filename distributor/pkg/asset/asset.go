// Package asset defines the token transfer collaborator used to pay out
// claims, and the authority capability a distribution presents to it.
package asset

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/distributor/distributor/internal/authority"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnauthorized      = errors.New("unauthorized")
)

// Authority is the capability that lets a distribution move tokens out of
// its vault. It can only be derived by the claim processor; ledgers read its
// Key and compare it to the vault owner.
type Authority = authority.Authority

type TransferRequest struct {
	Mint      solana.PublicKey
	From      solana.PublicKey
	To        solana.PublicKey
	Authority Authority
	Amount    uint64
}

// Ledger moves tokens atomically. Transfer either fully applies or returns an
// error and changes nothing.
type Ledger interface {
	Transfer(ctx context.Context, req TransferRequest) error
}
