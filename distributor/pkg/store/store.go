// Package store persists distributions and their claim records.
//
// All claim-time mutation goes through Store.Update, which gives the callback
// exclusive access to one distribution and commits the callback's effects
// (counter changes and created claim records) only when it returns nil.
package store

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/distributor/distributor/pkg/claim"
	"github.com/malbeclabs/distributor/distributor/pkg/distribution"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// Tx is the write handle passed to an UpdateFunc.
type Tx interface {
	// CreateClaimIfAbsent atomically creates the record at key, or returns
	// ErrAlreadyExists if one exists. There is no separate existence check.
	CreateClaimIfAbsent(ctx context.Context, key claim.Key, rec claim.Record) error
}

// UpdateFunc mutates d in place. Only the claim counters of d are persisted.
type UpdateFunc func(ctx context.Context, d *distribution.Distribution, tx Tx) error

type Store interface {
	// CreateDistribution stores a new distribution. It stands in for the
	// external setup operation.
	CreateDistribution(ctx context.Context, d *distribution.Distribution) error
	GetDistribution(ctx context.Context, address solana.PublicKey) (*distribution.Distribution, error)
	GetClaim(ctx context.Context, key claim.Key) (*claim.Record, error)
	// Update serializes against every other Update on the same distribution.
	// Updates on different distributions do not contend.
	Update(ctx context.Context, address solana.PublicKey, fn UpdateFunc) error
	Ping(ctx context.Context) error
	Close() error
}
