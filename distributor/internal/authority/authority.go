// Package authority constructs the signing capability a distribution presents
// to the asset ledger. Only the claim processor imports it.
package authority

import (
	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/distributor/distributor/pkg/distribution"
)

// Authority lets a distribution move tokens out of its vault. The zero value
// authorizes nothing.
type Authority struct {
	key solana.PublicKey
}

// Derive derives the signing authority of the distribution identified by
// (programID, mint, version).
func Derive(programID, mint solana.PublicKey, version uint64) (Authority, error) {
	key, _, err := distribution.Address(programID, mint, version)
	if err != nil {
		return Authority{}, err
	}
	return Authority{key: key}, nil
}

// Key is the address ledgers check vault ownership against.
func (a Authority) Key() solana.PublicKey { return a.key }

func (a Authority) IsZero() bool { return a.key.IsZero() }
