// Package seed loads distributions from a JSON file at startup. It stands in
// for the on-chain setup step in development deployments.
package seed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/gagliardetto/solana-go"
	assetmemory "github.com/malbeclabs/distributor/distributor/pkg/asset/memory"
	"github.com/malbeclabs/distributor/distributor/pkg/distribution"
	"github.com/malbeclabs/distributor/distributor/pkg/store"
)

// Distribution is one seed entry: the setup parameters plus the amount the
// vault is funded with.
type Distribution struct {
	distribution.Params
	VaultBalance uint64 `json:"vault_balance"`
}

func Load(path string) ([]Distribution, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var out []Distribution
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}
	return out, nil
}

// Apply creates each distribution that does not exist yet and funds its vault
// in ledger, owned by the distribution authority. For a distribution that
// already exists the vault is funded with what remains after its claims.
func Apply(ctx context.Context, log *slog.Logger, programID solana.PublicKey, st store.Store, ledger *assetmemory.Ledger, seeds []Distribution) error {
	for i, s := range seeds {
		d, err := distribution.New(programID, s.Params)
		if err != nil {
			return fmt.Errorf("seed %d: %w", i, err)
		}

		balance := s.VaultBalance
		err = st.CreateDistribution(ctx, d)
		switch {
		case err == nil:
			log.Info("seed: created distribution", "address", d.Address, "mint", d.Mint, "version", d.Version)
		case errors.Is(err, store.ErrAlreadyExists):
			existing, err := st.GetDistribution(ctx, d.Address)
			if err != nil {
				return fmt.Errorf("seed %d: %w", i, err)
			}
			if existing.Root != d.Root {
				return fmt.Errorf("seed %d: distribution %s exists with a different root", i, d.Address)
			}
			if balance > existing.TotalAmountClaimed {
				balance -= existing.TotalAmountClaimed
			} else {
				balance = 0
			}
			log.Info("seed: distribution exists", "address", d.Address, "num_nodes_claimed", existing.NumNodesClaimed)
		default:
			return fmt.Errorf("seed %d: failed to create distribution: %w", i, err)
		}

		if ledger == nil {
			continue
		}
		// The vault is owned by the distribution address, which is also the
		// address its transfer authority derives to.
		ledger.OpenAccount(assetmemory.Account{
			Address: d.TokenVault,
			Owner:   d.Address,
			Mint:    d.Mint,
			Balance: balance,
		})
	}
	return nil
}
