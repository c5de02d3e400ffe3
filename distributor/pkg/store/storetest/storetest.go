// Package storetest holds the behaviour every store.Store engine must share.
package storetest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/distributor/distributor/pkg/claim"
	"github.com/malbeclabs/distributor/distributor/pkg/distribution"
	"github.com/malbeclabs/distributor/distributor/pkg/merkle"
	"github.com/malbeclabs/distributor/distributor/pkg/store"
	laketesting "github.com/malbeclabs/distributor/utils/pkg/testing"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var ProgramID = solana.MustPublicKeyFromBase58("GCPNXuyuLqQDwpyJeFctdcYpKadWzj9ipxMNbyb7JyA4")

// NewDistribution returns a distinct valid distribution for each seed.
func NewDistribution(t *testing.T, seed byte) *distribution.Distribution {
	t.Helper()
	d, err := distribution.New(ProgramID, distribution.Params{
		Version:          uint64(seed),
		Root:             merkle.LeafHash(laketesting.PublicKey(seed), 1, 0),
		Mint:             laketesting.PublicKey(0x10 + seed),
		TokenVault:       laketesting.PublicKey(0x40 + seed),
		MaxTotalClaim:    1_000,
		MaxNumNodes:      10,
		StartTs:          1_700_000_000,
		EndTs:            1_800_000_000,
		ClawbackStartTs:  1_900_000_000,
		ClawbackReceiver: laketesting.PublicKey(0x70 + seed),
		Admin:            laketesting.PublicKey(0xa0 + seed),
	})
	require.NoError(t, err)
	return d
}

func claimKey(t *testing.T, recipient, dist solana.PublicKey) claim.Key {
	t.Helper()
	key, err := claim.DeriveKey(ProgramID, recipient, dist)
	require.NoError(t, err)
	return key
}

// Run exercises a store engine. newStore is called once per subtest; subtests
// use disjoint distributions, so the stores may share one backing database.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("create and get distribution", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		ctx := t.Context()
		d := NewDistribution(t, 1)

		require.NoError(t, s.CreateDistribution(ctx, d))
		got, err := s.GetDistribution(ctx, d.Address)
		require.NoError(t, err)
		require.Equal(t, d, got)

		require.ErrorIs(t, s.CreateDistribution(ctx, d), store.ErrAlreadyExists)
	})

	t.Run("get missing", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		ctx := t.Context()

		_, err := s.GetDistribution(ctx, laketesting.PublicKey(0xee))
		require.ErrorIs(t, err, store.ErrNotFound)

		_, err = s.GetClaim(ctx, claimKey(t, laketesting.PublicKey(1), laketesting.PublicKey(2)))
		require.ErrorIs(t, err, store.ErrNotFound)

		err = s.Update(ctx, laketesting.PublicKey(0xee), func(context.Context, *distribution.Distribution, store.Tx) error {
			t.Fatal("update callback must not run for a missing distribution")
			return nil
		})
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("update commits counters and claims", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		ctx := t.Context()
		d := NewDistribution(t, 2)
		require.NoError(t, s.CreateDistribution(ctx, d))

		recipient := laketesting.PublicKey(0x01)
		key := claimKey(t, recipient, d.Address)
		rec := claim.Record{Recipient: recipient, LockedAmount: 7, UnlockedAmount: 100}

		err := s.Update(ctx, d.Address, func(ctx context.Context, d *distribution.Distribution, tx store.Tx) error {
			if err := tx.CreateClaimIfAbsent(ctx, key, rec); err != nil {
				return err
			}
			d.NumNodesClaimed = 1
			d.TotalAmountClaimed = 100
			// Immutable fields are not persisted.
			d.MaxTotalClaim = 0
			d.Root = merkle.Hash{}
			return nil
		})
		require.NoError(t, err)

		got, err := s.GetDistribution(ctx, d.Address)
		require.NoError(t, err)
		require.EqualValues(t, 1, got.NumNodesClaimed)
		require.EqualValues(t, 100, got.TotalAmountClaimed)
		require.Equal(t, d.MaxTotalClaim, got.MaxTotalClaim)
		require.Equal(t, d.Root, got.Root)

		gotRec, err := s.GetClaim(ctx, key)
		require.NoError(t, err)
		require.Equal(t, rec, *gotRec)
	})

	t.Run("update failure discards everything", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		ctx := t.Context()
		d := NewDistribution(t, 3)
		require.NoError(t, s.CreateDistribution(ctx, d))

		key := claimKey(t, laketesting.PublicKey(0x02), d.Address)
		boom := errors.New("boom")
		err := s.Update(ctx, d.Address, func(ctx context.Context, d *distribution.Distribution, tx store.Tx) error {
			require.NoError(t, tx.CreateClaimIfAbsent(ctx, key, claim.Record{Recipient: key.Recipient, UnlockedAmount: 5}))
			d.NumNodesClaimed = 1
			d.TotalAmountClaimed = 5
			return boom
		})
		require.ErrorIs(t, err, boom)

		got, err := s.GetDistribution(ctx, d.Address)
		require.NoError(t, err)
		require.Zero(t, got.NumNodesClaimed)
		require.Zero(t, got.TotalAmountClaimed)

		_, err = s.GetClaim(ctx, key)
		require.ErrorIs(t, err, store.ErrNotFound)

		// The key is free again after the rollback.
		err = s.Update(ctx, d.Address, func(ctx context.Context, d *distribution.Distribution, tx store.Tx) error {
			return tx.CreateClaimIfAbsent(ctx, key, claim.Record{Recipient: key.Recipient, UnlockedAmount: 5})
		})
		require.NoError(t, err)
	})

	t.Run("create claim twice", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		ctx := t.Context()
		d := NewDistribution(t, 4)
		require.NoError(t, s.CreateDistribution(ctx, d))

		key := claimKey(t, laketesting.PublicKey(0x03), d.Address)
		create := func(ctx context.Context, _ *distribution.Distribution, tx store.Tx) error {
			return tx.CreateClaimIfAbsent(ctx, key, claim.Record{Recipient: key.Recipient, UnlockedAmount: 1})
		}
		require.NoError(t, s.Update(ctx, d.Address, create))
		require.ErrorIs(t, s.Update(ctx, d.Address, create), store.ErrAlreadyExists)
	})

	t.Run("concurrent updates serialize", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		ctx := t.Context()
		d := NewDistribution(t, 5)
		require.NoError(t, s.CreateDistribution(ctx, d))

		const workers = 8
		var created atomic.Int32
		g, gctx := errgroup.WithContext(ctx)
		for i := range workers {
			g.Go(func() error {
				// Every worker increments both counters and half of them race for
				// the same claim key.
				recipient := laketesting.PublicKey(byte(0x20 + i))
				if i%2 == 0 {
					recipient = laketesting.PublicKey(0x99)
				}
				key := claimKey(t, recipient, d.Address)
				err := s.Update(gctx, d.Address, func(ctx context.Context, d *distribution.Distribution, tx store.Tx) error {
					if err := tx.CreateClaimIfAbsent(ctx, key, claim.Record{Recipient: recipient, UnlockedAmount: 1}); err != nil {
						return err
					}
					d.NumNodesClaimed++
					d.TotalAmountClaimed++
					return nil
				})
				if errors.Is(err, store.ErrAlreadyExists) {
					return nil
				}
				if err == nil {
					created.Add(1)
				}
				return err
			})
		}
		require.NoError(t, g.Wait())

		// Four distinct recipients plus exactly one winner for the shared key.
		require.EqualValues(t, workers/2+1, created.Load())
		got, err := s.GetDistribution(ctx, d.Address)
		require.NoError(t, err)
		require.EqualValues(t, created.Load(), got.NumNodesClaimed)
		require.EqualValues(t, created.Load(), got.TotalAmountClaimed)
	})

	t.Run("cancelled context", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		d := NewDistribution(t, 6)
		require.NoError(t, s.CreateDistribution(t.Context(), d))

		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		err := s.Update(ctx, d.Address, func(context.Context, *distribution.Distribution, store.Tx) error {
			return nil
		})
		require.ErrorIs(t, err, context.Canceled)
	})
}
