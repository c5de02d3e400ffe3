// Package memory is an in-process Store used by tests and the dev server.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/distributor/distributor/pkg/claim"
	"github.com/malbeclabs/distributor/distributor/pkg/distribution"
	"github.com/malbeclabs/distributor/distributor/pkg/store"
)

type Store struct {
	mu            sync.RWMutex
	distributions map[solana.PublicKey]*entry

	claims *claimTable
}

var _ store.Store = (*Store)(nil)

// entry holds one distribution. mu is held for the duration of an Update.
type entry struct {
	mu sync.Mutex
	d  distribution.Distribution
}

func New() *Store {
	return &Store{
		distributions: make(map[solana.PublicKey]*entry),
		claims:        newClaimTable(),
	}
}

func (s *Store) CreateDistribution(ctx context.Context, d *distribution.Distribution) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid distribution: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.distributions[d.Address]; ok {
		return fmt.Errorf("distribution %s: %w", d.Address, store.ErrAlreadyExists)
	}
	s.distributions[d.Address] = &entry{d: *d}
	return nil
}

func (s *Store) lookup(address solana.PublicKey) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.distributions[address]
	if !ok {
		return nil, fmt.Errorf("distribution %s: %w", address, store.ErrNotFound)
	}
	return e, nil
}

func (s *Store) GetDistribution(ctx context.Context, address solana.PublicKey) (*distribution.Distribution, error) {
	e, err := s.lookup(address)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	d := e.d
	e.mu.Unlock()
	return &d, nil
}

func (s *Store) GetClaim(ctx context.Context, key claim.Key) (*claim.Record, error) {
	rec, ok := s.claims.get(key.Address)
	if !ok {
		return nil, fmt.Errorf("claim %s: %w", key.Address, store.ErrNotFound)
	}
	return &rec, nil
}

func (s *Store) Update(ctx context.Context, address solana.PublicKey, fn store.UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e, err := s.lookup(address)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	working := e.d
	tx := &memTx{claims: s.claims}
	if err := fn(ctx, &working, tx); err != nil {
		tx.rollback()
		return err
	}

	e.d.NumNodesClaimed = working.NumNodesClaimed
	e.d.TotalAmountClaimed = working.TotalAmountClaimed
	tx.commit()
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }

type memTx struct {
	claims   *claimTable
	reserved []solana.PublicKey
}

func (tx *memTx) CreateClaimIfAbsent(ctx context.Context, key claim.Key, rec claim.Record) error {
	if !tx.claims.reserve(key.Address, rec) {
		return fmt.Errorf("claim %s: %w", key.Address, store.ErrAlreadyExists)
	}
	tx.reserved = append(tx.reserved, key.Address)
	return nil
}

func (tx *memTx) commit() {
	tx.claims.commit(tx.reserved)
	tx.reserved = nil
}

func (tx *memTx) rollback() {
	tx.claims.release(tx.reserved)
	tx.reserved = nil
}
