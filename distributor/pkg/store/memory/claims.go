package memory

import (
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/distributor/distributor/pkg/claim"
)

// claimTable is the claim ledger. A key is taken from the moment it is
// reserved, so two reservations for the same key can never both succeed,
// even across distributions. Uncommitted reservations are invisible to reads.
type claimTable struct {
	mu      sync.RWMutex
	records map[solana.PublicKey]*claimSlot
}

type claimSlot struct {
	rec       claim.Record
	committed bool
}

func newClaimTable() *claimTable {
	return &claimTable{records: make(map[solana.PublicKey]*claimSlot)}
}

func (c *claimTable) reserve(addr solana.PublicKey, rec claim.Record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.records[addr]; ok {
		return false
	}
	c.records[addr] = &claimSlot{rec: rec}
	return true
}

func (c *claimTable) commit(addrs []solana.PublicKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, addr := range addrs {
		if slot, ok := c.records[addr]; ok {
			slot.committed = true
		}
	}
}

func (c *claimTable) release(addrs []solana.PublicKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, addr := range addrs {
		if slot, ok := c.records[addr]; ok && !slot.committed {
			delete(c.records, addr)
		}
	}
}

func (c *claimTable) get(addr solana.PublicKey) (claim.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	slot, ok := c.records[addr]
	if !ok || !slot.committed {
		return claim.Record{}, false
	}
	return slot.rec, true
}
