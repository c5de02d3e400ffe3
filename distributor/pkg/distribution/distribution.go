package distribution

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/distributor/distributor/pkg/merkle"
)

// SeedPrefix is the first seed of a distribution address.
const SeedPrefix = "MerkleDistributor"

// Address derives the deterministic address of a distribution from
// (programID, mint, version). The same address acts as the transfer authority
// of the distribution vault.
func Address(programID, mint solana.PublicKey, version uint64) (solana.PublicKey, uint8, error) {
	var v [8]byte
	binary.LittleEndian.PutUint64(v[:], version)
	addr, bump, err := solana.FindProgramAddress([][]byte{[]byte(SeedPrefix), mint[:], v[:]}, programID)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("failed to derive distribution address: %w", err)
	}
	return addr, bump, nil
}

// Distribution is the configuration and claim counters of one distribution.
// Root, mint, vault and bounds are fixed at creation; only the claim
// counters change afterwards.
type Distribution struct {
	Address   solana.PublicKey `json:"address"`
	ProgramID solana.PublicKey `json:"program_id"`
	Bump      uint8            `json:"bump"`

	Version    uint64           `json:"version"`
	Root       merkle.Hash      `json:"root"`
	Mint       solana.PublicKey `json:"mint"`
	TokenVault solana.PublicKey `json:"token_vault"`

	MaxTotalClaim      uint64 `json:"max_total_claim"`
	MaxNumNodes        uint64 `json:"max_num_nodes"`
	TotalAmountClaimed uint64 `json:"total_amount_claimed"`
	NumNodesClaimed    uint64 `json:"num_nodes_claimed"`

	// Lockup start/end and the earliest clawback time, as unix seconds.
	StartTs         int64 `json:"start_ts"`
	EndTs           int64 `json:"end_ts"`
	ClawbackStartTs int64 `json:"clawback_start_ts"`

	ClawbackReceiver solana.PublicKey `json:"clawback_receiver"`
	Admin            solana.PublicKey `json:"admin"`
	ClawedBack       bool             `json:"clawed_back"`
}

// Params are the setup inputs of a distribution.
type Params struct {
	Version          uint64           `json:"version"`
	Root             merkle.Hash      `json:"root"`
	Mint             solana.PublicKey `json:"mint"`
	TokenVault       solana.PublicKey `json:"token_vault"`
	MaxTotalClaim    uint64           `json:"max_total_claim"`
	MaxNumNodes      uint64           `json:"max_num_nodes"`
	StartTs          int64            `json:"start_ts"`
	EndTs            int64            `json:"end_ts"`
	ClawbackStartTs  int64            `json:"clawback_start_ts"`
	ClawbackReceiver solana.PublicKey `json:"clawback_receiver"`
	Admin            solana.PublicKey `json:"admin"`
	ClawedBack       bool             `json:"clawed_back"`
}

// New builds a distribution with zeroed counters at its derived address.
func New(programID solana.PublicKey, p Params) (*Distribution, error) {
	addr, bump, err := Address(programID, p.Mint, p.Version)
	if err != nil {
		return nil, err
	}
	d := &Distribution{
		Address:          addr,
		ProgramID:        programID,
		Bump:             bump,
		Version:          p.Version,
		Root:             p.Root,
		Mint:             p.Mint,
		TokenVault:       p.TokenVault,
		MaxTotalClaim:    p.MaxTotalClaim,
		MaxNumNodes:      p.MaxNumNodes,
		StartTs:          p.StartTs,
		EndTs:            p.EndTs,
		ClawbackStartTs:  p.ClawbackStartTs,
		ClawbackReceiver: p.ClawbackReceiver,
		Admin:            p.Admin,
		ClawedBack:       p.ClawedBack,
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Distribution) Validate() error {
	if d.Address.IsZero() {
		return errors.New("address is required")
	}
	if d.Root.IsZero() {
		return errors.New("root is required")
	}
	if d.Mint.IsZero() {
		return errors.New("mint is required")
	}
	if d.TokenVault.IsZero() {
		return errors.New("token vault is required")
	}
	if d.NumNodesClaimed > d.MaxNumNodes {
		return fmt.Errorf("num nodes claimed %d exceeds max %d", d.NumNodesClaimed, d.MaxNumNodes)
	}
	if d.TotalAmountClaimed > d.MaxTotalClaim {
		return fmt.Errorf("total amount claimed %d exceeds max %d", d.TotalAmountClaimed, d.MaxTotalClaim)
	}
	return nil
}

// CheckActive rejects claims once the distribution has been clawed back.
func (d *Distribution) CheckActive() error {
	if d.ClawedBack {
		return ErrClaimExpired
	}
	return nil
}

// NextNodeCount returns the node counter after admitting one more claim.
// It does not modify d.
func (d *Distribution) NextNodeCount() (uint64, error) {
	next, carry := bits.Add64(d.NumNodesClaimed, 1, 0)
	if carry != 0 {
		return 0, ErrArithmetic
	}
	if next > d.MaxNumNodes {
		return 0, fmt.Errorf("%w: %d > %d", ErrMaxNodesExceeded, next, d.MaxNumNodes)
	}
	return next, nil
}

// NextTotalClaimed returns the claimed total after adding amount.
// It does not modify d.
func (d *Distribution) NextTotalClaimed(amount uint64) (uint64, error) {
	next, carry := bits.Add64(d.TotalAmountClaimed, amount, 0)
	if carry != 0 {
		return 0, ErrArithmetic
	}
	if next > d.MaxTotalClaim {
		return 0, fmt.Errorf("%w: %d > %d", ErrExceededMaxClaim, next, d.MaxTotalClaim)
	}
	return next, nil
}

// Remaining returns the amount that can still be claimed.
func (d *Distribution) Remaining() uint64 {
	if d.TotalAmountClaimed >= d.MaxTotalClaim {
		return 0
	}
	return d.MaxTotalClaim - d.TotalAmountClaimed
}
