// Package processor admits claims against a distribution: it verifies the
// Merkle proof, records the claim exactly once, pays out the unlocked amount
// and advances the distribution counters as one all-or-nothing unit.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/distributor/distributor/internal/authority"
	"github.com/malbeclabs/distributor/distributor/pkg/asset"
	"github.com/malbeclabs/distributor/distributor/pkg/claim"
	"github.com/malbeclabs/distributor/distributor/pkg/distribution"
	"github.com/malbeclabs/distributor/distributor/pkg/merkle"
	"github.com/malbeclabs/distributor/distributor/pkg/metrics"
	"github.com/malbeclabs/distributor/distributor/pkg/store"
)

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Store     store.Store
	Ledger    asset.Ledger
	Notifier  Notifier // optional
	ProgramID solana.PublicKey
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.ProgramID.IsZero() {
		return errors.New("program id is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Request struct {
	Distribution   solana.PublicKey
	Recipient      solana.PublicKey
	AmountUnlocked uint64
	AmountLocked   uint64
	Proof          []merkle.Hash
}

type Result struct {
	Claim              claim.Key        `json:"claim"`
	Record             claim.Record     `json:"record"`
	Destination        solana.PublicKey `json:"destination"`
	NumNodesClaimed    uint64           `json:"num_nodes_claimed"`
	TotalAmountClaimed uint64           `json:"total_amount_claimed"`
	Timestamp          time.Time        `json:"timestamp"`
}

type Processor struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Processor{log: cfg.Logger, cfg: cfg}, nil
}

// NewClaim admits one claim. On error nothing has changed: no claim record,
// no counter movement and no transfer.
func (p *Processor) NewClaim(ctx context.Context, req Request) (res *Result, err error) {
	start := p.cfg.Clock.Now()
	defer func() {
		metrics.RecordClaim(Code(err), p.cfg.Clock.Since(start))
	}()

	if req.Distribution.IsZero() || req.Recipient.IsZero() {
		return nil, fmt.Errorf("%w: distribution and recipient are required", ErrInvalidRequest)
	}

	var d distribution.Distribution
	err = p.cfg.Store.Update(ctx, req.Distribution, func(ctx context.Context, cur *distribution.Distribution, tx store.Tx) error {
		r, err := p.admit(ctx, cur, tx, req)
		if err != nil {
			return err
		}
		res = r
		d = *cur
		return nil
	})
	if err != nil {
		p.log.Debug("processor: claim rejected",
			"distribution", req.Distribution,
			"recipient", req.Recipient,
			"code", Code(err),
			"error", err,
		)
		return nil, err
	}

	metrics.RecordAmountClaimed(d.Address.String(), req.AmountUnlocked)
	p.log.Info("processor: created claim",
		"claimant", req.Recipient,
		"distribution", d.Address,
		"locked", req.AmountLocked,
		"unlocked", req.AmountUnlocked,
		"start_ts", d.StartTs,
		"end_ts", d.EndTs,
		"num_nodes_claimed", d.NumNodesClaimed,
		"total_amount_claimed", d.TotalAmountClaimed,
	)

	if p.cfg.Notifier != nil {
		ev := Event{
			ID:           uuid.New(),
			Claimant:     req.Recipient,
			Distribution: d.Address,
			Unlocked:     req.AmountUnlocked,
			Locked:       req.AmountLocked,
			Timestamp:    res.Timestamp,
		}
		if nerr := p.cfg.Notifier.Notify(ctx, ev); nerr != nil {
			p.log.Warn("processor: failed to notify claim", "event_id", ev.ID, "error", nerr)
		}
	}
	return res, nil
}

// admit runs the claim steps against d inside a store transaction. The
// counter pair is only written once every check and the transfer succeeded.
func (p *Processor) admit(ctx context.Context, d *distribution.Distribution, tx store.Tx, req Request) (*Result, error) {
	if d.ProgramID != p.cfg.ProgramID {
		return nil, fmt.Errorf("distribution %s is owned by program %s: %w", d.Address, d.ProgramID, store.ErrNotFound)
	}

	if err := d.CheckActive(); err != nil {
		return nil, err
	}
	nodes, err := d.NextNodeCount()
	if err != nil {
		return nil, err
	}

	leaf := merkle.LeafHash(req.Recipient, req.AmountUnlocked, req.AmountLocked)
	if !merkle.Verify(req.Proof, d.Root, leaf) {
		return nil, distribution.ErrInvalidProof
	}

	key, err := claim.DeriveKey(p.cfg.ProgramID, req.Recipient, d.Address)
	if err != nil {
		return nil, err
	}
	rec := claim.Record{
		Recipient:      req.Recipient,
		LockedAmount:   req.AmountLocked,
		UnlockedAmount: req.AmountUnlocked,
	}
	if err := tx.CreateClaimIfAbsent(ctx, key, rec); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, distribution.ErrAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to create claim record: %w", err)
	}

	// The bound is pure arithmetic, so it is settled before the transfer.
	total, err := d.NextTotalClaimed(req.AmountUnlocked)
	if err != nil {
		return nil, err
	}

	auth, err := authority.Derive(p.cfg.ProgramID, d.Mint, d.Version)
	if err != nil {
		return nil, err
	}
	if auth.Key() != d.Address {
		return nil, fmt.Errorf("derived authority %s does not match distribution %s: %w", auth.Key(), d.Address, asset.ErrUnauthorized)
	}
	dest, _, err := solana.FindAssociatedTokenAddress(req.Recipient, d.Mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive destination: %w", err)
	}
	if err := p.cfg.Ledger.Transfer(ctx, asset.TransferRequest{
		Mint:      d.Mint,
		From:      d.TokenVault,
		To:        dest,
		Authority: auth,
		Amount:    req.AmountUnlocked,
	}); err != nil {
		return nil, fmt.Errorf("failed to transfer claim: %w", err)
	}

	d.NumNodesClaimed = nodes
	d.TotalAmountClaimed = total

	return &Result{
		Claim:              key,
		Record:             rec,
		Destination:        dest,
		NumNodesClaimed:    nodes,
		TotalAmountClaimed: total,
		Timestamp:          p.cfg.Clock.Now().UTC(),
	}, nil
}

func (p *Processor) Distribution(ctx context.Context, address solana.PublicKey) (*distribution.Distribution, error) {
	return p.cfg.Store.GetDistribution(ctx, address)
}

// Claim returns the claim record of recipient in the distribution, or
// store.ErrNotFound if the recipient has not claimed.
func (p *Processor) Claim(ctx context.Context, address, recipient solana.PublicKey) (claim.Key, *claim.Record, error) {
	key, err := claim.DeriveKey(p.cfg.ProgramID, recipient, address)
	if err != nil {
		return claim.Key{}, nil, err
	}
	rec, err := p.cfg.Store.GetClaim(ctx, key)
	if err != nil {
		return claim.Key{}, nil, err
	}
	return key, rec, nil
}

func (p *Processor) ProgramID() solana.PublicKey { return p.cfg.ProgramID }

// Ping checks the backing store.
func (p *Processor) Ping(ctx context.Context) error {
	return p.cfg.Store.Ping(ctx)
}
