// Package memory is an in-process asset.Ledger of token accounts.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/distributor/distributor/pkg/asset"
)

var (
	ErrAccountNotFound = errors.New("token account not found")
	ErrMintMismatch    = errors.New("mint mismatch")
	ErrBalanceOverflow = errors.New("balance overflow")
)

type Account struct {
	Address solana.PublicKey
	Owner   solana.PublicKey
	Mint    solana.PublicKey
	Balance uint64
}

type Ledger struct {
	log *slog.Logger

	mu       sync.Mutex
	accounts map[solana.PublicKey]*Account
}

var _ asset.Ledger = (*Ledger)(nil)

func New(log *slog.Logger) *Ledger {
	return &Ledger{
		log:      log,
		accounts: make(map[solana.PublicKey]*Account),
	}
}

// OpenAccount creates or replaces a token account.
func (l *Ledger) OpenAccount(acct Account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := acct
	l.accounts[acct.Address] = &a
}

func (l *Ledger) Account(address solana.PublicKey) (Account, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[address]
	if !ok {
		return Account{}, false
	}
	return *a, true
}

// Transfer debits From and credits To. The source must be owned by the
// request authority. A missing destination is opened for the source mint.
func (l *Ledger) Transfer(ctx context.Context, req asset.TransferRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	from, ok := l.accounts[req.From]
	if !ok {
		return fmt.Errorf("source %s: %w", req.From, ErrAccountNotFound)
	}
	if req.Authority.IsZero() || from.Owner != req.Authority.Key() {
		return fmt.Errorf("source %s not owned by %s: %w", req.From, req.Authority.Key(), asset.ErrUnauthorized)
	}
	if !req.Mint.IsZero() && from.Mint != req.Mint {
		return fmt.Errorf("source %s: %w", req.From, ErrMintMismatch)
	}
	if from.Balance < req.Amount {
		return fmt.Errorf("source %s has %d, need %d: %w", req.From, from.Balance, req.Amount, asset.ErrInsufficientFunds)
	}

	if req.To == req.From {
		l.log.Debug("asset/memory: self transfer", "account", req.From, "amount", req.Amount)
		return nil
	}

	to, ok := l.accounts[req.To]
	if ok && to.Mint != from.Mint {
		return fmt.Errorf("destination %s: %w", req.To, ErrMintMismatch)
	}
	var credited uint64
	if ok {
		var carry uint64
		credited, carry = bits.Add64(to.Balance, req.Amount, 0)
		if carry != 0 {
			return fmt.Errorf("destination %s: %w", req.To, ErrBalanceOverflow)
		}
	} else {
		credited = req.Amount
		to = &Account{Address: req.To, Mint: from.Mint}
		l.accounts[req.To] = to
	}

	from.Balance -= req.Amount
	to.Balance = credited

	l.log.Debug("asset/memory: transfer", "from", req.From, "to", req.To, "amount", req.Amount)
	return nil
}
