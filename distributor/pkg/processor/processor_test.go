package processor_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/distributor/distributor/pkg/asset"
	assetmemory "github.com/malbeclabs/distributor/distributor/pkg/asset/memory"
	"github.com/malbeclabs/distributor/distributor/pkg/distribution"
	"github.com/malbeclabs/distributor/distributor/pkg/merkle"
	"github.com/malbeclabs/distributor/distributor/pkg/processor"
	"github.com/malbeclabs/distributor/distributor/pkg/store"
	storememory "github.com/malbeclabs/distributor/distributor/pkg/store/memory"
	laketesting "github.com/malbeclabs/distributor/utils/pkg/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var (
	testProgramID = solana.MustPublicKeyFromBase58("GCPNXuyuLqQDwpyJeFctdcYpKadWzj9ipxMNbyb7JyA4")

	recipientA = laketesting.PublicKey(0xa1)
	recipientB = laketesting.PublicKey(0xb1)
	recipientC = laketesting.PublicKey(0xc1)
	recipientD = laketesting.PublicKey(0xd1)

	mint  = laketesting.PublicKey(0x10)
	vault = laketesting.PublicKey(0x20)
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []processor.Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev processor.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) Events() []processor.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]processor.Event(nil), n.events...)
}

type fixture struct {
	proc     *processor.Processor
	store    *storememory.Store
	ledger   *assetmemory.Ledger
	clock    *clockwork.FakeClock
	notifier *recordingNotifier
	tree     *laketesting.Tree
	dist     *distribution.Distribution
}

type fixtureOpts struct {
	entries       []laketesting.Entry
	maxNodes      uint64
	maxTotal      uint64
	vaultBalance  uint64
	clawedBack    bool
	vaultOwner    *solana.PublicKey
	skipVaultOpen bool
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()

	tree := laketesting.NewTree(opts.entries)
	d, err := distribution.New(testProgramID, distribution.Params{
		Root:             tree.Root(),
		Mint:             mint,
		TokenVault:       vault,
		MaxTotalClaim:    opts.maxTotal,
		MaxNumNodes:      opts.maxNodes,
		StartTs:          1_700_000_000,
		EndTs:            1_800_000_000,
		ClawbackStartTs:  1_900_000_000,
		ClawbackReceiver: laketesting.PublicKey(0x70),
		Admin:            laketesting.PublicKey(0x71),
		ClawedBack:       opts.clawedBack,
	})
	require.NoError(t, err)

	st := storememory.New()
	require.NoError(t, st.CreateDistribution(t.Context(), d))

	ledger := assetmemory.New(laketesting.NewLogger())
	if !opts.skipVaultOpen {
		owner := d.Address
		if opts.vaultOwner != nil {
			owner = *opts.vaultOwner
		}
		ledger.OpenAccount(assetmemory.Account{Address: vault, Owner: owner, Mint: mint, Balance: opts.vaultBalance})
	}

	clock := clockwork.NewFakeClockAt(time.Unix(1_750_000_000, 0))
	notifier := &recordingNotifier{}
	proc, err := processor.New(processor.Config{
		Logger:    laketesting.NewLogger(),
		Clock:     clock,
		Store:     st,
		Ledger:    ledger,
		Notifier:  notifier,
		ProgramID: testProgramID,
	})
	require.NoError(t, err)

	return &fixture{proc: proc, store: st, ledger: ledger, clock: clock, notifier: notifier, tree: tree, dist: d}
}

func (f *fixture) request(idx int) processor.Request {
	e := f.tree.Entries[idx]
	return processor.Request{
		Distribution:   f.dist.Address,
		Recipient:      e.Claimant,
		AmountUnlocked: e.Unlocked,
		AmountLocked:   e.Locked,
		Proof:          f.tree.Proof(idx),
	}
}

func (f *fixture) state(t *testing.T) *distribution.Distribution {
	t.Helper()
	d, err := f.store.GetDistribution(t.Context(), f.dist.Address)
	require.NoError(t, err)
	return d
}

func (f *fixture) balance(t *testing.T, owner solana.PublicKey) uint64 {
	t.Helper()
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	require.NoError(t, err)
	acct, ok := f.ledger.Account(ata)
	if !ok {
		return 0
	}
	return acct.Balance
}

func (f *fixture) requireUnclaimed(t *testing.T, recipient solana.PublicKey) {
	t.Helper()
	_, _, err := f.proc.Claim(t.Context(), f.dist.Address, recipient)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func twoLeaf() []laketesting.Entry {
	return []laketesting.Entry{
		{Claimant: recipientA, Unlocked: 100},
		{Claimant: recipientB, Unlocked: 50},
	}
}

func TestDistributor_Processor_Config(t *testing.T) {
	t.Parallel()

	_, err := processor.New(processor.Config{})
	require.Error(t, err)

	cfg := processor.Config{
		Logger:    laketesting.NewLogger(),
		Store:     storememory.New(),
		Ledger:    assetmemory.New(laketesting.NewLogger()),
		ProgramID: testProgramID,
	}
	require.NoError(t, cfg.Validate())
	require.NotNil(t, cfg.Clock)

	cfg.ProgramID = solana.PublicKey{}
	require.Error(t, cfg.Validate())
}

func TestDistributor_Processor_EndToEnd(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{entries: twoLeaf(), maxNodes: 2, maxTotal: 150, vaultBalance: 150})
	ctx := t.Context()

	// The proof of a two-leaf tree is the sibling leaf.
	reqA := processor.Request{
		Distribution:   f.dist.Address,
		Recipient:      recipientA,
		AmountUnlocked: 100,
		Proof:          []merkle.Hash{merkle.LeafHash(recipientB, 50, 0)},
	}
	res, err := f.proc.NewClaim(ctx, reqA)
	require.NoError(t, err)
	require.EqualValues(t, 1, res.NumNodesClaimed)
	require.EqualValues(t, 100, res.TotalAmountClaimed)
	require.Equal(t, f.clock.Now().UTC(), res.Timestamp)
	require.Equal(t, recipientA, res.Record.Recipient)
	require.EqualValues(t, 100, res.Record.UnlockedAmount)
	require.Zero(t, res.Record.LockedAmountWithdrawn)

	d := f.state(t)
	require.EqualValues(t, 1, d.NumNodesClaimed)
	require.EqualValues(t, 100, d.TotalAmountClaimed)
	require.EqualValues(t, 100, f.balance(t, recipientA))

	_, err = f.proc.NewClaim(ctx, reqA)
	require.ErrorIs(t, err, distribution.ErrAlreadyClaimed)
	require.Equal(t, processor.CodeAlreadyClaimed, processor.Code(err))
	d = f.state(t)
	require.EqualValues(t, 1, d.NumNodesClaimed)
	require.EqualValues(t, 100, d.TotalAmountClaimed)

	// C is not in the tree. With nodes still free the proof check rejects it.
	reqC := processor.Request{
		Distribution:   f.dist.Address,
		Recipient:      recipientC,
		AmountUnlocked: 1,
	}
	_, err = f.proc.NewClaim(ctx, reqC)
	require.ErrorIs(t, err, distribution.ErrInvalidProof)
	require.Equal(t, processor.CodeInvalidProof, processor.Code(err))

	res, err = f.proc.NewClaim(ctx, processor.Request{
		Distribution:   f.dist.Address,
		Recipient:      recipientB,
		AmountUnlocked: 50,
		Proof:          []merkle.Hash{merkle.LeafHash(recipientA, 100, 0)},
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, res.NumNodesClaimed)
	require.EqualValues(t, 150, res.TotalAmountClaimed)

	// Once the node cap is reached it is hit before the proof is looked at.
	_, err = f.proc.NewClaim(ctx, reqC)
	require.ErrorIs(t, err, distribution.ErrMaxNodesExceeded)
	require.Equal(t, processor.CodeMaxNodesExceeded, processor.Code(err))

	d = f.state(t)
	require.EqualValues(t, 2, d.NumNodesClaimed)
	require.EqualValues(t, 150, d.TotalAmountClaimed)
	require.EqualValues(t, 50, f.balance(t, recipientB))
	f.requireUnclaimed(t, recipientC)

	events := f.notifier.Events()
	require.Len(t, events, 2)
	require.Equal(t, recipientA, events[0].Claimant)
	require.Equal(t, recipientB, events[1].Claimant)
	require.Equal(t, f.dist.Address, events[0].Distribution)
	require.NotEqual(t, events[0].ID, events[1].ID)
}

func TestDistributor_Processor_ClaimLookup(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{
		entries:      []laketesting.Entry{{Claimant: recipientA, Unlocked: 70, Locked: 30}, {Claimant: recipientB, Unlocked: 5}},
		maxNodes:     2,
		maxTotal:     75,
		vaultBalance: 75,
	})

	res, err := f.proc.NewClaim(t.Context(), f.request(0))
	require.NoError(t, err)

	key, rec, err := f.proc.Claim(t.Context(), f.dist.Address, recipientA)
	require.NoError(t, err)
	require.Equal(t, res.Claim, key)
	require.EqualValues(t, 30, rec.LockedAmount)
	require.EqualValues(t, 70, rec.UnlockedAmount)

	// Only the unlocked portion is paid out at claim time.
	require.EqualValues(t, 70, f.balance(t, recipientA))
	require.EqualValues(t, 70, f.state(t).TotalAmountClaimed)
}

func TestDistributor_Processor_InvalidProof(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{entries: twoLeaf(), maxNodes: 2, maxTotal: 150, vaultBalance: 150})
	base := f.request(0)

	tests := []struct {
		name   string
		mutate func(r *processor.Request)
	}{
		{"inflated unlocked", func(r *processor.Request) { r.AmountUnlocked++ }},
		{"added locked", func(r *processor.Request) { r.AmountLocked = 1 }},
		{"wrong recipient", func(r *processor.Request) { r.Recipient = recipientB }},
		{"empty proof", func(r *processor.Request) { r.Proof = nil }},
		{"tampered proof", func(r *processor.Request) {
			p := append([]merkle.Hash(nil), r.Proof...)
			p[0][0] ^= 0x01
			r.Proof = p
		}},
		{"extra step", func(r *processor.Request) {
			r.Proof = append(append([]merkle.Hash(nil), r.Proof...), r.Proof[0])
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := base
			tt.mutate(&req)
			_, err := f.proc.NewClaim(t.Context(), req)
			require.ErrorIs(t, err, distribution.ErrInvalidProof)
		})
	}
}

func TestDistributor_Processor_InvalidProofLeavesNoState(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{entries: twoLeaf(), maxNodes: 2, maxTotal: 150, vaultBalance: 150})
	req := f.request(0)
	req.AmountUnlocked = 150

	_, err := f.proc.NewClaim(t.Context(), req)
	require.ErrorIs(t, err, distribution.ErrInvalidProof)
	require.Zero(t, f.state(t).NumNodesClaimed)
	f.requireUnclaimed(t, recipientA)
	require.Empty(t, f.notifier.Events())

	_, err = f.proc.NewClaim(t.Context(), f.request(0))
	require.NoError(t, err)
}

func TestDistributor_Processor_MaxNodesExceeded(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{
		entries: []laketesting.Entry{
			{Claimant: recipientA, Unlocked: 10},
			{Claimant: recipientB, Unlocked: 10},
			{Claimant: recipientC, Unlocked: 10},
		},
		maxNodes:     2,
		maxTotal:     30,
		vaultBalance: 30,
	})
	ctx := t.Context()

	_, err := f.proc.NewClaim(ctx, f.request(0))
	require.NoError(t, err)
	_, err = f.proc.NewClaim(ctx, f.request(1))
	require.NoError(t, err)

	_, err = f.proc.NewClaim(ctx, f.request(2))
	require.ErrorIs(t, err, distribution.ErrMaxNodesExceeded)
	require.Equal(t, processor.CodeMaxNodesExceeded, processor.Code(err))

	d := f.state(t)
	require.EqualValues(t, 2, d.NumNodesClaimed)
	require.EqualValues(t, 20, d.TotalAmountClaimed)
	require.Zero(t, f.balance(t, recipientC))
	f.requireUnclaimed(t, recipientC)
}

func TestDistributor_Processor_ExceededMaxClaim(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{entries: twoLeaf(), maxNodes: 2, maxTotal: 120, vaultBalance: 150})
	ctx := t.Context()

	_, err := f.proc.NewClaim(ctx, f.request(0))
	require.NoError(t, err)

	_, err = f.proc.NewClaim(ctx, f.request(1))
	require.ErrorIs(t, err, distribution.ErrExceededMaxClaim)

	d := f.state(t)
	require.EqualValues(t, 1, d.NumNodesClaimed)
	require.EqualValues(t, 100, d.TotalAmountClaimed)
	require.Zero(t, f.balance(t, recipientB))
	f.requireUnclaimed(t, recipientB)

	v, ok := f.ledger.Account(vault)
	require.True(t, ok)
	require.EqualValues(t, 50, v.Balance)
}

func TestDistributor_Processor_Arithmetic(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{
		entries: []laketesting.Entry{
			{Claimant: recipientA, Unlocked: math.MaxUint64},
			{Claimant: recipientB, Unlocked: 1},
		},
		maxNodes:     2,
		maxTotal:     math.MaxUint64,
		vaultBalance: math.MaxUint64,
	})

	_, err := f.proc.NewClaim(t.Context(), f.request(0))
	require.NoError(t, err)

	_, err = f.proc.NewClaim(t.Context(), f.request(1))
	require.ErrorIs(t, err, distribution.ErrArithmetic)
	require.Equal(t, processor.CodeArithmetic, processor.Code(err))
	require.EqualValues(t, 1, f.state(t).NumNodesClaimed)
	f.requireUnclaimed(t, recipientB)
}

func TestDistributor_Processor_ClawedBack(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{entries: twoLeaf(), maxNodes: 2, maxTotal: 150, vaultBalance: 150, clawedBack: true})

	_, err := f.proc.NewClaim(t.Context(), f.request(0))
	require.ErrorIs(t, err, distribution.ErrClaimExpired)

	// The gate applies before proof verification.
	req := f.request(0)
	req.Proof = nil
	_, err = f.proc.NewClaim(t.Context(), req)
	require.ErrorIs(t, err, distribution.ErrClaimExpired)
	require.Equal(t, processor.CodeClaimExpired, processor.Code(err))

	require.Zero(t, f.state(t).NumNodesClaimed)
	f.requireUnclaimed(t, recipientA)
}

func TestDistributor_Processor_TransferFailures(t *testing.T) {
	t.Parallel()

	t.Run("insufficient funds", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fixtureOpts{entries: twoLeaf(), maxNodes: 2, maxTotal: 150, vaultBalance: 99})

		_, err := f.proc.NewClaim(t.Context(), f.request(0))
		require.ErrorIs(t, err, asset.ErrInsufficientFunds)
		require.Equal(t, processor.CodeInsufficientFunds, processor.Code(err))

		d := f.state(t)
		require.Zero(t, d.NumNodesClaimed)
		require.Zero(t, d.TotalAmountClaimed)
		f.requireUnclaimed(t, recipientA)
		require.Empty(t, f.notifier.Events())

		// The failed attempt left nothing behind that would block a retry.
		_, err = f.proc.NewClaim(t.Context(), f.request(1))
		require.NoError(t, err)
	})

	t.Run("unauthorized", func(t *testing.T) {
		t.Parallel()
		owner := laketesting.PublicKey(0x99)
		f := newFixture(t, fixtureOpts{entries: twoLeaf(), maxNodes: 2, maxTotal: 150, vaultBalance: 150, vaultOwner: &owner})

		_, err := f.proc.NewClaim(t.Context(), f.request(0))
		require.ErrorIs(t, err, asset.ErrUnauthorized)
		require.Equal(t, processor.CodeUnauthorized, processor.Code(err))
		require.Zero(t, f.state(t).NumNodesClaimed)
		f.requireUnclaimed(t, recipientA)
	})

	t.Run("missing vault", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fixtureOpts{entries: twoLeaf(), maxNodes: 2, maxTotal: 150, skipVaultOpen: true})

		_, err := f.proc.NewClaim(t.Context(), f.request(0))
		require.ErrorIs(t, err, assetmemory.ErrAccountNotFound)
		require.Equal(t, processor.CodeInternal, processor.Code(err))
		f.requireUnclaimed(t, recipientA)
	})
}

func TestDistributor_Processor_UnknownDistribution(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{entries: twoLeaf(), maxNodes: 2, maxTotal: 150, vaultBalance: 150})
	req := f.request(0)
	req.Distribution = laketesting.PublicKey(0xee)

	_, err := f.proc.NewClaim(t.Context(), req)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Equal(t, processor.CodeNotFound, processor.Code(err))

	req = f.request(0)
	req.Recipient = solana.PublicKey{}
	_, err = f.proc.NewClaim(t.Context(), req)
	require.ErrorIs(t, err, processor.ErrInvalidRequest)
}

func TestDistributor_Processor_ConcurrentSameRecipient(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{entries: twoLeaf(), maxNodes: 2, maxTotal: 150, vaultBalance: 150})

	var ok, already atomic.Int64
	var g errgroup.Group
	for range 16 {
		g.Go(func() error {
			_, err := f.proc.NewClaim(context.Background(), f.request(0))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, distribution.ErrAlreadyClaimed):
				already.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.EqualValues(t, 1, ok.Load())
	require.EqualValues(t, 15, already.Load())

	d := f.state(t)
	require.EqualValues(t, 1, d.NumNodesClaimed)
	require.EqualValues(t, 100, d.TotalAmountClaimed)
	require.EqualValues(t, 100, f.balance(t, recipientA))
}

func TestDistributor_Processor_ConcurrentDistinctRecipients(t *testing.T) {
	t.Parallel()
	entries := make([]laketesting.Entry, 32)
	for i := range entries {
		entries[i] = laketesting.Entry{Claimant: laketesting.PublicKey(byte(0x40 + i)), Unlocked: uint64(i + 1)}
	}
	// 32 entries summing to 528, but only 20 nodes may claim.
	f := newFixture(t, fixtureOpts{entries: entries, maxNodes: 20, maxTotal: 528, vaultBalance: 528})

	var ok, capped atomic.Int64
	var g errgroup.Group
	for i := range entries {
		g.Go(func() error {
			_, err := f.proc.NewClaim(context.Background(), f.request(i))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, distribution.ErrMaxNodesExceeded):
				capped.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.EqualValues(t, 20, ok.Load())
	require.EqualValues(t, 12, capped.Load())

	d := f.state(t)
	require.EqualValues(t, 20, d.NumNodesClaimed)

	var paid uint64
	for _, e := range entries {
		paid += f.balance(t, e.Claimant)
	}
	assert.Equal(t, d.TotalAmountClaimed, paid)
	v, _ := f.ledger.Account(vault)
	assert.Equal(t, 528-paid, v.Balance)
}

func TestDistributor_Processor_Code(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want string
	}{
		{nil, processor.CodeOK},
		{distribution.ErrInvalidProof, processor.CodeInvalidProof},
		{distribution.ErrExceededMaxClaim, processor.CodeExceededMaxClaim},
		{errors.Join(errors.New("wrapped"), distribution.ErrAlreadyClaimed), processor.CodeAlreadyClaimed},
		{context.Canceled, processor.CodeCanceled},
		{fmt.Errorf("%w: bad signature", processor.ErrUnauthenticated), processor.CodeUnauthenticated},
		{errors.New("boom"), processor.CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, processor.Code(tt.err), "%v", tt.err)
	}
}

func TestDistributor_Processor_Notifiers(t *testing.T) {
	t.Parallel()
	a, b := &recordingNotifier{}, &recordingNotifier{}
	failing := notifierFunc(func(context.Context, processor.Event) error { return errors.New("down") })

	ns := processor.Notifiers{a, failing, b, processor.LogNotifier{Logger: laketesting.NewLogger()}}
	err := ns.Notify(t.Context(), processor.Event{Claimant: recipientD})
	require.ErrorContains(t, err, "down")
	require.Len(t, a.Events(), 1)
	require.Len(t, b.Events(), 1)
}

type notifierFunc func(context.Context, processor.Event) error

func (f notifierFunc) Notify(ctx context.Context, ev processor.Event) error { return f(ctx, ev) }
