// Package postgres is the PostgreSQL-backed store.Store.
//
// Update holds a row lock on the distribution (SELECT ... FOR UPDATE) for the
// whole callback, and claim records are created with INSERT ... ON CONFLICT
// DO NOTHING inside the same transaction, so the unique key on the claim
// address is the double-claim guard even without the row lock.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/distributor/distributor/pkg/claim"
	"github.com/malbeclabs/distributor/distributor/pkg/distribution"
	"github.com/malbeclabs/distributor/distributor/pkg/merkle"
	"github.com/malbeclabs/distributor/distributor/pkg/store"
)

const uniqueViolation = "23505"

type StoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log:  cfg.Logger,
		pool: cfg.Pool,
	}, nil
}

// Numeric columns are written and read as text so the full uint64 range
// survives the round trip.
func u64(v uint64) string { return strconv.FormatUint(v, 10) }

func parseU64(name, s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s %q: %w", name, s, err)
	}
	return v, nil
}

func pubkey(name string, b []byte) (solana.PublicKey, error) {
	if len(b) != solana.PublicKeyLength {
		return solana.PublicKey{}, fmt.Errorf("invalid %s length %d", name, len(b))
	}
	return solana.PublicKeyFromBytes(b), nil
}

func (s *Store) CreateDistribution(ctx context.Context, d *distribution.Distribution) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid distribution: %w", err)
	}
	const query = `
		INSERT INTO distributions (
			address, program_id, bump, version, root, mint, token_vault,
			max_total_claim, max_num_nodes, total_amount_claimed, num_nodes_claimed,
			start_ts, end_ts, clawback_start_ts, clawback_receiver, admin, clawed_back
		) VALUES (
			$1, $2, $3, $4::text::numeric, $5, $6, $7,
			$8::text::numeric, $9::text::numeric, $10::text::numeric, $11::text::numeric,
			$12, $13, $14, $15, $16, $17
		)`
	_, err := s.pool.Exec(ctx, query,
		d.Address[:], d.ProgramID[:], int16(d.Bump), u64(d.Version), d.Root[:], d.Mint[:], d.TokenVault[:],
		u64(d.MaxTotalClaim), u64(d.MaxNumNodes), u64(d.TotalAmountClaimed), u64(d.NumNodesClaimed),
		d.StartTs, d.EndTs, d.ClawbackStartTs, d.ClawbackReceiver[:], d.Admin[:], d.ClawedBack,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("distribution %s: %w", d.Address, store.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to insert distribution: %w", err)
	}
	s.log.Debug("postgres/store: created distribution", "address", d.Address, "version", d.Version)
	return nil
}

const selectDistribution = `
	SELECT address, program_id, bump, version::text, root, mint, token_vault,
		max_total_claim::text, max_num_nodes::text, total_amount_claimed::text, num_nodes_claimed::text,
		start_ts, end_ts, clawback_start_ts, clawback_receiver, admin, clawed_back
	FROM distributions
	WHERE address = $1`

func scanDistribution(row pgx.Row) (*distribution.Distribution, error) {
	var (
		address, programID, root, mint, vault, clawbackReceiver, admin []byte
		bump                                                           int16
		version, maxTotal, maxNodes, total, nodes                      string
		d                                                              distribution.Distribution
	)
	if err := row.Scan(
		&address, &programID, &bump, &version, &root, &mint, &vault,
		&maxTotal, &maxNodes, &total, &nodes,
		&d.StartTs, &d.EndTs, &d.ClawbackStartTs, &clawbackReceiver, &admin, &d.ClawedBack,
	); err != nil {
		return nil, err
	}

	var err error
	keys := []struct {
		name string
		raw  []byte
		dst  *solana.PublicKey
	}{
		{"address", address, &d.Address},
		{"program id", programID, &d.ProgramID},
		{"mint", mint, &d.Mint},
		{"token vault", vault, &d.TokenVault},
		{"clawback receiver", clawbackReceiver, &d.ClawbackReceiver},
		{"admin", admin, &d.Admin},
	}
	for _, k := range keys {
		if *k.dst, err = pubkey(k.name, k.raw); err != nil {
			return nil, err
		}
	}
	if d.Root, err = merkle.HashFromBytes(root); err != nil {
		return nil, err
	}
	d.Bump = uint8(bump)

	nums := []struct {
		name string
		raw  string
		dst  *uint64
	}{
		{"version", version, &d.Version},
		{"max total claim", maxTotal, &d.MaxTotalClaim},
		{"max num nodes", maxNodes, &d.MaxNumNodes},
		{"total amount claimed", total, &d.TotalAmountClaimed},
		{"num nodes claimed", nodes, &d.NumNodesClaimed},
	}
	for _, n := range nums {
		if *n.dst, err = parseU64(n.name, n.raw); err != nil {
			return nil, err
		}
	}
	return &d, nil
}

func (s *Store) GetDistribution(ctx context.Context, address solana.PublicKey) (*distribution.Distribution, error) {
	d, err := scanDistribution(s.pool.QueryRow(ctx, selectDistribution, address[:]))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("distribution %s: %w", address, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get distribution: %w", err)
	}
	return d, nil
}

func (s *Store) GetClaim(ctx context.Context, key claim.Key) (*claim.Record, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM claim_records WHERE address = $1`, key.Address[:]).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("claim %s: %w", key.Address, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get claim: %w", err)
	}
	var rec claim.Record
	if err := rec.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) Update(ctx context.Context, address solana.PublicKey, fn store.UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() {
		// Rollback after a successful commit is a no-op.
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	d, err := scanDistribution(tx.QueryRow(ctx, selectDistribution+" FOR UPDATE", address[:]))
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("distribution %s: %w", address, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock distribution: %w", err)
	}

	if err := fn(ctx, d, &pgTx{tx: tx}); err != nil {
		return err
	}

	const update = `
		UPDATE distributions
		SET num_nodes_claimed = $2::text::numeric,
			total_amount_claimed = $3::text::numeric,
			updated_at = now()
		WHERE address = $1`
	if _, err := tx.Exec(ctx, update, address[:], u64(d.NumNodesClaimed), u64(d.TotalAmountClaimed)); err != nil {
		return fmt.Errorf("failed to update distribution counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit tx: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) CreateClaimIfAbsent(ctx context.Context, key claim.Key, rec claim.Record) error {
	data, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO claim_records (
			address, distribution, recipient, locked_amount, unlocked_amount, locked_amount_withdrawn, data
		) VALUES ($1, $2, $3, $4::text::numeric, $5::text::numeric, $6::text::numeric, $7)
		ON CONFLICT DO NOTHING`
	tag, err := t.tx.Exec(ctx, query,
		key.Address[:], key.Distribution[:], rec.Recipient[:],
		u64(rec.LockedAmount), u64(rec.UnlockedAmount), u64(rec.LockedAmountWithdrawn), data,
	)
	if err != nil {
		return fmt.Errorf("failed to insert claim record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("claim %s: %w", key.Address, store.ErrAlreadyExists)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
