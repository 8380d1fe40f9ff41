package auction

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	hammererrors "github.com/mirkobrombin/go-hammer/v1/errors"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS hammer_auctions (
	id             TEXT PRIMARY KEY,
	seller_id      TEXT NOT NULL,
	title          TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	starting_price TEXT NOT NULL,
	current_price  TEXT NOT NULL,
	start_time     TIMESTAMPTZ NOT NULL,
	end_time       TIMESTAMPTZ NOT NULL,
	status         TEXT NOT NULL,
	version        BIGINT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS hammer_auctions_status_idx ON hammer_auctions (status);
CREATE TABLE IF NOT EXISTS hammer_bids (
	id         TEXT PRIMARY KEY,
	auction_id TEXT NOT NULL REFERENCES hammer_auctions (id),
	user_id    TEXT NOT NULL,
	amount     TEXT NOT NULL,
	placed_at  TIMESTAMPTZ NOT NULL,
	seq        BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS hammer_bids_auction_idx ON hammer_bids (auction_id, seq);
`

const auctionColumns = `id, seller_id, title, description, starting_price, current_price,
	start_time, end_time, status, version, created_at, updated_at`

// PostgresStore implements Store on PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithPostgresTimeout sets the operation timeout for queries.
func WithPostgresTimeout(d time.Duration) PostgresOption {
	return func(s *PostgresStore) {
		s.timeout = d
	}
}

// NewPostgresStore returns a PostgresStore and creates its schema.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool, timeout: defaultGormOpTimeout}
	for _, opt := range opts {
		opt(s)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := pool.Exec(cctx, postgresSchema); err != nil {
		return nil, s.mapErr(err)
	}
	return s, nil
}

func isPgClosed(err error) bool {
	return errors.Is(err, pgx.ErrTxClosed) || pgconn.SafeToRetry(err)
}

func (s *PostgresStore) mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return hammererrors.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return hammererrors.Mark(err, hammererrors.ErrConflict)
	}
	return unavailable(err, isPgClosed)
}

// runInTx runs fn in a transaction, committing only if fn succeeds.
func (s *PostgresStore) runInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			slog.Warn("failed to rollback transaction", "error", rbErr)
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func scanAuction(row pgx.Row) (Auction, error) {
	var (
		a          Auction
		status     string
		start, cur string
		version    int64
	)
	err := row.Scan(&a.ID, &a.SellerID, &a.Title, &a.Description, &start, &cur,
		&a.StartTime, &a.EndTime, &status, &version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return Auction{}, err
	}
	if a.StartingPrice, err = decimal.NewFromString(start); err != nil {
		return Auction{}, err
	}
	if a.CurrentPrice, err = decimal.NewFromString(cur); err != nil {
		return Auction{}, err
	}
	a.Status = Status(status)
	a.Version = uint64(version)
	return a, nil
}

func (s *PostgresStore) swap(ctx context.Context, tx pgx.Tx, cur, next Auction) error {
	tag, err := tx.Exec(ctx, `UPDATE hammer_auctions
		SET title = $3, description = $4, current_price = $5, start_time = $6,
			end_time = $7, status = $8, version = $9, updated_at = $10
		WHERE id = $1 AND version = $2`,
		cur.ID, int64(cur.Version), next.Title, next.Description, next.CurrentPrice.String(),
		next.StartTime, next.EndTime, string(next.Status), int64(next.Version), next.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return hammererrors.ErrConflict
	}
	return nil
}

// Create implements Store.Create.
func (s *PostgresStore) Create(ctx context.Context, a Auction) error {
	a, err := prepareCreate(a)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	tag, err := s.pool.Exec(cctx, `INSERT INTO hammer_auctions (`+auctionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`,
		a.ID, a.SellerID, a.Title, a.Description, a.StartingPrice.String(), a.CurrentPrice.String(),
		a.StartTime, a.EndTime, string(a.Status), int64(a.Version), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return s.mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return hammererrors.Wrapf(hammererrors.ErrConflict, "auction %s already exists", a.ID)
	}
	return nil
}

// Get implements Store.Get.
func (s *PostgresStore) Get(ctx context.Context, id string) (Auction, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	a, err := scanAuction(s.pool.QueryRow(cctx, `SELECT `+auctionColumns+` FROM hammer_auctions WHERE id = $1`, id))
	if err != nil {
		return Auction{}, s.mapErr(err)
	}
	return a, nil
}

// CompareAndSwap implements Store.CompareAndSwap.
func (s *PostgresStore) CompareAndSwap(ctx context.Context, id string, expected uint64, mutate Mutation) (Auction, error) {
	ctx, span := tracer.Start(ctx, "PostgresStore.CompareAndSwap", trace.WithAttributes(attribute.String("hammer.auction.id", id)))
	defer span.End()

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var out Auction
	err := s.runInTx(cctx, func(tx pgx.Tx) error {
		cur, err := scanAuction(tx.QueryRow(cctx, `SELECT `+auctionColumns+` FROM hammer_auctions WHERE id = $1`, id))
		if err != nil {
			return err
		}
		next, err := applyMutation(cur, expected, mutate)
		if err != nil {
			return err
		}
		if err := s.swap(cctx, tx, cur, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return Auction{}, s.mapErr(err)
	}
	return out, nil
}

// CommitBid implements Store.CommitBid.
func (s *PostgresStore) CommitBid(ctx context.Context, expected uint64, bid Bid) (Auction, error) {
	ctx, span := tracer.Start(ctx, "PostgresStore.CommitBid", trace.WithAttributes(attribute.String("hammer.auction.id", bid.AuctionID)))
	defer span.End()

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var out Auction
	err := s.runInTx(cctx, func(tx pgx.Tx) error {
		cur, err := scanAuction(tx.QueryRow(cctx, `SELECT `+auctionColumns+` FROM hammer_auctions WHERE id = $1`, bid.AuctionID))
		if err != nil {
			return err
		}
		next, err := applyBid(cur, expected, bid)
		if err != nil {
			return err
		}
		if err := s.swap(cctx, tx, cur, next); err != nil {
			return err
		}
		if _, err := tx.Exec(cctx, `INSERT INTO hammer_bids (id, auction_id, user_id, amount, placed_at, seq)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			bid.ID, bid.AuctionID, bid.UserID, bid.Amount.String(), bid.PlacedAt, int64(next.Version)); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return Auction{}, s.mapErr(err)
	}
	return out, nil
}

// Bids implements Store.Bids.
func (s *PostgresStore) Bids(ctx context.Context, id string) ([]Bid, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var exists bool
	if err := s.pool.QueryRow(cctx, `SELECT EXISTS (SELECT 1 FROM hammer_auctions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, s.mapErr(err)
	}
	if !exists {
		return nil, hammererrors.ErrNotFound
	}
	rows, err := s.pool.Query(cctx, `SELECT id, auction_id, user_id, amount, placed_at
		FROM hammer_bids WHERE auction_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, s.mapErr(err)
	}
	defer rows.Close()
	var bids []Bid
	for rows.Next() {
		var (
			b      Bid
			amount string
		)
		if err := rows.Scan(&b.ID, &b.AuctionID, &b.UserID, &amount, &b.PlacedAt); err != nil {
			return nil, s.mapErr(err)
		}
		if b.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		bids = append(bids, b)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapErr(err)
	}
	return bids, nil
}

// Delete implements Store.Delete.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := s.runInTx(cctx, func(tx pgx.Tx) error {
		// the row lock conflicts with the key-share lock a bid insert takes
		var version int64
		if err := tx.QueryRow(cctx, `SELECT version FROM hammer_auctions WHERE id = $1 FOR UPDATE`, id).Scan(&version); err != nil {
			return err
		}
		var n int64
		if err := tx.QueryRow(cctx, `SELECT count(*) FROM hammer_bids WHERE auction_id = $1`, id).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return hammererrors.ErrHasBids
		}
		tag, err := tx.Exec(cctx, `DELETE FROM hammer_auctions WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return hammererrors.ErrNotFound
		}
		return nil
	})
	return s.mapErr(err)
}

// List implements Store.List.
func (s *PostgresStore) List(ctx context.Context, status Status) ([]Auction, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	q := `SELECT ` + auctionColumns + ` FROM hammer_auctions`
	var args []any
	if status != "" {
		q += ` WHERE status = $1`
		args = append(args, string(status))
	}
	q += ` ORDER BY end_time, id`
	rows, err := s.pool.Query(cctx, q, args...)
	if err != nil {
		return nil, s.mapErr(err)
	}
	defer rows.Close()
	var out []Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, s.mapErr(err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapErr(err)
	}
	return out, nil
}
