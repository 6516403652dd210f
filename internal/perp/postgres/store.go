package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/veilmarkets/perp-coordinator/internal/perp"
)

var ErrInvalidConfig = errors.New("perp/postgres: invalid config")

// Store implements perp.LedgerStore, perp.OrderStore, and perp.TradeStore on
// top of a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("perp/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, r perp.PendingReveal) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pending_reveals (pool_id, commitment, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (pool_id, commitment) DO NOTHING
	`, r.PoolID[:], r.Commitment[:], createdAt)
	if err != nil {
		return fmt.Errorf("perp/postgres: insert pending reveal: %w", err)
	}
	return nil
}

func (s *Store) ListByPool(ctx context.Context, poolID [32]byte, limit int) ([]perp.PendingReveal, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	q := `
		SELECT pool_id, commitment, created_at
		FROM pending_reveals
		WHERE pool_id = $1
		ORDER BY created_at ASC, commitment ASC
	`
	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.pool.Query(ctx, q+` LIMIT $2`, poolID[:], limit)
	} else {
		rows, err = s.pool.Query(ctx, q, poolID[:])
	}
	if err != nil {
		return nil, fmt.Errorf("perp/postgres: list pending reveals: %w", err)
	}
	defer rows.Close()

	var out []perp.PendingReveal
	for rows.Next() {
		var (
			poolRaw, cmtRaw []byte
			createdAt       time.Time
		)
		if err := rows.Scan(&poolRaw, &cmtRaw, &createdAt); err != nil {
			return nil, fmt.Errorf("perp/postgres: scan pending reveal: %w", err)
		}
		pool, err := to32(poolRaw)
		if err != nil {
			return nil, err
		}
		cmt, err := to32(cmtRaw)
		if err != nil {
			return nil, err
		}
		out = append(out, perp.PendingReveal{PoolID: pool, Commitment: cmt, CreatedAt: createdAt.UTC()})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("perp/postgres: list pending reveals rows: %w", err)
	}
	return out, nil
}

func (s *Store) CountByPool(ctx context.Context, poolID [32]byte) (int, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM pending_reveals WHERE pool_id = $1
	`, poolID[:]).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("perp/postgres: count pending reveals: %w", err)
	}
	return n, nil
}

func (s *Store) DeleteBatch(ctx context.Context, poolID [32]byte, commitments [][32]byte) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if len(commitments) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		DELETE FROM pending_reveals
		WHERE pool_id = $1 AND commitment = ANY($2)
	`, poolID[:], byteSlices(commitments))
	if err != nil {
		return fmt.Errorf("perp/postgres: delete pending reveals: %w", err)
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, o perp.Order) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := o.Validate(); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO perp_orders (
			commitment, trader, market,
			size, is_long, is_open, collateral, leverage_bps, nonce, deadline,
			status, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now(),now())
		ON CONFLICT (commitment) DO NOTHING
	`, o.Commitment[:], o.Trader[:], o.Market[:],
		o.Size.String(), o.IsLong, o.IsOpen, o.Collateral.String(),
		int32(o.Leverage), int64(o.Nonce), o.Deadline.UTC(),
		int16(perp.StatusPending))
	if err != nil {
		return fmt.Errorf("perp/postgres: insert order: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	have, err := s.Get(ctx, o.Commitment)
	if err != nil {
		return err
	}
	if !sameOrderEconomics(have, o) {
		return perp.ErrOrderMismatch
	}
	return nil
}

func (s *Store) Get(ctx context.Context, commitment [32]byte) (perp.Order, error) {
	if s == nil || s.pool == nil {
		return perp.Order{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	var (
		cmtRaw, traderRaw, marketRaw []byte
		sizeStr, collateralStr       string
		isLong, isOpen               bool
		leverage                     int32
		nonce                        int64
		deadline                     time.Time
		status                       int16
		createdAt, updatedAt         time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT
			commitment, trader, market,
			size::text, is_long, is_open, collateral::text, leverage_bps, nonce, deadline,
			status, created_at, updated_at
		FROM perp_orders
		WHERE commitment = $1
	`, commitment[:]).Scan(
		&cmtRaw, &traderRaw, &marketRaw,
		&sizeStr, &isLong, &isOpen, &collateralStr, &leverage, &nonce, &deadline,
		&status, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return perp.Order{}, perp.ErrNotFound
		}
		return perp.Order{}, fmt.Errorf("perp/postgres: get order: %w", err)
	}

	cmt, err := to32(cmtRaw)
	if err != nil {
		return perp.Order{}, err
	}
	trader, err := to20(traderRaw)
	if err != nil {
		return perp.Order{}, err
	}
	market, err := to32(marketRaw)
	if err != nil {
		return perp.Order{}, err
	}
	size, err := toBig(sizeStr)
	if err != nil {
		return perp.Order{}, err
	}
	collateral, err := toBig(collateralStr)
	if err != nil {
		return perp.Order{}, err
	}
	if leverage < 0 || nonce < 0 {
		return perp.Order{}, fmt.Errorf("perp/postgres: negative values in db")
	}

	return perp.Order{
		Commitment: cmt,
		Trader:     trader,
		Market:     market,
		Size:       size,
		IsLong:     isLong,
		IsOpen:     isOpen,
		Collateral: collateral,
		Leverage:   uint32(leverage),
		Nonce:      uint64(nonce),
		Deadline:   deadline.UTC(),
		Status:     perp.OrderStatus(status),
		CreatedAt:  createdAt.UTC(),
		UpdatedAt:  updatedAt.UTC(),
	}, nil
}

func (s *Store) MarkExecutedBatch(ctx context.Context, commitments [][32]byte, at time.Time) ([][32]byte, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if len(commitments) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		UPDATE perp_orders
		SET status = $2, updated_at = $3
		WHERE commitment = ANY($1) AND status = $4
		RETURNING commitment
	`, byteSlices(commitments), int16(perp.StatusExecuted), at.UTC(), int16(perp.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("perp/postgres: mark orders executed: %w", err)
	}
	defer rows.Close()

	var done [][32]byte
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("perp/postgres: scan executed commitment: %w", err)
		}
		cmt, err := to32(raw)
		if err != nil {
			return nil, err
		}
		done = append(done, cmt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("perp/postgres: mark orders executed rows: %w", err)
	}
	return done, nil
}

func (s *Store) Cancel(ctx context.Context, commitment [32]byte) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	have, err := s.Get(ctx, commitment)
	if err != nil {
		return err
	}
	switch have.Status {
	case perp.StatusCancelled:
		return nil
	case perp.StatusExecuted:
		return perp.ErrInvalidTransition
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE perp_orders
		SET status = $2, updated_at = now()
		WHERE commitment = $1 AND status = $3
	`, commitment[:], int16(perp.StatusCancelled), int16(perp.StatusPending))
	if err != nil {
		return fmt.Errorf("perp/postgres: cancel order: %w", err)
	}
	return nil
}

func (s *Store) InsertBatch(ctx context.Context, trades []perp.Trade) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	for _, t := range trades {
		var pnl *string
		if t.RealizedPnL != nil {
			v := t.RealizedPnL.String()
			pnl = &v
		}
		_, err := s.pool.Exec(ctx, `
			INSERT INTO perp_trades (
				commitment, trader, market,
				size, is_long, is_open, collateral, leverage_bps,
				tx_hash, executed_at, realized_pnl
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			ON CONFLICT (commitment) DO NOTHING
		`, t.Commitment[:], t.Trader[:], t.Market[:],
			t.Size.String(), t.IsLong, t.IsOpen, t.Collateral.String(), int32(t.Leverage),
			t.TxHash[:], t.ExecutedAt.UTC(), pnl)
		if err != nil {
			return fmt.Errorf("perp/postgres: insert trade: %w", err)
		}
	}
	return nil
}

func (s *Store) ListByTrader(ctx context.Context, trader [20]byte, limit int) ([]perp.Trade, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT
			commitment, trader, market,
			size::text, is_long, is_open, collateral::text, leverage_bps,
			tx_hash, executed_at, realized_pnl::text
		FROM perp_trades
		WHERE trader = $1
		ORDER BY executed_at ASC, commitment ASC
		LIMIT $2
	`, trader[:], limit)
	if err != nil {
		return nil, fmt.Errorf("perp/postgres: list trades: %w", err)
	}
	defer rows.Close()

	var out []perp.Trade
	for rows.Next() {
		var (
			cmtRaw, traderRaw, marketRaw []byte
			sizeStr, collateralStr       string
			isLong, isOpen               bool
			leverage                     int32
			txHashRaw                    []byte
			executedAt                   time.Time
			pnlStr                       *string
		)
		if err := rows.Scan(&cmtRaw, &traderRaw, &marketRaw,
			&sizeStr, &isLong, &isOpen, &collateralStr, &leverage,
			&txHashRaw, &executedAt, &pnlStr); err != nil {
			return nil, fmt.Errorf("perp/postgres: scan trade: %w", err)
		}
		cmt, err := to32(cmtRaw)
		if err != nil {
			return nil, err
		}
		tr, err := to20(traderRaw)
		if err != nil {
			return nil, err
		}
		market, err := to32(marketRaw)
		if err != nil {
			return nil, err
		}
		size, err := toBig(sizeStr)
		if err != nil {
			return nil, err
		}
		collateral, err := toBig(collateralStr)
		if err != nil {
			return nil, err
		}
		txHash, err := to32(txHashRaw)
		if err != nil {
			return nil, err
		}
		t := perp.Trade{
			Commitment: cmt,
			Trader:     tr,
			Market:     market,
			Size:       size,
			IsLong:     isLong,
			IsOpen:     isOpen,
			Collateral: collateral,
			Leverage:   uint32(leverage),
			TxHash:     txHash,
			ExecutedAt: executedAt.UTC(),
		}
		if pnlStr != nil {
			pnl, err := toBig(*pnlStr)
			if err != nil {
				return nil, err
			}
			t.RealizedPnL = pnl
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("perp/postgres: list trades rows: %w", err)
	}
	return out, nil
}

func sameOrderEconomics(a, b perp.Order) bool {
	return a.Commitment == b.Commitment &&
		a.Trader == b.Trader &&
		a.Market == b.Market &&
		a.Size.Cmp(b.Size) == 0 &&
		a.IsLong == b.IsLong &&
		a.IsOpen == b.IsOpen &&
		a.Collateral.Cmp(b.Collateral) == 0 &&
		a.Leverage == b.Leverage &&
		a.Nonce == b.Nonce &&
		a.Deadline.Equal(b.Deadline)
}

func byteSlices(in [][32]byte) [][]byte {
	out := make([][]byte, 0, len(in))
	for i := range in {
		out = append(out, in[i][:])
	}
	return out
}

func to32(b []byte) ([32]byte, error) {
	var out [32]byte
	if len(b) != 32 {
		return out, fmt.Errorf("perp/postgres: want 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func to20(b []byte) ([20]byte, error) {
	var out [20]byte
	if len(b) != 20 {
		return out, fmt.Errorf("perp/postgres: want 20 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func toBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("perp/postgres: bad numeric %q", s)
	}
	return v, nil
}
