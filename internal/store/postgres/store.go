package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"limit-relayer/internal/limitorder"
	"limit-relayer/internal/store"
)

// Store implements store.Store using PostgreSQL.
type Store struct {
	pool *Pool
	// Now stamps orders saved without CreatedAt.
	Now func() time.Time
}

// New creates a Store on pool. Migrate must have been applied.
func New(pool *Pool) *Store {
	return &Store{pool: pool, Now: time.Now}
}

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

const orderColumns = `digest, pair_address, price::text, filled_amount::text, user_balance::text, valid, order_json, created_at`

// SaveLimitOrder inserts the order and bumps the day counter in one
// transaction. Returns ErrDuplicateKey if the digest exists.
func (s *Store) SaveLimitOrder(ctx context.Context, o *limitorder.LimitOrder) error {
	if err := store.ValidateOrder(o); err != nil {
		return err
	}
	body, err := json.Marshal(o.Order)
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}
	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.Now()
	}
	filled := o.FilledAmount
	if filled == nil {
		filled = new(big.Int)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO limit_orders (
			digest, pair_address, token_in, price, start_time, end_time,
			filled_amount, user_balance, valid, order_json, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, $9, $10)
	`,
		o.Digest.Hex(),
		o.PairAddress.Hex(),
		o.Order.TokenIn.Hex(),
		numeric(o.Price),
		clampInt64(o.Order.StartTime),
		clampInt64(o.Order.EndTime),
		numeric(filled),
		numeric(o.UserBalance),
		body,
		createdAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("insert limit order: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO order_counters (day, counter) VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET counter = order_counters.counter + 1
	`, store.Day(createdAt))
	if err != nil {
		return fmt.Errorf("bump order counter: %w", err)
	}
	return tx.Commit(ctx)
}

// LimitOrder retrieves an order by digest. Returns ErrNotFound if not exists.
func (s *Store) LimitOrder(ctx context.Context, digest common.Hash) (*limitorder.LimitOrder, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM limit_orders WHERE digest = $1`, digest.Hex())
	o, err := scanOrder(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get limit order: %w", err)
	}
	return o, nil
}

// Candidates returns valid active orders priced below poolPrice.
func (s *Store) Candidates(ctx context.Context, pair, tokenIn common.Address, poolPrice *big.Int, now time.Time) ([]*limitorder.LimitOrder, error) {
	if poolPrice == nil {
		return nil, store.ErrInvalidInput
	}
	query := `
		SELECT ` + orderColumns + `
		FROM limit_orders
		WHERE valid
		  AND pair_address = $1
		  AND token_in = $2
		  AND price < $3
		  AND start_time <= $4
		  AND end_time > $4
		ORDER BY price ASC, digest ASC
	`
	rows, err := s.pool.Query(ctx, query, pair.Hex(), tokenIn.Hex(), numeric(poolPrice), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	var result []*limitorder.LimitOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		result = append(result, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return result, nil
}

// Invalidate marks orders invalid; unknown digests are ignored.
func (s *Store) Invalidate(ctx context.Context, digests []common.Hash) error {
	if len(digests) == 0 {
		return nil
	}
	keys := make([]string, len(digests))
	for i, d := range digests {
		keys[i] = d.Hex()
	}
	if _, err := s.pool.Exec(ctx, `UPDATE limit_orders SET valid = FALSE WHERE digest = ANY($1)`, keys); err != nil {
		return fmt.Errorf("invalidate %d orders: %w", len(digests), err)
	}
	return nil
}

// UpdateFilled records filled amount and balance. Returns ErrNotFound if not exists.
func (s *Store) UpdateFilled(ctx context.Context, digest common.Hash, filled, balance *big.Int) error {
	if filled == nil {
		return store.ErrInvalidInput
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE limit_orders
		SET filled_amount = $2, user_balance = COALESCE($3, user_balance)
		WHERE digest = $1
	`, digest.Hex(), numeric(filled), numeric(balance))
	if err != nil {
		return fmt.Errorf("update filled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// PersistExecution adds a fill. Returns ErrDuplicateKey if the tx hash exists.
func (s *Store) PersistExecution(ctx context.Context, e limitorder.ExecutedOrder) error {
	if err := store.ValidateExecution(e); err != nil {
		return err
	}
	body, err := json.Marshal(e.Order)
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO executed_orders (tx_hash, digest, fill_amount, status, nonce, submitted_at, order_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		e.TxHash.Hex(),
		e.Digest.Hex(),
		numeric(e.FillAmount),
		e.Status,
		clampInt64(e.Nonce),
		e.SubmittedAt,
		body,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("insert executed order: %w", err)
	}
	return nil
}

// UpdateExecutionStatus sets the receipt status. Returns ErrNotFound if not exists.
func (s *Store) UpdateExecutionStatus(ctx context.Context, txHash common.Hash, status int) error {
	tag, err := s.pool.Exec(ctx, `UPDATE executed_orders SET status = $2 WHERE tx_hash = $1`, txHash.Hex(), status)
	if err != nil {
		return fmt.Errorf("update execution status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Executions lists fills for digest ordered by submission time ASC.
func (s *Store) Executions(ctx context.Context, digest common.Hash) ([]limitorder.ExecutedOrder, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tx_hash, digest, fill_amount::text, status, nonce, submitted_at, order_json
		FROM executed_orders
		WHERE digest = $1
		ORDER BY submitted_at ASC, nonce ASC
	`, digest.Hex())
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var result []limitorder.ExecutedOrder
	for rows.Next() {
		var (
			txHash, dig string
			fill        *string
			nonce       int64
			body        []byte
			e           limitorder.ExecutedOrder
		)
		if err := rows.Scan(&txHash, &dig, &fill, &e.Status, &nonce, &e.SubmittedAt, &body); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		if e.FillAmount, err = parseNumeric("fill_amount", fill); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &e.Order); err != nil {
			return nil, fmt.Errorf("decode execution order: %w", err)
		}
		e.TxHash = common.HexToHash(txHash)
		e.Digest = common.HexToHash(dig)
		e.Nonce = uint64(nonce)
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return result, nil
}

// OrdersReceived returns the counter for the UTC day of day.
func (s *Store) OrdersReceived(ctx context.Context, day time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT counter FROM order_counters WHERE day = $1`, store.Day(day)).Scan(&n)
	if err != nil {
		if isNotFoundError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("get order counter: %w", err)
	}
	return n, nil
}

func scanOrder(row pgx.Row) (*limitorder.LimitOrder, error) {
	var (
		digest, pair       string
		price, filled, bal *string
		body               []byte
		o                  limitorder.LimitOrder
	)
	if err := row.Scan(&digest, &pair, &price, &filled, &bal, &o.Valid, &body, &o.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, &o.Order); err != nil {
		return nil, fmt.Errorf("decode order %s: %w", digest, err)
	}
	var err error
	if o.Price, err = parseNumeric("price", price); err != nil {
		return nil, err
	}
	if o.FilledAmount, err = parseNumeric("filled_amount", filled); err != nil {
		return nil, err
	}
	if o.UserBalance, err = parseNumeric("user_balance", bal); err != nil {
		return nil, err
	}
	o.Digest = common.HexToHash(digest)
	o.PairAddress = common.HexToAddress(pair)
	return &o, nil
}

func clampInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}
