package memory

import (
	"bytes"
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"limit-relayer/internal/limitorder"
	"limit-relayer/internal/store"
)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu         sync.RWMutex
	orders     map[common.Hash]*limitorder.LimitOrder
	executions map[common.Hash]limitorder.ExecutedOrder // keyed by tx hash
	counters   map[time.Time]int64

	// Now stamps orders saved without CreatedAt.
	Now func() time.Time
}

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		orders:     make(map[common.Hash]*limitorder.LimitOrder),
		executions: make(map[common.Hash]limitorder.ExecutedOrder),
		counters:   make(map[time.Time]int64),
		Now:        time.Now,
	}
}

// SaveLimitOrder adds a new order. Returns ErrDuplicateKey if the digest exists.
func (s *Store) SaveLimitOrder(_ context.Context, o *limitorder.LimitOrder) error {
	if err := store.ValidateOrder(o); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.Digest]; exists {
		return store.ErrDuplicateKey
	}

	// Store a copy to prevent external mutation
	c := o.Clone()
	c.Valid = true
	if c.FilledAmount == nil {
		c.FilledAmount = new(big.Int)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.Now()
	}
	s.orders[o.Digest] = c
	s.counters[store.Day(c.CreatedAt)]++
	return nil
}

// LimitOrder retrieves an order by digest. Returns ErrNotFound if not exists.
func (s *Store) LimitOrder(_ context.Context, digest common.Hash) (*limitorder.LimitOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, exists := s.orders[digest]
	if !exists {
		return nil, store.ErrNotFound
	}
	return o.Clone(), nil
}

// Candidates returns valid active orders priced below poolPrice.
func (s *Store) Candidates(_ context.Context, pair, tokenIn common.Address, poolPrice *big.Int, now time.Time) ([]*limitorder.LimitOrder, error) {
	if poolPrice == nil {
		return nil, store.ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*limitorder.LimitOrder
	for _, o := range s.orders {
		if !o.Valid || o.PairAddress != pair || o.Order.TokenIn != tokenIn {
			continue
		}
		if !o.Order.Active(now) || poolPrice.Cmp(o.Price) <= 0 {
			continue
		}
		result = append(result, o.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if c := result[i].Price.Cmp(result[j].Price); c != 0 {
			return c < 0
		}
		return bytes.Compare(result[i].Digest[:], result[j].Digest[:]) < 0
	})
	return result, nil
}

// Invalidate marks orders invalid; unknown digests are ignored.
func (s *Store) Invalidate(_ context.Context, digests []common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range digests {
		if o, ok := s.orders[d]; ok {
			o.Valid = false
		}
	}
	return nil
}

// UpdateFilled records filled amount and balance. Returns ErrNotFound if not exists.
func (s *Store) UpdateFilled(_ context.Context, digest common.Hash, filled, balance *big.Int) error {
	if filled == nil {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[digest]
	if !ok {
		return store.ErrNotFound
	}
	o.FilledAmount = new(big.Int).Set(filled)
	if balance != nil {
		o.UserBalance = new(big.Int).Set(balance)
	}
	return nil
}

// PersistExecution adds a fill. Returns ErrDuplicateKey if the tx hash exists.
func (s *Store) PersistExecution(_ context.Context, e limitorder.ExecutedOrder) error {
	if err := store.ValidateExecution(e); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[e.TxHash]; exists {
		return store.ErrDuplicateKey
	}
	e.FillAmount = new(big.Int).Set(e.FillAmount)
	s.executions[e.TxHash] = e
	return nil
}

// UpdateExecutionStatus sets the receipt status. Returns ErrNotFound if not exists.
func (s *Store) UpdateExecutionStatus(_ context.Context, txHash common.Hash, status int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.executions[txHash]
	if !ok {
		return store.ErrNotFound
	}
	e.Status = status
	s.executions[txHash] = e
	return nil
}

// Executions lists fills for digest ordered by submission time ASC.
func (s *Store) Executions(_ context.Context, digest common.Hash) ([]limitorder.ExecutedOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []limitorder.ExecutedOrder
	for _, e := range s.executions {
		if e.Digest == digest {
			e.FillAmount = new(big.Int).Set(e.FillAmount)
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].SubmittedAt.Equal(result[j].SubmittedAt) {
			return result[i].SubmittedAt.Before(result[j].SubmittedAt)
		}
		return result[i].Nonce < result[j].Nonce
	})
	return result, nil
}

// OrdersReceived returns the counter for the UTC day of day.
func (s *Store) OrdersReceived(_ context.Context, day time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[store.Day(day)], nil
}
