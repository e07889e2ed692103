package memory

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"limit-relayer/internal/limitorder"
	"limit-relayer/internal/store"
)

var (
	pair  = common.HexToAddress("0xC3D03e4F041Fd4cD388c549Ee2A29a9E5075882f")
	dai   = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	weth  = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

func order(n int64, price int64) *limitorder.LimitOrder {
	return &limitorder.LimitOrder{
		Digest: common.BigToHash(big.NewInt(n)),
		Order: limitorder.Order{
			Maker:     common.BigToAddress(big.NewInt(100 + n)),
			TokenIn:   dai,
			TokenOut:  weth,
			AmountIn:  big.NewInt(1000),
			AmountOut: big.NewInt(1),
			StartTime: uint64(start.Unix()) - 60,
			EndTime:   uint64(start.Unix()) + 3600,
			V:         27,
		},
		Price:        big.NewInt(price),
		PairAddress:  pair,
		FilledAmount: new(big.Int),
		CreatedAt:    start,
	}
}

func TestStore_SaveAndGet(t *testing.T) {
	s := New()
	ctx := context.Background()

	o := order(1, 500)
	o.Valid = false
	if err := s.SaveLimitOrder(ctx, o); err != nil {
		t.Fatalf("SaveLimitOrder failed: %v", err)
	}

	got, err := s.LimitOrder(ctx, o.Digest)
	if err != nil {
		t.Fatalf("LimitOrder failed: %v", err)
	}
	if !got.Valid {
		t.Errorf("saved order not valid")
	}
	if got.Price.Cmp(o.Price) != 0 || got.Order.Maker != o.Order.Maker {
		t.Errorf("got %+v", got)
	}

	// Mutating the returned copy must not leak back.
	got.Price.SetInt64(1)
	again, _ := s.LimitOrder(ctx, o.Digest)
	if again.Price.Int64() != 500 {
		t.Errorf("stored price mutated: %s", again.Price)
	}
}

func TestStore_DuplicateKey(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.SaveLimitOrder(ctx, order(1, 500)); err != nil {
		t.Fatalf("first save: %v", err)
	}
	err := s.SaveLimitOrder(ctx, order(1, 500))
	if !errors.Is(err, store.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}

	n, _ := s.OrdersReceived(ctx, start)
	if n != 1 {
		t.Errorf("counter=%d want 1 (duplicates are not counted)", n)
	}
}

func TestStore_InvalidInput(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.SaveLimitOrder(ctx, nil); !errors.Is(err, store.ErrInvalidInput) {
		t.Errorf("nil order: %v", err)
	}
	o := order(1, 500)
	o.Price = nil
	if err := s.SaveLimitOrder(ctx, o); !errors.Is(err, store.ErrInvalidInput) {
		t.Errorf("nil price: %v", err)
	}
	if _, err := s.LimitOrder(ctx, common.HexToHash("0x99")); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing order: %v", err)
	}
}

func TestStore_Candidates(t *testing.T) {
	s := New()
	ctx := context.Background()

	cheap := order(3, 400)
	tie := order(2, 400)
	pricey := order(4, 1000) // at the pool price, not crossed
	invalid := order(5, 100)
	expired := order(6, 100)
	expired.Order.EndTime = uint64(start.Unix())
	otherSide := order(7, 100)
	otherSide.Order.TokenIn, otherSide.Order.TokenOut = weth, dai
	otherPair := order(8, 100)
	otherPair.PairAddress = common.HexToAddress("0x1")

	for _, o := range []*limitorder.LimitOrder{cheap, tie, pricey, invalid, expired, otherSide, otherPair} {
		if err := s.SaveLimitOrder(ctx, o); err != nil {
			t.Fatalf("save %s: %v", o.Digest.Hex(), err)
		}
	}
	if err := s.Invalidate(ctx, []common.Hash{invalid.Digest, common.HexToHash("0xdead")}); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	got, err := s.Candidates(ctx, pair, dai, big.NewInt(1000), start)
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
	if got[0].Digest != tie.Digest || got[1].Digest != cheap.Digest {
		t.Errorf("order = %s, %s; want price then digest ascending", got[0].Digest.Hex(), got[1].Digest.Hex())
	}

	n, _ := s.OrdersReceived(ctx, start.Add(-time.Hour))
	if n != 7 {
		t.Errorf("counter=%d want 7", n)
	}
	n, _ = s.OrdersReceived(ctx, start.Add(24*time.Hour))
	if n != 0 {
		t.Errorf("next day counter=%d want 0", n)
	}
}

func TestStore_UpdateFilled(t *testing.T) {
	s := New()
	ctx := context.Background()

	o := order(1, 500)
	if err := s.SaveLimitOrder(ctx, o); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.UpdateFilled(ctx, o.Digest, big.NewInt(250), nil); err != nil {
		t.Fatalf("UpdateFilled: %v", err)
	}
	got, _ := s.LimitOrder(ctx, o.Digest)
	if got.FilledAmount.Int64() != 250 || got.UserBalance != nil {
		t.Errorf("filled=%s balance=%v", got.FilledAmount, got.UserBalance)
	}
	if err := s.UpdateFilled(ctx, o.Digest, big.NewInt(300), big.NewInt(42)); err != nil {
		t.Fatalf("UpdateFilled: %v", err)
	}
	got, _ = s.LimitOrder(ctx, o.Digest)
	if got.UserBalance.Int64() != 42 {
		t.Errorf("balance=%v", got.UserBalance)
	}

	if err := s.UpdateFilled(ctx, common.HexToHash("0x99"), big.NewInt(1), nil); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_Executions(t *testing.T) {
	s := New()
	ctx := context.Background()
	digest := common.HexToHash("0xabc")

	second := limitorder.ExecutedOrder{Digest: digest, TxHash: common.HexToHash("0x2"), FillAmount: big.NewInt(5), Status: limitorder.ExecutedStatusPending, Nonce: 8, SubmittedAt: start.Add(time.Minute)}
	first := limitorder.ExecutedOrder{Digest: digest, TxHash: common.HexToHash("0x1"), FillAmount: big.NewInt(7), Status: limitorder.ExecutedStatusPending, Nonce: 7, SubmittedAt: start}

	for _, e := range []limitorder.ExecutedOrder{second, first} {
		if err := s.PersistExecution(ctx, e); err != nil {
			t.Fatalf("PersistExecution: %v", err)
		}
	}
	if err := s.PersistExecution(ctx, first); !errors.Is(err, store.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	if err := s.UpdateExecutionStatus(ctx, first.TxHash, 1); err != nil {
		t.Fatalf("UpdateExecutionStatus: %v", err)
	}
	if err := s.UpdateExecutionStatus(ctx, common.HexToHash("0x3"), 1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	got, err := s.Executions(ctx, digest)
	if err != nil {
		t.Fatalf("Executions: %v", err)
	}
	if len(got) != 2 || got[0].TxHash != first.TxHash || got[1].TxHash != second.TxHash {
		t.Fatalf("got %+v", got)
	}
	if got[0].Status != 1 || got[1].Status != limitorder.ExecutedStatusPending {
		t.Errorf("statuses %d, %d", got[0].Status, got[1].Status)
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := int64(1); i <= 50; i++ {
		wg.Add(2)
		go func(n int64) {
			defer wg.Done()
			_ = s.SaveLimitOrder(ctx, order(n, n))
		}(i)
		go func() {
			defer wg.Done()
			_, _ = s.Candidates(ctx, pair, dai, big.NewInt(1000), start)
		}()
	}
	wg.Wait()

	got, _ := s.Candidates(ctx, pair, dai, big.NewInt(1000), start)
	if len(got) != 50 {
		t.Errorf("got %d candidates, want 50", len(got))
	}
}
