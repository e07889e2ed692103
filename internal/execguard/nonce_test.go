package execguard

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type fakeNonces struct {
	pending   uint64
	confirmed uint64
	calls     int
}

func (f *fakeNonces) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.calls++
	return f.pending, nil
}

func (f *fakeNonces) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	return f.confirmed, nil
}

type scheduled struct {
	delay time.Duration
	fn    func()
}

func TestNonceManager(t *testing.T) {
	clock := newClock()
	reader := &fakeNonces{pending: 7, confirmed: 5}
	nm := NewNonceManager(reader, common.HexToAddress("0x1"), time.Minute)
	nm.now = clock.Now

	var timers []scheduled
	nm.afterFunc = func(d time.Duration, f func()) { timers = append(timers, scheduled{d, f}) }

	ctx := context.Background()
	for want := uint64(7); want < 10; want++ {
		got, err := nm.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if got != want {
			t.Fatalf("nonce=%d want %d", got, want)
		}
	}
	if reader.calls != 1 {
		t.Fatalf("PendingNonceAt calls=%d want 1", reader.calls)
	}
	if len(timers) != 1 {
		t.Fatalf("scheduled %d resyncs want 1", len(timers))
	}
	if timers[0].delay != 40*time.Second {
		t.Fatalf("resync delay=%s want 40s", timers[0].delay)
	}

	// The scheduled resync resets the counter to the confirmed count.
	timers[0].fn()
	if got, _ := nm.Next(ctx); got != 5 {
		t.Fatalf("after resync nonce=%d want 5", got)
	}

	clock.Advance(41 * time.Second)
	if _, err := nm.Next(ctx); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(timers) != 2 {
		t.Fatalf("want a new resync scheduled after the previous one fired, got %d", len(timers))
	}
}

func TestNonceManager_ShortInterval(t *testing.T) {
	nm := NewNonceManager(&fakeNonces{}, common.Address{}, 10*time.Second)
	if nm.delay != 10*time.Second {
		t.Fatalf("delay=%s want 10s", nm.delay)
	}
}
