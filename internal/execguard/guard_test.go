package execguard

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func TestGuard_TryReserve(t *testing.T) {
	clock := newClock()
	g := NewGuard(180*time.Second, clock.Now)
	d := common.HexToHash("0xabc")

	if g.TryReserve(d) {
		t.Fatalf("first TryReserve returned duplicate")
	}
	if !g.TryReserve(d) {
		t.Fatalf("second TryReserve did not report duplicate")
	}

	clock.Advance(179 * time.Second)
	if !g.TryReserve(d) {
		t.Fatalf("still inside cooldown, want duplicate")
	}

	clock.Advance(2 * time.Second)
	if g.TryReserve(d) {
		t.Fatalf("after cooldown, want fresh reservation")
	}
}

func TestGuard_CooldownBoundary(t *testing.T) {
	clock := newClock()
	g := NewGuard(180*time.Second, clock.Now)
	d := common.HexToHash("0xb0")

	g.TryReserve(d)
	clock.Advance(180 * time.Second)
	if !g.TryReserve(d) {
		t.Fatalf("at submittedAt+cooldown, want duplicate")
	}
	if g.Len() != 1 {
		t.Fatalf("Len=%d at the boundary, want 1", g.Len())
	}

	clock.Advance(time.Nanosecond)
	if g.TryReserve(d) {
		t.Fatalf("just past the boundary, want fresh reservation")
	}
}

func TestGuard_Release(t *testing.T) {
	g := NewGuard(0, newClock().Now)
	d := common.HexToHash("0x1")

	g.TryReserve(d)
	g.Release(d)
	if g.TryReserve(d) {
		t.Fatalf("released digest still reserved")
	}
	if g.Len() != 1 {
		t.Fatalf("len=%d want 1", g.Len())
	}
}

func TestGuard_ConcurrentReserve(t *testing.T) {
	g := NewGuard(time.Minute, nil)
	d := common.HexToHash("0x2")

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		owners int
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !g.TryReserve(d) {
				mu.Lock()
				owners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if owners != 1 {
		t.Fatalf("owners=%d want exactly 1", owners)
	}
}

func TestGuard_SaveLoad(t *testing.T) {
	clock := newClock()
	path := filepath.Join(t.TempDir(), "state", "guard.json")

	g := NewGuard(180*time.Second, clock.Now)
	g.TryReserve(common.HexToHash("0x1"))
	clock.Advance(100 * time.Second)
	g.TryReserve(common.HexToHash("0x2"))
	if err := g.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	clock.Advance(90 * time.Second) // 0x1 expired, 0x2 still live
	restored := NewGuard(180*time.Second, clock.Now)
	n, err := restored.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n != 1 {
		t.Fatalf("restored %d entries want 1", n)
	}
	if !restored.TryReserve(common.HexToHash("0x2")) {
		t.Fatalf("restored reservation missing")
	}
	if restored.TryReserve(common.HexToHash("0x1")) {
		t.Fatalf("expired reservation restored")
	}

	if n, err := NewGuard(0, nil).Load(filepath.Join(t.TempDir(), "missing.json")); err != nil || n != 0 {
		t.Fatalf("Load(missing)=%d,%v want 0,nil", n, err)
	}
}
