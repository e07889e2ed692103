package execguard

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ResyncLead is how long before the next polling interval the nonce counter
// is reset to the chain's transaction count.
const ResyncLead = 20 * time.Second

// NonceReader is the subset of ethclient.Client the nonce manager needs.
type NonceReader interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
}

// NonceManager hands out nonces for one signing address. Gaps left by
// transactions that never land are repaired by a scheduled resync from the
// confirmed transaction count.
type NonceManager struct {
	mu      sync.Mutex
	reader  NonceReader
	account common.Address

	next   uint64
	loaded bool

	delay     time.Duration
	resetAt   time.Time
	now       func() time.Time
	afterFunc func(time.Duration, func())
	timeout   time.Duration
}

// NewNonceManager schedules resyncs ResyncLead before each polling interval.
func NewNonceManager(reader NonceReader, account common.Address, interval time.Duration) *NonceManager {
	delay := interval - ResyncLead
	if delay <= 0 {
		delay = interval
	}
	return &NonceManager{
		reader:  reader,
		account: account,
		delay:   delay,
		now:     time.Now,
		afterFunc: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
		timeout: 8 * time.Second,
	}
}

// Next returns the nonce for the next transaction and advances the counter.
// Each call makes sure a resync is pending.
func (n *NonceManager) Next(ctx context.Context) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.loaded {
		pending, err := n.reader.PendingNonceAt(ctx, n.account)
		if err != nil {
			return 0, fmt.Errorf("pending nonce: %w", err)
		}
		n.next = pending
		n.loaded = true
	}
	n.scheduleLocked()

	nonce := n.next
	n.next++
	return nonce, nil
}

// Resync resets the counter to the latest confirmed transaction count.
func (n *NonceManager) Resync(ctx context.Context) error {
	count, err := n.reader.NonceAt(ctx, n.account, nil)
	if err != nil {
		return fmt.Errorf("nonce at latest: %w", err)
	}
	n.mu.Lock()
	if n.loaded && count != n.next {
		log.Printf("[info] nonce: resync %s %d -> %d", n.account.Hex(), n.next, count)
	}
	n.next = count
	n.loaded = true
	n.mu.Unlock()
	return nil
}

// Peek returns the nonce Next would hand out without advancing.
func (n *NonceManager) Peek() (uint64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.next, n.loaded
}

func (n *NonceManager) scheduleLocked() {
	now := n.now()
	if now.Before(n.resetAt) {
		return
	}
	n.resetAt = now.Add(n.delay)
	n.afterFunc(n.delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		if err := n.Resync(ctx); err != nil {
			log.Printf("[warn] nonce: scheduled resync: %v", err)
		}
	})
}
