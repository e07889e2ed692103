// Package pairwatch produces reserve observations for the watched pairs,
// either by polling getReserves or by following Sync logs over a websocket.
package pairwatch

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"math/rand/v2"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"limit-relayer/internal/market"
)

// Caller reads pair reserves; *ethclient.Client satisfies it.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// LogClient is a Caller that can also stream logs. Close releases the
// connection.
type LogClient interface {
	Caller
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	Close()
}

// Dialer opens a fresh LogClient, used on start and after a dropped
// subscription.
type Dialer func(ctx context.Context) (LogClient, error)

// Watcher observes a fixed set of pairs.
type Watcher struct {
	pairs  []market.Pair
	byAddr map[common.Address]market.Pair

	// CallTimeout bounds each getReserves call (default 10s).
	CallTimeout time.Duration
	// Parallel bounds concurrent getReserves calls in one poll (default 8).
	Parallel int
	Now      func() time.Time

	baseDelay, maxDelay time.Duration
}

func New(pairs []market.Pair) *Watcher {
	byAddr := make(map[common.Address]market.Pair, len(pairs))
	for _, p := range pairs {
		byAddr[p.Address] = p
	}
	return &Watcher{
		pairs:       pairs,
		byAddr:      byAddr,
		CallTimeout: 10 * time.Second,
		Parallel:    8,
		Now:         time.Now,
		baseDelay:   time.Second,
		maxDelay:    30 * time.Second,
	}
}

// Pairs returns the watched pairs.
func (w *Watcher) Pairs() []market.Pair { return w.pairs }

// Fetch reads the current reserves of p.
func (w *Watcher) Fetch(ctx context.Context, c Caller, p market.Pair, block uint64) (market.Observation, error) {
	callCtx, cancel := context.WithTimeout(ctx, w.CallTimeout)
	defer cancel()

	out, err := c.CallContract(callCtx, ethereum.CallMsg{To: &p.Address, Data: getReservesSelector}, nil)
	if err != nil {
		return market.Observation{}, fmt.Errorf("getReserves %s: %w", p, err)
	}
	r0, r1, err := decodeReserves(out)
	if err != nil {
		return market.Observation{}, fmt.Errorf("getReserves %s: %w", p, err)
	}
	return market.Observation{Pair: p, Reserve0: r0, Reserve1: r1, Block: block, At: w.Now()}, nil
}

// Poll fetches every pair once. Pairs that fail or have an empty reserve
// are logged and left out of the batch.
func (w *Watcher) Poll(ctx context.Context, c Caller) ([]market.Observation, error) {
	block, err := c.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}

	results := make([]*market.Observation, len(w.pairs))
	limit := w.Parallel
	if limit <= 0 {
		limit = 8
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, p := range w.pairs {
		g.Go(func() error {
			obs, err := w.Fetch(gctx, c, p, block)
			if err != nil {
				log.Printf("[warn] pairwatch: %v", err)
				return nil
			}
			if obs.Reserve0.Sign() == 0 || obs.Reserve1.Sign() == 0 {
				log.Printf("[warn] pairwatch: %s has an empty reserve", p)
				return nil
			}
			results[i] = &obs
			return nil
		})
	}
	_ = g.Wait()

	batch := make([]market.Observation, 0, len(results))
	for _, r := range results {
		if r != nil {
			batch = append(batch, *r)
		}
	}
	return batch, ctx.Err()
}

// RunPolling emits one batch immediately and then one per interval until
// ctx is done.
func (w *Watcher) RunPolling(ctx context.Context, c Caller, interval time.Duration, out chan<- []market.Observation) error {
	if interval <= 0 {
		return fmt.Errorf("pairwatch: polling interval must be positive")
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		batch, err := w.Poll(ctx, c)
		if err != nil && ctx.Err() == nil {
			log.Printf("[warn] pairwatch: poll: %v", err)
		}
		if len(batch) > 0 {
			if err := emit(ctx, out, batch); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// RunSubscription polls once, then follows Sync logs of the watched pairs.
// Logs that arrive together are coalesced into one batch holding the latest
// reserves per pair. A dropped subscription is re-dialed with backoff and
// followed by a fresh poll so no reserve change is missed.
func (w *Watcher) RunSubscription(ctx context.Context, dial Dialer, out chan<- []market.Observation) error {
	addrs := make([]common.Address, 0, len(w.pairs))
	for _, p := range w.pairs {
		addrs = append(addrs, p.Address)
	}
	query := ethereum.FilterQuery{Addresses: addrs, Topics: [][]common.Hash{{SyncTopic}}}

	for {
		client, err := w.dialWithBackoff(ctx, dial)
		if err != nil {
			return err
		}
		err = w.follow(ctx, client, query, out)
		client.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("[warn] pairwatch: subscription ended, reconnecting: %v", err)
	}
}

func (w *Watcher) follow(ctx context.Context, client LogClient, query ethereum.FilterQuery, out chan<- []market.Observation) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logsCh := make(chan types.Log, 256)
	sub, err := client.SubscribeFilterLogs(sessionCtx, query, logsCh)
	if err != nil {
		return fmt.Errorf("subscribe Sync logs: %w", err)
	}
	defer sub.Unsubscribe()

	// Catch up on anything that changed while disconnected.
	batch, err := w.Poll(ctx, client)
	if err != nil {
		return err
	}
	if len(batch) > 0 {
		if err := emit(ctx, out, batch); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = fmt.Errorf("subscription closed")
			}
			return err
		case vLog := <-logsCh:
			latest := make(map[common.Address]market.Observation)
			var order []common.Address
			w.absorb(vLog, latest, &order)
		drain:
			for {
				select {
				case more := <-logsCh:
					w.absorb(more, latest, &order)
				default:
					break drain
				}
			}
			if len(order) == 0 {
				continue
			}
			batch := make([]market.Observation, 0, len(order))
			for _, a := range order {
				batch = append(batch, latest[a])
			}
			if err := emit(ctx, out, batch); err != nil {
				return err
			}
		}
	}
}

func (w *Watcher) absorb(vLog types.Log, latest map[common.Address]market.Observation, order *[]common.Address) {
	if vLog.Removed {
		return
	}
	ev, err := DecodeSyncLog(vLog)
	if err != nil {
		log.Printf("[warn] pairwatch: decode Sync: %v", err)
		return
	}
	p, ok := w.byAddr[ev.Pair]
	if !ok || ev.Reserve0.Sign() == 0 || ev.Reserve1.Sign() == 0 {
		return
	}
	if _, seen := latest[ev.Pair]; !seen {
		*order = append(*order, ev.Pair)
	}
	latest[ev.Pair] = market.Observation{
		Pair:     p,
		Reserve0: ev.Reserve0,
		Reserve1: ev.Reserve1,
		Block:    ev.BlockNumber,
		At:       w.Now(),
	}
}

func (w *Watcher) dialWithBackoff(ctx context.Context, dial Dialer) (LogClient, error) {
	delay := w.baseDelay
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		client, err := dial(ctx)
		if err == nil {
			return client, nil
		}
		wait := jitterDuration(delay)
		log.Printf("[warn] pairwatch: dial failed, retrying in %s: %v", wait, err)
		if err := sleepWithContext(ctx, wait); err != nil {
			return nil, err
		}
		delay *= 2
		if delay > w.maxDelay {
			delay = w.maxDelay
		}
	}
}

func emit(ctx context.Context, out chan<- []market.Observation, batch []market.Observation) error {
	select {
	case out <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func jitterDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	j := d / 5 // +/-20%
	if j <= 0 {
		return d
	}
	return d - j + time.Duration(rand.Int64N(int64(j*2)+1))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
