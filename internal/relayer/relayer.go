// Package relayer drives the per-observation pipeline: load candidate orders,
// refresh their on-chain status in one batch, size and filter them against
// the pool, and submit the profitable ones.
package relayer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"limit-relayer/internal/journal"
	"limit-relayer/internal/limitorder"
	"limit-relayer/internal/market"
	"limit-relayer/internal/observability"
	"limit-relayer/internal/orderstatus"
	"limit-relayer/internal/profit"
	"limit-relayer/internal/store"
	"limit-relayer/internal/submit"
)

// Store is the slice of the order store the pipeline uses.
type Store interface {
	SaveLimitOrder(ctx context.Context, o *limitorder.LimitOrder) error
	Candidates(ctx context.Context, pair, tokenIn common.Address, poolPrice *big.Int, now time.Time) ([]*limitorder.LimitOrder, error)
	PersistExecution(ctx context.Context, e limitorder.ExecutedOrder) error
}

// StatusUpdater is implemented by stores that track receipt status.
type StatusUpdater interface {
	UpdateExecutionStatus(ctx context.Context, txHash common.Hash, status int) error
}

// PriceSource supplies the reference prices one observation is judged by.
type PriceSource interface {
	Prices(ctx context.Context, obs market.Observation) (profit.ReferencePrices, error)
}

// Refresher synchronizes grouped candidates with on-chain state.
type Refresher interface {
	Refresh(ctx context.Context, groups [][][]*limitorder.LimitOrder, wantBalance bool) ([][][]orderstatus.Result, error)
}

// Guard deduplicates submissions.
type Guard interface {
	TryReserve(digest common.Hash) bool
	Release(digest common.Hash)
}

// Confirmer waits for a sent fill to be mined.
type Confirmer interface {
	Confirm(ctx context.Context, tx *types.Transaction, timeout time.Duration) (uint64, error)
}

// Deps are the collaborators of a Relayer. Metrics, Journal and Confirmer
// are optional.
type Deps struct {
	Store     Store
	Prices    PriceSource
	Refresher Refresher
	Evaluator *profit.Evaluator
	Guard     Guard
	Submitter submit.Submitter
	Confirmer Confirmer
	Metrics   *observability.Metrics
	Journal   *journal.Journal
	Now       func() time.Time
}

// Options tune the pipeline.
type Options struct {
	Policy submit.ProfitPolicy
	// WantBalance asks the status refresh for maker balances so fills are
	// capped by what the maker holds.
	WantBalance bool
	// Parallel bounds how many pools are evaluated at once (default 8).
	Parallel int
	// SubmitTimeout bounds one submission (default 60s).
	SubmitTimeout time.Duration
	// ConfirmTimeout is how long to wait for a receipt; zero skips waiting.
	ConfirmTimeout time.Duration
	// EventBuffer is the per-subscriber buffer (default 64).
	EventBuffer int
}

func (o Options) withDefaults() Options {
	if o.Parallel <= 0 {
		o.Parallel = 8
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 60 * time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
	return o
}

// PoolSnapshot is the last observation of a pair with the prices used to
// judge it.
type PoolSnapshot struct {
	Observation market.Observation
	Prices      profit.ReferencePrices
}

// Relayer is one evaluation pipeline instance. All state it shares between
// concurrent batches lives in its Guard and in the Submitter's nonce source.
type Relayer struct {
	d    Deps
	opts Options

	batches  sync.WaitGroup
	inflight sync.WaitGroup

	mu     sync.RWMutex
	last   map[common.Address]PoolSnapshot
	subs   []chan limitorder.ExecutedOrder
	closed bool
}

func New(d Deps, opts Options) (*Relayer, error) {
	if d.Store == nil || d.Prices == nil || d.Refresher == nil || d.Evaluator == nil || d.Guard == nil || d.Submitter == nil {
		return nil, fmt.Errorf("relayer: store, prices, refresher, evaluator, guard and submitter are required")
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Relayer{d: d, opts: opts.withDefaults(), last: make(map[common.Address]PoolSnapshot)}, nil
}

// Subscribe returns a stream of executed orders, one per sent fill. A slow
// subscriber misses events rather than stalling submissions. The channel is
// closed by Close.
func (r *Relayer) Subscribe() <-chan limitorder.ExecutedOrder {
	ch := make(chan limitorder.ExecutedOrder, r.opts.EventBuffer)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		close(ch)
		return ch
	}
	r.subs = append(r.subs, ch)
	return ch
}

func (r *Relayer) publish(e limitorder.ExecutedOrder) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.subs {
		select {
		case ch <- e:
		default:
			log.Printf("[warn] relayer: subscriber full, dropped event for %s", e.TxHash.Hex())
		}
	}
}

// LastPrices returns the most recent snapshot of pair.
func (r *Relayer) LastPrices(pair common.Address) (PoolSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.last[pair]
	return s, ok
}

// Snapshots returns the latest snapshot of every observed pair.
func (r *Relayer) Snapshots() []PoolSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PoolSnapshot, 0, len(r.last))
	for _, s := range r.last {
		out = append(out, s)
	}
	return out
}

func (r *Relayer) remember(obs market.Observation, prices profit.ReferencePrices) {
	r.mu.Lock()
	r.last[obs.Pair.Address] = PoolSnapshot{Observation: obs, Prices: prices}
	r.mu.Unlock()
}

// Wait blocks until every started batch and submission has finished.
func (r *Relayer) Wait() {
	r.batches.Wait()
	r.inflight.Wait()
}

// Close waits for in-flight work and closes all subscriber channels.
func (r *Relayer) Close() {
	r.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, ch := range r.subs {
		close(ch)
	}
	r.subs = nil
}

// SaveOrder stores an incoming order. Duplicates are expected (the feed
// replays) and only logged.
func (r *Relayer) SaveOrder(ctx context.Context, o *limitorder.LimitOrder) error {
	err := r.d.Store.SaveLimitOrder(ctx, o)
	switch {
	case errors.Is(err, store.ErrDuplicateKey):
		log.Printf("[info] relayer: ignored saving an existing order %s", o.Digest.Hex())
		r.d.Metrics.RecordOrderReceived(observability.ResultDuplicate)
		return nil
	case err != nil:
		log.Printf("[warn] relayer: save order %s: %v", o.Digest.Hex(), err)
		return err
	}
	r.d.Metrics.RecordOrderReceived(observability.ResultSaved)
	r.d.Journal.Record(journal.Event{
		Kind:      journal.KindOrderReceived,
		Digest:    o.Digest.Hex(),
		Maker:     o.Order.Maker.Hex(),
		InAmount:  journal.Amount(o.Order.AmountIn),
		OutAmount: journal.Amount(o.Order.AmountOut),
	})
	log.Printf("[info] relayer: limit order saved %s (%s %s -> %s %s)",
		o.Digest.Hex(),
		human(o.Order.AmountIn, o.Order.TokenInDecimals), o.Order.TokenInSymbol,
		human(o.Order.AmountOut, o.Order.TokenOutDecimals), o.Order.TokenOutSymbol)
	return nil
}

// Run saves orders as they arrive and starts one HandleBatch per observation
// batch without waiting for earlier batches. It returns when ctx is done or
// both channels are closed, after in-flight work has drained.
func (r *Relayer) Run(ctx context.Context, observations <-chan []market.Observation, orders <-chan *limitorder.LimitOrder) error {
	defer r.Wait()
	for observations != nil || orders != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-observations:
			if !ok {
				observations = nil
				continue
			}
			r.batches.Add(1)
			go func() {
				defer r.batches.Done()
				if err := r.HandleBatch(ctx, batch); err != nil && ctx.Err() == nil {
					log.Printf("[warn] relayer: batch abandoned: %v", err)
				}
			}()
		case o, ok := <-orders:
			if !ok {
				orders = nil
				continue
			}
			_ = r.SaveOrder(ctx, o)
		}
	}
	return nil
}

type poolWork struct {
	obs    market.Observation
	prices profit.ReferencePrices
	group  int
}

// HandleBatch runs one pipeline pass over a batch of observations. A pool
// whose prices or candidates cannot be read is skipped; a failed status
// refresh abandons the whole batch. Submissions continue after it returns;
// use Wait to drain them.
func (r *Relayer) HandleBatch(ctx context.Context, batch []market.Observation) error {
	start := r.d.Now()
	var (
		work   []poolWork
		groups [][][]*limitorder.LimitOrder
		total  int
		names  []string
		block  uint64
	)

	for _, obs := range batch {
		if obs.Reserve0 == nil || obs.Reserve1 == nil || obs.Reserve0.Sign() <= 0 || obs.Reserve1.Sign() <= 0 {
			continue
		}
		names = append(names, obs.Pair.String())
		if obs.Block > block {
			block = obs.Block
		}

		prices, err := r.d.Prices.Prices(ctx, obs)
		if err != nil {
			log.Printf("[warn] relayer: couldn't fetch network prices for %s: %v", obs.Pair, err)
			r.d.Metrics.RecordPriceError()
			continue
		}
		r.remember(obs, prices)

		sides, err := r.candidates(ctx, obs, start)
		if err != nil {
			log.Printf("[warn] relayer: candidates for %s: %v", obs.Pair, err)
			continue
		}
		n := len(sides[0]) + len(sides[1])
		if n == 0 {
			continue
		}
		total += n
		work = append(work, poolWork{obs: obs, prices: prices, group: len(groups)})
		groups = append(groups, sides)
	}
	defer func() { r.d.Metrics.ObserveBatch(names, block, r.d.Now().Sub(start)) }()

	if total == 0 {
		return nil
	}

	results, err := r.d.Refresher.Refresh(ctx, groups, r.opts.WantBalance)
	if err != nil {
		r.d.Metrics.RecordRefresh(0, err)
		r.d.Metrics.RecordDroppedBatch()
		return fmt.Errorf("refresh %d orders: %w", total, err)
	}
	invalid := 0
	for _, g := range results {
		for _, side := range g {
			for _, res := range side {
				if res.Status == limitorder.StatusInvalid {
					invalid++
				}
			}
		}
	}
	r.d.Metrics.RecordRefresh(invalid, nil)
	if invalid > 0 {
		r.d.Journal.Record(journal.Event{Kind: journal.KindInvalidated, Count: invalid})
	}

	var g errgroup.Group
	g.SetLimit(r.opts.Parallel)
	for _, w := range work {
		g.Go(func() error {
			r.evaluatePool(ctx, w, results[w.group])
			return nil
		})
	}
	return g.Wait()
}

func (r *Relayer) candidates(ctx context.Context, obs market.Observation, now time.Time) ([][]*limitorder.LimitOrder, error) {
	sides := make([][]*limitorder.LimitOrder, len(market.Sides))
	for i, side := range market.Sides {
		tokenIn := side.TokenIn(obs.Pair).Address
		orders, err := r.d.Store.Candidates(ctx, obs.Pair.Address, tokenIn, obs.Price(side), now)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", side, err)
		}
		sides[i] = orders
	}
	return sides, nil
}

// evaluatePool runs the evaluator per side, one side after the other.
func (r *Relayer) evaluatePool(ctx context.Context, w poolWork, results [][]orderstatus.Result) {
	for i, side := range market.Sides {
		if i >= len(results) {
			break
		}
		valid := orderstatus.Valid(results[i])
		execs := r.d.Evaluator.Evaluate(w.obs, side, valid, w.prices)
		r.d.Metrics.RecordSide(side.String(), len(results[i]), len(execs))
		for _, eo := range execs {
			r.d.Journal.Record(journal.Event{
				Kind:       journal.KindExecutable,
				Pair:       w.obs.Pair.String(),
				Side:       side.String(),
				Digest:     eo.Order.Digest.Hex(),
				InAmount:   journal.Amount(eo.InAmount),
				OutAmount:  journal.Amount(eo.OutAmount),
				OutDiff:    journal.Amount(eo.OutDiff),
				ProfitGwei: journal.Amount(eo.ProfitGwei),
				Partial:    eo.Partial,
			})
			r.execute(ctx, w.obs.Pair, eo, w.prices.GasPriceWei)
		}
	}
}

// execute reserves the order and submits it in a tracked goroutine.
func (r *Relayer) execute(ctx context.Context, pair market.Pair, eo profit.ExecutableOrder, gasPrice *big.Int) {
	if r.d.Guard.TryReserve(eo.Order.Digest) {
		r.d.Metrics.RecordDuplicate()
		return
	}
	req := submit.NewFillRequest(eo, r.opts.Policy, gasPrice)

	r.inflight.Add(1)
	r.d.Metrics.SubmissionStarted()
	go func() {
		defer r.inflight.Done()
		r.submit(ctx, pair, req)
	}()
}

func (r *Relayer) submit(parent context.Context, pair market.Pair, req submit.FillRequest) {
	eo := req.Executable
	digest := eo.Order.Digest
	ev := journal.Event{
		Pair:       pair.String(),
		Side:       eo.Side.String(),
		Digest:     digest.Hex(),
		InAmount:   journal.Amount(eo.InAmount),
		OutAmount:  journal.Amount(eo.OutAmount),
		ProfitGwei: journal.Amount(eo.ProfitGwei),
		Partial:    eo.Partial,
	}

	// A started submission outlives the batch; shutdown waits for it.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.opts.SubmitTimeout)
	res, err := r.d.Submitter.FillOrder(ctx, req)
	cancel()

	switch {
	case err != nil:
		r.d.Guard.Release(digest)
		log.Printf("[warn] relayer: couldn't execute order %s: %v", digest.Hex(), err)
		ev.Kind, ev.Error = journal.KindSubmitError, err.Error()
		r.d.Journal.Record(ev)
		r.d.Metrics.SubmissionFinished(observability.OutcomeError, 0)
		return

	case res.DryRun:
		log.Printf("[dry-run] relayer: would fill %s on %s: in=%s out=%s profit=%s gwei gasLimit=%d",
			digest.Hex(), pair,
			human(eo.InAmount, eo.Order.Order.TokenInDecimals),
			human(eo.OutAmount, eo.Order.Order.TokenOutDecimals),
			eo.ProfitGwei, res.GasLimit)
		ev.Kind = journal.KindDryRun
		r.d.Journal.Record(ev)
		r.d.Metrics.SubmissionFinished(observability.OutcomeDryRun, 0)
		return

	case !res.Executed:
		r.d.Guard.Release(digest)
		log.Printf("[warn] relayer: gas estimation failed for %s", digest.Hex())
		ev.Kind = journal.KindReverted
		r.d.Journal.Record(ev)
		r.d.Metrics.SubmissionFinished(observability.OutcomeReverted, 0)
		return
	}

	executed := limitorder.ExecutedOrder{
		Order:       eo.Order.Order,
		Digest:      digest,
		TxHash:      res.TxHash,
		FillAmount:  new(big.Int).Set(eo.InAmount),
		Status:      limitorder.ExecutedStatusPending,
		Nonce:       res.Nonce,
		SubmittedAt: r.d.Now(),
	}
	log.Printf("[info] relayer: %s, gasPrice: %s gwei, nonce: %d, order %s",
		res.TxHash.Hex(), human(req.GasPrice, 9), res.Nonce, digest.Hex())
	ev.Kind, ev.TxHash, ev.Nonce = journal.KindSubmitted, res.TxHash.Hex(), journal.Uint(res.Nonce)
	r.d.Journal.Record(ev)
	r.d.Metrics.SubmissionFinished(observability.OutcomeSent, gweiFloat(eo.ProfitGwei))

	pctx, pcancel := context.WithTimeout(context.WithoutCancel(parent), r.opts.SubmitTimeout)
	if err := r.d.Store.PersistExecution(pctx, executed); err != nil {
		log.Printf("[warn] relayer: couldn't save executed order %s: %v", res.TxHash.Hex(), err)
	}
	pcancel()
	r.publish(executed)

	if r.d.Confirmer != nil && r.opts.ConfirmTimeout > 0 && res.Tx != nil {
		r.confirm(parent, res.Tx, ev)
	}
}

// confirm waits for the receipt; it gives up when parent is cancelled.
func (r *Relayer) confirm(parent context.Context, tx *types.Transaction, ev journal.Event) {
	status, err := r.d.Confirmer.Confirm(parent, tx, r.opts.ConfirmTimeout)
	if err != nil {
		if parent.Err() == nil {
			log.Printf("[warn] relayer: no receipt for %s: %v", tx.Hash().Hex(), err)
		}
		return
	}
	r.d.Metrics.RecordConfirmation(status == types.ReceiptStatusSuccessful)
	ev.Kind, ev.Status = journal.KindConfirmed, journal.Uint(status)
	r.d.Journal.Record(ev)
	if status != types.ReceiptStatusSuccessful {
		log.Printf("[warn] relayer: fill %s reverted on chain", tx.Hash().Hex())
	}
	if su, ok := r.d.Store.(StatusUpdater); ok {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), 10*time.Second)
		defer cancel()
		if err := su.UpdateExecutionStatus(ctx, tx.Hash(), int(status)); err != nil {
			log.Printf("[warn] relayer: update status of %s: %v", tx.Hash().Hex(), err)
		}
	}
}

func human(v *big.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).String()
}

func gweiFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
