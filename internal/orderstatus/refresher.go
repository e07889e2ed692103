package orderstatus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"limit-relayer/internal/limitorder"
)

// ErrShapeMismatch is returned when a batch reply does not line up with the
// queries that produced it.
var ErrShapeMismatch = errors.New("orderstatus: reply length does not match query")

// Query identifies one order for a status lookup.
type Query struct {
	Maker  common.Address
	Token  common.Address
	Digest common.Hash
}

// Reply is the on-chain state of one queried order.
type Reply struct {
	Filled    *big.Int
	Cancelled bool
	Approved  bool
	// Balance is the maker's token balance; nil unless requested.
	Balance *big.Int
}

// Source answers status queries for many orders in one round trip.
type Source interface {
	BatchQuery(ctx context.Context, queries []Query, withBalance bool) ([]Reply, error)
}

// Updater receives the outcome of a refresh. Both calls are best effort.
type Updater interface {
	Invalidate(ctx context.Context, digests []common.Hash) error
	UpdateFilled(ctx context.Context, digest common.Hash, filled, balance *big.Int) error
}

// Result pairs an order with its refreshed status.
type Result struct {
	Order  *limitorder.LimitOrder
	Status limitorder.Status
}

// Refresher synchronizes candidate orders with on-chain state in a single
// batched call.
type Refresher struct {
	Source  Source
	Updater Updater
	// RequireApproval treats orders whose maker has not approved the
	// settlement contract as INVALID.
	RequireApproval bool
	Now             func() time.Time
}

type tag struct {
	group, side, pos int
}

// Refresh looks up every order in groups with one Source call and returns
// results in exactly the shape of groups. VALID orders have FilledAmount
// (and UserBalance when wantBalance is set) updated in place; INVALID orders
// are handed to the Updater for invalidation.
//
// When the batch call fails nothing is touched and the error is returned.
func (r *Refresher) Refresh(ctx context.Context, groups [][][]*limitorder.LimitOrder, wantBalance bool) ([][][]Result, error) {
	var (
		queries []Query
		tags    []tag
	)
	for g, sides := range groups {
		for s, orders := range sides {
			for p, o := range orders {
				queries = append(queries, Query{Maker: o.Order.Maker, Token: o.Order.TokenIn, Digest: o.Digest})
				tags = append(tags, tag{group: g, side: s, pos: p})
			}
		}
	}

	out := make([][][]Result, len(groups))
	for g, sides := range groups {
		out[g] = make([][]Result, len(sides))
		for s, orders := range sides {
			out[g][s] = make([]Result, len(orders))
		}
	}
	if len(queries) == 0 {
		return out, nil
	}

	replies, err := r.Source.BatchQuery(ctx, queries, wantBalance)
	if err != nil {
		return nil, fmt.Errorf("batch status query: %w", err)
	}
	if len(replies) != len(queries) {
		return nil, fmt.Errorf("%w: %d replies for %d queries", ErrShapeMismatch, len(replies), len(queries))
	}

	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}

	var invalid []common.Hash
	var valid []*limitorder.LimitOrder
	for i, reply := range replies {
		t := tags[i]
		o := groups[t.group][t.side][t.pos]

		status := r.classify(o, reply, now)
		if status == limitorder.StatusValid {
			if reply.Filled != nil {
				o.FilledAmount = new(big.Int).Set(reply.Filled)
			}
			if wantBalance && reply.Balance != nil {
				o.UserBalance = new(big.Int).Set(reply.Balance)
			}
			valid = append(valid, o)
		} else {
			o.Valid = false
			invalid = append(invalid, o.Digest)
		}
		out[t.group][t.side][t.pos] = Result{Order: o, Status: status}
	}

	if r.Updater != nil {
		if len(invalid) > 0 {
			if err := r.Updater.Invalidate(ctx, invalid); err != nil {
				log.Printf("[warn] refresh: invalidate %d orders: %v", len(invalid), err)
			}
		}
		for _, o := range valid {
			if err := r.Updater.UpdateFilled(ctx, o.Digest, o.FilledAmount, o.UserBalance); err != nil {
				log.Printf("[warn] refresh: update filled %s: %v", o.Digest.Hex(), err)
			}
		}
	}
	return out, nil
}

func (r *Refresher) classify(o *limitorder.LimitOrder, reply Reply, now time.Time) limitorder.Status {
	if reply.Cancelled {
		return limitorder.StatusInvalid
	}
	if reply.Filled != nil && o.Order.AmountIn != nil && reply.Filled.Cmp(o.Order.AmountIn) >= 0 {
		return limitorder.StatusInvalid
	}
	if !o.Order.Active(now) {
		return limitorder.StatusInvalid
	}
	if r.RequireApproval && !reply.Approved {
		return limitorder.StatusInvalid
	}
	return limitorder.StatusValid
}

// Valid returns the orders in results that came back VALID, in order.
func Valid(results []Result) []*limitorder.LimitOrder {
	out := make([]*limitorder.LimitOrder, 0, len(results))
	for _, r := range results {
		if r.Status == limitorder.StatusValid {
			out = append(out, r.Order)
		}
	}
	return out
}
