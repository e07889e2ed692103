// Command seed copies the pending orders of a remote order service into the
// relayer's Postgres store and refreshes their on-chain status.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"limit-relayer/internal/config"
	"limit-relayer/internal/limitorder"
	"limit-relayer/internal/market"
	"limit-relayer/internal/orderfeed"
	"limit-relayer/internal/orderstatus"
	"limit-relayer/internal/store"
	"limit-relayer/internal/store/postgres"
)

func main() {
	log.SetFlags(log.LstdFlags)

	if err := config.LoadDotenv(); err != nil {
		log.Printf("[warn] %v", err)
	}
	cfg, err := config.LoadSeed(os.Args[0], os.Args[1:], nil)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	remote, err := orderfeed.NewRemoteClient(cfg.RemoteURL)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	raws, err := remote.Pending(ctx, cfg.ChainID)
	if err != nil {
		log.Fatalf("[fatal] couldn't fetch orders from remote: %v", err)
	}
	log.Printf("Fetched %d pending orders from %s", len(raws), cfg.RemoteURL)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	st := postgres.New(pool)

	builder := orderfeed.NewBuilder(cfg.ChainID, cfg.LimitOrder, cfg.Pairs)
	var (
		orders                      []*limitorder.LimitOrder
		saved, duplicates, rejected int
	)
	for _, raw := range raws {
		o, err := builder.BuildOrder(raw)
		if err != nil {
			rejected++
			log.Printf("[info] skip order: %v", err)
			continue
		}
		switch err := st.SaveLimitOrder(ctx, o); {
		case errors.Is(err, store.ErrDuplicateKey):
			duplicates++
		case err != nil:
			log.Fatalf("[fatal] save %s: %v", o.Digest.Hex(), err)
		default:
			saved++
		}
		orders = append(orders, o)
	}
	log.Printf("Stored %d new orders (%d already stored, %d rejected)", saved, duplicates, rejected)

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		log.Fatalf("[fatal] dial rpc: %v", err)
	}
	defer client.Close()

	refresher := &orderstatus.Refresher{
		Source:  orderstatus.NewContractSource(client, cfg.Helper),
		Updater: st,
	}
	results, err := refresher.Refresh(ctx, groupByPair(cfg.Pairs, orders), false)
	if err != nil {
		log.Fatalf("[fatal] refresh: %v", err)
	}
	valid, invalid := 0, 0
	for _, g := range results {
		for _, side := range g {
			for _, r := range side {
				if r.Status == limitorder.StatusInvalid {
					invalid++
				} else {
					valid++
				}
			}
		}
	}
	log.Printf("Refreshed %d orders: %d valid, %d invalidated", valid+invalid, valid, invalid)
}

// groupByPair arranges orders as [pair][side] for one batched refresh.
func groupByPair(pairs []market.Pair, orders []*limitorder.LimitOrder) [][][]*limitorder.LimitOrder {
	index := make(map[common.Address]int, len(pairs))
	groups := make([][][]*limitorder.LimitOrder, len(pairs))
	for i, p := range pairs {
		index[p.Address] = i
		groups[i] = make([][]*limitorder.LimitOrder, len(market.Sides))
	}
	for _, o := range orders {
		i, ok := index[o.PairAddress]
		if !ok {
			continue
		}
		side, ok := market.SideFor(pairs[i], o.Order.TokenIn)
		if !ok {
			continue
		}
		groups[i][side] = append(groups[i][side], o)
	}
	return groups
}
