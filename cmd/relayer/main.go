package main

import (
	"context"
	"errors"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"

	"limit-relayer/internal/config"
	"limit-relayer/internal/ethutil"
	"limit-relayer/internal/execguard"
	"limit-relayer/internal/journal"
	"limit-relayer/internal/limitorder"
	"limit-relayer/internal/market"
	"limit-relayer/internal/netprices"
	"limit-relayer/internal/observability"
	"limit-relayer/internal/orderfeed"
	"limit-relayer/internal/orderstatus"
	"limit-relayer/internal/pairwatch"
	"limit-relayer/internal/profit"
	"limit-relayer/internal/relayer"
	"limit-relayer/internal/store"
	"limit-relayer/internal/store/memory"
	"limit-relayer/internal/store/postgres"
	"limit-relayer/internal/submit"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := config.LoadDotenv(); err != nil {
		log.Printf("[warn] %v", err)
	}
	cfg, err := config.Load(os.Args[0], os.Args[1:], nil)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	log.Printf("Limit order relayer (chain %d, %s)", cfg.ChainID, cfg.Mode())
	log.Printf("[cfg] signer=%s limitOrder=%s receiver=%s profitReceiver=%s",
		cfg.Signer().Hex(), cfg.LimitOrder.Hex(), cfg.Receiver.Hex(), cfg.ProfitReceiver.Hex())
	log.Printf("[cfg] pairs=%d interval=%s cooldown=%s executionGas=%d sizing=%s useWSS=%v",
		len(cfg.Pairs), cfg.Interval, cfg.Cooldown, cfg.ExecutionGas, cfg.Sizing, cfg.UseWSS)
	log.Printf("[cfg] profit tokens: %s", ethutil.JoinHex(cfg.ProfitTokens))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		log.Printf("Shutting down...")
		cancel()
	}()

	client, err := ethclient.DialContext(ctx, cfg.RPC())
	if err != nil {
		log.Fatalf("[fatal] dial rpc: %v", err)
	}
	defer client.Close()

	st, closeStore, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	defer closeStore()
	if n, err := st.OrdersReceived(ctx, time.Now()); err == nil {
		log.Printf("[cfg] orders received today: %d", n)
	}

	jr := journal.New(cfg.OutFile)
	if jr != nil {
		log.Printf("Journal: %s (JSONL, run %s)", cfg.OutFile, jr.RunID())
		defer func() {
			if err := jr.Close(); err != nil {
				log.Printf("[warn] journal close: %v", err)
			}
		}()
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer, "")

	priceClient, err := netprices.NewClient(cfg.PriceAPIURL)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	oracle := netprices.NewOracle(priceClient, client, netprices.Config{
		WrappedNative:   cfg.WrappedNative,
		Platform:        cfg.PricePlatform,
		NativeCoinID:    cfg.NativeCoinID,
		GasStationURL:   cfg.GasOracleURL,
		GasStationField: cfg.GasOracleField,
	})

	guard := execguard.NewGuard(cfg.Cooldown, time.Now)
	if n, err := guard.Load(cfg.GuardStateFile); err != nil {
		log.Printf("[warn] guard snapshot: %v", err)
	} else if n > 0 {
		log.Printf("[info] guard: loaded %d live reservations from %s", n, cfg.GuardStateFile)
	}
	defer func() {
		if err := guard.Save(cfg.GuardStateFile); err != nil {
			log.Printf("[warn] save guard snapshot: %v", err)
		}
	}()

	nonces := execguard.NewNonceManager(client, cfg.Signer(), cfg.Interval)
	submitter, err := submit.NewChainSubmitter(client, cfg.PrivateKey, nonces, submit.ChainConfig{
		ChainID:        big.NewInt(cfg.ChainID),
		LimitOrder:     cfg.LimitOrder,
		Receiver:       cfg.Receiver,
		ProfitReceiver: cfg.ProfitReceiver,
		DryRun:         !cfg.EnableTrading,
	})
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	evaluator := profit.NewEvaluator(cfg.Sizing)
	evaluator.ExecutionGas = cfg.ExecutionGas

	r, err := relayer.New(relayer.Deps{
		Store:  st,
		Prices: oracle,
		Refresher: &orderstatus.Refresher{
			Source:          orderstatus.NewContractSource(client, cfg.Helper),
			Updater:         st,
			RequireApproval: true,
		},
		Evaluator: evaluator,
		Guard:     guard,
		Submitter: submitter,
		Confirmer: submitter,
		Metrics:   metrics,
		Journal:   jr,
	}, relayer.Options{
		Policy:         submit.ProfitPolicy{Tokens: cfg.ProfitTokens},
		WantBalance:    cfg.WantBalance,
		ConfirmTimeout: cfg.ConfirmTimeout,
	})
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	defer r.Close()

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           newRouter(r, prometheus.DefaultGatherer, cfg.Mode()),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Printf("Diagnostics on %s (/metrics, /healthz, /prices/{pair})", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[warn] diagnostics server: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	observations := make(chan []market.Observation, 4)
	watcher := pairwatch.New(cfg.Pairs)
	go func() {
		var err error
		if cfg.UseWSS {
			err = watcher.RunSubscription(ctx, func(ctx context.Context) (pairwatch.LogClient, error) {
				c, err := ethclient.DialContext(ctx, cfg.RPCWSURL)
				if err != nil {
					return nil, err
				}
				return c, nil
			}, observations)
		} else {
			err = watcher.RunPolling(ctx, client, cfg.Interval, observations)
		}
		if err != nil && ctx.Err() == nil {
			log.Printf("[error] pair watcher stopped: %v", err)
			cancel()
		}
	}()

	var orders <-chan *limitorder.LimitOrder
	if cfg.OrderFeedURL != "" {
		builder := orderfeed.NewBuilder(cfg.ChainID, cfg.LimitOrder, cfg.Pairs)
		var feedErrs <-chan error
		orders, feedErrs = orderfeed.Start(ctx, cfg.OrderFeedURL, builder, orderfeed.Options{})
		go drainFeedErrors(feedErrs, metrics, jr)
		log.Printf("Order feed: %s", cfg.OrderFeedURL)
	} else {
		log.Printf("[warn] ORDER_FEED_URL not set; only stored orders will be filled")
	}

	go logExecutions(r.Subscribe())

	if err := r.Run(ctx, observations, orders); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[error] relayer: %v", err)
	}
}

// openStore picks Postgres when dsn is set and an in-memory store otherwise.
func openStore(ctx context.Context, dsn string) (store.Store, func(), error) {
	if dsn == "" {
		log.Printf("[warn] DATABASE_URL not set; orders are kept in memory only")
		return memory.New(), func() {}, nil
	}
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return postgres.New(pool), pool.Close, nil
}

func drainFeedErrors(errs <-chan error, m *observability.Metrics, jr *journal.Journal) {
	for err := range errs {
		if errors.Is(err, orderfeed.ErrRejected) {
			m.RecordOrderReceived(observability.ResultRejected)
			jr.Record(journal.Event{Kind: journal.KindOrderRejected, Error: err.Error()})
			log.Printf("[info] order feed: %v", err)
			continue
		}
		log.Printf("[warn] order feed: %v", err)
	}
}

func logExecutions(events <-chan limitorder.ExecutedOrder) {
	for e := range events {
		log.Printf("[relayer] filled %s tx=%s nonce=%d amount=%s", e.Digest.Hex(), e.TxHash.Hex(), e.Nonce, e.FillAmount)
	}
}
