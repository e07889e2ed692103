package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"limit-relayer/internal/market"
)

// Seed configures cmd/seed, which needs no signer.
type Seed struct {
	RemoteURL   string
	DatabaseURL string
	RPCURL      string
	ChainID     int64
	LimitOrder  common.Address
	Helper      common.Address
	PairsFile   string
	Pairs       []market.Pair
}

func LoadSeed(name string, args []string, env Env) (Seed, error) {
	if env == nil {
		env = os.Getenv
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	var remote, dsn, rpc, pairs string
	fs.StringVar(&remote, "remote", "", "Order service base URL serving /orders/pending (or REMOTE_ORDERS_URL)")
	fs.StringVar(&dsn, "database-url", "", "Postgres URL (or DATABASE_URL)")
	fs.StringVar(&rpc, "rpc-url", "", "HTTP JSON-RPC URL (or RPC_URL)")
	fs.StringVar(&pairs, "pairs", "", "Watched pairs YAML (or PAIRS_FILE)")
	if err := fs.Parse(args); err != nil {
		return Seed{}, err
	}

	s := Seed{
		RemoteURL:   firstNonEmpty(remote, env.first("REMOTE_ORDERS_URL")),
		DatabaseURL: firstNonEmpty(dsn, env.first("DATABASE_URL")),
		RPCURL:      firstNonEmpty(rpc, env.first("RPC_URL", "HTTP_JSON_RPC", "RPC_WS_URL")),
		PairsFile:   firstNonEmpty(pairs, env.first("PAIRS_FILE"), DefaultPairsFile),
	}
	switch {
	case s.RemoteURL == "":
		return Seed{}, errors.New("REMOTE_ORDERS_URL missing (or --remote)")
	case s.DatabaseURL == "":
		return Seed{}, errors.New("DATABASE_URL missing (or --database-url)")
	case s.RPCURL == "":
		return Seed{}, errors.New("RPC_URL missing (or --rpc-url)")
	}

	raw := env.first("CHAIN_ID", "CHAINID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return Seed{}, fmt.Errorf("invalid CHAIN_ID %q", raw)
	}
	s.ChainID = id

	if s.LimitOrder, err = envAddress(env, "LIMIT_ORDER_ADDRESS"); err != nil {
		return Seed{}, err
	}
	if s.Helper, err = envAddress(env, "HELPER_ADDRESS", "HELPER"); err != nil {
		return Seed{}, err
	}

	var factory common.Address
	if env.first("FACTORY_ADDRESS") != "" {
		if factory, err = envAddress(env, "FACTORY_ADDRESS"); err != nil {
			return Seed{}, err
		}
	}
	s.Pairs, err = market.LoadPairs(s.PairsFile, factory, common.HexToHash(env.first("PAIR_CODE_HASH")))
	if err != nil {
		return Seed{}, err
	}
	return s, nil
}

func envAddress(env Env, keys ...string) (common.Address, error) {
	v := env.first(keys...)
	if v == "" {
		return common.Address{}, fmt.Errorf("%s missing", keys[0])
	}
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("invalid %s %q", keys[0], v)
	}
	return common.HexToAddress(v), nil
}
