// Command balance prints the relayer's native and profit-token balances and,
// with --maker, a maker's balances and allowances to the limit order
// contract for every watched token.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"limit-relayer/internal/config"
	"limit-relayer/internal/erc20"
	"limit-relayer/internal/ethutil"
	"limit-relayer/internal/market"
)

func main() {
	log.SetFlags(0)

	if err := config.LoadDotenv(); err != nil {
		log.Printf("[warn] %v", err)
	}

	var addrFlag, makerFlag, pairsFlag string
	flag.StringVar(&addrFlag, "address", "", "Relayer address to check (default: signer from PRIVATE_KEY)")
	flag.StringVar(&makerFlag, "maker", "", "Maker address whose balances/allowances to check (optional)")
	flag.StringVar(&pairsFlag, "pairs", "", "Watched pairs YAML (or PAIRS_FILE)")
	flag.Parse()

	rpcURL := firstNonEmpty(os.Getenv("RPC_URL"), os.Getenv("HTTP_JSON_RPC"), os.Getenv("RPC_WS_URL"))
	if rpcURL == "" {
		log.Fatalf("[fatal] RPC_URL required")
	}

	owner, ownerSrc, err := resolveOwnerAddress(addrFlag)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		log.Fatalf("[fatal] dial rpc: %v", err)
	}
	defer client.Close()

	native, err := client.BalanceAt(ctx, owner, nil)
	if err != nil {
		log.Fatalf("[fatal] native balance: %v", err)
	}
	fmt.Printf("relayer: %s (%s)\n", owner.Hex(), ownerSrc)
	fmt.Printf("native_balance: %s\n", erc20.Format(native, 18))

	tokens := watchedTokens(pairsFlag)
	profitTokens, err := ethutil.ParseAddressList(os.Getenv("PROFIT_TOKENS"))
	if err != nil {
		log.Fatalf("[fatal] invalid PROFIT_TOKENS: %v", err)
	}
	for _, addr := range profitTokens {
		t := tokens[addr]
		if t.Address == (common.Address{}) {
			t = market.Token{Address: addr, Symbol: addr.Hex(), Decimals: 18}
		}
		bal, err := erc20.BalanceOf(ctx, client, addr, owner)
		if err != nil {
			log.Printf("[warn] %v", err)
			continue
		}
		fmt.Printf("profit_token %s: %s\n", t.Symbol, erc20.Format(bal, t.Decimals))
	}

	if strings.TrimSpace(makerFlag) == "" {
		return
	}
	if !common.IsHexAddress(makerFlag) {
		log.Fatalf("[fatal] invalid --maker %q", makerFlag)
	}
	maker := common.HexToAddress(makerFlag)
	spender := common.HexToAddress(os.Getenv("LIMIT_ORDER_ADDRESS"))
	if !common.IsHexAddress(os.Getenv("LIMIT_ORDER_ADDRESS")) {
		log.Fatalf("[fatal] LIMIT_ORDER_ADDRESS required for --maker")
	}

	fmt.Printf("maker: %s (spender %s)\n", maker.Hex(), spender.Hex())
	for _, t := range sortedTokens(tokens) {
		bal, err := erc20.BalanceOf(ctx, client, t.Address, maker)
		if err != nil {
			log.Printf("[warn] %v", err)
			continue
		}
		allowance, err := erc20.Allowance(ctx, client, t.Address, maker, spender)
		if err != nil {
			log.Printf("[warn] %v", err)
			continue
		}
		allow := erc20.Format(allowance, t.Decimals)
		if erc20.Unlimited(allowance) {
			allow = "unlimited"
		}
		fmt.Printf("  %s: balance=%s allowance=%s\n", t.Symbol, erc20.Format(bal, t.Decimals), allow)
	}
}

func watchedTokens(pairsFlag string) map[common.Address]market.Token {
	out := make(map[common.Address]market.Token)
	path := firstNonEmpty(pairsFlag, os.Getenv("PAIRS_FILE"), config.DefaultPairsFile)
	pairs, err := market.LoadPairs(path, common.Address{}, common.Hash{})
	if err != nil {
		log.Printf("[warn] %v (token symbols unavailable)", err)
		return out
	}
	for _, p := range pairs {
		out[p.Token0.Address] = p.Token0
		out[p.Token1.Address] = p.Token1
	}
	return out
}

func sortedTokens(m map[common.Address]market.Token) []market.Token {
	addrs := make([]common.Address, 0, len(m))
	for a := range m {
		addrs = append(addrs, a)
	}
	out := make([]market.Token, 0, len(m))
	for _, a := range ethutil.SortedAddresses(addrs) {
		out = append(out, m[a])
	}
	return out
}

func resolveOwnerAddress(addrFlag string) (common.Address, string, error) {
	if raw := strings.TrimSpace(addrFlag); raw != "" {
		if !common.IsHexAddress(raw) {
			return common.Address{}, "", fmt.Errorf("invalid --address %q", raw)
		}
		return common.HexToAddress(raw), "--address", nil
	}
	if pkHex := strings.TrimSpace(os.Getenv("PRIVATE_KEY")); pkHex != "" {
		key, err := config.ParsePrivateKey(pkHex)
		if err != nil {
			return common.Address{}, "", err
		}
		return config.Config{PrivateKey: key}.Signer(), "PRIVATE_KEY", nil
	}
	return common.Address{}, "", fmt.Errorf("address required: set PRIVATE_KEY or pass --address")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
