package market

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"limit-relayer/internal/ethutil"
)

// PairsFile is the on-disk list of watched pairs.
//
//	factory: "0xC0AE..."
//	initCodeHash: "0xe18a..."
//	pairs:
//	  - token0: {address: "0x6B17...", symbol: DAI, decimals: 18}
//	    token1: {address: "0xC02a...", symbol: WETH, decimals: 18}
type PairsFile struct {
	Factory      string      `yaml:"factory"`
	InitCodeHash string      `yaml:"initCodeHash"`
	Pairs        []pairEntry `yaml:"pairs"`
}

type pairEntry struct {
	Token0  tokenEntry `yaml:"token0"`
	Token1  tokenEntry `yaml:"token1"`
	Address string     `yaml:"address"`
}

type tokenEntry struct {
	Address  string `yaml:"address"`
	Symbol   string `yaml:"symbol"`
	Decimals uint8  `yaml:"decimals"`
}

// LoadPairs reads a pairs YAML file. factory and initCodeHash, when set,
// override the file and are used to derive pair addresses that are not
// listed explicitly.
func LoadPairs(path string, factory common.Address, initCodeHash common.Hash) ([]Pair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pairs file: %w", err)
	}
	return ParsePairs(data, factory, initCodeHash)
}

func ParsePairs(data []byte, factory common.Address, initCodeHash common.Hash) ([]Pair, error) {
	var f PairsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse pairs file: %w", err)
	}
	if factory == (common.Address{}) && common.IsHexAddress(f.Factory) {
		factory = common.HexToAddress(f.Factory)
	}
	if initCodeHash == (common.Hash{}) && strings.TrimSpace(f.InitCodeHash) != "" {
		initCodeHash = common.HexToHash(f.InitCodeHash)
	}

	pairs := make([]Pair, 0, len(f.Pairs))
	for i, e := range f.Pairs {
		t0, err := e.Token0.token()
		if err != nil {
			return nil, fmt.Errorf("pair %d token0: %w", i, err)
		}
		t1, err := e.Token1.token()
		if err != nil {
			return nil, fmt.Errorf("pair %d token1: %w", i, err)
		}
		if t0.Address == t1.Address {
			return nil, fmt.Errorf("pair %d: token0 equals token1 (%s)", i, t0.Address.Hex())
		}
		if ethutil.Less(t1.Address, t0.Address) {
			t0, t1 = t1, t0
		}

		p := Pair{Token0: t0, Token1: t1}
		switch {
		case common.IsHexAddress(e.Address):
			p.Address = common.HexToAddress(e.Address)
		case factory != (common.Address{}) && initCodeHash != (common.Hash{}):
			p.Address = ethutil.PairAddress(factory, initCodeHash, t0.Address, t1.Address)
		default:
			return nil, fmt.Errorf("pair %d (%s): no address and no factory/initCodeHash to derive it", i, p)
		}
		pairs = append(pairs, p)
	}

	if err := checkDoubled(pairs); err != nil {
		return nil, err
	}
	return pairs, nil
}

func (t tokenEntry) token() (Token, error) {
	if !common.IsHexAddress(t.Address) {
		return Token{}, fmt.Errorf("invalid address %q", t.Address)
	}
	return Token{Address: common.HexToAddress(t.Address), Symbol: t.Symbol, Decimals: t.Decimals}, nil
}

// checkDoubled rejects a list naming the same token pair twice, in either
// order.
func checkDoubled(pairs []Pair) error {
	seen := make(map[[2]common.Address]int, len(pairs))
	for i, p := range pairs {
		key := [2]common.Address{p.Token0.Address, p.Token1.Address}
		if j, ok := seen[key]; ok {
			return fmt.Errorf("doubled pairs %d, %d (%s)", j, i, p)
		}
		seen[key] = i
	}
	return nil
}
