package ethutil

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SortTokens returns (token0, token1) with token0 < token1.
func SortTokens(a, b common.Address) (common.Address, common.Address) {
	if Less(b, a) {
		return b, a
	}
	return a, b
}

// PairAddress derives a constant-product pair address from its factory and
// the pair init code hash via CREATE2, salted with keccak(token0 ++ token1).
func PairAddress(factory common.Address, initCodeHash common.Hash, tokenA, tokenB common.Address) common.Address {
	token0, token1 := SortTokens(tokenA, tokenB)
	salt := crypto.Keccak256Hash(token0.Bytes(), token1.Bytes())
	return crypto.CreateAddress2(factory, salt, initCodeHash.Bytes())
}
