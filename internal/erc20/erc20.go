// Package erc20 reads token balances and allowances with raw eth_calls.
package erc20

import (
	"context"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

var (
	balanceOfSelector = crypto.Keccak256([]byte("balanceOf(address)"))[:4]
	allowanceSelector = crypto.Keccak256([]byte("allowance(address,address)"))[:4]
)

// BalanceOf returns token.balanceOf(owner).
func BalanceOf(ctx context.Context, c ethereum.ContractCaller, token, owner common.Address) (*big.Int, error) {
	data := make([]byte, 0, 4+32)
	data = append(data, balanceOfSelector...)
	data = append(data, common.LeftPadBytes(owner.Bytes(), 32)...)
	v, err := callUint256(ctx, c, token, data)
	if err != nil {
		return nil, fmt.Errorf("balanceOf(%s) on %s: %w", owner.Hex(), token.Hex(), err)
	}
	return v, nil
}

// Allowance returns token.allowance(owner, spender).
func Allowance(ctx context.Context, c ethereum.ContractCaller, token, owner, spender common.Address) (*big.Int, error) {
	data := make([]byte, 0, 4+32+32)
	data = append(data, allowanceSelector...)
	data = append(data, common.LeftPadBytes(owner.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(spender.Bytes(), 32)...)
	v, err := callUint256(ctx, c, token, data)
	if err != nil {
		return nil, fmt.Errorf("allowance(%s,%s) on %s: %w", owner.Hex(), spender.Hex(), token.Hex(), err)
	}
	return v, nil
}

func callUint256(ctx context.Context, c ethereum.ContractCaller, to common.Address, data []byte) (*big.Int, error) {
	out, err := c.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty result")
	}
	return new(big.Int).SetBytes(out), nil
}

// Unlimited reports whether an allowance is at least 2^255, which wallets
// use to mean "no limit".
func Unlimited(v *big.Int) bool {
	return v != nil && v.BitLen() >= 256
}

// SaturatingUint64 clamps v into uint64; negatives and nil become 0.
func SaturatingUint64(v *big.Int) uint64 {
	if v == nil || v.Sign() <= 0 {
		return 0
	}
	if v.IsUint64() {
		return v.Uint64()
	}
	return math.MaxUint64
}

// Format renders a base-unit amount with the token's decimals.
func Format(v *big.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).String()
}
