package submit

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"limit-relayer/internal/limitorder"
)

const limitOrderABIJSON = `[
  {"inputs":[
     {"components":[
        {"name":"maker","type":"address"},
        {"name":"amountIn","type":"uint256"},
        {"name":"amountOut","type":"uint256"},
        {"name":"recipient","type":"address"},
        {"name":"startTime","type":"uint256"},
        {"name":"endTime","type":"uint256"},
        {"name":"stopPrice","type":"uint256"},
        {"name":"oracleAddress","type":"address"},
        {"name":"oracleData","type":"bytes"},
        {"name":"amountToFill","type":"uint256"},
        {"name":"v","type":"uint8"},
        {"name":"r","type":"bytes32"},
        {"name":"s","type":"bytes32"}],
      "name":"order","type":"tuple"},
     {"name":"tokenIn","type":"address"},
     {"name":"tokenOut","type":"address"},
     {"name":"receiver","type":"address"},
     {"name":"data","type":"bytes"}],
   "name":"fillOrder","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

var (
	limitOrderABI = mustParseABI(limitOrderABIJSON)

	receiverDataArgs = abi.Arguments{
		{Type: mustABIType("address[]")},
		{Type: mustABIType("uint256")},
		{Type: mustABIType("address")},
		{Type: mustABIType("bool")},
	}
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

func mustABIType(t string) abi.Type {
	ty, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return ty
}

// orderArgs mirrors the fillOrder order tuple; field names follow the ABI
// component names.
type orderArgs struct {
	Maker         common.Address
	AmountIn      *big.Int
	AmountOut     *big.Int
	Recipient     common.Address
	StartTime     *big.Int
	EndTime       *big.Int
	StopPrice     *big.Int
	OracleAddress common.Address
	OracleData    []byte
	AmountToFill  *big.Int
	V             uint8
	R             [32]byte
	S             [32]byte
}

func newOrderArgs(o limitorder.Order, amountToFill *big.Int) orderArgs {
	stop := o.StopPrice
	if stop == nil {
		stop = new(big.Int)
	}
	oracleData := o.OracleData
	if oracleData == nil {
		oracleData = []byte{}
	}
	return orderArgs{
		Maker:         o.Maker,
		AmountIn:      o.AmountIn,
		AmountOut:     o.AmountOut,
		Recipient:     o.Recipient,
		StartTime:     new(big.Int).SetUint64(o.StartTime),
		EndTime:       new(big.Int).SetUint64(o.EndTime),
		StopPrice:     stop,
		OracleAddress: o.OracleAddress,
		OracleData:    oracleData,
		AmountToFill:  amountToFill,
		V:             o.V,
		R:             o.R,
		S:             o.S,
	}
}

// NonceSource hands out nonces for the signer.
type NonceSource interface {
	Next(ctx context.Context) (uint64, error)
}

// Backend is what the chain submitter needs from an RPC client;
// *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// ChainConfig wires the chain submitter.
type ChainConfig struct {
	ChainID        *big.Int
	LimitOrder     common.Address
	Receiver       common.Address
	ProfitReceiver common.Address
	// DryRun estimates gas but never sends.
	DryRun bool
	// GasLimitBufferPct is added on top of the estimate (default 20).
	GasLimitBufferPct uint64
	CallTimeout       time.Duration
}

// ChainSubmitter fills orders by calling fillOrder on the limit order
// contract with the configured receiver.
type ChainSubmitter struct {
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	nonces  NonceSource
	cfg     ChainConfig
	bound   *bind.BoundContract
}

func NewChainSubmitter(backend Backend, key *ecdsa.PrivateKey, nonces NonceSource, cfg ChainConfig) (*ChainSubmitter, error) {
	if key == nil {
		return nil, fmt.Errorf("submit: private key required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("submit: chain id required")
	}
	if cfg.LimitOrder == (common.Address{}) || cfg.Receiver == (common.Address{}) {
		return nil, fmt.Errorf("submit: limit order and receiver addresses required")
	}
	if cfg.GasLimitBufferPct == 0 {
		cfg.GasLimitBufferPct = 20
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 8 * time.Second
	}
	return &ChainSubmitter{
		backend: backend,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		nonces:  nonces,
		cfg:     cfg,
		bound:   bind.NewBoundContract(cfg.LimitOrder, limitOrderABI, backend, backend, backend),
	}, nil
}

// From is the signing address.
func (c *ChainSubmitter) From() common.Address { return c.from }

// PackFill encodes the fillOrder call for req.
func (c *ChainSubmitter) PackFill(req FillRequest) ([]byte, []interface{}, error) {
	o := req.Executable.Order.Order
	data, err := receiverDataArgs.Pack(
		[]common.Address{o.TokenIn, o.TokenOut},
		req.AmountExternal,
		c.cfg.ProfitReceiver,
		req.KeepTokenIn,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("pack receiver data: %w", err)
	}
	args := []interface{}{
		newOrderArgs(o, req.Executable.InAmount),
		o.TokenIn,
		o.TokenOut,
		c.cfg.Receiver,
		data,
	}
	input, err := limitOrderABI.Pack("fillOrder", args...)
	if err != nil {
		return nil, nil, fmt.Errorf("pack fillOrder: %w", err)
	}
	return input, args, nil
}

func (c *ChainSubmitter) FillOrder(ctx context.Context, req FillRequest) (Result, error) {
	input, args, err := c.PackFill(req)
	if err != nil {
		return Result{}, err
	}

	estCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	gas, err := c.backend.EstimateGas(estCtx, ethereum.CallMsg{
		From:     c.from,
		To:       &c.cfg.LimitOrder,
		GasPrice: req.GasPrice,
		Data:     input,
	})
	cancel()
	if err != nil {
		log.Printf("[warn] submit: gas estimation failed for %s: %v", req.Executable.Order.Digest.Hex(), err)
		return Result{Executed: false}, nil
	}
	gasLimit := gas + gas*c.cfg.GasLimitBufferPct/100

	if c.cfg.DryRun {
		return Result{DryRun: true, GasLimit: gasLimit}, nil
	}

	nonce, err := c.nonces.Next(ctx)
	if err != nil {
		return Result{}, err
	}

	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.cfg.ChainID)
	if err != nil {
		return Result{}, err
	}
	opts.Context = ctx
	opts.Nonce = new(big.Int).SetUint64(nonce)
	opts.GasPrice = req.GasPrice
	opts.GasLimit = gasLimit

	tx, err := c.bound.Transact(opts, "fillOrder", args...)
	if err != nil {
		return Result{}, fmt.Errorf("send fillOrder nonce=%d: %w", nonce, err)
	}
	return Result{
		Executed: true,
		TxHash:   tx.Hash(),
		Nonce:    nonce,
		GasLimit: gasLimit,
		Tx:       tx,
	}, nil
}

// Confirm waits for tx to be mined and returns the receipt status.
func (c *ChainSubmitter) Confirm(ctx context.Context, tx *types.Transaction, timeout time.Duration) (uint64, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, c.backend, tx)
	if err != nil {
		return 0, err
	}
	return receipt.Status, nil
}
