package limitorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	// PriceScale is the fixed-point multiplier for order prices (1e18).
	PriceScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	feeNum = big.NewInt(997)
	feeDen = big.NewInt(1000)
)

// Order is the maker-signed limit order as it travels over the wire.
type Order struct {
	Maker            common.Address
	TokenIn          common.Address
	TokenOut         common.Address
	TokenInDecimals  uint8
	TokenOutDecimals uint8
	TokenInSymbol    string
	TokenOutSymbol   string
	AmountIn         *big.Int
	AmountOut        *big.Int
	Recipient        common.Address
	StartTime        uint64
	EndTime          uint64
	StopPrice        *big.Int
	OracleAddress    common.Address
	OracleData       []byte
	V                uint8
	R                common.Hash
	S                common.Hash
	ChainID          int64
}

// orderJSON mirrors the order feed and seed API encoding, which carries all
// integers as decimal strings.
type orderJSON struct {
	Maker            string `json:"maker"`
	TokenIn          string `json:"tokenIn"`
	TokenOut         string `json:"tokenOut"`
	TokenInDecimals  uint8  `json:"tokenInDecimals"`
	TokenOutDecimals uint8  `json:"tokenOutDecimals"`
	TokenInSymbol    string `json:"tokenInSymbol,omitempty"`
	TokenOutSymbol   string `json:"tokenOutSymbol,omitempty"`
	AmountIn         string `json:"amountIn"`
	AmountOut        string `json:"amountOut"`
	Recipient        string `json:"recipient"`
	StartTime        string `json:"startTime"`
	EndTime          string `json:"endTime"`
	StopPrice        string `json:"stopPrice"`
	OracleAddress    string `json:"oracleAddress"`
	OracleData       string `json:"oracleData"`
	V                uint8  `json:"v"`
	R                string `json:"r"`
	S                string `json:"s"`
	ChainID          int64  `json:"chainId"`
}

func (o Order) MarshalJSON() ([]byte, error) {
	return json.Marshal(orderJSON{
		Maker:            o.Maker.Hex(),
		TokenIn:          o.TokenIn.Hex(),
		TokenOut:         o.TokenOut.Hex(),
		TokenInDecimals:  o.TokenInDecimals,
		TokenOutDecimals: o.TokenOutDecimals,
		TokenInSymbol:    o.TokenInSymbol,
		TokenOutSymbol:   o.TokenOutSymbol,
		AmountIn:         bigString(o.AmountIn),
		AmountOut:        bigString(o.AmountOut),
		Recipient:        o.Recipient.Hex(),
		StartTime:        strconv.FormatUint(o.StartTime, 10),
		EndTime:          strconv.FormatUint(o.EndTime, 10),
		StopPrice:        bigString(o.StopPrice),
		OracleAddress:    o.OracleAddress.Hex(),
		OracleData:       hexutil.Encode(o.OracleData),
		V:                o.V,
		R:                o.R.Hex(),
		S:                o.S.Hex(),
		ChainID:          o.ChainID,
	})
}

func (o *Order) UnmarshalJSON(b []byte) error {
	var w orderJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	var out Order
	var err error
	if out.Maker, err = parseAddress("maker", w.Maker); err != nil {
		return err
	}
	if out.TokenIn, err = parseAddress("tokenIn", w.TokenIn); err != nil {
		return err
	}
	if out.TokenOut, err = parseAddress("tokenOut", w.TokenOut); err != nil {
		return err
	}
	if out.Recipient, err = parseOptionalAddress("recipient", w.Recipient); err != nil {
		return err
	}
	if out.OracleAddress, err = parseOptionalAddress("oracleAddress", w.OracleAddress); err != nil {
		return err
	}
	if out.AmountIn, err = parseBig("amountIn", w.AmountIn); err != nil {
		return err
	}
	if out.AmountOut, err = parseBig("amountOut", w.AmountOut); err != nil {
		return err
	}
	if out.StopPrice, err = parseBig("stopPrice", defaultZero(w.StopPrice)); err != nil {
		return err
	}
	if out.StartTime, err = parseUint("startTime", defaultZero(w.StartTime)); err != nil {
		return err
	}
	if out.EndTime, err = parseUint("endTime", w.EndTime); err != nil {
		return err
	}
	if data := strings.TrimSpace(w.OracleData); data != "" && data != "0x" {
		out.OracleData, err = hexutil.Decode(data)
		if err != nil {
			return fmt.Errorf("oracleData: %w", err)
		}
	}
	out.R = common.HexToHash(w.R)
	out.S = common.HexToHash(w.S)
	out.V = w.V
	out.ChainID = w.ChainID
	out.TokenInDecimals = w.TokenInDecimals
	out.TokenOutDecimals = w.TokenOutDecimals
	out.TokenInSymbol = w.TokenInSymbol
	out.TokenOutSymbol = w.TokenOutSymbol

	*o = out
	return nil
}

// Price is the order's limit price adjusted for the pool fee:
// amountOut*1e18*1000/997/amountIn.
func (o Order) Price() *big.Int {
	return OrderPrice(o.AmountIn, o.AmountOut)
}

// MinRate is the worst out-per-in rate the maker accepts (scaled by 1e18).
func (o Order) MinRate() *big.Int {
	return MinRate(o.AmountIn, o.AmountOut)
}

// OrderPrice computes amountOut*1e18*1000/997/amountIn with truncation at
// each division.
func OrderPrice(amountIn, amountOut *big.Int) *big.Int {
	if amountIn == nil || amountOut == nil || amountIn.Sign() <= 0 {
		return new(big.Int)
	}
	p := new(big.Int).Mul(amountOut, PriceScale)
	p.Mul(p, feeDen)
	p.Div(p, feeNum)
	return p.Div(p, amountIn)
}

func MinRate(amountIn, amountOut *big.Int) *big.Int {
	if amountIn == nil || amountOut == nil || amountIn.Sign() <= 0 {
		return new(big.Int)
	}
	r := new(big.Int).Mul(amountOut, PriceScale)
	return r.Div(r, amountIn)
}

// Active reports startTime <= now < endTime.
func (o Order) Active(now time.Time) bool {
	ts := now.Unix()
	if ts < 0 {
		return false
	}
	u := uint64(ts)
	return o.StartTime <= u && u < o.EndTime
}

var (
	ErrZeroAmount   = errors.New("order amounts must be positive")
	ErrWrongChain   = errors.New("order chain id mismatch")
	ErrExpired      = errors.New("order expired")
	ErrSameToken    = errors.New("order tokenIn equals tokenOut")
	ErrBadSignature = errors.New("order signature v must be 27 or 28")
)

// Validate performs the cheap structural checks an incoming order must pass
// before it is stored. Signatures are verified on chain at fill time.
func (o Order) Validate(chainID int64, now time.Time) error {
	if o.AmountIn == nil || o.AmountOut == nil || o.AmountIn.Sign() <= 0 || o.AmountOut.Sign() <= 0 {
		return ErrZeroAmount
	}
	if chainID != 0 && o.ChainID != chainID {
		return fmt.Errorf("%w: got %d want %d", ErrWrongChain, o.ChainID, chainID)
	}
	if o.TokenIn == o.TokenOut {
		return ErrSameToken
	}
	if ts := now.Unix(); ts >= 0 && o.EndTime <= uint64(ts) {
		return ErrExpired
	}
	if o.V != 27 && o.V != 28 {
		return ErrBadSignature
	}
	return nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func defaultZero(s string) string {
	if strings.TrimSpace(s) == "" {
		return "0"
	}
	return s
}

func parseBig(field, s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	var v *big.Int
	var ok bool
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, ok = new(big.Int).SetString(s[2:], 16)
	} else {
		v, ok = new(big.Int).SetString(s, 10)
	}
	if !ok {
		return nil, fmt.Errorf("%s: invalid integer %q", field, s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%s: negative value %q", field, s)
	}
	return v, nil
}

func parseUint(field, s string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return v, nil
}

func parseAddress(field, s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseOptionalAddress(field, s string) (common.Address, error) {
	if strings.TrimSpace(s) == "" {
		return common.Address{}, nil
	}
	return parseAddress(field, s)
}
