package orderstatus

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const helperABIJSON = `[
  {"inputs":[
     {"name":"makers","type":"address[]"},
     {"name":"tokens","type":"address[]"},
     {"name":"digests","type":"bytes32[]"},
     {"name":"withBalance","type":"bool"}],
   "name":"getOrderStatus",
   "outputs":[
     {"name":"filled","type":"uint256[]"},
     {"name":"cancelled","type":"bool[]"},
     {"name":"approved","type":"bool[]"},
     {"name":"balances","type":"uint256[]"}],
   "stateMutability":"view","type":"function"}
]`

// HelperABI is the ABI of the batch status helper contract.
var HelperABI = mustParseABI(helperABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ContractSource answers status queries through a helper contract that reads
// fills, cancellations, approvals and balances for many orders in one
// eth_call.
type ContractSource struct {
	caller ethereum.ContractCaller
	helper common.Address
}

func NewContractSource(caller ethereum.ContractCaller, helper common.Address) *ContractSource {
	return &ContractSource{caller: caller, helper: helper}
}

func (c *ContractSource) BatchQuery(ctx context.Context, queries []Query, withBalance bool) ([]Reply, error) {
	makers := make([]common.Address, len(queries))
	tokens := make([]common.Address, len(queries))
	digests := make([][32]byte, len(queries))
	for i, q := range queries {
		makers[i] = q.Maker
		tokens[i] = q.Token
		digests[i] = q.Digest
	}

	values, err := callABI(ctx, c.caller, HelperABI, c.helper, "getOrderStatus", makers, tokens, digests, withBalance)
	if err != nil {
		return nil, err
	}
	if len(values) != 4 {
		return nil, fmt.Errorf("getOrderStatus: %d return values", len(values))
	}
	filled, ok1 := values[0].([]*big.Int)
	cancelled, ok2 := values[1].([]bool)
	approved, ok3 := values[2].([]bool)
	balances, ok4 := values[3].([]*big.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, fmt.Errorf("getOrderStatus: unexpected return types %T %T %T %T", values[0], values[1], values[2], values[3])
	}
	n := len(queries)
	if len(filled) != n || len(cancelled) != n || len(approved) != n {
		return nil, fmt.Errorf("%w: helper returned %d/%d/%d for %d", ErrShapeMismatch, len(filled), len(cancelled), len(approved), n)
	}
	if withBalance && len(balances) != n {
		return nil, fmt.Errorf("%w: helper returned %d balances for %d", ErrShapeMismatch, len(balances), n)
	}

	out := make([]Reply, n)
	for i := range out {
		out[i] = Reply{Filled: filled[i], Cancelled: cancelled[i], Approved: approved[i]}
		if withBalance {
			out[i].Balance = balances[i]
		}
	}
	return out, nil
}

func callABI(ctx context.Context, caller ethereum.ContractCaller, contractABI abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return contractABI.Unpack(method, out)
}
