package limitorder

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const domainName = "LimitOrder"

var (
	domainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(string name,uint256 chainId,address verifyingContract)"))
	domainNameHash = crypto.Keccak256Hash([]byte(domainName))

	orderTypeHash = crypto.Keccak256Hash([]byte(
		"LimitOrder(address maker,address tokenIn,address tokenOut,uint256 amountIn,uint256 amountOut," +
			"address recipient,uint256 startTime,uint256 endTime,uint256 stopPrice,address oracleAddress,bytes32 oracleData)",
	))

	bytes32Ty = mustABIType("bytes32")
	addressTy = mustABIType("address")
	uint256Ty = mustABIType("uint256")
)

func mustABIType(t string) abi.Type {
	ty, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return ty
}

// DomainSeparator hashes the EIP-712 domain of the limit order contract.
func DomainSeparator(chainID int64, verifyingContract common.Address) (common.Hash, error) {
	encoded, err := abi.Arguments{
		{Type: bytes32Ty},
		{Type: bytes32Ty},
		{Type: uint256Ty},
		{Type: addressTy},
	}.Pack(domainTypeHash, domainNameHash, big.NewInt(chainID), verifyingContract)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

// StructHash is the EIP-712 hashStruct of the order. oracleData is hashed as
// dynamic bytes.
func (o Order) StructHash() (common.Hash, error) {
	encoded, err := abi.Arguments{
		{Type: bytes32Ty},
		{Type: addressTy},
		{Type: addressTy},
		{Type: addressTy},
		{Type: uint256Ty},
		{Type: uint256Ty},
		{Type: addressTy},
		{Type: uint256Ty},
		{Type: uint256Ty},
		{Type: uint256Ty},
		{Type: addressTy},
		{Type: bytes32Ty},
	}.Pack(
		orderTypeHash,
		o.Maker,
		o.TokenIn,
		o.TokenOut,
		orZero(o.AmountIn),
		orZero(o.AmountOut),
		o.Recipient,
		new(big.Int).SetUint64(o.StartTime),
		new(big.Int).SetUint64(o.EndTime),
		orZero(o.StopPrice),
		o.OracleAddress,
		crypto.Keccak256Hash(o.OracleData),
	)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

// Digest returns keccak256(0x1901 || domainSeparator || structHash), the
// identifier the contract tracks fills and cancellations under.
func (o Order) Digest(verifyingContract common.Address) (common.Hash, error) {
	domain, err := DomainSeparator(o.ChainID, verifyingContract)
	if err != nil {
		return common.Hash{}, err
	}
	structHash, err := o.StructHash()
	if err != nil {
		return common.Hash{}, err
	}
	raw := make([]byte, 0, 2+32+32)
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domain.Bytes()...)
	raw = append(raw, structHash.Bytes()...)
	return crypto.Keccak256Hash(raw), nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
