package pairwatch

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// SyncTopic is emitted by a pair after every reserve change.
	SyncTopic = crypto.Keccak256Hash([]byte("Sync(uint112,uint112)"))

	getReservesSelector = crypto.Keccak256([]byte("getReserves()"))[:4]
)

// SyncEvent is a decoded Sync log.
type SyncEvent struct {
	Pair        common.Address
	Reserve0    *big.Int
	Reserve1    *big.Int
	BlockNumber uint64
	LogIndex    uint
	Removed     bool
}

func DecodeSyncLog(vLog types.Log) (*SyncEvent, error) {
	// topics:
	// 0: event sig
	// data: reserve0, reserve1 (uint112 padded to 32 bytes)
	if len(vLog.Topics) < 1 || vLog.Topics[0] != SyncTopic {
		return nil, fmt.Errorf("not a Sync log")
	}
	if len(vLog.Data) < 32*2 {
		return nil, fmt.Errorf("unexpected data len=%d", len(vLog.Data))
	}
	return &SyncEvent{
		Pair:        vLog.Address,
		Reserve0:    word(vLog.Data, 0),
		Reserve1:    word(vLog.Data, 1),
		BlockNumber: vLog.BlockNumber,
		LogIndex:    vLog.Index,
		Removed:     vLog.Removed,
	}, nil
}

// decodeReserves reads the first two words of a getReserves() reply;
// the third is blockTimestampLast.
func decodeReserves(out []byte) (*big.Int, *big.Int, error) {
	if len(out) < 32*3 {
		return nil, nil, fmt.Errorf("getReserves returned %d bytes", len(out))
	}
	return word(out, 0), word(out, 1), nil
}

func word(data []byte, i int) *big.Int {
	return new(big.Int).SetBytes(data[i*32 : (i+1)*32])
}
