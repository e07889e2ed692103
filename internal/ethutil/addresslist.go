package ethutil

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
	"unicode"

	"github.com/ethereum/go-ethereum/common"
)

// ParseAddressList splits raw on commas, semicolons and whitespace. The first
// occurrence of a repeated address wins and input order is preserved, since
// PROFIT_TOKENS is read as a preference list. Blank input yields (nil, nil).
func ParseAddressList(raw string) ([]common.Address, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || unicode.IsSpace(r)
	})
	if len(fields) == 0 {
		if strings.TrimSpace(raw) == "" {
			return nil, nil
		}
		return nil, fmt.Errorf("address list %q has no entries", raw)
	}

	var list []common.Address
	for _, f := range fields {
		if !common.IsHexAddress(f) {
			return nil, fmt.Errorf("address list: %q is not a hex address", f)
		}
		addr := common.HexToAddress(f)
		if !slices.Contains(list, addr) {
			list = append(list, addr)
		}
	}
	return list, nil
}

// Less orders addresses as 160-bit integers, the order pair contracts use
// for token0/token1.
func Less(a, b common.Address) bool {
	return bytes.Compare(a.Bytes(), b.Bytes()) < 0
}

// SortedAddresses returns a sorted copy.
func SortedAddresses(addrs []common.Address) []common.Address {
	sorted := slices.Clone(addrs)
	slices.SortFunc(sorted, func(a, b common.Address) int { return bytes.Compare(a[:], b[:]) })
	return sorted
}

// JoinHex renders addrs checksummed and comma separated, for logs.
func JoinHex(addrs []common.Address) string {
	var b strings.Builder
	for i, a := range addrs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(a.Hex())
	}
	return b.String()
}
