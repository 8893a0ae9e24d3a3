package nftkit

import (
	"strings"

	"github.com/0xsequence/ethkit/go-ethereum/common"
)

type Address = common.Address

// NormalizeAddress returns the lower-case 0x-prefixed hex form of addr used
// in cache keys. Invalid addresses are rejected.
func NormalizeAddress(addr string) (string, error) {
	if !common.IsHexAddress(addr) {
		return "", Errorf(KindInvalidInput, "address", "invalid address %q", addr)
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), nil
}
