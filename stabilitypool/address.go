package stabilitypool

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// IsValidAddress accepts 0x-prefixed 40 hex digit addresses. All-lower and
// all-upper hex are taken as is; mixed case must carry a correct EIP-55
// checksum.
func IsValidAddress(s string) bool {
	if !common.IsHexAddress(s) {
		return false
	}

	digits := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if digits == strings.ToLower(digits) || digits == strings.ToUpper(digits) {
		return true
	}

	return common.HexToAddress(s).Hex() == "0x"+digits
}
