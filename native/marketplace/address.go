package marketplace

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// EmptyAddress is the ledger's sentinel for "no buyer".
const EmptyAddress = "0x0000000000000000000000000000000000000000"

// CanonicalAddress renders addr as a lower-case, 0x-prefixed hex string. All
// storage and comparison uses this form.
func CanonicalAddress(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// ParseAddress accepts a 0x-prefixed 40 hex character address in any case.
func ParseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "0x") && !strings.HasPrefix(trimmed, "0X") {
		return common.Address{}, fmt.Errorf("address %q must be 0x-prefixed", raw)
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("address %q is not 20 bytes of hex", raw)
	}
	return common.HexToAddress(trimmed), nil
}

// NormalizeAddress parses raw and returns its canonical form.
func NormalizeAddress(raw string) (string, error) {
	addr, err := ParseAddress(raw)
	if err != nil {
		return "", err
	}
	return CanonicalAddress(addr), nil
}

// IsEmptyAddress reports whether raw is the all-zero sentinel (or blank).
func IsEmptyAddress(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return true
	}
	addr, err := ParseAddress(trimmed)
	if err != nil {
		return false
	}
	return addr == (common.Address{})
}
