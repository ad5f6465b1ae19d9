package utils

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// IsEvmAddress checks whether s is a 20-byte hex address, with or without
// the 0x prefix.
func IsEvmAddress(s string) bool {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if len(s) != 40 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ParseAddress parses and normalizes an EVM address string.
func ParseAddress(s string) (common.Address, error) {
	if !IsEvmAddress(s) {
		return common.Address{}, fmt.Errorf("invalid EVM address: %q", s)
	}
	return common.HexToAddress(s), nil
}

// ParseWei parses a positive decimal wei amount.
func ParseWei(s string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("invalid wei amount: %q", s)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("wei amount must be positive: %q", s)
	}
	return amount, nil
}

// ParseWeiOrZero parses a decimal wei amount, treating empty as zero.
func ParseWeiOrZero(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), nil
	}
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid wei amount: %q", s)
	}
	return amount, nil
}

// BigToHex formats a big.Int as a 0x-prefixed minimal hex quantity.
func BigToHex(v *big.Int) string {
	if v == nil || v.Sign() == 0 {
		return "0x0"
	}
	return "0x" + v.Text(16)
}

// HexToBig parses a 0x-prefixed hex quantity.
func HexToBig(s string) (*big.Int, error) {
	cleaned := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if cleaned == "" {
		return nil, fmt.Errorf("empty hex quantity")
	}
	v, ok := new(big.Int).SetString(cleaned, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex quantity: %q", s)
	}
	return v, nil
}

// ExplorerTxURL joins an explorer base URL with a transaction hash.
func ExplorerTxURL(baseURL, txHash string) string {
	if baseURL == "" || txHash == "" {
		return ""
	}
	return strings.TrimRight(baseURL, "/") + "/tx/" + txHash
}
