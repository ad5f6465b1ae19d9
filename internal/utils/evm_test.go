package utils

import (
	"math/big"
	"testing"
)

func TestIsEvmAddress(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"0x742d35Cc6634C0532925a3b0F26750C66d78EB66", true},
		{"0x0000000000000000000000000000000000000000", true},
		{"742d35Cc6634C0532925a3b0F26750C66d78EB66", false},
		{"0x742d35Cc6634C0532925a3b0F26750C66d78EB6", false},
		{"0x742d35Cc6634C0532925a3b0F26750C66d78EB6zz", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := IsEvmAddress(tc.in); got != tc.want {
			t.Errorf("IsEvmAddress(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("0x742d35Cc6634C0532925a3b0F26750C66d78EB66")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr.Hex() != "0x742d35Cc6634C0532925a3b0F26750C66d78EB66" {
		t.Errorf("unexpected address %s", addr.Hex())
	}

	if _, err := ParseAddress("not-an-address"); err == nil {
		t.Error("expected error for malformed address")
	}
}

func TestParseWei(t *testing.T) {
	v, err := ParseWei("1000000000000000000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Cmp(big.NewInt(1e18)) != 0 {
		t.Errorf("got %s, want 1e18", v)
	}

	for _, bad := range []string{"", "0", "-5", "1.5", "0x10", "abc"} {
		if _, err := ParseWei(bad); err == nil {
			t.Errorf("ParseWei(%q) should fail", bad)
		}
	}
}

func TestParseWeiOrZero(t *testing.T) {
	v, err := ParseWeiOrZero("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Sign() != 0 {
		t.Errorf("empty string should parse to zero, got %s", v)
	}

	v, err = ParseWeiOrZero("0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Sign() != 0 {
		t.Errorf("got %s, want 0", v)
	}

	if _, err := ParseWeiOrZero("-1"); err == nil {
		t.Error("negative values should fail")
	}
}

func TestBigToHex(t *testing.T) {
	if got := BigToHex(nil); got != "0x0" {
		t.Errorf("BigToHex(nil) = %q, want 0x0", got)
	}
	if got := BigToHex(big.NewInt(0)); got != "0x0" {
		t.Errorf("BigToHex(0) = %q, want 0x0", got)
	}
	if got := BigToHex(big.NewInt(255)); got != "0xff" {
		t.Errorf("BigToHex(255) = %q, want 0xff", got)
	}
}

func TestExplorerTxURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"https://sepolia.etherscan.io", "https://sepolia.etherscan.io/tx/0xabc"},
		{"https://sepolia.etherscan.io/", "https://sepolia.etherscan.io/tx/0xabc"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := ExplorerTxURL(tc.base, "0xabc"); got != tc.want {
			t.Errorf("ExplorerTxURL(%q) = %q, want %q", tc.base, got, tc.want)
		}
	}
}
