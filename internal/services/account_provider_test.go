package services

import (
	"crypto/ecdsa"
	"testing"

	"gasless-backend/internal/config"
)

// Canonical BIP-39 test mnemonic; the derived addresses below are the
// standard m/44'/60'/0'/0/i vectors for it.
const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func testAccountProvider(t *testing.T) *AccountProvider {
	t.Helper()
	config.AppConfig = &config.Config{
		Wallet: config.WalletConfig{Mnemonic: testMnemonic},
	}
	p, err := NewAccountProvider()
	if err != nil {
		t.Fatalf("NewAccountProvider: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func TestDeriveKnownAddresses(t *testing.T) {
	p := testAccountProvider(t)

	vectors := map[uint32]string{
		0: "0x9858EfFD232B4033E47d90003D41EC34EcaEda94",
		1: "0x6Fac4D18c912343BF86fa7049364Dd4E424Ab9C0",
	}
	for index, want := range vectors {
		addr, err := p.GetAddress(index)
		if err != nil {
			t.Fatalf("GetAddress(%d): %v", index, err)
		}
		if addr.Hex() != want {
			t.Errorf("index %d: got %s, want %s", index, addr.Hex(), want)
		}
	}
}

func TestAddressCacheStable(t *testing.T) {
	p := testAccountProvider(t)

	first, err := p.GetAddress(3)
	if err != nil {
		t.Fatalf("GetAddress: %v", err)
	}
	second, err := p.GetAddress(3)
	if err != nil {
		t.Fatalf("GetAddress: %v", err)
	}
	if first != second {
		t.Errorf("derivation not deterministic: %s != %s", first.Hex(), second.Hex())
	}
}

func TestWithPrivateKeyScopedLifetime(t *testing.T) {
	p := testAccountProvider(t)

	var leaked *ecdsa.PrivateKey
	err := p.WithPrivateKey(0, func(priv *ecdsa.PrivateKey) error {
		if priv.D.Sign() == 0 {
			t.Error("key should be live inside the callback")
		}
		leaked = priv
		return nil
	})
	if err != nil {
		t.Fatalf("WithPrivateKey: %v", err)
	}
	if leaked.D.Sign() != 0 {
		t.Error("private key scalar not zeroed after callback returned")
	}
}

func TestProviderClosed(t *testing.T) {
	p := testAccountProvider(t)
	p.Close()
	if _, err := p.GetAddress(99); err == nil {
		t.Error("derivation should fail after Close")
	}
}

func TestInvalidSeedConfig(t *testing.T) {
	config.AppConfig = &config.Config{
		Wallet: config.WalletConfig{Mnemonic: "definitely not a valid mnemonic phrase at all here twelve"},
	}
	if _, err := NewAccountProvider(); err == nil {
		t.Error("invalid mnemonic should be rejected")
	}

	config.AppConfig = &config.Config{
		Wallet: config.WalletConfig{SeedHex: "zzzz"},
	}
	if _, err := NewAccountProvider(); err == nil {
		t.Error("invalid seed hex should be rejected")
	}

	config.AppConfig = &config.Config{}
	if _, err := NewAccountProvider(); err == nil {
		t.Error("missing seed material should be rejected")
	}
}
