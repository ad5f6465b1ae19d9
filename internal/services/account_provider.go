package services

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"sync"

	"gasless-backend/internal/config"

	"github.com/bisoncraft/go-bip39"
	"github.com/decred/dcrd/hdkeychain/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// Standard BIP-44 path for Ethereum: m/44'/60'/0'/0/index.
const (
	purposeEthereum  = hdkeychain.HardenedKeyStart + 44
	coinTypeEthereum = hdkeychain.HardenedKeyStart + 60
	accountZero      = hdkeychain.HardenedKeyStart
)

// rootKeyParams provides xprv/xpub version bytes for the derivation root.
// The serialized form never leaves this process, so mainnet values are only
// a convention.
type rootKeyParams struct{}

func (rootKeyParams) HDPrivKeyVersion() [4]byte { return [4]byte{0x04, 0x88, 0xad, 0xe4} }
func (rootKeyParams) HDPubKeyVersion() [4]byte  { return [4]byte{0x04, 0x88, 0xb2, 0x1e} }

// AccountProvider derives per-user EOA keys from the master seed. Private
// keys exist only inside WithPrivateKey's callback scope and are zeroed on
// the way out; addresses are cached since they are public.
type AccountProvider struct {
	log *logrus.Entry

	mtx       sync.Mutex
	seed      []byte
	addresses map[uint32]common.Address
}

// NewAccountProvider builds the provider from configured seed material.
// A mnemonic takes precedence over a raw hex seed.
func NewAccountProvider() (*AccountProvider, error) {
	cfg := config.AppConfig.Wallet

	var seed []byte
	switch {
	case cfg.Mnemonic != "":
		if !bip39.IsMnemonicValid(cfg.Mnemonic) {
			return nil, fmt.Errorf("invalid wallet mnemonic")
		}
		seed = bip39.NewSeed(cfg.Mnemonic, cfg.Passphrase)
	case cfg.SeedHex != "":
		var err error
		seed, err = hex.DecodeString(cfg.SeedHex)
		if err != nil {
			return nil, fmt.Errorf("invalid wallet seed hex: %w", err)
		}
	default:
		return nil, fmt.Errorf("wallet seed not configured (set WALLET_MNEMONIC or WALLET_SEED_HEX)")
	}

	if len(seed) < hdkeychain.MinSeedBytes || len(seed) > hdkeychain.MaxSeedBytes {
		zeroBytes(seed)
		return nil, fmt.Errorf("wallet seed must be between %d and %d bytes", hdkeychain.MinSeedBytes, hdkeychain.MaxSeedBytes)
	}

	return &AccountProvider{
		log:       logrus.WithField("component", "account_provider"),
		seed:      seed,
		addresses: make(map[uint32]common.Address),
	}, nil
}

// deriveChild walks m/44'/60'/0'/0/index, zeroing every intermediate key.
// The caller owns the returned key and must Zero it.
func (p *AccountProvider) deriveChild(index uint32) (*hdkeychain.ExtendedKey, error) {
	p.mtx.Lock()
	seed := p.seed
	p.mtx.Unlock()
	if seed == nil {
		return nil, fmt.Errorf("account provider is closed")
	}

	extKey, err := hdkeychain.NewMaster(seed, rootKeyParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	path := []uint32{purposeEthereum, coinTypeEthereum, accountZero, 0, index}
	for _, childIdx := range path {
		child, err := extKey.ChildBIP32Std(childIdx)
		extKey.Zero()
		if err != nil {
			return nil, fmt.Errorf("key derivation failed at child %d: %w", childIdx, err)
		}
		extKey = child
	}
	return extKey, nil
}

// WithPrivateKey derives the key for an account index, hands it to fn, and
// destroys it before returning. The key must not escape fn.
func (p *AccountProvider) WithPrivateKey(index uint32, fn func(*ecdsa.PrivateKey) error) error {
	extKey, err := p.deriveChild(index)
	if err != nil {
		return err
	}
	defer extKey.Zero()

	privBytes, err := extKey.SerializedPrivKey()
	if err != nil {
		return fmt.Errorf("failed to serialize private key: %w", err)
	}
	defer zeroBytes(privBytes)

	privKey, err := crypto.ToECDSA(privBytes)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}
	defer privKey.D.SetInt64(0)

	return fn(privKey)
}

// GetAddress returns the EOA address for an account index.
func (p *AccountProvider) GetAddress(index uint32) (common.Address, error) {
	p.mtx.Lock()
	if address, ok := p.addresses[index]; ok {
		p.mtx.Unlock()
		return address, nil
	}
	p.mtx.Unlock()

	var address common.Address
	err := p.WithPrivateKey(index, func(priv *ecdsa.PrivateKey) error {
		address = crypto.PubkeyToAddress(priv.PublicKey)
		return nil
	})
	if err != nil {
		return common.Address{}, err
	}

	p.mtx.Lock()
	p.addresses[index] = address
	p.mtx.Unlock()
	return address, nil
}

// Close zeroes the master seed. Derivations fail afterwards.
func (p *AccountProvider) Close() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	zeroBytes(p.seed)
	p.seed = nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
