package services

import (
	"context"
	"sync"
	"testing"

	"gasless-backend/internal/config"
	"gasless-backend/internal/models"
	"gasless-backend/internal/types"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

const testChainID int64 = 1337

var testImplementation = common.HexToAddress("0xe6Cae83BdE06E4c305530e199D7217f42808555B")

type fakeChainReader struct {
	mtx         sync.Mutex
	target      *common.Address
	txCount     uint64
	targetReads int
}

func (f *fakeChainReader) DelegationTarget(ctx context.Context, chainID int64, address common.Address) (*common.Address, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.targetReads++
	return f.target, nil
}

func (f *fakeChainReader) GetTransactionCount(ctx context.Context, chainID int64, address common.Address) (uint64, error) {
	return f.txCount, nil
}

type fakeDelegationRepo struct {
	mtx     sync.Mutex
	records map[string]*models.DelegationRecord
	actives []string
	revoked []string
}

func newFakeDelegationRepo() *fakeDelegationRepo {
	return &fakeDelegationRepo{records: make(map[string]*models.DelegationRecord)}
}

func (f *fakeDelegationRepo) key(address string, chainID int64) string {
	return common.HexToAddress(address).Hex()
}

func (f *fakeDelegationRepo) Upsert(ctx context.Context, record *models.DelegationRecord) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.records[f.key(record.Address, record.ChainID)] = record
	return nil
}

func (f *fakeDelegationRepo) Get(ctx context.Context, address string, chainID int64) (*models.DelegationRecord, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	record, ok := f.records[f.key(address, chainID)]
	if !ok {
		return nil, nil
	}
	copied := *record
	return &copied, nil
}

func (f *fakeDelegationRepo) MarkActive(ctx context.Context, address string, chainID int64, opHash string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.actives = append(f.actives, opHash)
	if record, ok := f.records[f.key(address, chainID)]; ok {
		record.Status = models.DelegationStatusActive
		record.ActivationOpHash = opHash
	}
	return nil
}

func (f *fakeDelegationRepo) MarkRevoked(ctx context.Context, address string, chainID int64) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.revoked = append(f.revoked, address)
	if record, ok := f.records[f.key(address, chainID)]; ok {
		record.Status = models.DelegationStatusRevoked
	}
	return nil
}

func (f *fakeDelegationRepo) TouchVerified(ctx context.Context, address string, chainID int64) error {
	return nil
}

func (f *fakeDelegationRepo) ListByStatus(ctx context.Context, chainID int64, status models.DelegationRecordStatus) ([]*models.DelegationRecord, error) {
	return nil, nil
}

func delegationTestConfig() {
	config.AppConfig = &config.Config{
		Wallet: config.WalletConfig{Mnemonic: testMnemonic},
		Blockchain: config.BlockchainConfig{
			Networks: map[string]config.NetworkConfig{
				"testnet": {
					ChainID:            testChainID,
					Name:               "Testnet",
					RPCEndpoints:       []string{"http://localhost:8545"},
					EntryPoint:         testEntryPoint.Hex(),
					DelegationContract: testImplementation.Hex(),
					BundlerURL:         "http://localhost:4337",
					GaslessEnabled:     true,
					Enabled:            true,
				},
			},
		},
	}
}

func TestGetStatusDelegated(t *testing.T) {
	delegationTestConfig()
	target := testImplementation
	reader := &fakeChainReader{target: &target}
	s := NewDelegationService(reader, newFakeDelegationRepo(), nil)

	status, err := s.GetStatus(context.Background(), testChainID, testAccount)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if !status.IsDelegated {
		t.Error("account delegated to the configured implementation should report delegated")
	}
	if status.DelegationAddress == nil || *status.DelegationAddress != testImplementation {
		t.Error("delegation address not reported")
	}
}

func TestGetStatusForeignDelegation(t *testing.T) {
	delegationTestConfig()
	other := common.HexToAddress("0x1111111111111111111111111111111111111111")
	reader := &fakeChainReader{target: &other}
	s := NewDelegationService(reader, newFakeDelegationRepo(), nil)

	status, err := s.GetStatus(context.Background(), testChainID, testAccount)
	if err != nil {
		t.Fatal(err)
	}
	if status.IsDelegated {
		t.Error("delegation to a foreign implementation must not count as delegated")
	}
}

func TestGetStatusCached(t *testing.T) {
	delegationTestConfig()
	target := testImplementation
	reader := &fakeChainReader{target: &target}
	s := NewDelegationService(reader, newFakeDelegationRepo(), nil)

	for i := 0; i < 3; i++ {
		if _, err := s.GetStatus(context.Background(), testChainID, testAccount); err != nil {
			t.Fatal(err)
		}
	}
	if reader.targetReads != 1 {
		t.Errorf("expected 1 chain read within the cache TTL, got %d", reader.targetReads)
	}

	s.Invalidate(testChainID, testAccount)
	if _, err := s.GetStatus(context.Background(), testChainID, testAccount); err != nil {
		t.Fatal(err)
	}
	if reader.targetReads != 2 {
		t.Errorf("invalidation should force a re-read, got %d reads", reader.targetReads)
	}
}

func TestReconcileOutOfBandDelegation(t *testing.T) {
	delegationTestConfig()
	target := testImplementation
	repo := newFakeDelegationRepo()
	s := NewDelegationService(&fakeChainReader{target: &target}, repo, nil)

	if _, err := s.GetStatus(context.Background(), testChainID, testAccount); err != nil {
		t.Fatal(err)
	}

	record, _ := repo.Get(context.Background(), testAccount.Hex(), testChainID)
	if record == nil {
		t.Fatal("delegation observed on-chain should be recorded")
	}
	if record.Status != models.DelegationStatusActive {
		t.Errorf("record status = %s, want active", record.Status)
	}
}

func TestReconcileRevocation(t *testing.T) {
	delegationTestConfig()
	repo := newFakeDelegationRepo()
	repo.Upsert(context.Background(), &models.DelegationRecord{
		Address:        testAccount.Hex(),
		ChainID:        testChainID,
		Implementation: testImplementation.Hex(),
		Status:         models.DelegationStatusActive,
	})

	// Chain shows no delegated code anymore.
	s := NewDelegationService(&fakeChainReader{target: nil}, repo, nil)
	status, err := s.GetStatus(context.Background(), testChainID, testAccount)
	if err != nil {
		t.Fatal(err)
	}
	if status.IsDelegated {
		t.Error("no code means not delegated")
	}
	if len(repo.revoked) != 1 {
		t.Error("active record with no on-chain code should be marked revoked")
	}
}

func TestSignAuthorizationRefusesChainZero(t *testing.T) {
	delegationTestConfig()
	s := NewDelegationService(&fakeChainReader{}, newFakeDelegationRepo(), nil)

	_, err := s.SignAuthorization(context.Background(), 0, 0, testAccount)
	if types.KindOf(err) != types.KindValidation {
		t.Fatalf("chain id 0 must be refused with a validation error, got %v", err)
	}
}

func TestSignAuthorizationRecoverable(t *testing.T) {
	delegationTestConfig()
	accounts, err := NewAccountProvider()
	if err != nil {
		t.Fatalf("NewAccountProvider: %v", err)
	}
	t.Cleanup(accounts.Close)
	address, err := accounts.GetAddress(0)
	if err != nil {
		t.Fatal(err)
	}

	repo := newFakeDelegationRepo()
	s := NewDelegationService(&fakeChainReader{txCount: 4}, repo, accounts)

	auth, err := s.SignAuthorization(context.Background(), testChainID, 0, address)
	if err != nil {
		t.Fatalf("SignAuthorization: %v", err)
	}
	if auth.ChainID.Int64() != testChainID {
		t.Errorf("chain id = %s, want %d", auth.ChainID, testChainID)
	}
	if auth.Address != testImplementation {
		t.Errorf("authorization target = %s, want implementation", auth.Address.Hex())
	}
	if auth.Nonce != 4 {
		t.Errorf("nonce = %d, want the EOA transaction count", auth.Nonce)
	}

	// The signature must recover to the custodial EOA.
	reconstructed := gethtypes.SetCodeAuthorization{
		ChainID: *uint256.MustFromBig(auth.ChainID),
		Address: auth.Address,
		Nonce:   auth.Nonce,
		V:       auth.YParity,
		R:       *uint256.MustFromBig(auth.R),
		S:       *uint256.MustFromBig(auth.S),
	}
	authority, err := reconstructed.Authority()
	if err != nil {
		t.Fatalf("Authority: %v", err)
	}
	if authority != address {
		t.Errorf("authority %s, want %s", authority.Hex(), address.Hex())
	}

	// A pending lifecycle record was written.
	record, _ := repo.Get(context.Background(), address.Hex(), testChainID)
	if record == nil || record.Status != models.DelegationStatusPending {
		t.Error("pending delegation record not persisted")
	}
}
