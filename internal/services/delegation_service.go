package services

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"
	"sync"
	"time"

	"gasless-backend/internal/config"
	"gasless-backend/internal/metrics"
	"gasless-backend/internal/models"
	"gasless-backend/internal/repository"
	"gasless-backend/internal/types"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
)

const delegationCacheTTL = 30 * time.Second

// DelegationChainReader is the slice of the RPC client the tracker needs.
type DelegationChainReader interface {
	DelegationTarget(ctx context.Context, chainID int64, address common.Address) (*common.Address, error)
	GetTransactionCount(ctx context.Context, chainID int64, address common.Address) (uint64, error)
}

type cachedDelegation struct {
	status    types.DelegationStatus
	fetchedAt time.Time
}

// DelegationService tracks EIP-7702 delegation state per (account, chain):
// a short-TTL cache in front of live chain reads, reconciled against the
// persisted lifecycle records.
type DelegationService struct {
	log      *logrus.Entry
	rpc      DelegationChainReader
	repo     repository.DelegationRepository
	accounts *AccountProvider

	mtx   sync.Mutex
	cache map[nonceKey]cachedDelegation
}

// NewDelegationService wires the tracker.
func NewDelegationService(rpc DelegationChainReader, repo repository.DelegationRepository, accounts *AccountProvider) *DelegationService {
	return &DelegationService{
		log:      logrus.WithField("component", "delegation_service"),
		rpc:      rpc,
		repo:     repo,
		accounts: accounts,
		cache:    make(map[nonceKey]cachedDelegation),
	}
}

// GetStatus returns the delegation state of an account, serving from cache
// within the TTL and reconciling the persisted record with what the chain
// actually shows.
func (s *DelegationService) GetStatus(ctx context.Context, chainID int64, address common.Address) (*types.DelegationStatus, error) {
	key := nonceKey{address: address, chainID: chainID}

	s.mtx.Lock()
	if cached, ok := s.cache[key]; ok && time.Since(cached.fetchedAt) < delegationCacheTTL {
		s.mtx.Unlock()
		status := cached.status
		return &status, nil
	}
	s.mtx.Unlock()

	network, err := config.GetNetworkConfigByChainID(chainID)
	if err != nil {
		return nil, types.WrapError(types.KindConfig, err, "chain %d not configured", chainID)
	}
	implementation := common.HexToAddress(network.DelegationContract)

	target, err := s.rpc.DelegationTarget(ctx, chainID, address)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	status := types.DelegationStatus{LastVerifiedAt: now}
	if target != nil {
		status.DelegationAddress = target
		status.IsDelegated = *target == implementation
		if target.Hex() != implementation.Hex() {
			s.log.WithFields(logrus.Fields{
				"address":  address.Hex(),
				"chain_id": chainID,
				"observed": target.Hex(),
				"expected": implementation.Hex(),
			}).Warn("Account delegated to an unexpected implementation")
		}
	}

	if err := s.reconcile(ctx, chainID, address, implementation, &status); err != nil {
		// Persistence trouble must not block reads; the chain answer stands.
		s.log.WithError(err).WithField("address", address.Hex()).Warn("Delegation record reconciliation failed")
	}

	s.mtx.Lock()
	s.cache[key] = cachedDelegation{status: status, fetchedAt: now}
	s.mtx.Unlock()

	return &status, nil
}

// reconcile aligns the stored lifecycle record with the observed state and
// backfills AuthorizedAt into the status.
func (s *DelegationService) reconcile(ctx context.Context, chainID int64, address, implementation common.Address, status *types.DelegationStatus) error {
	record, err := s.repo.Get(ctx, address.Hex(), chainID)
	if err != nil {
		return err
	}

	switch {
	case record == nil && status.IsDelegated:
		// Delegation exists on-chain but we never recorded it (records were
		// lost, or delegation happened out of band).
		now := time.Now()
		return s.repo.Upsert(ctx, &models.DelegationRecord{
			Address:        strings.ToLower(address.Hex()),
			ChainID:        chainID,
			Implementation: strings.ToLower(implementation.Hex()),
			Status:         models.DelegationStatusActive,
			ActivatedAt:    &now,
			LastVerifiedAt: &now,
		})
	case record == nil:
		return nil
	}

	status.AuthorizedAt = record.AuthorizedAt

	switch {
	case status.IsDelegated && record.Status != models.DelegationStatusActive:
		metrics.DelegationsActivated.WithLabelValues(fmt.Sprint(chainID)).Inc()
		return s.repo.MarkActive(ctx, address.Hex(), chainID, record.ActivationOpHash)
	case !status.IsDelegated && record.Status == models.DelegationStatusActive:
		// Code is gone: delegation was revoked or overwritten.
		return s.repo.MarkRevoked(ctx, address.Hex(), chainID)
	default:
		return s.repo.TouchVerified(ctx, address.Hex(), chainID)
	}
}

// NeedsDelegation reports whether the account still requires an EIP-7702
// authorization before it can run user operations.
func (s *DelegationService) NeedsDelegation(ctx context.Context, chainID int64, address common.Address) (bool, error) {
	status, err := s.GetStatus(ctx, chainID, address)
	if err != nil {
		return false, err
	}
	return !status.IsDelegated, nil
}

// SignAuthorization produces a signed EIP-7702 authorization binding the
// account to the configured delegation implementation. A chain id of zero
// would make the authorization valid on every chain, so it is refused.
func (s *DelegationService) SignAuthorization(ctx context.Context, chainID int64, accountIndex uint32, address common.Address) (*types.SignedAuthorization, error) {
	if chainID == 0 {
		return nil, types.NewError(types.KindValidation, "refusing chain-agnostic authorization (chainId 0)")
	}

	network, err := config.GetNetworkConfigByChainID(chainID)
	if err != nil {
		return nil, types.WrapError(types.KindConfig, err, "chain %d not configured", chainID)
	}
	implementation := common.HexToAddress(network.DelegationContract)

	// The authorization is validated against the EOA's protocol nonce. The
	// account never broadcasts the outer transaction itself (the bundler
	// does), so the current count is the right value.
	eoaNonce, err := s.rpc.GetTransactionCount(ctx, chainID, address)
	if err != nil {
		return nil, err
	}

	var signed gethtypes.SetCodeAuthorization
	err = s.accounts.WithPrivateKey(accountIndex, func(priv *ecdsa.PrivateKey) error {
		auth := gethtypes.SetCodeAuthorization{
			ChainID: *uint256.NewInt(uint64(chainID)),
			Address: implementation,
			Nonce:   eoaNonce,
		}
		var signErr error
		signed, signErr = gethtypes.SignSetCode(priv, auth)
		return signErr
	})
	if err != nil {
		return nil, types.WrapError(types.KindInternal, err, "authorization signing failed")
	}

	now := time.Now()
	record := &models.DelegationRecord{
		Address:        strings.ToLower(address.Hex()),
		ChainID:        chainID,
		Implementation: strings.ToLower(implementation.Hex()),
		Status:         models.DelegationStatusPending,
		AuthorizedAt:   &now,
	}
	if err := s.repo.Upsert(ctx, record); err != nil {
		s.log.WithError(err).WithField("address", address.Hex()).Warn("Failed to persist pending delegation record")
	}

	s.log.WithFields(logrus.Fields{
		"address":        address.Hex(),
		"chain_id":       chainID,
		"implementation": implementation.Hex(),
		"eoa_nonce":      eoaNonce,
	}).Info("Signed EIP-7702 authorization")

	return &types.SignedAuthorization{
		ChainID: signed.ChainID.ToBig(),
		Address: signed.Address,
		Nonce:   signed.Nonce,
		YParity: signed.V,
		R:       signed.R.ToBig(),
		S:       signed.S.ToBig(),
	}, nil
}

// MarkUsed records that an authorization rode along on a submitted user
// operation and drops the cached status so the next read hits the chain.
func (s *DelegationService) MarkUsed(ctx context.Context, chainID int64, address common.Address, userOpHash common.Hash) {
	if err := s.repo.MarkActive(ctx, address.Hex(), chainID, userOpHash.Hex()); err != nil {
		s.log.WithError(err).WithField("address", address.Hex()).Warn("Failed to mark delegation record active")
	}
	metrics.DelegationsActivated.WithLabelValues(fmt.Sprint(chainID)).Inc()
	s.Invalidate(chainID, address)
}

// Invalidate drops the cached status for one account.
func (s *DelegationService) Invalidate(chainID int64, address common.Address) {
	s.mtx.Lock()
	delete(s.cache, nonceKey{address: address, chainID: chainID})
	s.mtx.Unlock()
}
