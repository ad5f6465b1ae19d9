package services

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"gasless-backend/internal/clients"
	"gasless-backend/internal/config"
	"gasless-backend/internal/events"
	"gasless-backend/internal/metrics"
	"gasless-backend/internal/models"
	"gasless-backend/internal/repository"
	"gasless-backend/internal/types"
	"gasless-backend/internal/utils"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const receiptWatchTimeout = 3 * time.Minute

// BundlerBackend is the slice of the bundler client the facade needs.
type BundlerBackend interface {
	EstimateUserOperationGas(ctx context.Context, chainID int64, entryPoint common.Address, op *types.UserOperation) (*types.GasEstimate, error)
	SendUserOperation(ctx context.Context, chainID int64, entryPoint common.Address, op *types.UserOperation) (common.Hash, error)
	GetUserOperationReceipt(ctx context.Context, chainID int64, userOpHash common.Hash) (*types.UserOpReceipt, error)
	WaitForUserOperation(ctx context.Context, chainID int64, userOpHash common.Hash) (*types.UserOpReceipt, error)
}

// ChainBackend is the slice of the RPC client the facade needs.
type ChainBackend interface {
	GetGasFees(ctx context.Context, chainID int64) (*types.GasFees, error)
	GetBalance(ctx context.Context, chainID int64, address common.Address) (*big.Int, error)
}

// GaslessService is the orchestration facade: it takes a high-level
// transfer request through validation, delegation, building, estimation,
// sponsorship, signing and submission, and then watches the receipt in the
// background to settle the nonce slot and notify the user.
type GaslessService struct {
	log *logrus.Entry

	accounts    *AccountProvider
	builder     *UserOpBuilder
	nonces      *NonceAllocator
	delegations *DelegationService
	paymaster   *PaymasterService
	rpc         ChainBackend
	bundler     BundlerBackend

	sponsorships repository.SponsorshipRepository
	nats         *clients.NATSClient
	push         *WebSocketPushService
}

// NewGaslessService wires the facade.
func NewGaslessService(
	accounts *AccountProvider,
	builder *UserOpBuilder,
	nonces *NonceAllocator,
	delegations *DelegationService,
	paymaster *PaymasterService,
	rpc ChainBackend,
	bundler BundlerBackend,
	sponsorships repository.SponsorshipRepository,
	nats *clients.NATSClient,
	push *WebSocketPushService,
) *GaslessService {
	return &GaslessService{
		log:          logrus.WithField("component", "gasless_service"),
		accounts:     accounts,
		builder:      builder,
		nonces:       nonces,
		delegations:  delegations,
		paymaster:    paymaster,
		rpc:          rpc,
		bundler:      bundler,
		sponsorships: sponsorships,
		nats:         nats,
		push:         push,
	}
}

// GetAddress returns the custodial EOA address for a user.
func (s *GaslessService) GetAddress(user types.UserRef) (common.Address, error) {
	return s.accounts.GetAddress(user.AccountIndex)
}

// GetDelegationStatus reports the user's delegation state on a chain.
func (s *GaslessService) GetDelegationStatus(ctx context.Context, user types.UserRef, chainID int64) (*types.DelegationStatus, error) {
	address, err := s.accounts.GetAddress(user.AccountIndex)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, err, "address derivation failed")
	}
	return s.delegations.GetStatus(ctx, chainID, address)
}

// GetBalance returns the native balance of the user's account.
func (s *GaslessService) GetBalance(ctx context.Context, user types.UserRef, chainID int64) (*big.Int, error) {
	address, err := s.accounts.GetAddress(user.AccountIndex)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, err, "address derivation failed")
	}
	return s.rpc.GetBalance(ctx, chainID, address)
}

// SendNativeTransfer submits a gasless native value transfer.
func (s *GaslessService) SendNativeTransfer(ctx context.Context, user types.UserRef, chainID int64, to common.Address, amount *big.Int) (*types.TransferResult, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, types.NewError(types.KindValidation, "transfer amount must be positive")
	}
	return s.sendCalls(ctx, user, chainID, []types.Call{s.builder.NativeTransferCall(to, amount)})
}

// SendTokenTransfer submits a gasless ERC-20 transfer.
func (s *GaslessService) SendTokenTransfer(ctx context.Context, user types.UserRef, chainID int64, token, recipient common.Address, amount *big.Int) (*types.TransferResult, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, types.NewError(types.KindValidation, "transfer amount must be positive")
	}
	s.builder.CheckTokenAllowlist(chainID, token)

	call, err := s.builder.ERC20TransferCall(token, recipient, amount)
	if err != nil {
		return nil, err
	}
	return s.sendCalls(ctx, user, chainID, []types.Call{call})
}

// SendApproveAndTransfer submits approve(spender, amount) and
// transfer(recipient, amount) on the same token as one atomic batch.
func (s *GaslessService) SendApproveAndTransfer(ctx context.Context, user types.UserRef, chainID int64, token, spender, recipient common.Address, amount *big.Int) (*types.TransferResult, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, types.NewError(types.KindValidation, "amount must be positive")
	}
	s.builder.CheckTokenAllowlist(chainID, token)

	approve, err := s.builder.ERC20ApproveCall(token, spender, amount)
	if err != nil {
		return nil, err
	}
	transfer, err := s.builder.ERC20TransferCall(token, recipient, amount)
	if err != nil {
		return nil, err
	}
	return s.sendCalls(ctx, user, chainID, []types.Call{approve, transfer})
}

// SendBatch submits arbitrary call tuples as one atomic batch.
func (s *GaslessService) SendBatch(ctx context.Context, user types.UserRef, chainID int64, calls []types.Call) (*types.TransferResult, error) {
	return s.sendCalls(ctx, user, chainID, calls)
}

// sendCalls is the single submission path all transfers go through.
func (s *GaslessService) sendCalls(ctx context.Context, user types.UserRef, chainID int64, calls []types.Call) (*types.TransferResult, error) {
	start := time.Now()
	chain := fmt.Sprint(chainID)

	network, err := config.GetNetworkConfigByChainID(chainID)
	if err != nil {
		return nil, types.WrapError(types.KindConfig, err, "chain %d not configured", chainID)
	}
	if !network.GaslessEnabled {
		return nil, types.NewError(types.KindConfig, "gasless transactions disabled on chain %d", chainID)
	}
	entryPoint := common.HexToAddress(network.EntryPoint)

	address, err := s.accounts.GetAddress(user.AccountIndex)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, err, "address derivation failed")
	}

	log := s.log.WithFields(logrus.Fields{
		"user_id":  user.UserID,
		"address":  address.Hex(),
		"chain_id": chainID,
		"calls":    len(calls),
	})

	callData, err := s.builder.EncodeExecuteBatch(calls)
	if err != nil {
		return nil, err
	}

	// An undelegated account gets its EIP-7702 authorization bundled into
	// this operation, so the first transfer both installs the delegation
	// and executes.
	needsAuth, err := s.delegations.NeedsDelegation(ctx, chainID, address)
	if err != nil {
		return nil, err
	}

	fees, err := s.rpc.GetGasFees(ctx, chainID)
	if err != nil {
		return nil, err
	}

	var (
		userOpHash common.Hash
		sponsored  bool
		chargeWei  *big.Int
	)

	err = s.nonces.WithNonce(ctx, chainID, entryPoint, address, func(nonce *big.Int) error {
		op := &types.UserOperation{
			Sender:               address,
			Nonce:                nonce,
			CallData:             callData,
			MaxFeePerGas:         fees.MaxFeePerGas,
			MaxPriorityFeePerGas: fees.MaxPriorityFeePerGas,
		}

		if needsAuth {
			auth, err := s.delegations.SignAuthorization(ctx, chainID, user.AccountIndex, address)
			if err != nil {
				return err
			}
			op.Authorization = auth
		}

		s.builder.ApplyDummySignature(op)
		estimate, err := s.bundler.EstimateUserOperationGas(ctx, chainID, entryPoint, op)
		if err != nil {
			return err
		}
		op.CallGasLimit = estimate.CallGasLimit
		op.VerificationGasLimit = estimate.VerificationGasLimit
		op.PreVerificationGas = estimate.PreVerificationGas

		// Sponsorship refusal never blocks the transfer: the operation goes
		// out unsponsored and the account pays its own gas. The ledger is
		// charged the amount RequestSponsorship reports, and only that
		// amount is ever refunded.
		paymasterFields, charged, pmErr := s.paymaster.RequestSponsorship(ctx, chainID, user, entryPoint, op)
		if pmErr != nil {
			log.WithError(pmErr).Warn("Sponsorship unavailable, submitting unsponsored")
		} else {
			op.Paymaster = paymasterFields
			sponsored = true
			chargeWei = charged
		}

		if err := s.builder.Sign(op, user.AccountIndex, entryPoint, chainID); err != nil {
			s.paymaster.ReleaseSponsorship(user, chainID, chargeWei)
			return err
		}

		userOpHash, err = s.bundler.SendUserOperation(ctx, chainID, entryPoint, op)
		if err != nil {
			s.paymaster.ReleaseSponsorship(user, chainID, chargeWei)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	metrics.UserOpsSubmitted.WithLabelValues(chain, fmt.Sprint(sponsored)).Inc()
	metrics.UserOpDuration.WithLabelValues(chain).Observe(time.Since(start).Seconds())
	log.WithField("user_op_hash", userOpHash.Hex()).Info("Gasless operation submitted")

	if sponsored && s.sponsorships != nil {
		record := &models.SponsoredOperation{
			ID:               uuid.NewString(),
			UserID:           user.UserID,
			Address:          strings.ToLower(address.Hex()),
			ChainID:          chainID,
			UserOpHash:       userOpHash.Hex(),
			Status:           models.SponsoredOpStatusSubmitted,
			EstimatedCostWei: chargeWei.String(),
		}
		if err := s.sponsorships.Create(ctx, record); err != nil {
			log.WithError(err).Warn("Failed to write sponsorship audit row")
		}
	}

	s.publishEvent(events.SubjectOpSubmitted, &events.UserOpEvent{
		UserID:           user.UserID,
		Address:          address.Hex(),
		ChainID:          chainID,
		UserOpHash:       userOpHash.Hex(),
		State:            string(types.StatePending),
		Sponsored:        sponsored,
		FirstTransaction: needsAuth,
		Timestamp:        now,
	})

	// The watcher settles the nonce slot independent of the caller's
	// context: cancellation of the HTTP request must not leak reservations.
	go s.watchReceipt(user, chainID, address, userOpHash, sponsored, needsAuth, chargeWei)

	return &types.TransferResult{
		UserOpHash:         userOpHash,
		State:              types.StatePending,
		Sponsored:          sponsored,
		IsFirstTransaction: needsAuth,
		SubmittedAt:        now,
	}, nil
}

// watchReceipt polls until the operation settles, then releases the nonce
// reservation, finalizes the audit row, and notifies subscribers.
func (s *GaslessService) watchReceipt(user types.UserRef, chainID int64, address common.Address, userOpHash common.Hash, sponsored, firstTx bool, chargedWei *big.Int) {
	ctx, cancel := context.WithTimeout(context.Background(), receiptWatchTimeout)
	defer cancel()

	chain := fmt.Sprint(chainID)
	log := s.log.WithFields(logrus.Fields{
		"user_id":      user.UserID,
		"chain_id":     chainID,
		"user_op_hash": userOpHash.Hex(),
	})

	receipt, err := s.bundler.WaitForUserOperation(ctx, chainID, userOpHash)

	event := &events.UserOpEvent{
		UserID:           user.UserID,
		Address:          address.Hex(),
		ChainID:          chainID,
		UserOpHash:       userOpHash.Hex(),
		Sponsored:        sponsored,
		FirstTransaction: firstTx,
		Timestamp:        time.Now(),
	}

	switch {
	case err != nil:
		// Never observed on-chain within the window: treat as dropped.
		s.nonces.MarkFailed(address, chainID)
		metrics.UserOpsFailed.WithLabelValues(chain, "dropped").Inc()
		if sponsored && s.sponsorships != nil {
			if dbErr := s.sponsorships.MarkFailed(ctx, userOpHash.Hex(), models.SponsoredOpStatusDropped); dbErr != nil {
				log.WithError(dbErr).Warn("Failed to mark sponsorship row dropped")
			}
		}
		event.State = string(types.StateDropped)
		log.WithError(err).Warn("UserOperation dropped without receipt")
		s.publishEvent(events.SubjectOpDropped, event)

	case receipt.Success:
		s.nonces.MarkConfirmed(address, chainID)
		metrics.UserOpsConfirmed.WithLabelValues(chain).Inc()
		if sponsored {
			// The estimate reserved worst-case gas; settle to what the
			// paymaster actually paid.
			s.paymaster.RecordActualCost(user, chainID, chargedWei, receipt.ActualGasCost)
		}
		if sponsored && s.sponsorships != nil {
			actualCost := "0"
			if receipt.ActualGasCost != nil {
				actualCost = receipt.ActualGasCost.String()
			}
			if dbErr := s.sponsorships.MarkConfirmed(ctx, userOpHash.Hex(), actualCost, receipt.TransactionHash.Hex(), receipt.BlockNumber); dbErr != nil {
				log.WithError(dbErr).Warn("Failed to mark sponsorship row confirmed")
			}
		}
		if firstTx {
			// The authorization only counts once it landed: mark the record
			// active and drop the cached status.
			s.delegations.MarkUsed(ctx, chainID, address, userOpHash)
			s.publishEvent(events.SubjectDelegationActivated, &events.DelegationEvent{
				Address:    address.Hex(),
				ChainID:    chainID,
				UserOpHash: userOpHash.Hex(),
				Timestamp:  time.Now(),
			})
		}
		event.State = string(types.StateConfirmed)
		event.TxHash = receipt.TransactionHash.Hex()
		if receipt.ActualGasCost != nil {
			event.ActualGasCost = receipt.ActualGasCost.String()
		}
		log.WithField("tx_hash", receipt.TransactionHash.Hex()).Info("UserOperation confirmed")
		s.publishEvent(events.SubjectOpConfirmed, event)

	default:
		// Landed on-chain but the inner call reverted. The EntryPoint nonce
		// was still consumed, so the slot is marked failed and the next
		// allocation resyncs from chain.
		s.nonces.MarkFailed(address, chainID)
		metrics.UserOpsFailed.WithLabelValues(chain, "reverted").Inc()
		if sponsored && s.sponsorships != nil {
			if dbErr := s.sponsorships.MarkFailed(ctx, userOpHash.Hex(), models.SponsoredOpStatusFailed); dbErr != nil {
				log.WithError(dbErr).Warn("Failed to mark sponsorship row failed")
			}
		}
		event.State = string(types.StateFailed)
		event.TxHash = receipt.TransactionHash.Hex()
		event.Reason = receipt.Reason
		log.WithField("reason", receipt.Reason).Warn("UserOperation reverted")
		s.publishEvent(events.SubjectOpFailed, event)
	}

	if s.push != nil {
		s.push.PushToUser(user.UserID, event)
	}
}

func (s *GaslessService) publishEvent(subject string, event interface{}) {
	if s.nats == nil {
		return
	}
	if err := s.nats.Publish(subject, event); err != nil {
		s.log.WithError(err).WithField("subject", subject).Warn("Event publication failed")
	}
}

// GetReceipt fetches the settled state of an operation, nil while pending.
func (s *GaslessService) GetReceipt(ctx context.Context, chainID int64, userOpHash common.Hash) (*types.UserOpReceipt, string, error) {
	receipt, err := s.bundler.GetUserOperationReceipt(ctx, chainID, userOpHash)
	if err != nil || receipt == nil {
		return receipt, "", err
	}
	return receipt, s.explorerURL(chainID, receipt.TransactionHash), nil
}

// WaitForReceipt blocks until the operation settles or the caller's wait
// window expires. The background watcher keeps running either way.
func (s *GaslessService) WaitForReceipt(ctx context.Context, chainID int64, userOpHash common.Hash, timeout time.Duration) (*types.UserOpReceipt, string, error) {
	if timeout <= 0 || timeout > receiptWatchTimeout {
		timeout = receiptWatchTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	receipt, err := s.bundler.WaitForUserOperation(waitCtx, chainID, userOpHash)
	if err != nil {
		return nil, "", err
	}
	return receipt, s.explorerURL(chainID, receipt.TransactionHash), nil
}

func (s *GaslessService) explorerURL(chainID int64, txHash common.Hash) string {
	network, err := config.GetNetworkConfigByChainID(chainID)
	if err != nil {
		return ""
	}
	return utils.ExplorerTxURL(network.ExplorerURL, txHash.Hex())
}
