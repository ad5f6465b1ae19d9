package clients

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gasless-backend/internal/config"
	"gasless-backend/internal/types"
	"gasless-backend/internal/utils"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

const (
	bundlerCallTimeout = 30 * time.Second
	userOpPollEvery    = 2 * time.Second
)

// rpcUserOperation is the EntryPoint v0.7 unpacked wire form bundlers accept
// over JSON-RPC. All quantities are 0x hex strings.
type rpcUserOperation struct {
	Sender               string `json:"sender"`
	Nonce                string `json:"nonce"`
	Factory              string `json:"factory,omitempty"`
	FactoryData          string `json:"factoryData,omitempty"`
	CallData             string `json:"callData"`
	CallGasLimit         string `json:"callGasLimit"`
	VerificationGasLimit string `json:"verificationGasLimit"`
	PreVerificationGas   string `json:"preVerificationGas"`
	MaxFeePerGas         string `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas"`

	Paymaster                     string `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit string `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       string `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 string `json:"paymasterData,omitempty"`

	Signature string `json:"signature"`

	EIP7702Auth *rpcAuthorization `json:"eip7702Auth,omitempty"`
}

// rpcAuthorization is the wire form of a signed EIP-7702 authorization.
type rpcAuthorization struct {
	ChainID string `json:"chainId"`
	Address string `json:"address"`
	Nonce   string `json:"nonce"`
	YParity string `json:"yParity"`
	R       string `json:"r"`
	S       string `json:"s"`
}

type rpcGasEstimate struct {
	PreVerificationGas   string `json:"preVerificationGas"`
	VerificationGasLimit string `json:"verificationGasLimit"`
	CallGasLimit         string `json:"callGasLimit"`
}

type rpcUserOpReceipt struct {
	UserOpHash    string `json:"userOpHash"`
	Success       bool   `json:"success"`
	ActualGasCost string `json:"actualGasCost"`
	ActualGasUsed string `json:"actualGasUsed"`
	Reason        string `json:"reason"`
	Receipt       struct {
		TransactionHash string `json:"transactionHash"`
		BlockNumber     string `json:"blockNumber"`
	} `json:"receipt"`
}

// BundlerClient speaks the ERC-4337 bundler JSON-RPC namespace, one
// connection per chain.
type BundlerClient struct {
	log *logrus.Entry

	mtx     sync.Mutex
	clients map[int64]*rpc.Client
}

// NewBundlerClient creates a bundler client over the configured networks.
func NewBundlerClient() *BundlerClient {
	return &BundlerClient{
		log:     logrus.WithField("component", "bundler_client"),
		clients: make(map[int64]*rpc.Client),
	}
}

func (b *BundlerClient) client(ctx context.Context, chainID int64) (*rpc.Client, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if client, ok := b.clients[chainID]; ok {
		return client, nil
	}

	network, err := config.GetNetworkConfigByChainID(chainID)
	if err != nil {
		return nil, types.WrapError(types.KindConfig, err, "chain %d not configured", chainID)
	}
	if network.BundlerURL == "" {
		return nil, types.NewError(types.KindConfig, "no bundler configured for chain %d", chainID)
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	client, err := rpc.DialContext(dialCtx, network.BundlerURL)
	if err != nil {
		return nil, types.WrapError(types.KindChainUnavailable, err, "bundler dial failed for chain %d", chainID)
	}
	b.clients[chainID] = client
	return client, nil
}

func toRPCUserOp(op *types.UserOperation) *rpcUserOperation {
	out := &rpcUserOperation{
		Sender:               op.Sender.Hex(),
		Nonce:                utils.BigToHex(op.Nonce),
		CallData:             hexutil.Encode(op.CallData),
		CallGasLimit:         utils.BigToHex(op.CallGasLimit),
		VerificationGasLimit: utils.BigToHex(op.VerificationGasLimit),
		PreVerificationGas:   utils.BigToHex(op.PreVerificationGas),
		MaxFeePerGas:         utils.BigToHex(op.MaxFeePerGas),
		MaxPriorityFeePerGas: utils.BigToHex(op.MaxPriorityFeePerGas),
		Signature:            hexutil.Encode(op.Signature),
	}
	if op.Factory != nil {
		out.Factory = op.Factory.Hex()
		out.FactoryData = hexutil.Encode(op.FactoryData)
	}
	if op.Paymaster != nil {
		out.Paymaster = op.Paymaster.Paymaster.Hex()
		out.PaymasterVerificationGasLimit = utils.BigToHex(op.Paymaster.VerificationGasLimit)
		out.PaymasterPostOpGasLimit = utils.BigToHex(op.Paymaster.PostOpGasLimit)
		out.PaymasterData = hexutil.Encode(op.Paymaster.Data)
	}
	if op.Authorization != nil {
		out.EIP7702Auth = &rpcAuthorization{
			ChainID: utils.BigToHex(op.Authorization.ChainID),
			Address: op.Authorization.Address.Hex(),
			Nonce:   fmt.Sprintf("0x%x", op.Authorization.Nonce),
			YParity: fmt.Sprintf("0x%x", op.Authorization.YParity),
			R:       utils.BigToHex(op.Authorization.R),
			S:       utils.BigToHex(op.Authorization.S),
		}
	}
	return out
}

// looksLikeRevert classifies bundler errors that mean the operation would
// fail validation or execution, as opposed to transport trouble.
func looksLikeRevert(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		// AA* validation errors and simulation reverts come back in the
		// -32500..-32507 range defined by ERC-4337.
		code := rpcErr.ErrorCode()
		if code <= -32500 && code >= -32507 {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "revert") || strings.Contains(msg, "aa2") || strings.Contains(msg, "aa3")
}

// EstimateUserOperationGas asks the bundler to simulate the operation and
// return gas limits. The operation must carry fee fields and a signature
// (a dummy one is fine for estimation).
func (b *BundlerClient) EstimateUserOperationGas(ctx context.Context, chainID int64, entryPoint common.Address, op *types.UserOperation) (*types.GasEstimate, error) {
	client, err := b.client(ctx, chainID)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, bundlerCallTimeout)
	defer cancel()

	var res rpcGasEstimate
	err = client.CallContext(callCtx, &res, "eth_estimateUserOperationGas", toRPCUserOp(op), entryPoint.Hex())
	if err != nil {
		if looksLikeRevert(err) {
			return nil, types.WrapError(types.KindSimulation, err, "operation would revert on chain %d", chainID)
		}
		return nil, types.WrapError(types.KindChainUnavailable, err, "gas estimation failed on chain %d", chainID)
	}

	estimate := &types.GasEstimate{}
	if estimate.PreVerificationGas, err = utils.HexToBig(res.PreVerificationGas); err != nil {
		return nil, types.WrapError(types.KindInternal, err, "bad preVerificationGas from bundler")
	}
	if estimate.VerificationGasLimit, err = utils.HexToBig(res.VerificationGasLimit); err != nil {
		return nil, types.WrapError(types.KindInternal, err, "bad verificationGasLimit from bundler")
	}
	if estimate.CallGasLimit, err = utils.HexToBig(res.CallGasLimit); err != nil {
		return nil, types.WrapError(types.KindInternal, err, "bad callGasLimit from bundler")
	}
	return estimate, nil
}

// SendUserOperation submits a signed operation and returns its hash.
func (b *BundlerClient) SendUserOperation(ctx context.Context, chainID int64, entryPoint common.Address, op *types.UserOperation) (common.Hash, error) {
	client, err := b.client(ctx, chainID)
	if err != nil {
		return common.Hash{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, bundlerCallTimeout)
	defer cancel()

	var hashHex string
	err = client.CallContext(callCtx, &hashHex, "eth_sendUserOperation", toRPCUserOp(op), entryPoint.Hex())
	if err != nil {
		if looksLikeRevert(err) {
			return common.Hash{}, types.WrapError(types.KindSimulation, err, "bundler rejected operation on chain %d", chainID)
		}
		return common.Hash{}, types.WrapError(types.KindChainUnavailable, err, "send failed on chain %d", chainID)
	}

	b.log.WithFields(logrus.Fields{
		"chain_id":     chainID,
		"user_op_hash": hashHex,
		"sender":       op.Sender.Hex(),
	}).Info("UserOperation accepted by bundler")

	return common.HexToHash(hashHex), nil
}

// GetUserOperationReceipt fetches the receipt for a submitted operation.
// Returns (nil, nil) while the operation is still pending.
func (b *BundlerClient) GetUserOperationReceipt(ctx context.Context, chainID int64, userOpHash common.Hash) (*types.UserOpReceipt, error) {
	client, err := b.client(ctx, chainID)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, bundlerCallTimeout)
	defer cancel()

	var res *rpcUserOpReceipt
	err = client.CallContext(callCtx, &res, "eth_getUserOperationReceipt", userOpHash.Hex())
	if err != nil {
		return nil, types.WrapError(types.KindChainUnavailable, err, "receipt fetch failed on chain %d", chainID)
	}
	if res == nil {
		return nil, nil
	}

	receipt := &types.UserOpReceipt{
		UserOpHash:      common.HexToHash(res.UserOpHash),
		Success:         res.Success,
		Reason:          res.Reason,
		TransactionHash: common.HexToHash(res.Receipt.TransactionHash),
	}
	if res.ActualGasCost != "" {
		if receipt.ActualGasCost, err = utils.HexToBig(res.ActualGasCost); err != nil {
			return nil, types.WrapError(types.KindInternal, err, "bad actualGasCost from bundler")
		}
	}
	if res.ActualGasUsed != "" {
		gasUsed, err := utils.HexToBig(res.ActualGasUsed)
		if err != nil {
			return nil, types.WrapError(types.KindInternal, err, "bad actualGasUsed from bundler")
		}
		receipt.ActualGasUsed = gasUsed.Uint64()
	}
	if res.Receipt.BlockNumber != "" {
		blockNumber, err := utils.HexToBig(res.Receipt.BlockNumber)
		if err != nil {
			return nil, types.WrapError(types.KindInternal, err, "bad blockNumber from bundler")
		}
		receipt.BlockNumber = blockNumber.Uint64()
	}
	return receipt, nil
}

// WaitForUserOperation polls for the receipt until the context expires.
func (b *BundlerClient) WaitForUserOperation(ctx context.Context, chainID int64, userOpHash common.Hash) (*types.UserOpReceipt, error) {
	ticker := time.NewTicker(userOpPollEvery)
	defer ticker.Stop()

	for {
		receipt, err := b.GetUserOperationReceipt(ctx, chainID, userOpHash)
		if err != nil && types.KindOf(err) != types.KindChainUnavailable {
			return nil, err
		}
		if receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, types.WrapError(types.KindTimeout, ctx.Err(), "user op %s not settled on chain %d", userOpHash.Hex(), chainID)
		case <-ticker.C:
		}
	}
}

// SupportedEntryPoints queries the bundler's supported EntryPoint contracts.
func (b *BundlerClient) SupportedEntryPoints(ctx context.Context, chainID int64) ([]common.Address, error) {
	client, err := b.client(ctx, chainID)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, bundlerCallTimeout)
	defer cancel()

	var res []string
	if err := client.CallContext(callCtx, &res, "eth_supportedEntryPoints"); err != nil {
		return nil, types.WrapError(types.KindChainUnavailable, err, "supportedEntryPoints failed on chain %d", chainID)
	}
	entryPoints := make([]common.Address, 0, len(res))
	for _, s := range res {
		entryPoints = append(entryPoints, common.HexToAddress(s))
	}
	return entryPoints, nil
}

// Close releases all bundler connections.
func (b *BundlerClient) Close() {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	for _, client := range b.clients {
		client.Close()
	}
	b.clients = make(map[int64]*rpc.Client)
}
