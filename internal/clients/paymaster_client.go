package clients

import (
	"context"
	"math/big"
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

const paymasterCallTimeout = 15 * time.Second

// rpcPaymasterData is the ERC-7677 pm_getPaymasterData response.
type rpcPaymasterData struct {
	Paymaster                     string `json:"paymaster"`
	PaymasterData                 string `json:"paymasterData"`
	PaymasterVerificationGasLimit string `json:"paymasterVerificationGasLimit"`
	PaymasterPostOpGasLimit       string `json:"paymasterPostOpGasLimit"`
}

// PaymasterClient speaks the ERC-7677 paymaster JSON-RPC namespace.
type PaymasterClient struct {
	log *logrus.Entry

	mtx     sync.Mutex
	clients map[int64]*rpc.Client
}

// NewPaymasterClient creates a paymaster client over the configured networks.
func NewPaymasterClient() *PaymasterClient {
	return &PaymasterClient{
		log:     logrus.WithField("component", "paymaster_client"),
		clients: make(map[int64]*rpc.Client),
	}
}

func (p *PaymasterClient) client(ctx context.Context, chainID int64) (*rpc.Client, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if client, ok := p.clients[chainID]; ok {
		return client, nil
	}

	network, err := config.GetNetworkConfigByChainID(chainID)
	if err != nil {
		return nil, types.WrapError(types.KindConfig, err, "chain %d not configured", chainID)
	}
	if network.PaymasterURL == "" {
		return nil, types.NewError(types.KindConfig, "no paymaster configured for chain %d", chainID)
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	client, err := rpc.DialContext(dialCtx, network.PaymasterURL)
	if err != nil {
		return nil, types.WrapError(types.KindChainUnavailable, err, "paymaster dial failed for chain %d", chainID)
	}
	p.clients[chainID] = client
	return client, nil
}

// GetPaymasterData asks the paymaster service to sponsor the operation.
// The operation must already carry gas limits and fees; the returned fields
// are attached before signing.
func (p *PaymasterClient) GetPaymasterData(ctx context.Context, chainID int64, entryPoint common.Address, op *types.UserOperation) (*types.PaymasterFields, error) {
	client, err := p.client(ctx, chainID)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, paymasterCallTimeout)
	defer cancel()

	chainIDHex := hexutil.EncodeBig(big.NewInt(chainID))

	var res rpcPaymasterData
	err = client.CallContext(callCtx, &res, "pm_getPaymasterData",
		toRPCUserOp(op), entryPoint.Hex(), chainIDHex, map[string]interface{}{})
	if err != nil {
		return nil, types.WrapError(types.KindSponsorship, err, "paymaster declined on chain %d", chainID)
	}
	if !utils.IsEvmAddress(res.Paymaster) {
		return nil, types.NewError(types.KindSponsorship, "paymaster returned invalid address %q", res.Paymaster)
	}

	fields := &types.PaymasterFields{Paymaster: common.HexToAddress(res.Paymaster)}
	if res.PaymasterData != "" {
		if fields.Data, err = hexutil.Decode(res.PaymasterData); err != nil {
			return nil, types.WrapError(types.KindSponsorship, err, "bad paymasterData")
		}
	}
	if fields.VerificationGasLimit, err = utils.HexToBig(res.PaymasterVerificationGasLimit); err != nil {
		return nil, types.WrapError(types.KindSponsorship, err, "bad paymasterVerificationGasLimit")
	}
	if fields.PostOpGasLimit, err = utils.HexToBig(res.PaymasterPostOpGasLimit); err != nil {
		return nil, types.WrapError(types.KindSponsorship, err, "bad paymasterPostOpGasLimit")
	}

	p.log.WithFields(logrus.Fields{
		"chain_id":  chainID,
		"paymaster": fields.Paymaster.Hex(),
		"sender":    op.Sender.Hex(),
	}).Debug("Paymaster sponsorship granted")

	return fields, nil
}

// Close releases all paymaster connections.
func (p *PaymasterClient) Close() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for _, client := range p.clients {
		client.Close()
	}
	p.clients = make(map[int64]*rpc.Client)
}
