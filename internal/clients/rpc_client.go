package clients

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"gasless-backend/internal/config"
	"gasless-backend/internal/metrics"
	"gasless-backend/internal/types"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

const (
	dialTimeout      = 10 * time.Second
	receiptPollEvery = 3 * time.Second
)

// getNonce(address,uint192) on the EntryPoint.
var entryPointGetNonceSelector = crypto.Keccak256([]byte("getNonce(address,uint192)"))[:4]

// RPCClient is a per-chain pool of JSON-RPC endpoints with failover. Every
// read goes through withClient, which walks the endpoint list starting at
// the last known healthy one and rotates on transport failure.
type RPCClient struct {
	log *logrus.Entry

	mtx   sync.Mutex
	pools map[int64]*endpointPool
}

type endpointPool struct {
	chainID   int64
	endpoints []string

	mtx     sync.Mutex
	clients map[string]*ethclient.Client
	primary int
}

// NewRPCClient creates an RPC client pool over the configured networks.
func NewRPCClient() *RPCClient {
	return &RPCClient{
		log:   logrus.WithField("component", "rpc_client"),
		pools: make(map[int64]*endpointPool),
	}
}

func (c *RPCClient) pool(chainID int64) (*endpointPool, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if p, ok := c.pools[chainID]; ok {
		return p, nil
	}

	network, err := config.GetNetworkConfigByChainID(chainID)
	if err != nil {
		return nil, types.WrapError(types.KindConfig, err, "chain %d not configured", chainID)
	}

	p := &endpointPool{
		chainID:   chainID,
		endpoints: network.RPCEndpoints,
		clients:   make(map[string]*ethclient.Client),
	}
	c.pools[chainID] = p
	return p, nil
}

func (p *endpointPool) client(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	p.mtx.Lock()
	if client, ok := p.clients[endpoint]; ok {
		p.mtx.Unlock()
		return client, nil
	}
	p.mtx.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	client, err := ethclient.DialContext(dialCtx, endpoint)
	if err != nil {
		return nil, err
	}

	// Refuse endpoints answering for the wrong chain.
	networkID, err := client.ChainID(dialCtx)
	if err != nil {
		client.Close()
		return nil, err
	}
	if networkID.Int64() != p.chainID {
		client.Close()
		return nil, fmt.Errorf("endpoint %s reports chain %d, want %d", endpoint, networkID.Int64(), p.chainID)
	}

	p.mtx.Lock()
	p.clients[endpoint] = client
	p.mtx.Unlock()
	return client, nil
}

func (p *endpointPool) drop(endpoint string) {
	p.mtx.Lock()
	if client, ok := p.clients[endpoint]; ok {
		client.Close()
		delete(p.clients, endpoint)
	}
	p.mtx.Unlock()
}

// nodeResponded reports whether the error came from a node that actually
// answered the request. Those errors are returned as-is; anything else is a
// transport failure worth failing over for.
func nodeResponded(err error) bool {
	if errors.Is(err, ethereum.NotFound) {
		return true
	}
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr)
}

// withClient runs fn against the pool, failing over across endpoints on
// transport errors. The endpoint that last succeeded stays primary.
func (c *RPCClient) withClient(ctx context.Context, chainID int64, fn func(*ethclient.Client) error) error {
	p, err := c.pool(chainID)
	if err != nil {
		return err
	}

	p.mtx.Lock()
	start := p.primary
	n := len(p.endpoints)
	p.mtx.Unlock()

	var lastErr error
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			return types.WrapError(types.KindChainUnavailable, ctx.Err(), "chain %d", chainID)
		}

		idx := (start + i) % n
		endpoint := p.endpoints[idx]

		client, err := p.client(ctx, endpoint)
		if err != nil {
			lastErr = err
			c.log.WithError(err).WithFields(logrus.Fields{
				"chain_id": chainID,
				"endpoint": endpoint,
			}).Warn("RPC endpoint dial failed, trying next")
			metrics.RPCFailovers.WithLabelValues(fmt.Sprint(chainID)).Inc()
			continue
		}

		err = fn(client)
		if err == nil || errors.Is(err, ctx.Err()) || nodeResponded(err) {
			if err == nil && i != 0 {
				p.mtx.Lock()
				p.primary = idx
				p.mtx.Unlock()
			}
			return err
		}

		lastErr = err
		p.drop(endpoint)
		metrics.RPCFailovers.WithLabelValues(fmt.Sprint(chainID)).Inc()
		c.log.WithError(err).WithFields(logrus.Fields{
			"chain_id": chainID,
			"endpoint": endpoint,
		}).Warn("RPC call failed, failing over")
	}

	return types.WrapError(types.KindChainUnavailable, lastErr, "all %d endpoints failed for chain %d", n, chainID)
}

// GetBytecode returns the code deployed at an address.
func (c *RPCClient) GetBytecode(ctx context.Context, chainID int64, address common.Address) ([]byte, error) {
	var code []byte
	err := c.withClient(ctx, chainID, func(client *ethclient.Client) error {
		var err error
		code, err = client.CodeAt(ctx, address, nil)
		return err
	})
	return code, err
}

// GetTransactionCount returns the account's EOA transaction nonce,
// including pending transactions.
func (c *RPCClient) GetTransactionCount(ctx context.Context, chainID int64, address common.Address) (uint64, error) {
	var nonce uint64
	err := c.withClient(ctx, chainID, func(client *ethclient.Client) error {
		var err error
		nonce, err = client.PendingNonceAt(ctx, address)
		return err
	})
	return nonce, err
}

// GetBalance returns the native balance of an address.
func (c *RPCClient) GetBalance(ctx context.Context, chainID int64, address common.Address) (*big.Int, error) {
	var balance *big.Int
	err := c.withClient(ctx, chainID, func(client *ethclient.Client) error {
		var err error
		balance, err = client.BalanceAt(ctx, address, nil)
		return err
	})
	return balance, err
}

// GetGasFees returns an EIP-1559 fee pair. On chains without base fee
// support both fields carry the legacy gas price.
func (c *RPCClient) GetGasFees(ctx context.Context, chainID int64) (*types.GasFees, error) {
	var fees *types.GasFees
	err := c.withClient(ctx, chainID, func(client *ethclient.Client) error {
		header, err := client.HeaderByNumber(ctx, nil)
		if err != nil {
			return err
		}
		if header.BaseFee == nil {
			gasPrice, err := client.SuggestGasPrice(ctx)
			if err != nil {
				return err
			}
			fees = &types.GasFees{MaxFeePerGas: gasPrice, MaxPriorityFeePerGas: gasPrice}
			return nil
		}

		tip, err := client.SuggestGasTipCap(ctx)
		if err != nil {
			return err
		}
		// maxFee = 2*baseFee + tip leaves headroom for base fee growth
		// while the op sits in the mempool.
		maxFee := new(big.Int).Mul(header.BaseFee, big.NewInt(2))
		maxFee.Add(maxFee, tip)
		fees = &types.GasFees{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}
		return nil
	})
	return fees, err
}

// DelegationTarget inspects an account's code for the EIP-7702 delegation
// designator and returns the embedded implementation address.
func (c *RPCClient) DelegationTarget(ctx context.Context, chainID int64, address common.Address) (*common.Address, error) {
	code, err := c.GetBytecode(ctx, chainID, address)
	if err != nil {
		return nil, err
	}
	target, ok := gethtypes.ParseDelegation(code)
	if !ok {
		return nil, nil
	}
	return &target, nil
}

// IsDelegated reports whether the account carries any EIP-7702 delegation.
func (c *RPCClient) IsDelegated(ctx context.Context, chainID int64, address common.Address) (bool, error) {
	target, err := c.DelegationTarget(ctx, chainID, address)
	return target != nil, err
}

// IsValidDelegation reports whether the account delegates to the expected
// implementation. A delegation to anything else is reported false: the
// account is delegated, but not to code this service can drive.
func (c *RPCClient) IsValidDelegation(ctx context.Context, chainID int64, address, implementation common.Address) (bool, error) {
	target, err := c.DelegationTarget(ctx, chainID, address)
	if err != nil || target == nil {
		return false, err
	}
	return *target == implementation, nil
}

// GetEntryPointNonce reads the account's 4337 nonce from the EntryPoint
// for key zero.
func (c *RPCClient) GetEntryPointNonce(ctx context.Context, chainID int64, entryPoint, account common.Address) (*big.Int, error) {
	// getNonce(address sender, uint192 key)
	data := make([]byte, 0, 4+64)
	data = append(data, entryPointGetNonceSelector...)
	data = append(data, common.LeftPadBytes(account.Bytes(), 32)...)
	data = append(data, make([]byte, 32)...) // key = 0

	var out []byte
	err := c.withClient(ctx, chainID, func(client *ethclient.Client) error {
		var err error
		out, err = client.CallContract(ctx, ethereum.CallMsg{To: &entryPoint, Data: data}, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(out) != 32 {
		return nil, types.NewError(types.KindChainUnavailable, "entrypoint getNonce returned %d bytes", len(out))
	}
	return new(big.Int).SetBytes(out), nil
}

// WaitForTransaction blocks until the transaction has the configured number
// of confirmations, the context expires, or the chain drops it. A receipt
// that disappears under a reorg puts the wait back into polling.
func (c *RPCClient) WaitForTransaction(ctx context.Context, chainID int64, txHash common.Hash) (*gethtypes.Receipt, error) {
	network, err := config.GetNetworkConfigByChainID(chainID)
	if err != nil {
		return nil, types.WrapError(types.KindConfig, err, "chain %d not configured", chainID)
	}
	confirmations := network.ConfirmationBlocks
	if confirmations == 0 {
		confirmations = 1
	}

	ticker := time.NewTicker(receiptPollEvery)
	defer ticker.Stop()

	for {
		var receipt *gethtypes.Receipt
		var head uint64
		err := c.withClient(ctx, chainID, func(client *ethclient.Client) error {
			var err error
			receipt, err = client.TransactionReceipt(ctx, txHash)
			if errors.Is(err, ethereum.NotFound) {
				receipt = nil
				return nil
			}
			if err != nil {
				return err
			}
			head, err = client.BlockNumber(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}

		if receipt != nil {
			mined := receipt.BlockNumber.Uint64()
			if head >= mined && head-mined+1 >= confirmations {
				return receipt, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, types.WrapError(types.KindTimeout, ctx.Err(), "tx %s not confirmed on chain %d", txHash.Hex(), chainID)
		case <-ticker.C:
		}
	}
}

// Close releases all pooled connections.
func (c *RPCClient) Close() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	for _, p := range c.pools {
		p.mtx.Lock()
		for _, client := range p.clients {
			client.Close()
		}
		p.clients = make(map[string]*ethclient.Client)
		p.mtx.Unlock()
	}
}
