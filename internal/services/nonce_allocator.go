package services

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"gasless-backend/internal/metrics"
	"gasless-backend/internal/types"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

const (
	defaultMaxPending   = 8
	defaultNonceRefresh = 30 * time.Second
)

// EntryPointNonceReader is the slice of the RPC client the allocator needs.
type EntryPointNonceReader interface {
	GetEntryPointNonce(ctx context.Context, chainID int64, entryPoint, account common.Address) (*big.Int, error)
}

type nonceKey struct {
	address common.Address
	chainID int64
}

type nonceState struct {
	mtx sync.Mutex

	// base is the last nonce observed on-chain; nil until first fetch.
	base *big.Int
	// pending counts reserved nonces not yet settled. The next allocation
	// is base+pending.
	pending int
	// stale forces an on-chain refresh before the next allocation. Set
	// after a failed operation, since the chain may or may not have
	// consumed the slot.
	stale bool

	lastRefreshed time.Time
}

// NonceAllocator hands out EntryPoint nonces for custodial accounts. All
// allocation for one (account, chain) pair is serialized under that pair's
// lock, which is held across the caller's submission callback so concurrent
// requests for the same account cannot race the bundler.
type NonceAllocator struct {
	log        *logrus.Entry
	rpc        EntryPointNonceReader
	maxPending int
	refresh    time.Duration

	mtx    sync.Mutex
	states map[nonceKey]*nonceState
}

// NewNonceAllocator creates an allocator reading on-chain nonces through rpc.
func NewNonceAllocator(rpc EntryPointNonceReader) *NonceAllocator {
	return &NonceAllocator{
		log:        logrus.WithField("component", "nonce_allocator"),
		rpc:        rpc,
		maxPending: defaultMaxPending,
		refresh:    defaultNonceRefresh,
		states:     make(map[nonceKey]*nonceState),
	}
}

func (a *NonceAllocator) state(address common.Address, chainID int64) *nonceState {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	key := nonceKey{address: address, chainID: chainID}
	s, ok := a.states[key]
	if !ok {
		s = &nonceState{}
		a.states[key] = s
	}
	return s
}

// WithNonce reserves the next nonce for the account and runs fn with it
// while holding the account's lock. If fn returns an error the reservation
// is released immediately; on success it stays pending until MarkConfirmed
// or MarkFailed settles it.
func (a *NonceAllocator) WithNonce(ctx context.Context, chainID int64, entryPoint, account common.Address, fn func(nonce *big.Int) error) error {
	s := a.state(account, chainID)

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.pending >= a.maxPending {
		metrics.NonceBackpressure.WithLabelValues(fmt.Sprint(chainID)).Inc()
		return types.NewError(types.KindNonce, "account %s has %d operations in flight on chain %d", account.Hex(), s.pending, chainID)
	}

	// Refresh from chain on first use, after a failure, or when idle state
	// has gone stale. Never while operations are in flight: the on-chain
	// value lags the reservations.
	needsRefresh := s.base == nil || (s.pending == 0 && (s.stale || time.Since(s.lastRefreshed) > a.refresh))
	if needsRefresh && s.pending == 0 {
		onChain, err := a.rpc.GetEntryPointNonce(ctx, chainID, entryPoint, account)
		if err != nil {
			return err
		}
		s.base = onChain
		s.stale = false
		s.lastRefreshed = time.Now()
	}
	if s.base == nil {
		return types.NewError(types.KindNonce, "nonce state unavailable for %s on chain %d", account.Hex(), chainID)
	}

	nonce := new(big.Int).Add(s.base, big.NewInt(int64(s.pending)))
	s.pending++
	metrics.NoncesPending.WithLabelValues(fmt.Sprint(chainID)).Inc()

	if err := fn(new(big.Int).Set(nonce)); err != nil {
		s.pending--
		metrics.NoncesPending.WithLabelValues(fmt.Sprint(chainID)).Dec()
		return err
	}
	return nil
}

// MarkConfirmed settles the oldest pending reservation after its operation
// confirmed on-chain.
func (a *NonceAllocator) MarkConfirmed(account common.Address, chainID int64) {
	s := a.state(account, chainID)

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.pending == 0 {
		a.log.WithFields(logrus.Fields{
			"address":  account.Hex(),
			"chain_id": chainID,
		}).Warn("MarkConfirmed with no pending reservations")
		return
	}
	s.pending--
	if s.base != nil {
		s.base.Add(s.base, big.NewInt(1))
	}
	metrics.NoncesPending.WithLabelValues(fmt.Sprint(chainID)).Dec()
}

// MarkFailed releases a reservation whose operation was dropped or reverted
// without advancing the nonce. The next allocation re-reads the chain, since
// a revert after validation still consumes the EntryPoint nonce.
func (a *NonceAllocator) MarkFailed(account common.Address, chainID int64) {
	s := a.state(account, chainID)

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.pending > 0 {
		s.pending--
		metrics.NoncesPending.WithLabelValues(fmt.Sprint(chainID)).Dec()
	}
	s.stale = true
}

// PendingCount reports in-flight reservations for an account, for
// diagnostics and back-pressure surfacing.
func (a *NonceAllocator) PendingCount(account common.Address, chainID int64) int {
	s := a.state(account, chainID)
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.pending
}
