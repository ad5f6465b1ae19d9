package services

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"gasless-backend/internal/config"
	"gasless-backend/internal/metrics"
	"gasless-backend/internal/repository"
	"gasless-backend/internal/types"
	"gasless-backend/internal/utils"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

const (
	defaultFailureThreshold = 5
	defaultCooldown         = 60 * time.Second
)

// PaymasterDataProvider is the slice of the paymaster client the service
// needs, injectable for tests.
type PaymasterDataProvider interface {
	GetPaymasterData(ctx context.Context, chainID int64, entryPoint common.Address, op *types.UserOperation) (*types.PaymasterFields, error)
}

// circuitBreaker protects against a failing paymaster backend. After
// threshold consecutive failures it opens; once the cooldown elapses the
// next request probes half-open, and its outcome decides the state.
type circuitBreaker struct {
	failures int
	open     bool
	openedAt time.Time
}

func (cb *circuitBreaker) allow(cooldown time.Duration) bool {
	if !cb.open {
		return true
	}
	return time.Since(cb.openedAt) >= cooldown
}

func (cb *circuitBreaker) recordFailure(threshold int) {
	cb.failures++
	if cb.failures >= threshold {
		cb.open = true
		cb.openedAt = time.Now()
	}
}

func (cb *circuitBreaker) recordSuccess() {
	cb.failures = 0
	cb.open = false
}

// userLedger tracks one user's sponsored spend on one chain, with lazy
// daily/monthly rollover.
type userLedger struct {
	dailySpend   *big.Int
	monthlySpend *big.Int
	dailyTx      int
	dayStart     time.Time
	monthStart   time.Time
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func startOfMonth(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

func (l *userLedger) rollover(now time.Time) {
	if day := startOfDay(now); day.After(l.dayStart) {
		l.dayStart = day
		l.dailySpend = new(big.Int)
		l.dailyTx = 0
	}
	if month := startOfMonth(now); month.After(l.monthStart) {
		l.monthStart = month
		l.monthlySpend = new(big.Int)
	}
}

// Allowance is the remaining sponsorship budget reported to callers.
type Allowance struct {
	DailyRemainingWei   *big.Int
	MonthlyRemainingWei *big.Int
	DailyTxRemaining    int
	Unlimited           bool
}

// PaymasterService decides whether an operation gets sponsored: per-user
// spend limits in front, the ERC-7677 paymaster behind, and a per-chain
// circuit breaker around the backend.
type PaymasterService struct {
	log    *logrus.Entry
	client PaymasterDataProvider
	repo   repository.SponsorshipRepository

	dailyLimit   *big.Int // zero means unlimited
	monthlyLimit *big.Int
	dailyTxLimit int

	failureThreshold int
	cooldown         time.Duration

	mtx      sync.Mutex
	ledgers  map[string]*userLedger
	circuits map[int64]*circuitBreaker
}

// NewPaymasterService wires the sponsorship gate from configuration.
func NewPaymasterService(client PaymasterDataProvider, repo repository.SponsorshipRepository) (*PaymasterService, error) {
	cfg := config.AppConfig

	dailyLimit, err := utils.ParseWeiOrZero(cfg.Sponsorship.DailyLimitWei)
	if err != nil {
		return nil, fmt.Errorf("bad sponsorship dailyLimitWei: %w", err)
	}
	monthlyLimit, err := utils.ParseWeiOrZero(cfg.Sponsorship.MonthlyLimitWei)
	if err != nil {
		return nil, fmt.Errorf("bad sponsorship monthlyLimitWei: %w", err)
	}

	threshold := cfg.Circuit.FailureThreshold
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	cooldown := time.Duration(cfg.Circuit.CooldownSeconds) * time.Second
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}

	return &PaymasterService{
		log:              logrus.WithField("component", "paymaster_service"),
		client:           client,
		repo:             repo,
		dailyLimit:       dailyLimit,
		monthlyLimit:     monthlyLimit,
		dailyTxLimit:     cfg.Sponsorship.DailyTxLimit,
		failureThreshold: threshold,
		cooldown:         cooldown,
		ledgers:          make(map[string]*userLedger),
		circuits:         make(map[int64]*circuitBreaker),
	}, nil
}

func ledgerKey(userID string, chainID int64) string {
	return fmt.Sprintf("%s|%d", userID, chainID)
}

// ledger returns the user's ledger, hydrating a fresh one from the audit
// rows so restarts do not reset spend limits. Callers hold s.mtx.
func (s *PaymasterService) ledger(ctx context.Context, userID string, chainID int64) *userLedger {
	key := ledgerKey(userID, chainID)
	if l, ok := s.ledgers[key]; ok {
		l.rollover(time.Now())
		return l
	}

	now := time.Now()
	l := &userLedger{
		dailySpend:   new(big.Int),
		monthlySpend: new(big.Int),
		dayStart:     startOfDay(now),
		monthStart:   startOfMonth(now),
	}

	if s.repo != nil {
		if spend, err := s.repo.SpendSince(ctx, userID, chainID, l.dayStart); err == nil {
			if v, ok := new(big.Int).SetString(spend, 10); ok {
				l.dailySpend = v
			}
		}
		if spend, err := s.repo.SpendSince(ctx, userID, chainID, l.monthStart); err == nil {
			if v, ok := new(big.Int).SetString(spend, 10); ok {
				l.monthlySpend = v
			}
		}
		if count, err := s.repo.CountSince(ctx, userID, chainID, l.dayStart); err == nil {
			l.dailyTx = int(count)
		}
	}

	s.ledgers[key] = l
	return l
}

func (s *PaymasterService) circuit(chainID int64) *circuitBreaker {
	cb, ok := s.circuits[chainID]
	if !ok {
		cb = &circuitBreaker{}
		s.circuits[chainID] = cb
	}
	return cb
}

// EstimateMaxCost computes the worst-case wei the paymaster would front for
// an estimated operation.
func EstimateMaxCost(op *types.UserOperation) *big.Int {
	gas := new(big.Int)
	for _, limit := range []*big.Int{op.CallGasLimit, op.VerificationGasLimit, op.PreVerificationGas} {
		if limit != nil {
			gas.Add(gas, limit)
		}
	}
	if op.Paymaster != nil {
		for _, limit := range []*big.Int{op.Paymaster.VerificationGasLimit, op.Paymaster.PostOpGasLimit} {
			if limit != nil {
				gas.Add(gas, limit)
			}
		}
	}
	if op.MaxFeePerGas == nil {
		return gas
	}
	return gas.Mul(gas, op.MaxFeePerGas)
}

// RequestSponsorship runs the full gate: circuit state, per-user limits,
// then the paymaster backend. On success the estimated cost is charged to
// the ledger and returned, so callers can refund exactly that amount via
// ReleaseSponsorship if submission never happens.
func (s *PaymasterService) RequestSponsorship(ctx context.Context, chainID int64, user types.UserRef, entryPoint common.Address, op *types.UserOperation) (*types.PaymasterFields, *big.Int, error) {
	chain := fmt.Sprint(chainID)
	cost := EstimateMaxCost(op)

	s.mtx.Lock()
	cb := s.circuit(chainID)
	if !cb.allow(s.cooldown) {
		s.mtx.Unlock()
		metrics.SponsorshipDecisions.WithLabelValues(chain, "circuit_open").Inc()
		return nil, nil, types.NewError(types.KindSponsorship, "paymaster circuit open on chain %d", chainID)
	}

	l := s.ledger(ctx, user.UserID, chainID)
	if s.dailyTxLimit > 0 && l.dailyTx >= s.dailyTxLimit {
		s.mtx.Unlock()
		metrics.SponsorshipDecisions.WithLabelValues(chain, "limit").Inc()
		return nil, nil, types.NewError(types.KindSponsorship, "daily sponsored transaction limit reached")
	}
	if s.dailyLimit.Sign() > 0 && new(big.Int).Add(l.dailySpend, cost).Cmp(s.dailyLimit) > 0 {
		s.mtx.Unlock()
		metrics.SponsorshipDecisions.WithLabelValues(chain, "limit").Inc()
		return nil, nil, types.NewError(types.KindSponsorship, "daily sponsorship budget exhausted")
	}
	if s.monthlyLimit.Sign() > 0 && new(big.Int).Add(l.monthlySpend, cost).Cmp(s.monthlyLimit) > 0 {
		s.mtx.Unlock()
		metrics.SponsorshipDecisions.WithLabelValues(chain, "limit").Inc()
		return nil, nil, types.NewError(types.KindSponsorship, "monthly sponsorship budget exhausted")
	}
	s.mtx.Unlock()

	fields, err := s.client.GetPaymasterData(ctx, chainID, entryPoint, op)

	s.mtx.Lock()
	defer s.mtx.Unlock()
	cb = s.circuit(chainID)
	if err != nil {
		// A chain with no sponsor configured is plain unavailability, not a
		// backend failure the breaker should count.
		if types.KindOf(err) == types.KindConfig {
			metrics.SponsorshipDecisions.WithLabelValues(chain, "unconfigured").Inc()
			return nil, nil, err
		}
		cb.recordFailure(s.failureThreshold)
		if cb.open {
			metrics.CircuitState.WithLabelValues(chain).Set(1)
			s.log.WithFields(logrus.Fields{
				"chain_id": chainID,
				"failures": cb.failures,
			}).Error("Paymaster circuit opened")
		}
		metrics.SponsorshipDecisions.WithLabelValues(chain, "declined").Inc()
		return nil, nil, err
	}
	cb.recordSuccess()
	metrics.CircuitState.WithLabelValues(chain).Set(0)

	l = s.ledger(ctx, user.UserID, chainID)
	l.dailySpend.Add(l.dailySpend, cost)
	l.monthlySpend.Add(l.monthlySpend, cost)
	l.dailyTx++

	metrics.SponsorshipDecisions.WithLabelValues(chain, "granted").Inc()
	return fields, cost, nil
}

// ReleaseSponsorship refunds a charge for an operation that never reached
// the bundler.
func (s *PaymasterService) ReleaseSponsorship(user types.UserRef, chainID int64, cost *big.Int) {
	if cost == nil || cost.Sign() == 0 {
		return
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()

	l, ok := s.ledgers[ledgerKey(user.UserID, chainID)]
	if !ok {
		return
	}
	l.dailySpend.Sub(l.dailySpend, cost)
	if l.dailySpend.Sign() < 0 {
		l.dailySpend.SetInt64(0)
	}
	l.monthlySpend.Sub(l.monthlySpend, cost)
	if l.monthlySpend.Sign() < 0 {
		l.monthlySpend.SetInt64(0)
	}
	if l.dailyTx > 0 {
		l.dailyTx--
	}
}

// RecordActualCost settles the ledger from the submission-time estimate to
// what the paymaster actually paid, once the receipt reports it. The tx
// count is unaffected.
func (s *PaymasterService) RecordActualCost(user types.UserRef, chainID int64, chargedWei, actualWei *big.Int) {
	if chargedWei == nil || actualWei == nil || chargedWei.Cmp(actualWei) == 0 {
		return
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()

	l, ok := s.ledgers[ledgerKey(user.UserID, chainID)]
	if !ok {
		return
	}
	delta := new(big.Int).Sub(actualWei, chargedWei)
	l.dailySpend.Add(l.dailySpend, delta)
	if l.dailySpend.Sign() < 0 {
		l.dailySpend.SetInt64(0)
	}
	l.monthlySpend.Add(l.monthlySpend, delta)
	if l.monthlySpend.Sign() < 0 {
		l.monthlySpend.SetInt64(0)
	}
}

// GetAllowance reports the user's remaining sponsorship budget.
func (s *PaymasterService) GetAllowance(ctx context.Context, user types.UserRef, chainID int64) Allowance {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	l := s.ledger(ctx, user.UserID, chainID)

	a := Allowance{
		Unlimited: s.dailyLimit.Sign() == 0 && s.monthlyLimit.Sign() == 0 && s.dailyTxLimit == 0,
	}
	if s.dailyLimit.Sign() > 0 {
		a.DailyRemainingWei = new(big.Int).Sub(s.dailyLimit, l.dailySpend)
		if a.DailyRemainingWei.Sign() < 0 {
			a.DailyRemainingWei.SetInt64(0)
		}
	}
	if s.monthlyLimit.Sign() > 0 {
		a.MonthlyRemainingWei = new(big.Int).Sub(s.monthlyLimit, l.monthlySpend)
		if a.MonthlyRemainingWei.Sign() < 0 {
			a.MonthlyRemainingWei.SetInt64(0)
		}
	}
	if s.dailyTxLimit > 0 {
		a.DailyTxRemaining = s.dailyTxLimit - l.dailyTx
		if a.DailyTxRemaining < 0 {
			a.DailyTxRemaining = 0
		}
	}
	return a
}

// CircuitOpen reports the breaker state for a chain.
func (s *PaymasterService) CircuitOpen(chainID int64) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	cb := s.circuit(chainID)
	return cb.open && !cb.allow(s.cooldown)
}

// ResetCircuit force-closes the breaker (admin surface).
func (s *PaymasterService) ResetCircuit(chainID int64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.circuit(chainID).recordSuccess()
	metrics.CircuitState.WithLabelValues(fmt.Sprint(chainID)).Set(0)
	s.log.WithField("chain_id", chainID).Info("Paymaster circuit reset")
}
