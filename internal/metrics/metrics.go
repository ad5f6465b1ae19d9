package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// UserOperation lifecycle
	// ============================================
	UserOpsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_userops_submitted_total",
			Help: "User operations accepted by a bundler",
		},
		[]string{"chain", "sponsored"},
	)

	UserOpsConfirmed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_userops_confirmed_total",
			Help: "User operations confirmed on-chain",
		},
		[]string{"chain"},
	)

	UserOpsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_userops_failed_total",
			Help: "User operations that reverted or were dropped",
		},
		[]string{"chain", "reason"},
	)

	UserOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wallet_userop_build_duration_seconds",
			Help:    "End-to-end duration from request to bundler acceptance",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain"},
	)

	// ============================================
	// Sponsorship / paymaster
	// ============================================
	SponsorshipDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_sponsorship_decisions_total",
			Help: "Sponsorship requests by outcome (granted, limit, circuit_open, declined, error)",
		},
		[]string{"chain", "outcome"},
	)

	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wallet_paymaster_circuit_state",
			Help: "Paymaster circuit breaker state (1=open, 0=closed)",
		},
		[]string{"chain"},
	)

	// ============================================
	// Nonce allocation
	// ============================================
	NoncesPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wallet_nonces_pending",
			Help: "In-flight user operation nonces awaiting settlement",
		},
		[]string{"chain"},
	)

	NonceBackpressure = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_nonce_backpressure_total",
			Help: "Nonce allocations refused because too many operations were in flight",
		},
		[]string{"chain"},
	)

	// ============================================
	// Delegation
	// ============================================
	DelegationsActivated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_delegations_activated_total",
			Help: "EIP-7702 delegations confirmed active on-chain",
		},
		[]string{"chain"},
	)

	// ============================================
	// Transport health
	// ============================================
	RPCFailovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_rpc_failovers_total",
			Help: "RPC endpoint failovers within a chain pool",
		},
		[]string{"chain"},
	)

	NATSConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wallet_nats_connection_status",
		Help: "NATS connection status (1=connected, 0=disconnected)",
	})

	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wallet_websocket_clients",
		Help: "Connected WebSocket push clients",
	})
)
