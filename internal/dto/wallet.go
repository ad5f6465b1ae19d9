package dto

import "time"

// NativeTransferRequest submits a gasless native value transfer. Amounts
// are decimal wei strings.
type NativeTransferRequest struct {
	ChainID int64  `json:"chain_id" binding:"required"`
	To      string `json:"to" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

// TokenTransferRequest submits a gasless ERC-20 transfer.
type TokenTransferRequest struct {
	ChainID   int64  `json:"chain_id" binding:"required"`
	Token     string `json:"token" binding:"required"`
	Recipient string `json:"recipient" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
}

// ApproveAndTransferRequest submits approve+transfer as one atomic batch.
type ApproveAndTransferRequest struct {
	ChainID   int64  `json:"chain_id" binding:"required"`
	Token     string `json:"token" binding:"required"`
	Spender   string `json:"spender" binding:"required"`
	Recipient string `json:"recipient" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
}

// BatchCall is one call tuple in a batch request.
type BatchCall struct {
	To    string `json:"to" binding:"required"`
	Value string `json:"value"`
	Data  string `json:"data"`
}

// BatchRequest submits arbitrary call tuples as one atomic batch.
type BatchRequest struct {
	ChainID int64       `json:"chain_id" binding:"required"`
	Calls   []BatchCall `json:"calls" binding:"required"`
}

// TransferResponse is returned once a bundler accepted the operation.
type TransferResponse struct {
	UserOpHash         string    `json:"user_op_hash"`
	State              string    `json:"state"`
	Sponsored          bool      `json:"sponsored"`
	IsFirstTransaction bool      `json:"is_first_transaction"`
	SubmittedAt        time.Time `json:"submitted_at"`
}

// ReceiptResponse is the settled outcome of an operation.
type ReceiptResponse struct {
	UserOpHash    string `json:"user_op_hash"`
	Status        string `json:"status"`
	Success       bool   `json:"success"`
	TxHash        string `json:"tx_hash,omitempty"`
	BlockNumber   uint64 `json:"block_number,omitempty"`
	ActualGasCost string `json:"actual_gas_cost,omitempty"`
	Reason        string `json:"reason,omitempty"`
	ExplorerURL   string `json:"explorer_url,omitempty"`
}

// DelegationStatusResponse reports delegation state for the caller.
type DelegationStatusResponse struct {
	Address           string     `json:"address"`
	ChainID           int64      `json:"chain_id"`
	IsDelegated       bool       `json:"is_delegated"`
	DelegationAddress string     `json:"delegation_address,omitempty"`
	AuthorizedAt      *time.Time `json:"authorized_at,omitempty"`
	LastVerifiedAt    time.Time  `json:"last_verified_at"`
}

// AllowanceResponse reports remaining sponsorship budget.
type AllowanceResponse struct {
	ChainID             int64  `json:"chain_id"`
	Unlimited           bool   `json:"unlimited"`
	DailyRemainingWei   string `json:"daily_remaining_wei,omitempty"`
	MonthlyRemainingWei string `json:"monthly_remaining_wei,omitempty"`
	DailyTxRemaining    int    `json:"daily_tx_remaining,omitempty"`
}

// ChainInfo describes one enabled network to API clients.
type ChainInfo struct {
	ChainID            int64  `json:"chain_id"`
	Name               string `json:"name"`
	GaslessEnabled     bool   `json:"gasless_enabled"`
	EntryPoint         string `json:"entry_point,omitempty"`
	DelegationContract string `json:"delegation_contract,omitempty"`
	ExplorerURL        string `json:"explorer_url,omitempty"`
}

// AdminLoginRequest exchanges a TOTP code for an admin token.
type AdminLoginRequest struct {
	Username string `json:"username" binding:"required"`
	TOTPCode string `json:"totp_code" binding:"required"`
}
