package models

import (
	"time"
)

// DelegationRecord persists the EIP-7702 delegation lifecycle of one
// (account, chain) pair. A record is created in pending state when an
// authorization is signed and flipped to active once the delegated code is
// observed on-chain.
type DelegationRecordStatus string

const (
	DelegationStatusPending DelegationRecordStatus = "pending"
	DelegationStatusActive  DelegationRecordStatus = "active"
	DelegationStatusRevoked DelegationRecordStatus = "revoked"
)

type DelegationRecord struct {
	ID             string                 `json:"id" gorm:"primaryKey"` // UUID
	Address        string                 `json:"address" gorm:"not null;uniqueIndex:idx_delegation_addr_chain;size:42"`
	ChainID        int64                  `json:"chain_id" gorm:"not null;uniqueIndex:idx_delegation_addr_chain"`
	Implementation string                 `json:"implementation" gorm:"not null;size:42"`
	Status         DelegationRecordStatus `json:"status" gorm:"not null;default:pending;index"`

	AuthorizedAt   *time.Time `json:"authorized_at"`
	ActivatedAt    *time.Time `json:"activated_at"`
	LastVerifiedAt *time.Time `json:"last_verified_at"`

	// UserOp hash of the operation that carried the authorization.
	ActivationOpHash string `json:"activation_op_hash" gorm:"size:66"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (DelegationRecord) TableName() string {
	return "delegation_records"
}

// SponsoredOperationStatus tracks a sponsored user operation to settlement.
type SponsoredOperationStatus string

const (
	SponsoredOpStatusSubmitted SponsoredOperationStatus = "submitted"
	SponsoredOpStatusConfirmed SponsoredOperationStatus = "confirmed"
	SponsoredOpStatusFailed    SponsoredOperationStatus = "failed"
	SponsoredOpStatusDropped   SponsoredOperationStatus = "dropped"
)

// SponsoredOperation is the audit row written for every operation the
// paymaster sponsored. The in-memory ledger is authoritative for limit
// enforcement; these rows exist for reconciliation and support.
type SponsoredOperation struct {
	ID         string                   `json:"id" gorm:"primaryKey"` // UUID
	UserID     string                   `json:"user_id" gorm:"not null;index:idx_sponsored_user_chain"`
	Address    string                   `json:"address" gorm:"not null;size:42;index"`
	ChainID    int64                    `json:"chain_id" gorm:"not null;index:idx_sponsored_user_chain"`
	UserOpHash string                   `json:"user_op_hash" gorm:"not null;uniqueIndex;size:66"`
	Status     SponsoredOperationStatus `json:"status" gorm:"not null;default:submitted;index"`

	// Wei amounts as decimal strings; postgres numeric would also work but
	// string keeps the gorm mapping trivial and lossless.
	EstimatedCostWei string `json:"estimated_cost_wei" gorm:"not null"`
	ActualCostWei    string `json:"actual_cost_wei"`

	TxHash      string  `json:"tx_hash" gorm:"size:66"`
	BlockNumber *uint64 `json:"block_number"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ConfirmedAt *time.Time `json:"confirmed_at"`
}

func (SponsoredOperation) TableName() string {
	return "sponsored_operations"
}
