package events

import (
	"time"
)

// Subjects relative to the configured NATS prefix.
const (
	SubjectOpSubmitted         = "userop.submitted"
	SubjectOpConfirmed         = "userop.confirmed"
	SubjectOpFailed            = "userop.failed"
	SubjectOpDropped           = "userop.dropped"
	SubjectDelegationActivated = "delegation.activated"
)

// UserOpEvent is published at each lifecycle transition of a gasless
// operation.
type UserOpEvent struct {
	UserID           string    `json:"user_id"`
	Address          string    `json:"address"`
	ChainID          int64     `json:"chain_id"`
	UserOpHash       string    `json:"user_op_hash"`
	TxHash           string    `json:"tx_hash,omitempty"`
	State            string    `json:"state"`
	Sponsored        bool      `json:"sponsored"`
	ActualGasCost    string    `json:"actual_gas_cost,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	FirstTransaction bool      `json:"first_transaction"`
	Timestamp        time.Time `json:"timestamp"`
}

// DelegationEvent is published when a delegation is observed active.
type DelegationEvent struct {
	Address        string    `json:"address"`
	ChainID        int64     `json:"chain_id"`
	Implementation string    `json:"implementation"`
	UserOpHash     string    `json:"user_op_hash,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}
