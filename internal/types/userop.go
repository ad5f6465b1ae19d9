package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Call is a single (target, value, data) tuple executed by the delegated
// account contract.
type Call struct {
	To    common.Address
	Value *big.Int
	Data  []byte
}

// PaymasterFields carries sponsorship data attached to a UserOperation.
type PaymasterFields struct {
	Paymaster            common.Address
	Data                 []byte
	VerificationGasLimit *big.Int
	PostOpGasLimit       *big.Int
}

// SignedAuthorization is a signed EIP-7702 set-code authorization. It is
// attached to the first UserOperation of an account so the bundler can
// install the delegation in the same transaction.
type SignedAuthorization struct {
	ChainID *big.Int       `json:"chainId"`
	Address common.Address `json:"address"`
	Nonce   uint64         `json:"nonce"`
	YParity uint8          `json:"yParity"`
	R       *big.Int       `json:"r"`
	S       *big.Int       `json:"s"`
}

// UserOperation is an EntryPoint v0.7 user operation in unpacked form.
// Gas limits and fees stay nil until estimation fills them in.
type UserOperation struct {
	Sender common.Address
	Nonce  *big.Int

	Factory     *common.Address
	FactoryData []byte

	CallData []byte

	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int

	Paymaster *PaymasterFields

	Signature []byte

	Authorization *SignedAuthorization
}

// GasFees is an EIP-1559 fee pair.
type GasFees struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// GasEstimate is the bundler's gas estimation for a user operation.
type GasEstimate struct {
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
}

// UserOpReceipt is the settled outcome of a user operation.
type UserOpReceipt struct {
	UserOpHash      common.Hash
	Success         bool
	ActualGasCost   *big.Int
	ActualGasUsed   uint64
	TransactionHash common.Hash
	BlockNumber     uint64
	Reason          string
}

// DelegationStatus is the observed on-chain delegation state of an account.
type DelegationStatus struct {
	IsDelegated       bool
	DelegationAddress *common.Address
	AuthorizedAt      *time.Time
	LastVerifiedAt    time.Time
}

// OperationState tracks a gasless operation through its lifecycle.
type OperationState string

const (
	StateValidating OperationState = "validating"
	StateBuilding   OperationState = "building"
	StateEstimating OperationState = "estimating"
	StateSponsoring OperationState = "sponsoring"
	StateSigning    OperationState = "signing"
	StateSubmitting OperationState = "submitting"
	StatePending    OperationState = "pending"
	StateConfirmed  OperationState = "confirmed"
	StateFailed     OperationState = "failed"
	StateDropped    OperationState = "dropped"
)

// TransferResult is returned to callers of the gasless facade once the
// operation has been accepted by a bundler.
type TransferResult struct {
	UserOpHash         common.Hash
	TransactionHash    common.Hash
	State              OperationState
	Sponsored          bool
	IsFirstTransaction bool
	ExplorerURL        string
	SubmittedAt        time.Time
}

// UserRef identifies the custodial account an API caller acts on behalf of.
type UserRef struct {
	UserID       string
	AccountIndex uint32
}
