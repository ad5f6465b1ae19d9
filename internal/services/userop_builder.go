package services

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"gasless-backend/internal/config"
	"gasless-backend/internal/types"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// MaxBatchCalls bounds executeBatch size. Larger batches blow past bundler
// callGasLimit ceilings long before this.
const MaxBatchCalls = 10

const delegationABIJSON = `[
	{"type":"function","name":"execute","inputs":[
		{"name":"target","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"data","type":"bytes"}]},
	{"type":"function","name":"executeBatch","inputs":[
		{"name":"targets","type":"address[]"},
		{"name":"values","type":"uint256[]"},
		{"name":"datas","type":"bytes[]"}]}
]`

const erc20ABIJSON = `[
	{"type":"function","name":"transfer","inputs":[
		{"name":"to","type":"address"},
		{"name":"amount","type":"uint256"}]},
	{"type":"function","name":"approve","inputs":[
		{"name":"spender","type":"address"},
		{"name":"amount","type":"uint256"}]}
]`

var (
	delegationABI abi.ABI
	erc20ABI      abi.ABI

	// Argument layouts for the EntryPoint v0.7 user operation hash.
	packedUserOpArgs abi.Arguments
	userOpEnvelope   abi.Arguments

	// dummySignature is a well-formed 65-byte placeholder used during gas
	// estimation, before the real signature exists.
	dummySignature = append(bytes.Repeat([]byte{0xff}, 64), 0x1c)
)

func mustABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

func mustType(t string) abi.Type {
	ty, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return ty
}

func init() {
	delegationABI = mustABI(delegationABIJSON)
	erc20ABI = mustABI(erc20ABIJSON)

	addressTy := mustType("address")
	uint256Ty := mustType("uint256")
	bytes32Ty := mustType("bytes32")

	packedUserOpArgs = abi.Arguments{
		{Name: "sender", Type: addressTy},
		{Name: "nonce", Type: uint256Ty},
		{Name: "hashInitCode", Type: bytes32Ty},
		{Name: "hashCallData", Type: bytes32Ty},
		{Name: "accountGasLimits", Type: bytes32Ty},
		{Name: "preVerificationGas", Type: uint256Ty},
		{Name: "gasFees", Type: bytes32Ty},
		{Name: "hashPaymasterAndData", Type: bytes32Ty},
	}
	userOpEnvelope = abi.Arguments{
		{Name: "userOpHash", Type: bytes32Ty},
		{Name: "entryPoint", Type: addressTy},
		{Name: "chainId", Type: uint256Ty},
	}
}

// UserOpBuilder assembles, hashes and signs EntryPoint v0.7 user operations
// executed through the delegated account contract.
type UserOpBuilder struct {
	log      *logrus.Entry
	accounts *AccountProvider
}

// NewUserOpBuilder wires the builder.
func NewUserOpBuilder(accounts *AccountProvider) *UserOpBuilder {
	return &UserOpBuilder{
		log:      logrus.WithField("component", "userop_builder"),
		accounts: accounts,
	}
}

// NativeTransferCall builds a plain value transfer call tuple.
func (b *UserOpBuilder) NativeTransferCall(to common.Address, amount *big.Int) types.Call {
	return types.Call{To: to, Value: amount, Data: nil}
}

// ERC20TransferCall builds a token transfer(to, amount) call tuple.
func (b *UserOpBuilder) ERC20TransferCall(token, recipient common.Address, amount *big.Int) (types.Call, error) {
	data, err := erc20ABI.Pack("transfer", recipient, amount)
	if err != nil {
		return types.Call{}, types.WrapError(types.KindInternal, err, "transfer encoding failed")
	}
	return types.Call{To: token, Value: new(big.Int), Data: data}, nil
}

// ERC20ApproveCall builds a token approve(spender, amount) call tuple.
func (b *UserOpBuilder) ERC20ApproveCall(token, spender common.Address, amount *big.Int) (types.Call, error) {
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return types.Call{}, types.WrapError(types.KindInternal, err, "approve encoding failed")
	}
	return types.Call{To: token, Value: new(big.Int), Data: data}, nil
}

// EncodeExecute encodes a single call through the delegated account's
// execute(target, value, data).
func (b *UserOpBuilder) EncodeExecute(call types.Call) ([]byte, error) {
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	data, err := delegationABI.Pack("execute", call.To, value, call.Data)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, err, "execute encoding failed")
	}
	return data, nil
}

// EncodeExecuteBatch encodes calls through executeBatch(targets, values,
// datas). All calls land atomically: one revert rolls back the whole batch.
func (b *UserOpBuilder) EncodeExecuteBatch(calls []types.Call) ([]byte, error) {
	if len(calls) == 0 {
		return nil, types.NewError(types.KindValidation, "empty call batch")
	}
	if len(calls) > MaxBatchCalls {
		return nil, types.NewError(types.KindValidation, "batch of %d calls exceeds limit of %d", len(calls), MaxBatchCalls)
	}
	if len(calls) == 1 {
		return b.EncodeExecute(calls[0])
	}

	targets := make([]common.Address, len(calls))
	values := make([]*big.Int, len(calls))
	datas := make([][]byte, len(calls))
	for i, call := range calls {
		targets[i] = call.To
		values[i] = call.Value
		if values[i] == nil {
			values[i] = new(big.Int)
		}
		datas[i] = call.Data
		if datas[i] == nil {
			datas[i] = []byte{}
		}
	}

	data, err := delegationABI.Pack("executeBatch", targets, values, datas)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, err, "executeBatch encoding failed")
	}
	return data, nil
}

// CheckTokenAllowlist warns when a token is outside the chain's configured
// allowlist. Unknown tokens still go through: the allowlist exists to catch
// integration mistakes, not to gate user funds.
func (b *UserOpBuilder) CheckTokenAllowlist(chainID int64, token common.Address) {
	network, err := config.GetNetworkConfigByChainID(chainID)
	if err != nil || len(network.TokenAllowlist) == 0 {
		return
	}
	for _, allowed := range network.TokenAllowlist {
		if strings.EqualFold(allowed, token.Hex()) {
			return
		}
	}
	b.log.WithFields(logrus.Fields{
		"chain_id": chainID,
		"token":    token.Hex(),
	}).Warn("Token not on configured allowlist")
}

// pad16 left-pads a quantity into 16 bytes. Values never exceed 2^128 in
// practice; if one does, the low 16 bytes are what the EntryPoint would see.
func pad16(v *big.Int) []byte {
	if v == nil {
		v = new(big.Int)
	}
	return common.LeftPadBytes(v.Bytes(), 16)
}

// packPair packs two 128-bit quantities into one bytes32, high half first.
// EntryPoint v0.7 stores (verificationGasLimit, callGasLimit) and
// (maxPriorityFeePerGas, maxFeePerGas) this way.
func packPair(hi, lo *big.Int) [32]byte {
	var out [32]byte
	copy(out[:16], pad16(hi))
	copy(out[16:], pad16(lo))
	return out
}

// initCode returns factory||factoryData, empty when no factory is set.
// The 7702 flow never deploys through a factory; the field exists for hash
// compatibility.
func initCode(op *types.UserOperation) []byte {
	if op.Factory == nil {
		return nil
	}
	return append(op.Factory.Bytes(), op.FactoryData...)
}

// paymasterAndData returns the packed paymaster field:
// paymaster(20) || verificationGasLimit(16) || postOpGasLimit(16) || data.
func paymasterAndData(op *types.UserOperation) []byte {
	pm := op.Paymaster
	if pm == nil {
		return nil
	}
	out := make([]byte, 0, 52+len(pm.Data))
	out = append(out, pm.Paymaster.Bytes()...)
	out = append(out, pad16(pm.VerificationGasLimit)...)
	out = append(out, pad16(pm.PostOpGasLimit)...)
	out = append(out, pm.Data...)
	return out
}

// UserOpHash computes the EntryPoint v0.7 hash the account signs:
// keccak(abi.encode(keccak(packedOp), entryPoint, chainId)).
func (b *UserOpBuilder) UserOpHash(op *types.UserOperation, entryPoint common.Address, chainID int64) (common.Hash, error) {
	if op.Nonce == nil || op.CallGasLimit == nil || op.VerificationGasLimit == nil ||
		op.PreVerificationGas == nil || op.MaxFeePerGas == nil || op.MaxPriorityFeePerGas == nil {
		return common.Hash{}, types.NewError(types.KindInternal, "user operation not fully populated for hashing")
	}

	packed, err := packedUserOpArgs.Pack(
		op.Sender,
		op.Nonce,
		crypto.Keccak256Hash(initCode(op)),
		crypto.Keccak256Hash(op.CallData),
		packPair(op.VerificationGasLimit, op.CallGasLimit),
		op.PreVerificationGas,
		packPair(op.MaxPriorityFeePerGas, op.MaxFeePerGas),
		crypto.Keccak256Hash(paymasterAndData(op)),
	)
	if err != nil {
		return common.Hash{}, types.WrapError(types.KindInternal, err, "user operation packing failed")
	}

	envelope, err := userOpEnvelope.Pack(
		crypto.Keccak256Hash(packed),
		entryPoint,
		big.NewInt(chainID),
	)
	if err != nil {
		return common.Hash{}, types.WrapError(types.KindInternal, err, "hash envelope packing failed")
	}
	return crypto.Keccak256Hash(envelope), nil
}

// ApplyDummySignature installs the estimation placeholder signature.
func (b *UserOpBuilder) ApplyDummySignature(op *types.UserOperation) {
	op.Signature = append([]byte(nil), dummySignature...)
}

// Sign computes the operation hash and signs it with the account's key.
// The signature is raw secp256k1 over the hash with the recovery id mapped
// to 27/28, which is what the delegated account contract verifies.
func (b *UserOpBuilder) Sign(op *types.UserOperation, accountIndex uint32, entryPoint common.Address, chainID int64) error {
	hash, err := b.UserOpHash(op, entryPoint, chainID)
	if err != nil {
		return err
	}

	err = b.accounts.WithPrivateKey(accountIndex, func(priv *ecdsa.PrivateKey) error {
		sig, signErr := crypto.Sign(hash.Bytes(), priv)
		if signErr != nil {
			return signErr
		}
		sig[crypto.RecoveryIDOffset] += 27
		op.Signature = sig
		return nil
	})
	if err != nil {
		return types.WrapError(types.KindInternal, err, "user operation signing failed")
	}

	b.log.WithFields(logrus.Fields{
		"sender":       op.Sender.Hex(),
		"chain_id":     chainID,
		"user_op_hash": hash.Hex(),
		"nonce":        fmt.Sprint(op.Nonce),
	}).Debug("UserOperation signed")
	return nil
}
