package services

import (
	"bytes"
	"math/big"
	"testing"

	"gasless-backend/internal/types"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func testUserOp() *types.UserOperation {
	return &types.UserOperation{
		Sender:               testAccount,
		Nonce:                big.NewInt(7),
		CallData:             []byte{0xde, 0xad, 0xbe, 0xef},
		CallGasLimit:         big.NewInt(100000),
		VerificationGasLimit: big.NewInt(200000),
		PreVerificationGas:   big.NewInt(50000),
		MaxFeePerGas:         big.NewInt(2000000000),
		MaxPriorityFeePerGas: big.NewInt(1000000000),
	}
}

func TestPackPairLayout(t *testing.T) {
	packed := packPair(big.NewInt(0x1122), big.NewInt(0x3344))

	// High half carries the first argument, low half the second, both
	// left-padded to 16 bytes.
	if packed[14] != 0x11 || packed[15] != 0x22 {
		t.Errorf("high half wrong: %x", packed[:16])
	}
	if packed[30] != 0x33 || packed[31] != 0x44 {
		t.Errorf("low half wrong: %x", packed[16:])
	}
	for _, i := range []int{0, 7, 13, 16, 20, 29} {
		if packed[i] != 0 {
			t.Errorf("byte %d should be padding, got %x", i, packed[i])
		}
	}
}

func TestPaymasterAndDataLayout(t *testing.T) {
	pm := common.HexToAddress("0x00000000000000fB866DaAA79352cC568a005D96")
	op := &types.UserOperation{
		Paymaster: &types.PaymasterFields{
			Paymaster:            pm,
			VerificationGasLimit: big.NewInt(0xAB),
			PostOpGasLimit:       big.NewInt(0xCD),
			Data:                 []byte{0x01, 0x02},
		},
	}

	out := paymasterAndData(op)
	if len(out) != 54 {
		t.Fatalf("length = %d, want 54", len(out))
	}
	if !bytes.Equal(out[:20], pm.Bytes()) {
		t.Error("paymaster address not at offset 0")
	}
	if out[35] != 0xAB {
		t.Errorf("verification gas limit not padded into bytes 20..36: %x", out[20:36])
	}
	if out[51] != 0xCD {
		t.Errorf("post-op gas limit not padded into bytes 36..52: %x", out[36:52])
	}
	if !bytes.Equal(out[52:], []byte{0x01, 0x02}) {
		t.Error("paymaster data not appended")
	}

	if paymasterAndData(&types.UserOperation{}) != nil {
		t.Error("no paymaster should produce empty field")
	}
}

func TestUserOpHashDeterministic(t *testing.T) {
	b := NewUserOpBuilder(nil)

	h1, err := b.UserOpHash(testUserOp(), testEntryPoint, 11155111)
	if err != nil {
		t.Fatalf("UserOpHash: %v", err)
	}
	h2, err := b.UserOpHash(testUserOp(), testEntryPoint, 11155111)
	if err != nil {
		t.Fatalf("UserOpHash: %v", err)
	}
	if h1 != h2 {
		t.Error("hash is not deterministic")
	}

	// Every field the EntryPoint signs over must perturb the hash.
	perturbations := map[string]func(*types.UserOperation){
		"nonce":      func(op *types.UserOperation) { op.Nonce = big.NewInt(8) },
		"calldata":   func(op *types.UserOperation) { op.CallData = []byte{0x00} },
		"callGas":    func(op *types.UserOperation) { op.CallGasLimit = big.NewInt(1) },
		"maxFee":     func(op *types.UserOperation) { op.MaxFeePerGas = big.NewInt(1) },
		"preVerGas":  func(op *types.UserOperation) { op.PreVerificationGas = big.NewInt(1) },
		"paymaster": func(op *types.UserOperation) {
			op.Paymaster = &types.PaymasterFields{
				Paymaster:            common.HexToAddress("0x1111111111111111111111111111111111111111"),
				VerificationGasLimit: big.NewInt(1),
				PostOpGasLimit:       big.NewInt(1),
			}
		},
	}
	for name, mutate := range perturbations {
		op := testUserOp()
		mutate(op)
		h, err := b.UserOpHash(op, testEntryPoint, 11155111)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if h == h1 {
			t.Errorf("mutating %s did not change the hash", name)
		}
	}

	// Chain id and entry point are part of the envelope.
	if h, _ := b.UserOpHash(testUserOp(), testEntryPoint, 1); h == h1 {
		t.Error("chain id not bound into the hash")
	}
	other := common.HexToAddress("0x2222222222222222222222222222222222222222")
	if h, _ := b.UserOpHash(testUserOp(), other, 11155111); h == h1 {
		t.Error("entry point not bound into the hash")
	}

	// The signature itself must not affect the hash.
	op := testUserOp()
	op.Signature = []byte{0x01, 0x02, 0x03}
	if h, _ := b.UserOpHash(op, testEntryPoint, 11155111); h != h1 {
		t.Error("signature should not affect the hash")
	}
}

func TestUserOpHashRejectsIncomplete(t *testing.T) {
	b := NewUserOpBuilder(nil)
	op := testUserOp()
	op.CallGasLimit = nil
	if _, err := b.UserOpHash(op, testEntryPoint, 1); err == nil {
		t.Error("unestimated operation must not be hashable")
	}
}

func TestEncodeExecuteSelectors(t *testing.T) {
	b := NewUserOpBuilder(nil)
	call := types.Call{To: testAccount, Value: big.NewInt(1), Data: nil}

	single, err := b.EncodeExecuteBatch([]types.Call{call})
	if err != nil {
		t.Fatalf("single: %v", err)
	}
	executeSel := crypto.Keccak256([]byte("execute(address,uint256,bytes)"))[:4]
	if !bytes.Equal(single[:4], executeSel) {
		t.Errorf("single call selector = %x, want execute %x", single[:4], executeSel)
	}

	multi, err := b.EncodeExecuteBatch([]types.Call{call, call})
	if err != nil {
		t.Fatalf("multi: %v", err)
	}
	batchSel := crypto.Keccak256([]byte("executeBatch(address[],uint256[],bytes[])"))[:4]
	if !bytes.Equal(multi[:4], batchSel) {
		t.Errorf("batch selector = %x, want executeBatch %x", multi[:4], batchSel)
	}
}

func TestEncodeExecuteBatchBounds(t *testing.T) {
	b := NewUserOpBuilder(nil)

	if _, err := b.EncodeExecuteBatch(nil); types.KindOf(err) != types.KindValidation {
		t.Error("empty batch should be a validation error")
	}

	calls := make([]types.Call, MaxBatchCalls+1)
	for i := range calls {
		calls[i] = types.Call{To: testAccount}
	}
	if _, err := b.EncodeExecuteBatch(calls); types.KindOf(err) != types.KindValidation {
		t.Error("oversized batch should be a validation error")
	}
}

func TestERC20Calls(t *testing.T) {
	b := NewUserOpBuilder(nil)
	token := common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238")

	transfer, err := b.ERC20TransferCall(token, testAccount, big.NewInt(100))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if transfer.To != token {
		t.Error("transfer call must target the token contract")
	}
	if transfer.Value.Sign() != 0 {
		t.Error("token transfer carries no native value")
	}
	transferSel := crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
	if !bytes.Equal(transfer.Data[:4], transferSel) {
		t.Errorf("transfer selector = %x", transfer.Data[:4])
	}

	approve, err := b.ERC20ApproveCall(token, testAccount, big.NewInt(100))
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	approveSel := crypto.Keccak256([]byte("approve(address,uint256)"))[:4]
	if !bytes.Equal(approve.Data[:4], approveSel) {
		t.Errorf("approve selector = %x", approve.Data[:4])
	}
}

func TestApplyDummySignature(t *testing.T) {
	b := NewUserOpBuilder(nil)
	op := testUserOp()
	b.ApplyDummySignature(op)
	if len(op.Signature) != 65 {
		t.Fatalf("dummy signature length = %d, want 65", len(op.Signature))
	}
	if op.Signature[64] != 0x1c {
		t.Errorf("dummy v byte = %x, want 0x1c", op.Signature[64])
	}
}

func TestSignRecoversAccountAddress(t *testing.T) {
	p := testAccountProvider(t)
	b := NewUserOpBuilder(p)

	address, err := p.GetAddress(0)
	if err != nil {
		t.Fatal(err)
	}

	op := testUserOp()
	op.Sender = address
	if err := b.Sign(op, 0, testEntryPoint, 11155111); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(op.Signature) != 65 {
		t.Fatalf("signature length = %d", len(op.Signature))
	}

	hash, err := b.UserOpHash(op, testEntryPoint, 11155111)
	if err != nil {
		t.Fatal(err)
	}

	recSig := append([]byte(nil), op.Signature...)
	recSig[crypto.RecoveryIDOffset] -= 27
	pub, err := crypto.SigToPub(hash.Bytes(), recSig)
	if err != nil {
		t.Fatalf("SigToPub: %v", err)
	}
	if recovered := crypto.PubkeyToAddress(*pub); recovered != address {
		t.Errorf("recovered %s, want %s", recovered.Hex(), address.Hex())
	}
}
