package services

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"gasless-backend/internal/types"

	"github.com/ethereum/go-ethereum/common"
)

type fakeNonceReader struct {
	mtx   sync.Mutex
	nonce *big.Int
	calls int
	err   error
}

func (f *fakeNonceReader) GetEntryPointNonce(ctx context.Context, chainID int64, entryPoint, account common.Address) (*big.Int, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return new(big.Int).Set(f.nonce), nil
}

var (
	testAccount    = common.HexToAddress("0x9858EfFD232B4033E47d90003D41EC34EcaEda94")
	testEntryPoint = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
)

func TestWithNonceSequential(t *testing.T) {
	reader := &fakeNonceReader{nonce: big.NewInt(5)}
	a := NewNonceAllocator(reader)

	var seen []int64
	for i := 0; i < 3; i++ {
		err := a.WithNonce(context.Background(), 1, testEntryPoint, testAccount, func(nonce *big.Int) error {
			seen = append(seen, nonce.Int64())
			return nil
		})
		if err != nil {
			t.Fatalf("WithNonce: %v", err)
		}
	}

	want := []int64{5, 6, 7}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("allocation %d: got %d, want %d", i, seen[i], want[i])
		}
	}
	if reader.calls != 1 {
		t.Errorf("chain should be read once while reservations are pending, got %d reads", reader.calls)
	}
	if got := a.PendingCount(testAccount, 1); got != 3 {
		t.Errorf("pending = %d, want 3", got)
	}
}

func TestWithNonceReleasesOnError(t *testing.T) {
	a := NewNonceAllocator(&fakeNonceReader{nonce: big.NewInt(0)})

	err := a.WithNonce(context.Background(), 1, testEntryPoint, testAccount, func(*big.Int) error {
		return errors.New("bundler rejected")
	})
	if err == nil {
		t.Fatal("callback error should propagate")
	}
	if got := a.PendingCount(testAccount, 1); got != 0 {
		t.Errorf("failed callback should release the reservation, pending = %d", got)
	}

	// The slot freed by the failure is handed out again.
	var next int64 = -1
	if err := a.WithNonce(context.Background(), 1, testEntryPoint, testAccount, func(nonce *big.Int) error {
		next = nonce.Int64()
		return nil
	}); err != nil {
		t.Fatalf("WithNonce: %v", err)
	}
	if next != 0 {
		t.Errorf("got nonce %d, want 0", next)
	}
}

func TestWithNonceBackpressure(t *testing.T) {
	a := NewNonceAllocator(&fakeNonceReader{nonce: big.NewInt(0)})

	for i := 0; i < defaultMaxPending; i++ {
		if err := a.WithNonce(context.Background(), 1, testEntryPoint, testAccount, func(*big.Int) error { return nil }); err != nil {
			t.Fatalf("reservation %d: %v", i, err)
		}
	}

	err := a.WithNonce(context.Background(), 1, testEntryPoint, testAccount, func(*big.Int) error { return nil })
	if err == nil {
		t.Fatal("expected back-pressure error")
	}
	if types.KindOf(err) != types.KindNonce {
		t.Errorf("got kind %s, want %s", types.KindOf(err), types.KindNonce)
	}
}

func TestMarkConfirmedAdvancesBase(t *testing.T) {
	reader := &fakeNonceReader{nonce: big.NewInt(10)}
	a := NewNonceAllocator(reader)

	if err := a.WithNonce(context.Background(), 1, testEntryPoint, testAccount, func(*big.Int) error { return nil }); err != nil {
		t.Fatal(err)
	}
	a.MarkConfirmed(testAccount, 1)
	if got := a.PendingCount(testAccount, 1); got != 0 {
		t.Fatalf("pending = %d, want 0", got)
	}

	// Base advanced locally; next allocation is 11 without re-reading chain.
	var next int64
	if err := a.WithNonce(context.Background(), 1, testEntryPoint, testAccount, func(nonce *big.Int) error {
		next = nonce.Int64()
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if next != 11 {
		t.Errorf("got nonce %d, want 11", next)
	}
	if reader.calls != 1 {
		t.Errorf("confirmation should not force a chain read, got %d reads", reader.calls)
	}
}

func TestMarkFailedForcesResync(t *testing.T) {
	reader := &fakeNonceReader{nonce: big.NewInt(10)}
	a := NewNonceAllocator(reader)

	if err := a.WithNonce(context.Background(), 1, testEntryPoint, testAccount, func(*big.Int) error { return nil }); err != nil {
		t.Fatal(err)
	}
	a.MarkFailed(testAccount, 1)

	// A revert may or may not have consumed the EntryPoint slot; the chain
	// is authoritative now.
	reader.mtx.Lock()
	reader.nonce = big.NewInt(11)
	reader.mtx.Unlock()

	var next int64
	if err := a.WithNonce(context.Background(), 1, testEntryPoint, testAccount, func(nonce *big.Int) error {
		next = nonce.Int64()
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if next != 11 {
		t.Errorf("got nonce %d, want 11 from resync", next)
	}
	if reader.calls != 2 {
		t.Errorf("expected a second chain read after failure, got %d", reader.calls)
	}
}

func TestWithNonceConcurrentUnique(t *testing.T) {
	a := NewNonceAllocator(&fakeNonceReader{nonce: big.NewInt(0)})

	var mtx sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for i := 0; i < defaultMaxPending; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.WithNonce(context.Background(), 1, testEntryPoint, testAccount, func(nonce *big.Int) error {
				mtx.Lock()
				defer mtx.Unlock()
				if seen[nonce.Int64()] {
					t.Errorf("nonce %d handed out twice", nonce.Int64())
				}
				seen[nonce.Int64()] = true
				return nil
			})
		}()
	}
	wg.Wait()

	if len(seen) != defaultMaxPending {
		t.Errorf("got %d unique nonces, want %d", len(seen), defaultMaxPending)
	}
}
