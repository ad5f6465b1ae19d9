package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	if got := KindOf(NewError(KindValidation, "bad input")); got != KindValidation {
		t.Errorf("got %s, want %s", got, KindValidation)
	}
	if got := KindOf(errors.New("plain")); got != KindInternal {
		t.Errorf("plain error should default to internal, got %s", got)
	}
	if got := KindOf(nil); got != KindInternal {
		t.Errorf("nil should default to internal, got %s", got)
	}

	// Kind survives wrapping with %w.
	wrapped := fmt.Errorf("outer: %w", NewError(KindSponsorship, "budget exhausted"))
	if got := KindOf(wrapped); got != KindSponsorship {
		t.Errorf("wrapped kind lost: got %s", got)
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := WrapError(KindChainUnavailable, inner, "rpc dial failed")
	if !errors.Is(err, inner) {
		t.Error("wrapped error should satisfy errors.Is on the cause")
	}
	msg := err.Error()
	if msg != "chain_unavailable: rpc dial failed: connection refused" {
		t.Errorf("unexpected message: %q", msg)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want bool
	}{
		{KindChainUnavailable, true},
		{KindNonce, true},
		{KindValidation, false},
		{KindSimulation, false},
		{KindSponsorship, false},
		{KindTimeout, false},
		{KindInternal, false},
	}
	for _, tc := range tests {
		if got := IsRetryable(NewError(tc.kind, "x")); got != tc.want {
			t.Errorf("IsRetryable(%s) = %v, want %v", tc.kind, got, tc.want)
		}
	}
}
