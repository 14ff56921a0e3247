package gwerrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestWrapKeepsRootReachable(t *testing.T) {
	err := ErrScopeViolation.Wrapf("action %s", "gls.social:vote")
	if !errors.Is(err, ErrScopeViolation) {
		t.Fatalf("wrapped error lost its root: %v", err)
	}
	if Code(err) != 1104 {
		t.Fatalf("unexpected code %d", Code(err))
	}
	if msg := Message(err); msg == "" || msg == ErrTransactionFailed.Error() {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestCodeForUnregisteredError(t *testing.T) {
	err := fmt.Errorf("database on fire")
	if Code(err) != ErrTransactionFailed.Code() {
		t.Fatalf("unregistered error should map to the generic code, got %d", Code(err))
	}
	if Message(err) != ErrTransactionFailed.Error() {
		t.Fatalf("unregistered error leaked its message: %q", Message(err))
	}
}

func TestWithDataPreservesPayload(t *testing.T) {
	payload := json.RawMessage(`{"error":{"code":3080001,"name":"ram_usage_exceeded"}}`)
	err := ErrChainRejected.WithData(payload)
	if !errors.Is(err, ErrChainRejected) {
		t.Fatalf("data-carrying error lost its root")
	}
	if string(Data(err)) != string(payload) {
		t.Fatalf("payload not preserved: %s", Data(err))
	}
	if Data(ErrNotFound.Wrap("x")) != nil {
		t.Fatalf("expected nil payload for plain wrap")
	}
}

func TestRegisterRejectsDuplicateCode(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate code")
		}
	}()
	Register(1104, "duplicate")
}
