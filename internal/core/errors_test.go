package core

import (
	"errors"
	"testing"
)

func TestDomainError_ErrorAndUnwrap(t *testing.T) {
	cause := errors.New("root")
	err := (&DomainError{
		Category: ErrCatSetup,
		Code:     "CODE",
		Message:  "message",
	}).WithCause(cause)

	if err.Unwrap() != cause {
		t.Fatalf("expected cause to be unwrapped")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to match cause")
	}

	match := &DomainError{Category: ErrCatSetup, Code: "CODE"}
	if !errors.Is(err, match) {
		t.Fatalf("expected errors.Is to match category and code")
	}
}

func TestDomainError_WithDetail(t *testing.T) {
	err := &DomainError{Category: ErrCatRegistration, Code: "X", Message: "msg"}
	err.WithDetail("pid", 42)
	if err.Details == nil || err.Details["pid"] != 42 {
		t.Fatalf("expected details to be set")
	}
}

func TestErrorFactories(t *testing.T) {
	if !ErrSetup("C", "m").Retryable {
		t.Fatalf("setup should be retryable")
	}
	if ErrRegistration("C", "m").Retryable {
		t.Fatalf("registration should not be retryable")
	}
	if ErrCollection("C", "m").Retryable {
		t.Fatalf("collection should not be retryable")
	}
	if !ErrTimeout("m").Retryable {
		t.Fatalf("timeout should be retryable")
	}
	if ErrState("C", "m").Retryable {
		t.Fatalf("state should not be retryable")
	}
	if ErrIPC("C", "m").Retryable {
		t.Fatalf("ipc should not be retryable")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(ErrSetup(CodeBindFailed, "m")) {
		t.Fatalf("expected retryable error")
	}
	if IsRetryable(errors.New("plain")) {
		t.Fatalf("expected non-domain error to be non-retryable")
	}
}

func TestGetCategory(t *testing.T) {
	if GetCategory(ErrRegistration(CodeInvalidPID, "m")) != ErrCatRegistration {
		t.Fatalf("expected registration category")
	}
	if GetCategory(errors.New("plain")) != ErrCatInternal {
		t.Fatalf("expected internal category for non-domain error")
	}
	if !IsCategory(ErrNotFound("report", "latest"), ErrCatNotFound) {
		t.Fatalf("expected category match")
	}
}
