package utils

import (
	"errors"
	"testing"
)

func TestAppErrorFormatsOpAndMessage(t *testing.T) {
	err := NewAppError("classifier.feedback", "reputation update rejected", errors.New("ledger is frozen"))
	want := "classifier.feedback: reputation update rejected: ledger is frozen"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}

	bare := NewAppError("orchestrator.wave", "contribution recorded after finalize", nil)
	want = "orchestrator.wave: contribution recorded after finalize"
	if bare.Error() != want {
		t.Fatalf("Error() = %q, want %q", bare.Error(), want)
	}
}

func TestAppErrorUnwrapsToCause(t *testing.T) {
	cause := errors.New("ledger is frozen")
	err := NewAppError("orchestrator.wave", "contribution recorded after finalize", cause)

	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is did not reach the wrapped cause")
	}

	var appErr *AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("errors.As failed to extract *AppError")
	}
	if appErr.Op != "orchestrator.wave" {
		t.Fatalf("Op = %q, want orchestrator.wave", appErr.Op)
	}
}
