package types

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrInternal, "dispatch failed").
		WithCause(root).
		WithRetryable(true)

	if GetErrorCode(err) != ErrInternal {
		t.Fatalf("expected code %d, got %d", ErrInternal, GetErrorCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestError_WrappedLookup(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("handler: %w", NewRateLimitError("slow down"))
	if !IsErrorCode(wrapped, ErrRateLimited) {
		t.Fatalf("expected wrapped rate limit error to be found")
	}
	if !IsRetryable(wrapped) {
		t.Fatalf("rate limit errors are retryable")
	}
	if GetErrorCode(errors.New("plain")) != 0 {
		t.Fatalf("plain errors carry no code")
	}
}

func TestErrorCode_HTTPStatus(t *testing.T) {
	t.Parallel()

	cases := map[ErrorCode]int{
		ErrParse:          http.StatusBadRequest,
		ErrInvalidRequest: http.StatusBadRequest,
		ErrInvalidParams:  http.StatusBadRequest,
		ErrMethodNotFound: http.StatusNotFound,
		ErrAuthentication: http.StatusUnauthorized,
		ErrAuthorization:  http.StatusForbidden,
		ErrRateLimited:    http.StatusTooManyRequests,
		ErrInternal:       http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := NewError(code, "x").HTTPStatus; got != want {
			t.Errorf("code %d: expected status %d, got %d", code, want, got)
		}
	}
}

func TestInternalError_HidesCause(t *testing.T) {
	t.Parallel()

	err := NewInternalError(errors.New("db password=hunter2"))
	if err.Message != "internal error" {
		t.Fatalf("unexpected message %q", err.Message)
	}
	if err.Data != nil {
		t.Fatalf("internal errors carry no client data")
	}
}

func TestContextValues(t *testing.T) {
	t.Parallel()

	ctx := WithAgentID(WithRequestID(context.Background(), "req-1"), "agent-1")
	if v, ok := RequestID(ctx); !ok || v != "req-1" {
		t.Fatalf("request id not propagated")
	}
	if v, ok := AgentID(ctx); !ok || v != "agent-1" {
		t.Fatalf("agent id not propagated")
	}
	if _, ok := RemoteIP(ctx); ok {
		t.Fatalf("remote ip should be absent")
	}
}
