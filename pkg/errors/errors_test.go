package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"testing"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	t.Run("creates error with all defaults", func(t *testing.T) {
		err := NewError(ErrCodeInvalidConfig, "configuration is invalid")
		if err == nil {
			t.Fatal("NewError returned nil")
		}
		if err.Code != ErrCodeInvalidConfig {
			t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidConfig)
		}
		if err.Category != CategoryConfiguration {
			t.Errorf("Category = %v, want %v", err.Category, CategoryConfiguration)
		}
		if err.Details == nil || err.Context == nil {
			t.Error("Details or Context map is nil")
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	})

	t.Run("sets correct retryable defaults", func(t *testing.T) {
		if !NewError(ErrCodeConnectionFailed, "dial failed").Retryable {
			t.Error("ConnectionFailed should be retryable by default")
		}
		if NewError(ErrCodeSessionSuperseded, "replaced").Retryable {
			t.Error("SessionSuperseded should not be retryable by default")
		}
	})
}

func TestGetCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code ErrorCode
		want ErrorCategory
	}{
		{ErrCodeInvalidConfig, CategoryConfiguration},
		{ErrCodeQueueCleared, CategoryQueue},
		{ErrCodeHandlerPanic, CategoryQueue},
		{ErrCodeAlreadyConnecting, CategoryConnection},
		{ErrCodeRetryExhausted, CategoryConnection},
		{ErrCodeOutOfMemory, CategoryResource},
		{ErrCodeSerialization, CategoryCache},
		{ErrCodeStoreClosed, CategoryStore},
		{ErrCodeInternalError, CategoryInternal},
		{ErrorCode("SOMETHING_ELSE"), CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := GetCategory(tt.code); got != tt.want {
				t.Errorf("GetCategory(%v) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestSessionErrorFormatting(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeHandlerFailed, "handler failed").
		WithComponent("queue").
		WithOperation("process").
		WithCause(io.ErrUnexpectedEOF)

	got := err.Error()
	want := "[queue:process] HANDLER_FAILED: handler failed: unexpected EOF"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	str := err.WithDetail("item_id", "1-1700000000000").String()
	for _, part := range []string{"Code=HANDLER_FAILED", "Component=queue", `Details={"item_id":"1-1700000000000"}`} {
		if !strings.Contains(str, part) {
			t.Errorf("String() = %q, missing %q", str, part)
		}
	}

	data, jsonErr := json.Marshal(err)
	if jsonErr != nil {
		t.Fatalf("json.Marshal: %v", jsonErr)
	}
	if !strings.Contains(string(data), `"code":"HANDLER_FAILED"`) {
		t.Errorf("json = %s, missing code", data)
	}
}

func TestErrorsIsAndUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("socket reset")
	err := Wrap(ErrCodeConnectionFailed, "open failed", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
	if !errors.Is(err, NewError(ErrCodeConnectionFailed, "")) {
		t.Error("errors.Is should match on code")
	}
	if errors.Is(err, NewError(ErrCodeAccessDenied, "")) {
		t.Error("errors.Is should not match a different code")
	}

	wrapped := fmt.Errorf("controller: %w", err)
	if !HasCode(wrapped, ErrCodeConnectionFailed) {
		t.Error("HasCode should see through fmt wrapping")
	}
	nested := Wrap(ErrCodeHandlerFailed, "outer", NewError(ErrCodeOutOfMemory, "inner"))
	if !HasCode(nested, ErrCodeOutOfMemory) {
		t.Error("HasCode should follow Cause chains")
	}
	if HasCode(nested, ErrCodeStoreClosed) {
		t.Error("HasCode matched an absent code")
	}
}

func TestIsResourceExhaustion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"oom code", NewError(ErrCodeOutOfMemory, "allocator"), true},
		{"exhausted code", NewError(ErrCodeResourceExhausted, "fds"), true},
		{"enomem errno", &os.PathError{Op: "mmap", Path: "/x", Err: syscall.ENOMEM}, true},
		{"enospc errno", fmt.Errorf("write: %w", syscall.ENOSPC), true},
		{"heap message", errors.New("FATAL: JavaScript heap out of memory"), true},
		{"allocation message", errors.New("Cannot allocate memory"), true},
		{"disk message", errors.New("write /data: no space left on device"), true},
		{"wrapped message", Wrap(ErrCodeHandlerFailed, "send", errors.New("ENOMEM")), true},
		{"unrelated code", NewError(ErrCodeAccessDenied, "forbidden"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsResourceExhaustion(tt.err); got != tt.want {
				t.Errorf("IsResourceExhaustion(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestGetRecommendation(t *testing.T) {
	t.Parallel()

	if rec := NewError(ErrCodeAccessDenied, "").GetRecommendation(); !strings.Contains(rec, "re-pair") {
		t.Errorf("unexpected recommendation %q", rec)
	}
	if rec := NewError(ErrCodeInternalError, "").GetRecommendation(); rec == "" {
		t.Error("fallback recommendation is empty")
	}
}

func TestCaptureStack(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeInternalError, "stack").WithStack()
	if !strings.Contains(err.Stack, "errors_test.go") {
		t.Errorf("stack does not include caller: %q", err.Stack)
	}
}
