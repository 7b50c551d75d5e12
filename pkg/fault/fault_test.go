package fault

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeOf(t *testing.T) {
	base := New(CodeSessionNotFound, "session %s not found", "sess-1")
	wrapped := fmt.Errorf("handling request: %w", base)

	if got := CodeOf(wrapped); got != CodeSessionNotFound {
		t.Errorf("CodeOf() = %s, want %s", got, CodeSessionNotFound)
	}
	if got := CodeOf(errors.New("plain")); got != CodeInternal {
		t.Errorf("CodeOf(plain) = %s, want %s", got, CodeInternal)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	f := Wrap(CodeS3Read, cause, "reading object %s", "docs/a.txt")

	if !errors.Is(f, cause) {
		t.Error("wrapped fault should match its cause with errors.Is")
	}
	want := "S3_READ_ERROR: reading object docs/a.txt: connection reset"
	if f.Error() != want {
		t.Errorf("Error() = %q, want %q", f.Error(), want)
	}
}

func TestTransient(t *testing.T) {
	f := Transient(CodeLLMProvider, errors.New("429"), "rate limited")
	if !IsTransient(f) {
		t.Error("transient fault should report IsTransient")
	}
	if IsTransient(New(CodeValidation, "bad input")) {
		t.Error("plain fault should not report IsTransient")
	}
}

func TestWithDetail(t *testing.T) {
	f := New(CodeBudgetExceeded, "llm subcall quota exhausted").
		WithDetail("limit", 8).
		WithDetail("used", 8)

	if f.Details["limit"] != 8 || f.Details["used"] != 8 {
		t.Errorf("details not attached: %#v", f.Details)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeSessionNotFound, http.StatusNotFound},
		{CodeExecutionNotFound, http.StatusNotFound},
		{CodeValidation, http.StatusBadRequest},
		{CodeSessionNotReady, http.StatusConflict},
		{CodeBudgetExceeded, http.StatusUnprocessableEntity},
		{CodeMaxTurnsExceeded, http.StatusUnprocessableEntity},
		{CodeLLMProvider, http.StatusBadGateway},
		{CodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.code); got != tt.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}
