package httpclient

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryableErrorMessage(t *testing.T) {
	err := &RetryableError{StatusCode: 429, Message: "rate limited"}
	want := "HTTP 429: rate limited"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	err.RetryAfter = 5 * time.Second
	want = "HTTP 429: rate limited (retry after 5s)"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestRetryableErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := &RetryableError{StatusCode: 503, Message: "unavailable", Err: cause}

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}

	var re *RetryableError
	wrapped := fmt.Errorf("calling provider: %w", err)
	if !errors.As(wrapped, &re) {
		t.Fatal("errors.As should find *RetryableError in chain")
	}
	if re.StatusCode != 503 {
		t.Errorf("StatusCode = %d, want 503", re.StatusCode)
	}
	if !re.IsRetryable() {
		t.Error("IsRetryable() should be true")
	}
}
