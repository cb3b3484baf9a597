package failure

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestHTTPKind(t *testing.T) {
	if got := HTTPKind(429); got != KindRateLimit {
		t.Errorf("HTTPKind(429) = %q, want %q", got, KindRateLimit)
	}
	if got := HTTPKind(503); got != Kind("http_503") {
		t.Errorf("HTTPKind(503) = %q, want http_503", got)
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(nil); got != KindNone {
		t.Errorf("KindOf(nil) = %q, want empty", got)
	}

	err := New(KindTimeout, "deadline exceeded after %ds", 30)
	if got := KindOf(err); got != KindTimeout {
		t.Errorf("KindOf = %q, want %q", got, KindTimeout)
	}

	// Wrapped errors still classify.
	wrapped := fmt.Errorf("probing gpt-4: %w", err)
	if got := KindOf(wrapped); got != KindTimeout {
		t.Errorf("KindOf(wrapped) = %q, want %q", got, KindTimeout)
	}

	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Errorf("KindOf(plain) = %q, want %q", got, KindUnknown)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindRateLimit, true},
		{KindTimeout, true},
		{KindConnection, true},
		{Kind("http_403"), false},
		{Kind("http_404"), false},
		{KindNoContent, false},
		{KindUnknown, false},
	}
	for _, tt := range tests {
		if got := IsRetryable(New(tt.kind, "x")); got != tt.want {
			t.Errorf("IsRetryable(%s) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestRetryAfterOf(t *testing.T) {
	err := &ProbeError{Kind: KindRateLimit, Msg: "slow down", RetryAfter: 7 * time.Second}
	if got := RetryAfterOf(fmt.Errorf("attempt 1: %w", err)); got != 7*time.Second {
		t.Errorf("RetryAfterOf = %v, want 7s", got)
	}
	if got := RetryAfterOf(errors.New("plain")); got != 0 {
		t.Errorf("RetryAfterOf(plain) = %v, want 0", got)
	}
}

func TestCategorize(t *testing.T) {
	if got := Categorize(KindRateLimit); got != "rate limited" {
		t.Errorf("Categorize(rate_limit) = %q", got)
	}
	// Unmapped kinds fall back to the raw string.
	if got := Categorize(Kind("http_554")); got != "http_554" {
		t.Errorf("Categorize(http_554) = %q", got)
	}
}
