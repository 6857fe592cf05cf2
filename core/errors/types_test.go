package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "without channel",
			err:      New(CodeInvalidLocator, CategoryValidation, "bad locator"),
			expected: "[VALIDATION:INVALID_LOCATOR] bad locator",
		},
		{
			name:     "with channel",
			err:      New(CodeRateLimited, CategoryRateLimit, "slow down").WithChannel("relay"),
			expected: "[RATE_LIMIT:RATE_LIMITED] slow down (channel: relay)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestErrorIs(t *testing.T) {
	annotated := ErrRateLimited.WithChannel("relay").WithMessage("429 from relay")
	if !errors.Is(annotated, ErrRateLimited) {
		t.Error("annotated copy should match its sentinel")
	}
	if errors.Is(annotated, ErrConnectionFailure) {
		t.Error("should not match a different sentinel")
	}
	if errors.Is(annotated, errors.New("plain")) {
		t.Error("should not match a plain error")
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	wrapped := Wrap(CodeConnectionFailure, CategoryConnection, "send failed", cause)

	if !errors.Is(wrapped, cause) {
		t.Error("wrapped error should unwrap to its cause")
	}
	if wrapped.Unwrap() != cause {
		t.Errorf("Unwrap() = %v, want %v", wrapped.Unwrap(), cause)
	}

	// fmt wrapping keeps the chain intact.
	outer := fmt.Errorf("broadcast: %w", wrapped)
	if !errors.Is(outer, ErrConnectionFailure) {
		t.Error("outer error should still match the sentinel")
	}
}

func TestWithChannelDoesNotMutate(t *testing.T) {
	base := New(CodeSendFailed, CategoryChannel, "failed")
	annotated := base.WithChannel("relay")

	if base.Channel != "" {
		t.Error("WithChannel must not mutate the original")
	}
	if annotated.Channel != "relay" {
		t.Errorf("Channel = %q, want %q", annotated.Channel, "relay")
	}
}
