package backend

import (
	"context"
	"errors"
	"strings"
)

var rateLimitHints = []string{
	"rate limit",
	"too many requests",
	"429",
	"quota",
	"resource exhausted",
	"overloaded",
}

var timeoutHints = []string{
	"timeout",
	"timed out",
	"context deadline",
	"deadline exceeded",
}

var rejectedHints = []string{
	"invalid api key",
	"api key not valid",
	"unauthorized",
	"authentication",
	"permission denied",
	"invalid request",
	"content filter",
	"blocked by safety",
	"prompt was blocked",
}

// Classify buckets an adapter error into a typed backend Error.
// Already-typed errors pass through; everything else is matched on
// message hints, defaulting to a retryable transport failure.
func Classify(err error) *Error {
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrTimeout, Err: err}
	}

	msg := strings.ToLower(err.Error())
	for _, h := range rateLimitHints {
		if strings.Contains(msg, h) {
			return &Error{Kind: ErrRateLimited, Err: err}
		}
	}
	for _, h := range timeoutHints {
		if strings.Contains(msg, h) {
			return &Error{Kind: ErrTimeout, Err: err}
		}
	}
	for _, h := range rejectedHints {
		if strings.Contains(msg, h) {
			return &Error{Kind: ErrRejected, Err: err}
		}
	}

	return &Error{Kind: ErrTransport, Err: err}
}
