package engine

import (
	"context"
	"errors"
	"strings"
)

// ErrorClass categorizes generation failures. The class is embedded in the
// in-band failure text so callers can tell a timeout from a bad key without
// an error value crossing the Generator boundary.
type ErrorClass string

const (
	// ErrorClassAuth covers 401/403 responses and rejected keys.
	ErrorClassAuth ErrorClass = "AUTH"

	// ErrorClassRateLimit covers 429 responses and quota exhaustion.
	ErrorClassRateLimit ErrorClass = "RATE_LIMIT"

	// ErrorClassTimeout covers the per-call deadline and transport timeouts.
	ErrorClassTimeout ErrorClass = "TIMEOUT"

	ErrorClassBilling ErrorClass = "BILLING"

	// ErrorClassContextOverflow indicates the prompt exceeded the model's context window.
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"

	ErrorClassUnknown ErrorClass = "UNKNOWN"
)

// ClassifyError maps a provider error onto an ErrorClass by inspecting
// sentinel values first and then well-known message fragments.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "401", "unauthorized", "invalid key", "invalid api key", "forbidden", "403"):
		return ErrorClassAuth
	case containsAny(msg, "429", "rate limit", "rate_limit", "quota", "too many requests"):
		return ErrorClassRateLimit
	case containsAny(msg, "deadline exceeded", "timeout", "timed out"):
		return ErrorClassTimeout
	case containsAny(msg, "billing", "payment", "insufficient funds"):
		return ErrorClassBilling
	case containsAny(msg, "context_length", "context length", "token limit", "max tokens", "maximum context", "context window"):
		return ErrorClassContextOverflow
	}
	return ErrorClassUnknown
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
