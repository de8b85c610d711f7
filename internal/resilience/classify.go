// Package resilience wraps fallible operations with retry, backoff, and a
// per-operation circuit breaker.
package resilience

import "strings"

// Class categorizes an operation error for retry decisions.
type Class string

const (
	// ClassTimeout indicates request timeout or deadline exceeded.
	ClassTimeout Class = "TIMEOUT"

	// ClassRateLimit indicates rate limiting or quota exhaustion (429).
	ClassRateLimit Class = "RATE_LIMIT"

	// ClassTransient indicates transient network or server failures (5xx,
	// connection reset, unavailable).
	ClassTransient Class = "TRANSIENT"

	// ClassAuth indicates authentication/authorization failures (401, 403).
	ClassAuth Class = "AUTH"

	// ClassInvalidInput indicates malformed input or constraint violations.
	ClassInvalidInput Class = "INVALID_INPUT"

	// ClassUnknown is the default for unrecognized errors.
	ClassUnknown Class = "UNKNOWN"
)

// Classify inspects the error message for known patterns and returns the
// most specific Class that matches.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	msg := strings.ToLower(err.Error())

	// Auth errors: 401, unauthorized, invalid key, forbidden, 403.
	if strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid key") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "403") {
		return ClassAuth
	}

	// Rate limit: 429, rate limit, quota exceeded, too many requests.
	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "rate limited") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "too many requests") {
		return ClassRateLimit
	}

	// Timeout: deadline exceeded, timeout, timed out.
	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") {
		return ClassTimeout
	}

	// Transient: 5xx, connection failures, service unavailable.
	if strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") ||
		strings.Contains(msg, "server error") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "unavailable") ||
		strings.Contains(msg, "eof") {
		return ClassTransient
	}

	// Invalid input: malformed params, constraint violations.
	if strings.Contains(msg, "invalid") ||
		strings.Contains(msg, "malformed") ||
		strings.Contains(msg, "constraint") ||
		strings.Contains(msg, "bad request") ||
		strings.Contains(msg, "400") {
		return ClassInvalidInput
	}

	return ClassUnknown
}

// defaultRetryable is the allow-list of classes the default strategy retries.
var defaultRetryable = map[Class]bool{
	ClassTimeout:   true,
	ClassRateLimit: true,
	ClassTransient: true,
}

// Retryable reports whether the default policy considers err worth retrying.
func Retryable(err error) bool {
	return defaultRetryable[Classify(err)]
}
