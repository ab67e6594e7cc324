package llmclient

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies an LLM call failure into the coarse categories the
// retry policy dispatches on.
type ErrorKind string

const (
	ErrorKindTimeout   ErrorKind = "TIMEOUT"
	ErrorKindTransient ErrorKind = "TRANSIENT"
	ErrorKindPermanent ErrorKind = "PERMANENT"
	ErrorKindUnknown   ErrorKind = "UNKNOWN"
)

// Error describes a failure returned by an LLM transport. It crosses
// worker/orchestrator package boundaries carrying a stable, structured
// classification instead of forcing callers to pattern-match message text.
type Error struct {
	Kind      ErrorKind
	Model     string
	Operation string
	Message   string
	cause     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	return fmt.Sprintf("llmclient: %s %s(%s): %s", e.Kind, e.Operation, e.Model, msg)
}

// Unwrap preserves the original error chain.
func (e *Error) Unwrap() error { return e.cause }

// Is supports errors.Is(err, &Error{Kind: ErrorKindTransient}) style checks.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// Retryable reports whether the retry policy (§4.2) would retry this error
// kind unconditionally. UNKNOWN is not retryable by default; callers that
// want to retry UNKNOWN must opt in explicitly (see Options.RetryUnknown).
func (e *Error) Retryable() bool {
	return e.Kind == ErrorKindTimeout || e.Kind == ErrorKindTransient
}

// classify maps a raw transport error to its taxonomy kind by inspecting its
// message and, for HTTP-carrying errors, its status code. The taxonomy is
// based on substring matching exactly as specified: TIMEOUT if the message
// contains "timeout" or "timed out"; TRANSIENT for connection resets,
// timeouts at the socket level, "overloaded", "rate_limit", or HTTP 503/529;
// PERMANENT for invalid_api_key, permission_denied, invalid_request; UNKNOWN
// otherwise.
func classify(err error, httpStatus int) ErrorKind {
	if err == nil {
		return ErrorKindUnknown
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") {
		return ErrorKindTimeout
	}

	switch httpStatus {
	case 503, 529:
		return ErrorKindTransient
	}
	if strings.Contains(msg, "econnreset") || strings.Contains(msg, "etimedout") ||
		strings.Contains(msg, "overloaded") || strings.Contains(msg, "rate_limit") {
		return ErrorKindTransient
	}

	if strings.Contains(msg, "invalid_api_key") || strings.Contains(msg, "permission_denied") ||
		strings.Contains(msg, "invalid_request") {
		return ErrorKindPermanent
	}

	return ErrorKindUnknown
}

// isRateLimitError reports whether err's message carries the provider's
// rate-limit signal specifically, distinct from the broader TRANSIENT bucket
// classify() folds it into — used to drive AdaptiveRateLimiter's backoff
// rather than its more generic retry/backoff treatment.
func isRateLimitError(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "rate_limit")
}

func newError(kind ErrorKind, model, operation string, cause error) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: kind, Model: model, Operation: operation, Message: msg, cause: cause}
}

// AsClientError returns the first *Error in err's chain, if any.
func AsClientError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// ErrNoSession indicates continueSession was called for an agent with no
// entry in the session table.
var ErrNoSession = errors.New("llmclient: NO_SESSION")
