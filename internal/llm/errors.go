package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Reason categorizes why a provider request failed.
type Reason string

const (
	ReasonRateLimit      Reason = "rate_limit"
	ReasonTimeout        Reason = "timeout"
	ReasonServerError    Reason = "server_error"
	ReasonAuth           Reason = "auth"
	ReasonBilling        Reason = "billing"
	ReasonInvalidRequest Reason = "invalid_request"
	ReasonContextLength  Reason = "context_length"
	ReasonUnknown        Reason = "unknown"
)

// Retryable reports whether a retry may succeed.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// ErrNotConfigured is returned when a provider has no API key.
var ErrNotConfigured = errors.New("llm: provider API key not configured")

// ProviderError is a classified failure from a provider.
type ProviderError struct {
	Reason   Reason
	Provider string
	Model    string
	// Status is the HTTP status code, if known.
	Status  int
	Code    string
	Message string
	Cause   error
}

func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// wrapError classifies err for provider. Context errors pass through
// untouched so callers can tell cancellation from provider failures.
func wrapError(provider, model string, status int, code string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return err
	}

	perr = &ProviderError{
		Reason:   ClassifyError(err),
		Provider: provider,
		Model:    model,
		Status:   status,
		Code:     code,
		Message:  err.Error(),
		Cause:    err,
	}
	if status != 0 {
		if r := classifyStatus(status); r != ReasonUnknown {
			perr.Reason = r
		}
	}
	if r := classifyCode(code); r != ReasonUnknown {
		perr.Reason = r
	}
	return perr
}

// ClassifyError inspects an error message for known failure patterns.
func ClassifyError(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}

	msg := strings.ToLower(err.Error())
	contains := func(patterns ...string) bool {
		for _, p := range patterns {
			if strings.Contains(msg, p) {
				return true
			}
		}
		return false
	}
	switch {
	case contains("context_length", "context length", "maximum context", "too many tokens"):
		return ReasonContextLength
	case contains("timeout", "deadline exceeded", "etimedout"):
		return ReasonTimeout
	case contains("rate limit", "rate_limit", "too many requests", "429", "resource_exhausted"):
		return ReasonRateLimit
	case contains("unauthorized", "invalid api key", "invalid_api_key", "authentication", "401", "403"):
		return ReasonAuth
	case contains("billing", "payment", "insufficient_quota", "402"):
		return ReasonBilling
	case contains("internal server", "server error", "overloaded", "unavailable", "connection reset", "eof", "500", "502", "503", "504", "529"):
		return ReasonServerError
	case contains("invalid_request", "bad request", "400"):
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}

func classifyStatus(status int) Reason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusRequestTimeout:
		return ReasonTimeout
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func classifyCode(code string) Reason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return ReasonRateLimit
	case "authentication_error", "invalid_api_key", "permission_error":
		return ReasonAuth
	case "billing_error", "insufficient_quota":
		return ReasonBilling
	case "context_length_exceeded":
		return ReasonContextLength
	case "overloaded_error", "api_error", "server_error":
		return ReasonServerError
	case "invalid_request_error":
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}

// IsRetryable reports whether err is a transient provider failure. A
// cancelled context is never retryable; an expired one counts as a timeout.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return ClassifyError(err).Retryable()
}
