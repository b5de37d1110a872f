package services

import (
	"errors"
	"fmt"
	"strings"
)

// Markers tasks attach to failures. Each maps onto one error category.
var (
	ErrTransient      = errors.New("transient failure")
	ErrRateLimited    = errors.New("rate limited")
	ErrAuthentication = errors.New("authentication failed")
	ErrNotFound       = errors.New("not found")
	ErrValidation     = errors.New("validation error")
	ErrQuotaExceeded  = errors.New("quota exceeded")
	ErrNetwork        = errors.New("network error")
	ErrSystem         = errors.New("system error")
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// CodedError carries a structured code reported by a client library, such as an
// API error code or an HTTP status.
type CodedError struct {
	Code   string
	Status int
	Err    error
}

func (e *CodedError) Error() string {
	var parts []string
	if e.Code != "" {
		parts = append(parts, e.Code)
	}
	if e.Status > 0 {
		parts = append(parts, fmt.Sprintf("status %d", e.Status))
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	if len(parts) == 0 {
		return "coded error"
	}
	return strings.Join(parts, ": ")
}

func (e *CodedError) Unwrap() error { return e.Err }

// ErrorCode returns the structured code.
func (e *CodedError) ErrorCode() string { return e.Code }

// StatusCode returns the transport status, or zero when unknown.
func (e *CodedError) StatusCode() int { return e.Status }

// WithCode attaches a structured code to err.
func WithCode(code string, err error) error {
	return &CodedError{Code: strings.TrimSpace(code), Err: err}
}

// WithStatus attaches a transport status code (for example an HTTP status) to err.
func WithStatus(status int, err error) error {
	return &CodedError{Status: status, Err: err}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "task failure"
	}
	return strings.Join(parts, ": ")
}
