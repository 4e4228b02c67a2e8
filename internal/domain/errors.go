package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is matching across layers.
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrDatabase   = errors.New("database error")
	ErrIo         = errors.New("io error")
	ErrLlm        = errors.New("llm error")
	ErrCancelled  = errors.New("cancelled")
	ErrInternal   = errors.New("internal error")
)

// ValidationError reports bad input shape: empty text, wrong ID prefix,
// path traversal, invalid node type.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return "validation error: " + e.Message }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// NotFoundError identifies a missing entity by type and ID.
type NotFoundError struct {
	ResourceType string
	ID           string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.ResourceType, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFoundf builds a NotFoundError.
func NotFoundf(resourceType, id string) error {
	return &NotFoundError{ResourceType: resourceType, ID: id}
}

// LlmErrorKind classifies provider failures.
type LlmErrorKind string

const (
	LlmTimeout   LlmErrorKind = "timeout"
	LlmRateLimit LlmErrorKind = "rate_limit"
	LlmAuth      LlmErrorKind = "auth"
	LlmTransient LlmErrorKind = "transient"
	LlmPermanent LlmErrorKind = "permanent"
)

// LlmError wraps a provider failure. Message is safe for users; raw provider
// payloads stay in Cause and are logged only.
type LlmError struct {
	Kind       LlmErrorKind
	Message    string
	RetryAfter int // seconds, rate-limit only; 0 when unknown
	Cause      error
}

func (e *LlmError) Error() string {
	return fmt.Sprintf("llm %s: %s", e.Kind, e.Message)
}

func (e *LlmError) Is(target error) bool { return target == ErrLlm }

func (e *LlmError) Unwrap() error { return e.Cause }

// Retriable reports whether the failure is worth retrying.
func (e *LlmError) Retriable() bool {
	return e.Kind == LlmTransient || e.Kind == LlmRateLimit || e.Kind == LlmTimeout
}

// UserMessage maps provider status codes to fixed sentences so raw payloads
// never reach the UI.
func LlmUserMessage(kind LlmErrorKind) string {
	switch kind {
	case LlmTimeout:
		return "The model took too long to respond. Please try again."
	case LlmRateLimit:
		return "The model is receiving too many requests. Please wait and retry."
	case LlmAuth:
		return "The model provider rejected the configured credentials."
	case LlmTransient:
		return "The model provider had a temporary problem. Please retry."
	default:
		return "The model provider returned an error."
	}
}

// NewLlmError builds an LlmError from an HTTP status code.
func NewLlmError(statusCode int, cause error) *LlmError {
	var kind LlmErrorKind
	switch {
	case statusCode == 401 || statusCode == 403:
		kind = LlmAuth
	case statusCode == 429:
		kind = LlmRateLimit
	case statusCode >= 500:
		kind = LlmTransient
	default:
		kind = LlmPermanent
	}
	return &LlmError{Kind: kind, Message: LlmUserMessage(kind), Cause: cause}
}

// WrapDatabase wraps a SQL-layer error with context.
func WrapDatabase(err error, op string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrDatabase, op, err)
}

// WrapIo wraps a filesystem error with context.
func WrapIo(err error, op string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrIo, op, err)
}

// Internalf reports an invariant violation.
func Internalf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInternal, fmt.Sprintf(format, args...))
}
