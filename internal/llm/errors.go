package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorKind classifies provider failures
type ErrorKind string

const (
	// ProviderRateLimited is retried with backoff.
	ProviderRateLimited ErrorKind = "ProviderRateLimited"
	// ProviderConflict means the session is busy with a run; retried with backoff.
	ProviderConflict ErrorKind = "ProviderConflict"
	// ProviderTerminal covers failed, cancelled and expired runs. Never retried.
	ProviderTerminal ErrorKind = "ProviderTerminal"
	// AttachmentUploadFailed aborts the append that needed the attachment.
	AttachmentUploadFailed ErrorKind = "AttachmentUploadFailed"
	// ProviderRequestFailed is any other provider error.
	ProviderRequestFailed ErrorKind = "ProviderRequestFailed"
)

// ProviderError is an error returned by an assistant provider
type ProviderError struct {
	Kind       ErrorKind
	Code       string
	Message    string
	StatusCode int
	// RetryAfter is the server's requested delay, if it sent one.
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// KindOf returns the error's kind, or "" if err is not a ProviderError
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsRateLimited reports whether err is a rate-limit rejection
func IsRateLimited(err error) bool { return KindOf(err) == ProviderRateLimited }

// IsConflict reports whether err is a concurrent-mutation rejection
func IsConflict(err error) bool { return KindOf(err) == ProviderConflict }

// IsTerminal reports whether err ended a run
func IsTerminal(err error) bool { return KindOf(err) == ProviderTerminal }

// IsRetryable reports whether the append retry policy applies to err
func IsRetryable(err error) bool {
	kind := KindOf(err)
	return kind == ProviderRateLimited || kind == ProviderConflict
}

// ClassifyStatus builds a ProviderError from an HTTP failure. Active-run
// rejections come back as 400 with a message naming the run.
func ClassifyStatus(err error, statusCode int, code, message string, header http.Header) *ProviderError {
	pe := &ProviderError{
		Kind:       ProviderRequestFailed,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}

	lower := strings.ToLower(message)
	switch {
	case statusCode == http.StatusTooManyRequests || code == "rate_limit_exceeded":
		pe.Kind = ProviderRateLimited
	case statusCode == http.StatusConflict,
		statusCode == http.StatusBadRequest && strings.Contains(lower, "while a run") && strings.Contains(lower, "is active"):
		pe.Kind = ProviderConflict
	}

	if header != nil {
		if v := header.Get("Retry-After"); v != "" {
			pe.RetryAfter = parseRetryAfter(v)
		}
	}
	return pe
}

// NewUploadError wraps an attachment failure
func NewUploadError(name string, err error) *ProviderError {
	return &ProviderError{
		Kind:    AttachmentUploadFailed,
		Message: fmt.Sprintf("failed to upload %s: %v", name, err),
		Err:     err,
	}
}
