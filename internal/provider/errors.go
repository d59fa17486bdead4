package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

var (
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderTimeout     = errors.New("provider request timeout")
	ErrInvalidResponse     = errors.New("provider returned invalid response")
	ErrUnknownProvider     = errors.New("unknown provider")
)

// SubmissionError means the provider rejected a request before accepting it.
// Retrying the same request will not help.
type SubmissionError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s submission rejected: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s submission rejected: %s", e.Provider, e.Reason)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// ConfigurationError names the tool, the field and the rule that a request
// broke. It is raised locally, before any network call.
type ConfigurationError struct {
	Provider string
	Tool     string
	Field    string
	Rule     string
}

func (e *ConfigurationError) Error() string {
	if e.Tool == "" {
		return fmt.Sprintf("%s request: %s %s", e.Provider, e.Field, e.Rule)
	}
	return fmt.Sprintf("%s tool %q: %s %s", e.Provider, e.Tool, e.Field, e.Rule)
}

// ProviderError is a transient remote failure. Callers may retry.
type ProviderError struct {
	Provider   string
	Op         string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// ClassifyError maps transport-level errors to a ProviderError wrapping a sentinel.
func ClassifyError(name, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &ProviderError{Provider: name, Op: op, Err: fmt.Errorf("%w: %v", ErrProviderTimeout, err)}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ProviderError{Provider: name, Op: op, Err: fmt.Errorf("%w: %v", ErrProviderTimeout, err)}
	}

	return &ProviderError{Provider: name, Op: op, Err: fmt.Errorf("%w: %v", ErrProviderUnavailable, err)}
}

// StatusError turns a non-2xx response into an error. Throttling and server
// errors are transient; any other client error on submit is a rejection.
func StatusError(name, op string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 {
		return &ProviderError{Provider: name, Op: op, StatusCode: status, Err: fmt.Errorf("%w: %s", ErrProviderUnavailable, msg)}
	}
	if op == "submit" {
		return &SubmissionError{Provider: name, Reason: fmt.Sprintf("status %d", status), Err: errors.New(msg)}
	}
	return &ProviderError{Provider: name, Op: op, StatusCode: status, Err: fmt.Errorf("%w: %s", ErrInvalidResponse, msg)}
}
