package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
)

// Sentinel errors of the provider error taxonomy. Match them with errors.Is.
var (
	// ErrNotFound is a definitive not-found answer. It is never retried.
	ErrNotFound = eris.New("resilience: provider returned not found")
	// ErrRateLimited marks a 429 answer. It is transient.
	ErrRateLimited = eris.New("resilience: provider rate limited the request")
	// ErrNoRefreshToken means the credentials cannot be refreshed.
	ErrNoRefreshToken = eris.New("resilience: credentials carry no refresh token")
	// ErrNotConfigured means a client id, secret or API key is missing.
	ErrNotConfigured = eris.New("resilience: provider is not configured")
)

// Kind classifies an error for retry and reporting decisions.
type Kind int

const (
	KindPermanent Kind = iota
	KindTransient
	KindRateLimited
	KindNotFound
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindConfiguration:
		return "configuration"
	default:
		return "permanent"
	}
}

// APIError is returned for every non-2xx response from an enrichment
// provider or CRM. It carries the status and the provider's response body.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

// NewAPIError builds an APIError, truncating very long bodies.
func NewAPIError(provider string, statusCode int, body []byte) *APIError {
	b := string(body)
	if len(b) > 2048 {
		b = b[:2048]
	}
	return &APIError{Provider: provider, StatusCode: statusCode, Body: b}
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	if body == "" {
		return fmt.Sprintf("%s: http %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Provider, e.StatusCode, body)
}

// Is lets errors.Is match the sentinels by status code.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == 404
	case ErrRateLimited:
		return e.StatusCode == 429
	}
	return false
}

// Kind classifies the response status.
func (e *APIError) Kind() Kind {
	switch {
	case e.StatusCode == 404:
		return KindNotFound
	case e.StatusCode == 429:
		return KindRateLimited
	case IsTransientHTTPStatus(e.StatusCode):
		return KindTransient
	default:
		return KindPermanent
	}
}

// TransientError wraps an error that is safe to retry (e.g. a network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// Classify returns the Kind of err. Unknown errors are permanent.
func Classify(err error) Kind {
	if err == nil {
		return KindPermanent
	}
	if errors.Is(err, ErrNoRefreshToken) || errors.Is(err, ErrNotConfigured) {
		return KindConfiguration
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind()
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	if errors.Is(err, ErrRateLimited) {
		return KindRateLimited
	}
	if IsTransient(err) {
		return KindTransient
	}
	return KindPermanent
}

// IsNotFound reports whether err is a definitive not-found answer.
func IsNotFound(err error) bool {
	return err != nil && Classify(err) == KindNotFound
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool {
	return err != nil && Classify(err) == KindConfiguration
}

// IsRetryable is the enrichment retry policy: every provider error is
// retried except definitive not-found, configuration errors and caller
// cancellation.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch Classify(err) {
	case KindNotFound, KindConfiguration:
		return false
	default:
		return true
	}
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, a transient APIError, or matches common transient network
// failures (timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return IsTransientHTTPStatus(apiErr.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"client.timeout exceeded",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
