package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"404", NewAPIError("hubspot", 404, nil), KindNotFound},
		{"429", NewAPIError("hubspot", 429, nil), KindRateLimited},
		{"503", NewAPIError("hubspot", 503, nil), KindTransient},
		{"400", NewAPIError("hubspot", 400, []byte("bad")), KindPermanent},
		{"wrapped 404", eris.Wrap(NewAPIError("cnpja", 404, nil), "cnpja: lookup"), KindNotFound},
		{"no refresh token", eris.Wrap(ErrNoRefreshToken, "crm: refresh"), KindConfiguration},
		{"not configured", ErrNotConfigured, KindConfiguration},
		{"sentinel not found", ErrNotFound, KindNotFound},
		{"timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, KindTransient},
		{"plain", errors.New("boom"), KindPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewAPIError("x", 500, nil)))
	assert.True(t, IsRetryable(NewAPIError("x", 400, nil)))
	assert.True(t, IsRetryable(errors.New("unexpected payload")))
	assert.False(t, IsRetryable(NewAPIError("x", 404, nil)))
	assert.False(t, IsRetryable(ErrNoRefreshToken))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(nil))
}

func TestAPIError_IsSentinels(t *testing.T) {
	err := fmt.Errorf("lookup: %w", NewAPIError("brasilapi", 429, nil))
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.NotErrorIs(t, err, ErrNotFound)

	var apiErr *APIError
	assert.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 429, apiErr.StatusCode)
}

func TestAPIError_Message(t *testing.T) {
	assert.Equal(t, "pipedrive: http 401", NewAPIError("pipedrive", 401, nil).Error())
	assert.Equal(t, `pipedrive: http 401: {"error":"unauthorized"}`,
		NewAPIError("pipedrive", 401, []byte(`{"error":"unauthorized"}`)).Error())
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(NewTransientError(errors.New("overloaded"), 503)))
	assert.True(t, IsTransient(fmt.Errorf("write tcp: %w", syscall.ECONNRESET)))
	assert.True(t, IsTransient(errors.New("net/http: TLS handshake timeout")))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(NewAPIError("x", 404, nil)))
	assert.False(t, IsTransient(errors.New("invalid input")))
	assert.False(t, IsTransient(nil))
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "not_found", KindNotFound.String())
	assert.Equal(t, "configuration", KindConfiguration.String())
	assert.Equal(t, "permanent", KindPermanent.String())
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }
