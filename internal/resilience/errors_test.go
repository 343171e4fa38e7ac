package resilience

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestRetryableStatus(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusRequestTimeout, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusInternalServerError, true},
		{http.StatusOK, false},
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d", tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, RetryableStatus(tt.code))
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", NewTransientError(errors.New("feed: status 429"), http.StatusTooManyRequests), true},
		{"upstream maintenance", NewTransientError(errors.New("chronicler: status 503"), http.StatusServiceUnavailable), true},
		{"no response at all", NewTransientError(errors.New("dial tcp: timeout"), 0), true},
		{"bad request marked transient anyway", NewTransientError(errors.New("feed: status 400"), http.StatusBadRequest), false},
		{"wrapped transient", eris.Wrap(NewTransientError(errors.New("status 502"), http.StatusBadGateway), "feed: events"), true},
		{"connection reset message", errors.New("read: connection reset by peer"), true},
		{"dns failure message", errors.New("lookup api.sibr.dev: no such host"), true},
		{"handshake timeout message", errors.New("net/http: TLS handshake timeout"), true},
		{"decode failure", errors.New("feed: decode events: unexpected token"), false},
		{"plain permanent", errors.New("feed: status 404: not found"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	inner := errors.New("boom")
	te := NewTransientError(inner, http.StatusBadGateway)
	assert.ErrorIs(t, te, inner)
	assert.Equal(t, "boom", te.Error())
}
