package dropgateerrors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromHTTPStatus_Success(t *testing.T) {
	assert.NoError(t, FromHTTPStatus(http.StatusOK, ""))
	assert.NoError(t, FromHTTPStatus(http.StatusCreated, ""))
}

func TestFromHTTPStatus_ClientErrorIsValidation(t *testing.T) {
	err := FromHTTPStatus(http.StatusRequestEntityTooLarge, "too big")
	assert.True(t, errors.Is(err, ErrValidation))
	assert.False(t, errors.Is(err, ErrNetwork))
}

func TestFromHTTPStatus_ServerErrorIsNetwork(t *testing.T) {
	err := FromHTTPStatus(http.StatusServiceUnavailable, "down")
	assert.True(t, errors.Is(err, ErrNetwork))
}

func TestIsRetryableStatus(t *testing.T) {
	assert.True(t, IsRetryableStatus(http.StatusServiceUnavailable))
	assert.True(t, IsRetryableStatus(http.StatusTooManyRequests))
	assert.False(t, IsRetryableStatus(http.StatusBadRequest))
	assert.False(t, IsRetryableStatus(http.StatusRequestEntityTooLarge))
}

func TestConstructors(t *testing.T) {
	assert.True(t, errors.Is(Validation("bad %s", "filename"), ErrValidation))
	assert.True(t, errors.Is(Network("boom"), ErrNetwork))
	assert.True(t, errors.Is(Protocol("boom"), ErrProtocol))
	assert.True(t, errors.Is(Crypto("boom"), ErrCrypto))
	assert.True(t, errors.Is(Abort("boom"), ErrAbort))
	assert.True(t, errors.Is(Timeout("boom"), ErrTimeout))
	assert.True(t, errors.Is(IncompatibleServer("client %s vs server %s", "1.0", "2.0"), ErrProtocol))
}
