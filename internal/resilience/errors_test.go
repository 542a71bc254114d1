package resilience

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(NewTransientError(eris.New("rate limited"), 429)))
	assert.True(t, IsTransient(eris.Wrap(NewTransientError(eris.New("x"), 503), "stage: embed")))
	assert.True(t, IsTransient(eris.New("read tcp: connection reset by peer")))
	assert.True(t, IsTransient(eris.New("dial: i/o timeout")))
	assert.False(t, IsTransient(eris.New("invalid narrative")))
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), "code %d", code)
	}
	for _, code := range []int{200, 400, 401, 403, 404, 409, 422} {
		assert.False(t, IsTransientHTTPStatus(code), "code %d", code)
	}
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, "transient", ClassifyError(NewTransientError(eris.New("x"), 500)))
	assert.Equal(t, "permanent", ClassifyError(eris.New("bad input")))
}

func TestDeadLetterCanRetry(t *testing.T) {
	e := &DeadLetter{RetryCount: 2, MaxRetries: 3}
	assert.True(t, e.CanRetry())
	e.RetryCount = 3
	assert.False(t, e.CanRetry())
}
