package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp: timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindNone},
		{"deadline", eris.Wrap(context.DeadlineExceeded, "openai"), KindTimeout},
		{"canceled", context.Canceled, KindCanceled},
		{"circuit", fmt.Errorf("anthropic: %w", ErrCircuitOpen), KindCircuitOpen},
		{"malformed", Malformed(errors.New("missing field")), KindMalformed},
		{"429", &StatusError{Provider: "gemini", StatusCode: 429}, KindRateLimited},
		{"401", &StatusError{Provider: "gemini", StatusCode: 401}, KindAuth},
		{"503", eris.Wrap(&StatusError{Provider: "x", StatusCode: 503}, "call"), KindUnavailable},
		{"400", &StatusError{Provider: "x", StatusCode: 400}, KindUnknown},
		{"net timeout", timeoutErr{}, KindTimeout},
		{"conn refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), KindUnavailable},
		{"message heuristics", errors.New("read: connection reset by peer"), KindUnavailable},
		{"plain", errors.New("nope"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	assert.True(t, IsTransient(&StatusError{StatusCode: 502}))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(Malformed(errors.New("x"))))
	assert.False(t, IsTransient(nil))

	assert.True(t, IsTransientHTTPStatus(429))
	assert.True(t, IsTransientHTTPStatus(504))
	assert.False(t, IsTransientHTTPStatus(404))
}

func TestStatusError_TruncatesBody(t *testing.T) {
	t.Parallel()

	err := &StatusError{Provider: "perplexity", StatusCode: 500, Body: strings.Repeat("x", 500)}
	assert.Less(t, len(err.Error()), 260)
	assert.Equal(t, "perplexity: http 404", (&StatusError{Provider: "perplexity", StatusCode: 404}).Error())
}

func TestMalformed_Nil(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Malformed(nil))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 5*time.Second, ParseRetryAfter("5"))
	assert.Equal(t, time.Duration(0), ParseRetryAfter(""))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("-3"))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("soon"))
	assert.Equal(t, time.Duration(0), ParseRetryAfter(time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat)))

	d := ParseRetryAfter(time.Now().Add(time.Minute).UTC().Format(http.TimeFormat))
	assert.InDelta(t, float64(time.Minute), float64(d), float64(2*time.Second))
}
