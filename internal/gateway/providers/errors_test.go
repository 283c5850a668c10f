package providers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorKind
	}{
		{401, ErrorKindAuth},
		{403, ErrorKindAuth},
		{408, ErrorKindTransient},
		{429, ErrorKindTransient},
		{500, ErrorKindTransient},
		{502, ErrorKindTransient},
		{503, ErrorKindTransient},
		{504, ErrorKindTransient},
		{400, ErrorKindInvalidRequest},
		{404, ErrorKindInvalidRequest},
		{422, ErrorKindInvalidRequest},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classifyStatus(tc.status), "status %d", tc.status)
	}
}

func TestErrorPredicatesSeeWrappedErrors(t *testing.T) {
	auth := fmt.Errorf("attempt failed: %w", httpError(Anthropic, 401, []byte("bad key")))
	assert.True(t, IsAuth(auth))
	assert.False(t, IsTransient(auth))

	transient := fmt.Errorf("attempt failed: %w", httpError(OpenAI, 429, []byte("slow down")))
	assert.True(t, IsTransient(transient))
	assert.False(t, IsAuth(transient))

	invalid := httpError(Gemini, 400, []byte("bad model"))
	assert.False(t, IsAuth(invalid))
	assert.False(t, IsTransient(invalid))
}

func TestTransportErrorCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := transportError(ctx, OpenAI, ctx.Err())
	assert.True(t, IsCanceled(err))
	assert.False(t, IsTransient(err))

	netErr := transportError(context.Background(), OpenAI, fmt.Errorf("connection refused"))
	assert.True(t, IsTransient(netErr))
	assert.False(t, IsCanceled(netErr))
}

func TestTransportErrorExpiredDeadlineIsTransient(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	err := transportError(ctx, OpenAI, ctx.Err())
	assert.True(t, IsTransient(err))
	assert.False(t, IsCanceled(err))
}
