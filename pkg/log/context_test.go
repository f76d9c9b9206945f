package log

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateRequestID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateRequestID()
		assert.Len(t, id, 10)
		assert.False(t, seen[id], "request IDs should not repeat")
		seen[id] = true
	}
}

func TestRequestContext_RoundTrip(t *testing.T) {
	ctx := WithRequestContext(context.Background(), "abc123defg")

	reqCtx := GetRequestContext(ctx)
	assert.Equal(t, "abc123defg", reqCtx.RequestID)
	assert.False(t, reqCtx.StartTime.IsZero())
	assert.Equal(t, "abc123defg", GetRequestID(ctx))
}

func TestGetRequestContext_Missing(t *testing.T) {
	reqCtx := GetRequestContext(context.Background())
	assert.Equal(t, "unknown", reqCtx.RequestID)

	assert.Equal(t, "unknown", GetRequestID(nil)) //nolint:staticcheck
	assert.Equal(t, int64(0), GetElapsedTime(context.Background()))
}
