package wastecal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitedTransport_PerChatSpacing(t *testing.T) {
	next := newMockTransport()
	rl := NewRateLimitedTransport(next, RateLimitConfig{Overall: 1000, PerChat: 20})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, rl.Send(ctx, 1, "x"))
	}
	// Burst of one, then 50ms per message.
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.Len(t, next.Calls(), 3)
}

func TestRateLimitedTransport_ChatsDoNotBlockEachOther(t *testing.T) {
	next := newMockTransport()
	rl := NewRateLimitedTransport(next, RateLimitConfig{Overall: 1000, PerChat: 0.1})
	ctx := context.Background()

	start := time.Now()
	for chat := int64(1); chat <= 5; chat++ {
		require.NoError(t, rl.Send(ctx, chat, "x"))
	}
	assert.Less(t, time.Since(start), time.Second)
}

func TestRateLimitedTransport_ContextCancelled(t *testing.T) {
	next := newMockTransport()
	rl := NewRateLimitedTransport(next, RateLimitConfig{Overall: 1000, PerChat: 0.01})

	require.NoError(t, rl.Send(context.Background(), 1, "first"))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := rl.Send(ctx, 1, "second")
	require.Error(t, err)
	assert.Len(t, next.Calls(), 1)
}

func TestRateLimitedTransport_PassesErrorsThrough(t *testing.T) {
	next := newMockTransport()
	next.FailNext(1)
	rl := NewRateLimitedTransport(next, RateLimitConfig{})

	err := rl.Send(context.Background(), 1, "x")
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}
