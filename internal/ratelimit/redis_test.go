package ratelimit_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageguard/internal/config"
	"stageguard/internal/ratelimit"
	"stageguard/internal/testsupport"
)

func TestSharedWindowAgainstRedis(t *testing.T) {
	url := os.Getenv("STAGEGUARD_TEST_REDIS_URL")
	if url == "" {
		t.Skip("STAGEGUARD_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	client, err := ratelimit.Connect(ctx, config.Redis{URL: url})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	clock := testsupport.NewClock()
	prefix := "stageguard-test-" + uuid.NewString()
	first := ratelimit.NewShared(client, prefix, "openai", ratelimit.Limits{MaxRequests: 3, MaxTokens: 100}, ratelimit.WithClock(clock.Now))
	second := ratelimit.NewShared(client, prefix, "openai", ratelimit.Limits{MaxRequests: 3, MaxTokens: 100}, ratelimit.WithClock(clock.Now))
	t.Cleanup(func() { client.Del(context.Background(), first.Key()) })

	for i := 0; i < 3; i++ {
		l := first
		if i%2 == 1 {
			l = second
		}
		ok, _, err := l.Reserve(ctx, 10)
		require.NoError(t, err)
		require.True(t, ok)
		clock.Advance(10 * time.Second)
	}

	ok, wait, err := second.CanProceed(ctx, 10)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 30*time.Second, wait)

	usage, err := first.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, ratelimit.Usage{Requests: 3, Tokens: 30}, usage)

	clock.Advance(wait)
	ok, _, err = first.Reserve(ctx, 90)
	require.NoError(t, err)
	assert.False(t, ok, "token ceiling still blocks")
	ok, _, err = first.Reserve(ctx, 80)
	require.NoError(t, err)
	assert.True(t, ok)

	_, _, err = first.CanProceed(ctx, 500)
	assert.ErrorIs(t, err, ratelimit.ErrCostExceedsLimit)
}
