package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	testredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

// NewMiniRedis starts an in-process Redis and a client connected to it.
// Both are closed when the test ends.
func NewMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:       mr.Addr(),
		MaxRetries: -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	return mr, client
}

// NewTestRedis creates a Redis test instance using Testcontainers. The test
// is skipped under -short, when SPENDGUARD_SKIP_DOCKER is set, or when no
// container runtime is available.
func NewTestRedis(t *testing.T) (*redis.Client, func()) {
	client, _, cleanup := NewTestRedisWithURL(t)
	return client, cleanup
}

// NewTestRedisWithURL is NewTestRedis that also returns the connection URL.
func NewTestRedisWithURL(t *testing.T) (*redis.Client, string, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping Redis container test in short mode")
	}
	if os.Getenv("SPENDGUARD_SKIP_DOCKER") != "" {
		t.Skip("SPENDGUARD_SKIP_DOCKER is set")
	}

	ctx := context.Background()

	container, err := testredis.Run(ctx,
		"redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("Redis container unavailable: %v", err)
	}

	connURL, err := container.ConnectionString(ctx)
	require.NoError(t, err, "Failed to get Redis connection string")

	opt, err := redis.ParseURL(connURL)
	require.NoError(t, err, "Failed to parse Redis URL")

	client := redis.NewClient(opt)
	require.NoError(t, client.Ping(ctx).Err(), "Failed to ping Redis")

	cleanup := func() {
		_ = client.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	}

	return client, connURL, cleanup
}
