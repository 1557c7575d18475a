package testutils

import (
	"context"
	"fmt"

	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// GetFakeRedisURL starts a disposable Redis container and returns a URL
// suitable for redis.ParseURL, mirroring the teacher's getS3Client helper
// in shape: spin up a real backing service in a container, return a
// connection string plus a teardown func that is always safe to call.
func GetFakeRedisURL(ctx context.Context) (redisURL string, teardown func(), err error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	teardown = func() {
		if container != nil {
			_ = container.Terminate(ctx)
		}
	}
	if err != nil {
		return "", teardown, fmt.Errorf("error creating redis container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx)
	if err != nil {
		return "", teardown, fmt.Errorf("error getting redis connection string: %w", err)
	}

	return connStr, teardown, nil
}
