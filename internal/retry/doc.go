// Package retry runs an operation with capped exponential backoff and
// jitter. It is used when connecting to external sinks such as Redis.
//
//	err := retry.Do(ctx, &retry.Config{MaxRetries: 3}, func() error {
//		return client.Ping(ctx).Err()
//	}, nil)
package retry
