package consumer_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"redismq/consumer"
	"redismq/keyspace"
	"redismq/record"
	"redismq/testutils"
)

func must[T any](v T, err error) func(t *testing.T) T {
	return func(t *testing.T) T {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return v
	}
}

func newTestClients(t *testing.T) (blocking, control *redis.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	redisURL, teardown, err := testutils.GetFakeRedisURL(ctx)
	t.Cleanup(teardown)
	if err != nil {
		t.Fatalf("error getting redis url: %v", err)
	}

	opt := must(redis.ParseURL(redisURL))(t)
	blocking = redis.NewClient(opt)
	control = redis.NewClient(opt)
	t.Cleanup(func() { _ = blocking.Close() })
	t.Cleanup(func() { _ = control.Close() })
	return blocking, control
}

func pushRecord(t *testing.T, client *redis.Client, queue string, rec *record.Record) {
	t.Helper()
	raw := must(record.Marshal(rec))(t)
	keys := keyspace.New(queue)
	if err := client.RPush(context.Background(), keys.Pending(), raw).Err(); err != nil {
		t.Fatalf("rpush: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func runConsumer(t *testing.T, c *consumer.Consumer) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("consumer did not shut down in time")
		}
	})
	return cancel
}

func TestHappyPathAcksMessage(t *testing.T) {
	blocking, control := newTestClients(t)
	queue := "orders"
	keys := keyspace.New(queue)

	pushRecord(t, control, queue, record.New([]byte("hello"), 0))

	var handled atomic.Bool
	handler := consumer.HandlerFunc(func(ctx context.Context, payload []byte) error {
		if string(payload) == "hello" {
			handled.Store(true)
		}
		return nil
	})

	opts := consumer.DefaultOptions()
	opts.BlockTimeout = 100 * time.Millisecond
	c := must(consumer.New("c1", queue, blocking, control, handler, opts, zap.NewNop()))(t)
	runConsumer(t, c)

	waitFor(t, 2*time.Second, handled.Load)
	waitFor(t, 2*time.Second, func() bool {
		n, _ := control.LLen(context.Background(), keys.Inflight("c1")).Result()
		return n == 0
	})
}

func TestRetryBelowThresholdRequeues(t *testing.T) {
	blocking, control := newTestClients(t)
	queue := "orders"
	keys := keyspace.New(queue)

	pushRecord(t, control, queue, record.New([]byte("fails once"), 0))

	var attempts atomic.Int32
	handler := consumer.HandlerFunc(func(ctx context.Context, payload []byte) error {
		n := attempts.Add(1)
		if n == 1 {
			return errors.New("transient failure")
		}
		return nil
	})

	opts := consumer.DefaultOptions()
	opts.BlockTimeout = 100 * time.Millisecond
	opts.MessageRetryThreshold = 3
	c := must(consumer.New("c1", queue, blocking, control, handler, opts, zap.NewNop()))(t)
	runConsumer(t, c)

	waitFor(t, 3*time.Second, func() bool { return attempts.Load() >= 2 })
	waitFor(t, 2*time.Second, func() bool {
		n, _ := control.LLen(context.Background(), keys.DLQ()).Result()
		return n == 0
	})
}

func TestExceedingThresholdDeadLetters(t *testing.T) {
	blocking, control := newTestClients(t)
	queue := "orders"
	keys := keyspace.New(queue)

	pushRecord(t, control, queue, record.New([]byte("always fails"), 0))

	handler := consumer.HandlerFunc(func(ctx context.Context, payload []byte) error {
		return errors.New("permanent failure")
	})

	opts := consumer.DefaultOptions()
	opts.BlockTimeout = 100 * time.Millisecond
	opts.MessageRetryThreshold = 2
	c := must(consumer.New("c1", queue, blocking, control, handler, opts, zap.NewNop()))(t)
	runConsumer(t, c)

	waitFor(t, 3*time.Second, func() bool {
		n, _ := control.LLen(context.Background(), keys.DLQ()).Result()
		return n == 1
	})

	raw := must(control.LIndex(context.Background(), keys.DLQ(), 0).Result())(t)
	rec := must(record.Unmarshal(raw))(t)
	if rec.Attempts != 2 {
		t.Fatalf("expected attempts=2 in dead letter, got %d", rec.Attempts)
	}
}

func TestProcessingTimeoutFailsMessage(t *testing.T) {
	blocking, control := newTestClients(t)
	queue := "orders"
	keys := keyspace.New(queue)

	pushRecord(t, control, queue, record.New([]byte("slow"), 0))

	handler := consumer.HandlerFunc(func(ctx context.Context, payload []byte) error {
		<-ctx.Done()
		return ctx.Err()
	})

	opts := consumer.DefaultOptions()
	opts.BlockTimeout = 100 * time.Millisecond
	opts.MessageConsumeTimeout = 50 * time.Millisecond
	opts.MessageRetryThreshold = 1
	c := must(consumer.New("c1", queue, blocking, control, handler, opts, zap.NewNop()))(t)
	runConsumer(t, c)

	waitFor(t, 3*time.Second, func() bool {
		n, _ := control.LLen(context.Background(), keys.DLQ()).Result()
		return n == 1
	})
}

func TestExpiredPendingMessageIsDropped(t *testing.T) {
	blocking, control := newTestClients(t)
	queue := "orders"
	keys := keyspace.New(queue)

	rec := record.New([]byte("stale"), time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	pushRecord(t, control, queue, rec)

	var calls atomic.Int32
	handler := consumer.HandlerFunc(func(ctx context.Context, payload []byte) error {
		calls.Add(1)
		return nil
	})

	opts := consumer.DefaultOptions()
	opts.BlockTimeout = 100 * time.Millisecond
	c := must(consumer.New("c1", queue, blocking, control, handler, opts, zap.NewNop()))(t)
	runConsumer(t, c)

	waitFor(t, 2*time.Second, func() bool {
		pendingLen, _ := control.LLen(context.Background(), keys.Pending()).Result()
		inflightLen, _ := control.LLen(context.Background(), keys.Inflight("c1")).Result()
		return pendingLen == 0 && inflightLen == 0
	})
	if calls.Load() != 0 {
		t.Fatalf("expected handler never invoked for expired message, got %d calls", calls.Load())
	}
}
