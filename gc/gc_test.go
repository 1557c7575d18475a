package gc

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"redismq/keyspace"
	"redismq/record"
	"redismq/testutils"
)

func must[T any](v T, err error) func(t *testing.T) T {
	return func(t *testing.T) T {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
		return v
	}
}

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	redisURL, teardown, err := testutils.GetFakeRedisURL(ctx)
	t.Cleanup(teardown)
	if err != nil {
		t.Fatal(err)
	}

	opt := must(redis.ParseURL(redisURL))(t)
	client := redis.NewClient(opt)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestDrainRequeuesBelowThreshold(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	keys := keyspace.New("orders")

	rec := record.New([]byte("payload"), 0)
	raw := must(record.Marshal(rec))(t)
	if err := client.RPush(ctx, keys.Inflight("dead-consumer"), raw).Err(); err != nil {
		t.Fatal(err)
	}
	if err := client.SAdd(ctx, keys.Consumers(), "dead-consumer").Err(); err != nil {
		t.Fatal(err)
	}

	collector := New("gc-1", "orders", client, 50*time.Millisecond, 3, zaptest.NewLogger(t))
	if err := collector.drain(ctx, "dead-consumer"); err != nil {
		t.Fatal(err)
	}

	pendingLen, err := client.LLen(ctx, keys.Pending()).Result()
	if err != nil {
		t.Fatal(err)
	}
	if pendingLen != 1 {
		t.Fatalf("expected 1 requeued record in pending, got %d", pendingLen)
	}

	isMember, err := client.SIsMember(ctx, keys.Consumers(), "dead-consumer").Result()
	if err != nil {
		t.Fatal(err)
	}
	if isMember {
		t.Fatal("expected dead consumer to be removed from roster")
	}
}

func TestDrainDeadLettersAtThreshold(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	keys := keyspace.New("orders")

	rec := record.New([]byte("payload"), 0)
	rec.Attempts = 2
	raw := must(record.Marshal(rec))(t)
	if err := client.RPush(ctx, keys.Inflight("dead-consumer"), raw).Err(); err != nil {
		t.Fatal(err)
	}

	collector := New("gc-1", "orders", client, 50*time.Millisecond, 3, zaptest.NewLogger(t))
	if err := collector.drain(ctx, "dead-consumer"); err != nil {
		t.Fatal(err)
	}

	dlqLen, err := client.LLen(ctx, keys.DLQ()).Result()
	if err != nil {
		t.Fatal(err)
	}
	if dlqLen != 1 {
		t.Fatalf("expected 1 dead-lettered record, got %d", dlqLen)
	}
}

func TestLeaseAcquisitionIsExclusive(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	first := New("gc-1", "orders", client, 50*time.Millisecond, 3, zaptest.NewLogger(t))
	second := New("gc-2", "orders", client, 50*time.Millisecond, 3, zaptest.NewLogger(t))

	acquired, err := first.tryAcquireLease(ctx)
	if err != nil || !acquired {
		t.Fatalf("expected first collector to acquire lease, got %v err=%v", acquired, err)
	}

	acquired, err = second.tryAcquireLease(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if acquired {
		t.Fatal("expected second collector to be denied the lease")
	}

	if err := first.Release(ctx); err != nil {
		t.Fatal(err)
	}

	acquired, err = second.tryAcquireLease(ctx)
	if err != nil || !acquired {
		t.Fatalf("expected second collector to acquire lease after release, got %v err=%v", acquired, err)
	}
}
