package producer_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"redismq/keyspace"
	"redismq/producer"
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

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	redisURL, teardown, err := testutils.GetFakeRedisURL(ctx)
	t.Cleanup(teardown)
	if err != nil {
		t.Fatalf("error getting redis url: %v", err)
	}

	opt := must(redis.ParseURL(redisURL))(t)
	client := redis.NewClient(opt)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestProduce(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
	defer cancel()

	client := newTestClient(t)
	logger := must(zap.NewDevelopment())(t)
	p := producer.New(client, logger)

	if err := p.Produce(ctx, "orders", []byte("hello")); err != nil {
		t.Fatalf("produce: %v", err)
	}

	keys := keyspace.New("orders")
	raw, err := client.LIndex(ctx, keys.Pending(), 0).Result()
	if err != nil {
		t.Fatalf("lindex: %v", err)
	}
	rec, err := record.Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(rec.Payload) != "hello" {
		t.Fatalf("expected payload %q, got %q", "hello", rec.Payload)
	}
	if rec.TTL != 0 {
		t.Fatalf("expected no ttl, got %d", rec.TTL)
	}

	registered, err := client.SIsMember(ctx, keyspace.QueueRegistry, "orders").Result()
	if err != nil {
		t.Fatalf("sismember: %v", err)
	}
	if !registered {
		t.Fatalf("expected queue to be registered")
	}
}

func TestProduceWithTTL(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
	defer cancel()

	client := newTestClient(t)
	logger := must(zap.NewDevelopment())(t)
	p := producer.New(client, logger)

	if err := p.ProduceWithTTL(ctx, "orders", []byte("bye"), 50*time.Millisecond); err != nil {
		t.Fatalf("producewithttl: %v", err)
	}

	keys := keyspace.New("orders")
	raw, err := client.LIndex(ctx, keys.Pending(), 0).Result()
	if err != nil {
		t.Fatalf("lindex: %v", err)
	}
	rec, err := record.Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.TTL != 50 {
		t.Fatalf("expected ttl 50ms, got %d", rec.TTL)
	}

	if err := p.ProduceWithTTL(ctx, "orders", []byte("bad"), 0); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
}
