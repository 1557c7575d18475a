// Package producer implements C3: publishing opaque payloads to a queue's
// pending list.
package producer

import (
	"context"
	"time"

	"github.com/hori-ryota/zaperr"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"redismq/errs"
	"redismq/keyspace"
	"redismq/record"
)

// Producer is stateless beyond an open Redis connection; multiple
// producers may target the same queue concurrently.
type Producer struct {
	client *redis.Client
	logger *zap.Logger
}

func New(client *redis.Client, logger *zap.Logger) *Producer {
	return &Producer{client: client, logger: logger}
}

// Produce builds a record with a fresh uuid and no TTL and appends it
// atomically to queue's pending list.
func (p *Producer) Produce(ctx context.Context, queue string, payload []byte) error {
	return p.produce(ctx, queue, payload, 0)
}

// ProduceWithTTL is like Produce but the record is discarded, never
// dispatched, once now-createdAt exceeds ttl. ttl must be > 0.
func (p *Producer) ProduceWithTTL(ctx context.Context, queue string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return zaperr.Wrap(errs.ErrConfiguration, "ttl must be > 0", zap.Duration("ttl", ttl))
	}
	return p.produce(ctx, queue, payload, ttl)
}

func (p *Producer) produce(ctx context.Context, queue string, payload []byte, ttl time.Duration) error {
	rec := record.New(payload, ttl)
	raw, err := record.Marshal(rec)
	if err != nil {
		return zaperr.Wrap(errs.ErrSerialization, "failed to marshal record", zap.String("queue", queue))
	}

	keys := keyspace.New(queue)

	_, err = p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, keys.Pending(), raw)
		pipe.SAdd(ctx, keyspace.QueueRegistry, queue)
		return nil
	})
	if err != nil {
		return zaperr.Wrap(errs.ErrTransport, "failed to publish message",
			zap.String("queue", queue), zap.String("uuid", rec.UUID), zap.Error(err))
	}

	if p.logger != nil {
		p.logger.Debug("published message",
			zap.String("queue", queue), zap.String("uuid", rec.UUID), zap.Int("bytes", len(payload)))
	}
	return nil
}
