// Package gc implements C6: detecting dead consumers, reclaiming their
// in-flight messages, enforcing TTL on pending records, and electing a
// single active garbage collector per queue.
package gc

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

// maxPendingSweepPerTick bounds how many expired records at the head of
// pending a single tick will discard, so one overdue sweep can't starve
// the leader's other duties.
const maxPendingSweepPerTick = 1000

// Stats is the subset of the statistics emitter the collector reports
// into; satisfied by *stats.Emitter without gc importing the stats
// package.
type Stats interface {
	IncExpired()
	IncDeadLetter()
	IncRequeued()
}

// Archiver is the subset of the archive store the collector writes
// dead-lettered records into.
type Archiver interface {
	Archive(ctx context.Context, queue string, rec *record.Record, reason string)
	ArchiveRaw(ctx context.Context, queue string, raw string, reason string)
}

// Collector is the GC leader candidate running inside one consumer
// process. Only one Collector per queue, across all consumer processes,
// is ever actually doing work at a time (see tryAcquireLease).
type Collector struct {
	id             string
	queue          string
	keys           keyspace.Keys
	client         *redis.Client
	tickInterval   time.Duration
	leaseTTL       time.Duration
	retryThreshold int
	logger         *zap.Logger
	stats          Stats
	archiver       Archiver

	leader bool
}

func New(id, queue string, client *redis.Client, tickInterval time.Duration, retryThreshold int, logger *zap.Logger) *Collector {
	return &Collector{
		id:             id,
		queue:          queue,
		keys:           keyspace.New(queue),
		client:         client,
		tickInterval:   tickInterval,
		leaseTTL:       2*tickInterval + tickInterval/2,
		retryThreshold: retryThreshold,
		logger:         logger,
	}
}

func (g *Collector) WithStats(s Stats) *Collector {
	g.stats = s
	return g
}

func (g *Collector) WithArchiver(a Archiver) *Collector {
	g.archiver = a
	return g
}

// Run ticks every tickInterval: on each tick the collector tries to
// acquire (or renew) the queue's GC lease, and if it succeeds, performs
// one reclaim pass. Failing to acquire is not an error; it means another
// consumer already leads.
func (g *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(g.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			acquired, err := g.tryAcquireLease(ctx)
			if err != nil {
				g.logger.Warn("gc lease acquisition failed", zap.Error(err))
				continue
			}
			g.leader = acquired
			if !acquired {
				continue
			}
			if err := g.tick(ctx); err != nil {
				g.logger.Warn("gc tick failed", zap.Error(err))
			}
		}
	}
}

func (g *Collector) tryAcquireLease(ctx context.Context) (bool, error) {
	res, err := acquireLeaseScript.Run(ctx, g.client, []string{g.keys.GCLock()}, g.id, g.leaseTTL.Milliseconds()).Int()
	if err != nil {
		return false, zaperr.Wrap(errs.ErrTransport, "failed to acquire gc lease", zap.Error(err))
	}
	g.leader = res == 1
	return g.leader, nil
}

// Release gives up the lease if this collector currently holds it, so the
// next tick elsewhere can take over immediately rather than waiting out
// the full lease TTL.
func (g *Collector) Release(ctx context.Context) error {
	if !g.leader {
		return nil
	}
	if err := releaseLeaseScript.Run(ctx, g.client, []string{g.keys.GCLock()}, g.id).Err(); err != nil {
		return zaperr.Wrap(errs.ErrTransport, "failed to release gc lease", zap.Error(err))
	}
	g.leader = false
	return nil
}

func (g *Collector) tick(ctx context.Context) error {
	consumerIDs, err := g.client.SMembers(ctx, g.keys.Consumers()).Result()
	if err != nil {
		return zaperr.Wrap(errs.ErrTransport, "failed to enumerate consumers", zap.Error(err))
	}

	for _, cid := range consumerIDs {
		alive, err := g.client.Exists(ctx, g.keys.Alive(cid)).Result()
		if err != nil {
			g.logger.Warn("failed to check consumer liveness", zap.String("consumerID", cid), zap.Error(err))
			continue
		}
		if alive > 0 {
			continue
		}
		if err := g.drain(ctx, cid); err != nil {
			g.logger.Warn("failed to drain dead consumer", zap.String("consumerID", cid), zap.Error(err))
		}
	}

	if err := g.sweepExpiredPending(ctx); err != nil {
		g.logger.Warn("failed to sweep expired pending messages", zap.Error(err))
	}

	return nil
}

// drain reclaims every record left in a presumed-dead consumer's in-flight
// list, applying the same retry/dead-letter/expiry policy a live failure
// would, then removes the consumer from the known set. Each LPOP is
// atomic on its own and, because the owning consumer is dead, nothing
// else is concurrently touching this list — satisfying spec.md §5(d)
// without a bespoke script.
func (g *Collector) drain(ctx context.Context, cid string) error {
	inflightKey := g.keys.Inflight(cid)
	now := time.Now()

	for {
		raw, err := g.client.LPop(ctx, inflightKey).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return zaperr.Wrap(errs.ErrTransport, "failed to drain in-flight list", zap.Error(err))
		}

		rec, err := record.Unmarshal(raw)
		if err != nil {
			if err := g.client.RPush(ctx, g.keys.DLQ(), raw).Err(); err != nil {
				g.logger.Error("failed to dead-letter corrupt reclaimed record", zap.Error(err))
			}
			if g.stats != nil {
				g.stats.IncDeadLetter()
			}
			if g.archiver != nil {
				g.archiver.ArchiveRaw(ctx, g.queue, raw, "serialization-error")
			}
			continue
		}

		next, outcome := record.Decide(rec, g.retryThreshold, now)
		switch outcome {
		case record.OutcomeExpired:
			if g.stats != nil {
				g.stats.IncExpired()
			}
		case record.OutcomeDeadLetter:
			newRaw, err := record.Marshal(next)
			if err != nil {
				g.logger.Error("failed to marshal reclaimed record", zap.Error(err))
				continue
			}
			if err := g.client.RPush(ctx, g.keys.DLQ(), newRaw).Err(); err != nil {
				g.logger.Error("failed to dead-letter reclaimed record", zap.Error(err))
				continue
			}
			if g.stats != nil {
				g.stats.IncDeadLetter()
			}
			if g.archiver != nil {
				g.archiver.Archive(ctx, g.queue, next, "reclaimed-retry-threshold-exceeded")
			}
		default:
			newRaw, err := record.Marshal(next)
			if err != nil {
				g.logger.Error("failed to marshal reclaimed record", zap.Error(err))
				continue
			}
			if err := g.client.RPush(ctx, g.keys.Pending(), newRaw).Err(); err != nil {
				g.logger.Error("failed to requeue reclaimed record", zap.Error(err))
				continue
			}
			if g.stats != nil {
				g.stats.IncRequeued()
			}
		}
	}

	if err := g.client.SRem(ctx, g.keys.Consumers(), cid).Err(); err != nil {
		return zaperr.Wrap(errs.ErrTransport, "failed to remove dead consumer from roster", zap.Error(err))
	}
	g.logger.Info("reclaimed dead consumer", zap.String("queue", g.queue), zap.String("consumerID", cid))
	return nil
}

func (g *Collector) sweepExpiredPending(ctx context.Context) error {
	for i := 0; i < maxPendingSweepPerTick; i++ {
		head, err := g.client.LIndex(ctx, g.keys.Pending(), 0).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return zaperr.Wrap(errs.ErrTransport, "failed to peek pending head", zap.Error(err))
		}

		rec, err := record.Unmarshal(head)
		if err != nil {
			return nil // leave corrupt head for a consumer to dead-letter on dispatch
		}
		if !rec.Expired(time.Now()) {
			return nil
		}

		popped, err := sweepExpiredHeadScript.Run(ctx, g.client, []string{g.keys.Pending()}, head).Int()
		if err != nil {
			return zaperr.Wrap(errs.ErrTransport, "failed to sweep expired pending head", zap.Error(err))
		}
		if popped == 0 {
			return nil // someone else already popped the head; stop for this tick
		}
		if g.stats != nil {
			g.stats.IncExpired()
		}
	}
	return nil
}
