// Package stats implements C7: periodic publication of queue counters so
// an operator (or the HTTP surface in this package) can observe a
// queue's health without inspecting Redis directly.
package stats

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"redismq/keyspace"
)

// Emitter accumulates in-memory counters for one consumer and flushes
// them into a Redis hash on an interval, so a separate process (or the
// HTTP reader in this package) can read them back. Counters are
// cumulative for the lifetime of the process; callers wanting a rate
// must sample CurrentSnapshot twice.
type Emitter struct {
	queue  string
	keys   keyspace.Keys
	client *redis.Client
	tick   time.Duration
	logger *zap.Logger

	acked        atomic.Int64
	failed       atomic.Int64
	requeued     atomic.Int64
	expired      atomic.Int64
	deadLettered atomic.Int64
	heartbeats   atomic.Int64

	processingTotal atomic.Int64 // nanoseconds, cumulative
	processingCount atomic.Int64
}

func NewEmitter(queue string, client *redis.Client, tick time.Duration, logger *zap.Logger) *Emitter {
	return &Emitter{
		queue:  queue,
		keys:   keyspace.New(queue),
		client: client,
		tick:   tick,
		logger: logger,
	}
}

func (e *Emitter) IncAck()        { e.acked.Add(1) }
func (e *Emitter) IncFail()       { e.failed.Add(1) }
func (e *Emitter) IncRequeued()   { e.requeued.Add(1) }
func (e *Emitter) IncExpired()    { e.expired.Add(1) }
func (e *Emitter) IncDeadLetter() { e.deadLettered.Add(1) }
func (e *Emitter) Heartbeat()     { e.heartbeats.Add(1) }

func (e *Emitter) ObserveProcessing(d time.Duration) {
	e.processingTotal.Add(d.Nanoseconds())
	e.processingCount.Add(1)
}

// Snapshot is a point-in-time read of every counter.
type Snapshot struct {
	Queue              string    `json:"queue"`
	Acked              int64     `json:"acked"`
	Failed             int64     `json:"failed"`
	Requeued           int64     `json:"requeued"`
	Expired            int64     `json:"expired"`
	DeadLettered       int64     `json:"dead_lettered"`
	Heartbeats         int64     `json:"heartbeats"`
	AvgProcessingMicros int64    `json:"avg_processing_micros"`
	CapturedAt         time.Time `json:"captured_at"`
}

func (e *Emitter) snapshot() Snapshot {
	count := e.processingCount.Load()
	var avg int64
	if count > 0 {
		avg = e.processingTotal.Load() / count / int64(time.Microsecond)
	}
	return Snapshot{
		Queue:               e.queue,
		Acked:               e.acked.Load(),
		Failed:              e.failed.Load(),
		Requeued:            e.requeued.Load(),
		Expired:             e.expired.Load(),
		DeadLettered:        e.deadLettered.Load(),
		Heartbeats:          e.heartbeats.Load(),
		AvgProcessingMicros: avg,
		CapturedAt:          time.Now(),
	}
}

// Run periodically flushes the current snapshot into the queue's stats
// hash in Redis, until ctx is cancelled.
func (e *Emitter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.flush(ctx); err != nil {
				e.logger.Warn("failed to flush stats", zap.Error(err))
			}
		}
	}
}

func (e *Emitter) flush(ctx context.Context) error {
	s := e.snapshot()
	return e.client.HSet(ctx, e.keys.Stats("counters"), map[string]interface{}{
		"acked":                 s.Acked,
		"failed":                s.Failed,
		"requeued":              s.Requeued,
		"expired":               s.Expired,
		"dead_lettered":         s.DeadLettered,
		"heartbeats":            s.Heartbeats,
		"avg_processing_micros": s.AvgProcessingMicros,
	}).Err()
}

// CurrentSnapshot exposes the current in-process counters directly, without a
// Redis round-trip; used by the HTTP reader in the same process and by
// tests.
func (e *Emitter) CurrentSnapshot() Snapshot {
	return e.snapshot()
}
