// Package consumer implements C4 (the consumer runtime) and C5 (the
// processing-timeout watchdog): register, heartbeat, pull, dispatch,
// ack/fail, retry, dead-letter.
package consumer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hori-ryota/zaperr"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"redismq/archive"
	"redismq/errs"
	"redismq/gc"
	"redismq/keyspace"
	"redismq/record"
	"redismq/stats"
)

// State is the consumer's lifecycle state (spec.md §4.4).
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateProcessing
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateProcessing:
		return "processing"
	case StateShuttingDown:
		return "shuttingDown"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	maxBackoff             = 30 * time.Second
	transportFailureBudget = 2 * time.Minute
)

// Consumer is a single logical worker bound to one queue. Its handler runs
// at most one message at a time; heartbeat, GC, and stats run as
// independent periodic tasks sharing only Redis and the in-memory state
// flag with the pull loop.
type Consumer struct {
	id      string
	queue   string
	keys    keyspace.Keys
	handler Handler
	opts    Options
	logger  *zap.Logger

	// blocking is dedicated to the blocking pop against the pending
	// list; control is used for everything else. Blocking commands
	// monopolize a connection, so the two must never be shared.
	blocking *redis.Client
	control  *redis.Client

	emitter      *stats.Emitter
	archiveStore *archive.Store
	gcCollector  *gc.Collector
	tracer       trace.Tracer

	state   atomic.Int32
	fatal   atomic.Value // error

	backoffDelay time.Duration
	backoffSince time.Time

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	doneCh       chan struct{}
}

// Option configures optional collaborators on a Consumer at construction
// time.
type Option func(*Consumer)

func WithStats(e *stats.Emitter) Option {
	return func(c *Consumer) { c.emitter = e }
}

func WithArchive(a *archive.Store) Option {
	return func(c *Consumer) { c.archiveStore = a }
}

func WithGC(g *gc.Collector) Option {
	return func(c *Consumer) { c.gcCollector = g }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Consumer) { c.tracer = t }
}

// New builds a Consumer for queue. blocking and control must be distinct
// *redis.Client connections (spec.md §5).
func New(id, queue string, blocking, control *redis.Client, handler Handler, opts Options, logger *zap.Logger, options ...Option) (*Consumer, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	c := &Consumer{
		id:       id,
		queue:    queue,
		keys:     keyspace.New(queue),
		blocking: blocking,
		control:  control,
		handler:  handler,
		opts:     opts.withDefaults(),
		logger:   logger,
	}
	for _, o := range options {
		o(c)
	}
	return c, nil
}

func (c *Consumer) ID() string    { return c.id }
func (c *Consumer) State() State  { return State(c.state.Load()) }

// Run executes the control loop (register, start heartbeat/GC/stats,
// pull/dispatch) until ctx is cancelled, Shutdown is called, or the
// consumer hits a fatal, budget-exceeding transport failure.
func (c *Consumer) Run(ctx context.Context) error {
	c.state.Store(int32(StateInitializing))
	c.shutdownCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	defer close(c.doneCh)

	if err := c.register(ctx); err != nil {
		c.state.Store(int32(StateStopped))
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); c.heartbeatLoop(runCtx) }()

	if c.gcCollector != nil {
		wg.Add(1)
		go func() { defer wg.Done(); c.gcCollector.Run(runCtx) }()
	}
	if c.emitter != nil {
		wg.Add(1)
		go func() { defer wg.Done(); c.emitter.Run(runCtx) }()
	}

	wg.Add(1)
	go func() { defer wg.Done(); c.pullLoop(runCtx) }()

	select {
	case <-ctx.Done():
	case <-c.shutdownCh:
	}

	cancel()
	wg.Wait()
	c.cleanup(context.Background())
	c.state.Store(int32(StateStopped))

	if err, ok := c.fatal.Load().(error); ok && err != nil {
		return err
	}
	return nil
}

// Shutdown requests a graceful stop and blocks until Run has returned or
// ctx is cancelled first.
func (c *Consumer) Shutdown(ctx context.Context) error {
	c.state.Store(int32(StateShuttingDown))
	c.requestShutdown()
	select {
	case <-c.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Consumer) requestShutdown() {
	c.shutdownOnce.Do(func() {
		if c.shutdownCh != nil {
			close(c.shutdownCh)
		}
	})
}

func (c *Consumer) markFatal(err error) {
	c.fatal.Store(err)
	c.requestShutdown()
}

func (c *Consumer) cleanup(ctx context.Context) {
	var err error
	if delErr := c.control.Del(ctx, c.keys.Alive(c.id)).Err(); delErr != nil {
		err = multierr.Append(err, zaperr.Wrap(errs.ErrTransport, "failed to delete liveness token on shutdown", zap.Error(delErr)))
	}
	if c.gcCollector != nil {
		if relErr := c.gcCollector.Release(ctx); relErr != nil {
			err = multierr.Append(err, relErr)
		}
	}
	if err != nil {
		c.logger.Warn("consumer shutdown cleanup had errors", zap.Error(err))
	}
}

func (c *Consumer) register(ctx context.Context) error {
	if err := c.control.SAdd(ctx, c.keys.Consumers(), c.id).Err(); err != nil {
		return zaperr.Wrap(errs.ErrTransport, "failed to register consumer",
			zap.String("queue", c.queue), zap.String("consumerID", c.id), zap.Error(err))
	}
	ttl := c.opts.HeartbeatInterval * 3
	if err := c.control.Set(ctx, c.keys.Alive(c.id), c.id, ttl).Err(); err != nil {
		return zaperr.Wrap(errs.ErrTransport, "failed to write liveness token",
			zap.String("queue", c.queue), zap.String("consumerID", c.id), zap.Error(err))
	}
	c.logger.Info("consumer registered", zap.String("queue", c.queue), zap.String("consumerID", c.id))
	return nil
}

// heartbeatLoop refreshes the liveness token every HeartbeatInterval. Per
// spec.md §4.6, a consumer must notice if its own token already expired
// before it gets a chance to refresh (meaning the GC presumed it dead and
// will be draining its in-flight list concurrently) and exit rather than
// keep processing as a zombie.
func (c *Consumer) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	ttl := c.opts.HeartbeatInterval * 3

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			exists, err := c.control.Exists(ctx, c.keys.Alive(c.id)).Result()
			if err != nil {
				c.logger.Warn("heartbeat liveness check failed", zap.Error(err))
				continue
			}
			if exists == 0 {
				c.logger.Error("liveness token expired before refresh, exiting as zombie",
					zap.String("queue", c.queue), zap.String("consumerID", c.id))
				c.markFatal(zaperr.Wrap(errs.ErrTransport, "zombie consumer: liveness token lapsed"))
				return
			}
			if err := c.control.Set(ctx, c.keys.Alive(c.id), c.id, ttl).Err(); err != nil {
				c.logger.Warn("heartbeat refresh failed", zap.Error(err))
				continue
			}
			if c.emitter != nil {
				c.emitter.Heartbeat()
			}
		}
	}
}

func (c *Consumer) pullLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.state.Store(int32(StateRunning))
		raw, err := c.blocking.BLMove(ctx, c.keys.Pending(), c.keys.Inflight(c.id), "LEFT", "LEFT", c.opts.BlockTimeout).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("pull failed", zap.Error(err))
			if !c.backoff(ctx, err) {
				return
			}
			continue
		}
		c.backoffReset()
		c.dispatch(ctx, raw)
	}
}

func (c *Consumer) backoff(ctx context.Context, cause error) bool {
	if c.backoffSince.IsZero() {
		c.backoffSince = time.Now()
	}
	if time.Since(c.backoffSince) > transportFailureBudget {
		c.markFatal(zaperr.Wrap(errs.ErrTransport, "redis unavailable beyond reconnect budget", zap.Error(cause)))
		return false
	}
	if c.backoffDelay == 0 {
		c.backoffDelay = 100 * time.Millisecond
	} else {
		c.backoffDelay *= 2
		if c.backoffDelay > maxBackoff {
			c.backoffDelay = maxBackoff
		}
	}
	select {
	case <-time.After(c.backoffDelay):
	case <-ctx.Done():
	}
	return true
}

func (c *Consumer) backoffReset() {
	c.backoffDelay = 0
	c.backoffSince = time.Time{}
}

func (c *Consumer) dispatch(ctx context.Context, raw string) {
	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.Start(ctx, "consumer.dispatch")
		defer span.End()
	}

	rec, err := record.Unmarshal(raw)
	if err != nil {
		c.logger.Error("failed to unmarshal record, dead-lettering as-is",
			zap.String("queue", c.queue), zap.Error(err))
		c.deadLetterCorrupt(ctx, raw, err)
		return
	}

	now := time.Now()
	if rec.Expired(now) {
		c.dropExpired(ctx, raw, rec)
		return
	}

	c.state.Store(int32(StateProcessing))
	start := time.Now()
	handleErr := dispatchWithWatchdog(ctx, c.opts.MessageConsumeTimeout, c.handler, rec.Payload)
	duration := time.Since(start)
	if c.emitter != nil {
		c.emitter.ObserveProcessing(duration)
	}
	c.state.Store(int32(StateRunning))

	if handleErr == nil {
		c.ack(ctx, raw)
		return
	}
	c.failRecord(ctx, rec, raw, time.Now())
}

func (c *Consumer) ack(ctx context.Context, raw string) {
	if err := dropScript.Run(ctx, c.control, []string{c.keys.Inflight(c.id)}, raw).Err(); err != nil {
		c.logger.Error("failed to ack message", zap.Error(err))
		return
	}
	if c.emitter != nil {
		c.emitter.IncAck()
	}
}

func (c *Consumer) dropExpired(ctx context.Context, raw string, rec *record.Record) {
	if err := dropScript.Run(ctx, c.control, []string{c.keys.Inflight(c.id)}, raw).Err(); err != nil {
		c.logger.Error("failed to drop expired message", zap.Error(err))
		return
	}
	if c.emitter != nil {
		c.emitter.IncExpired()
	}
	c.logger.Debug("discarded expired message before dispatch",
		zap.String("queue", c.queue), zap.String("uuid", rec.UUID))
}

func (c *Consumer) deadLetterCorrupt(ctx context.Context, raw string, cause error) {
	if err := deadLetterScript.Run(ctx, c.control, []string{c.keys.Inflight(c.id), c.keys.DLQ()}, raw, raw).Err(); err != nil {
		c.logger.Error("failed to dead-letter corrupt message", zap.Error(err))
		return
	}
	if c.emitter != nil {
		c.emitter.IncDeadLetter()
	}
	if c.archiveStore != nil {
		go c.archiveStore.ArchiveRaw(context.Background(), c.queue, raw, "serialization-error")
	}
}

func (c *Consumer) failRecord(ctx context.Context, rec *record.Record, raw string, now time.Time) {
	next, outcome := record.Decide(rec, c.opts.MessageRetryThreshold, now)
	newRaw, err := record.Marshal(next)
	if err != nil {
		c.logger.Error("failed to re-marshal record after failure", zap.Error(err))
		return
	}

	switch outcome {
	case record.OutcomeExpired:
		if err := dropScript.Run(ctx, c.control, []string{c.keys.Inflight(c.id)}, raw).Err(); err != nil {
			c.logger.Error("failed to drop expired-on-failure message", zap.Error(err))
			return
		}
		if c.emitter != nil {
			c.emitter.IncExpired()
		}
	case record.OutcomeDeadLetter:
		if err := deadLetterScript.Run(ctx, c.control, []string{c.keys.Inflight(c.id), c.keys.DLQ()}, raw, newRaw).Err(); err != nil {
			c.logger.Error("failed to dead-letter message", zap.Error(err))
			return
		}
		if c.emitter != nil {
			c.emitter.IncDeadLetter()
		}
		if c.archiveStore != nil {
			go c.archiveStore.Archive(context.Background(), c.queue, next, "retry-threshold-exceeded")
		}
	default: // OutcomeRetry
		if err := requeueScript.Run(ctx, c.control, []string{c.keys.Inflight(c.id), c.keys.Pending()}, raw, newRaw).Err(); err != nil {
			c.logger.Error("failed to requeue message", zap.Error(err))
			return
		}
		if c.emitter != nil {
			c.emitter.IncFail()
		}
	}
}
