package consumer

import (
	"context"
	"time"

	"github.com/hori-ryota/zaperr"
	"go.uber.org/zap"

	"redismq/errs"
)

// Options are the recognized consumer options from spec.md §6.
type Options struct {
	// MessageConsumeTimeout bounds how long a handler may run before the
	// watchdog (C5) synthesizes a failure. 0 disables the watchdog.
	MessageConsumeTimeout time.Duration

	// MessageTTL is a per-message-default hint only (spec.md §9 Open
	// Question iii): it is never written back onto a record by the
	// consumer, and it never overrides a TTL the producer already set.
	// It exists for API parity with the source system's config surface.
	MessageTTL time.Duration

	// MessageRetryThreshold bounds retries: a failure that brings a
	// record's Attempts to this value or above dead-letters it instead
	// of re-queueing it. Must be >= 1.
	MessageRetryThreshold int

	// HeartbeatInterval controls how often the liveness token is
	// refreshed and a liveness stat is published. Default 1s.
	HeartbeatInterval time.Duration

	// GCTickInterval carries the GC tick setting (default 1s). The consumer
	// itself does not read it: the tick of the collector attached with
	// WithGC is the interval passed to gc.New.
	GCTickInterval time.Duration

	// StatsInterval carries the stats flush setting (default 1s).
	// The consumer itself does not read it: the emitter attached with
	// WithStats flushes at the interval passed to stats.NewEmitter.
	StatsInterval time.Duration

	// BlockTimeout bounds each blocking pop against the pending list, so
	// shutdown stays responsive. Default 1s.
	BlockTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		MessageConsumeTimeout:  0,
		MessageTTL:             0,
		MessageRetryThreshold:  3,
		HeartbeatInterval:      time.Second,
		GCTickInterval:         time.Second,
		StatsInterval:          time.Second,
		BlockTimeout:           time.Second,
	}
}

func (o Options) withDefaults() Options {
	if o.MessageRetryThreshold <= 0 {
		o.MessageRetryThreshold = DefaultOptions().MessageRetryThreshold
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultOptions().HeartbeatInterval
	}
	if o.GCTickInterval <= 0 {
		o.GCTickInterval = DefaultOptions().GCTickInterval
	}
	if o.StatsInterval <= 0 {
		o.StatsInterval = DefaultOptions().StatsInterval
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = DefaultOptions().BlockTimeout
	}
	return o
}

func (o Options) validate() error {
	if o.MessageRetryThreshold < 1 {
		return zaperr.Wrap(errs.ErrConfiguration, "messageRetryThreshold must be >= 1",
			zap.Int("messageRetryThreshold", o.MessageRetryThreshold))
	}
	return nil
}

// Handler is the user-supplied handling logic for one queue. It is invoked
// with the record's payload and a context that is cancelled when the
// processing-timeout watchdog fires or the consumer is shutting down.
// Returning nil acks; returning an error fails (triggering retry/DLQ
// policy). A late return after the watchdog has already fired is ignored.
type Handler interface {
	Handle(ctx context.Context, payload []byte) error
}

type HandlerFunc func(ctx context.Context, payload []byte) error

func (f HandlerFunc) Handle(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}
