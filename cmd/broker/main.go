package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/hori-ryota/zaperr"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"redismq/archive"
	"redismq/config"
	"redismq/consumer"
	"redismq/gc"
	"redismq/keyspace"
	"redismq/producer"
	"redismq/stats"
	"redismq/telemetry"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "broker",
		Short: "redismq-broker runs a Redis-backed persistent message queue",
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file (flags/env still override)")

	rootCmd.AddCommand(produceCmd(), consumeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *zap.Logger {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	return logger
}

func mkRedisClient(ctx context.Context, url string, logger *zap.Logger) (*redis.Client, func()) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		logger.Fatal("error parsing redis url", zaperr.ToField(err))
	}
	client := redis.NewClient(opt)
	if _, err := client.Ping(ctx).Result(); err != nil {
		logger.Fatal("error connecting to redis", zaperr.ToField(err))
	}
	if err := telemetry.InstrumentRedis(client); err != nil {
		logger.Warn("failed to instrument redis client", zap.Error(err))
	}
	return client, func() {
		if err := client.Close(); err != nil {
			logger.Error("error closing redis client", zaperr.ToField(err))
		}
	}
}

func produceCmd() *cobra.Command {
	var (
		queue   string
		payload string
		ttl     string
	)

	cmd := &cobra.Command{
		Use:   "produce",
		Short: "enqueue one message",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			defer func() { _ = logger.Sync() }()

			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if queue == "" {
				queue = cfg.Queue
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			client, teardown := mkRedisClient(ctx, cfg.RedisURL, logger)
			defer teardown()

			p := producer.New(client, logger)
			if ttl != "" {
				d, err := parseDuration(ttl)
				if err != nil {
					return err
				}
				return p.ProduceWithTTL(ctx, queue, []byte(payload), d)
			}
			return p.Produce(ctx, queue, []byte(payload))
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "", "queue name (defaults to config/env QUEUE)")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "message payload")
	cmd.Flags().StringVar(&ttl, "ttl", "", "optional message TTL, e.g. 30s, 5m")
	cmd.MarkFlagRequired("payload")

	return cmd
}

func consumeCmd() *cobra.Command {
	var queue string

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "run a consumer (with GC leader, stats, and archival) until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			defer func() { _ = logger.Sync() }()

			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if queue == "" {
				queue = cfg.Queue
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			tp, err := telemetry.Init(ctx, telemetry.Config{Endpoint: cfg.OTLPEndpoint, ServiceName: cfg.ServiceName})
			if err != nil {
				return err
			}
			defer func() { _ = tp.Shutdown(context.Background()) }()

			blocking, teardownBlocking := mkRedisClient(ctx, cfg.RedisURL, logger)
			defer teardownBlocking()
			control, teardownControl := mkRedisClient(ctx, cfg.RedisURL, logger)
			defer teardownControl()

			id := uuid.NewString()

			emitter := stats.NewEmitter(queue, control, cfg.StatsPeriod, logger)

			var archiveStore *archive.Store
			if db, err := archive.Open(ctx, cfg.ArchiveDBPath); err != nil {
				logger.Warn("archive store disabled: failed to open database", zap.Error(err))
			} else {
				var s3Client = newArchiveS3Client(ctx, cfg, logger)
				archiveStore = archive.New(db, s3Client, cfg.AWSBucket, logger)
			}

			collector := gc.New(id, queue, control, cfg.GCTickPeriod, cfg.RetryThreshold, logger).
				WithStats(emitter)
			if archiveStore != nil {
				collector = collector.WithArchiver(archiveStore)
			}

			opts := consumer.Options{
				MessageConsumeTimeout: cfg.ConsumeTimeout,
				MessageTTL:            cfg.MessageTTL,
				MessageRetryThreshold: cfg.RetryThreshold,
				HeartbeatInterval:     cfg.HeartbeatPeriod,
				GCTickInterval:        cfg.GCTickPeriod,
				StatsInterval:         cfg.StatsPeriod,
				BlockTimeout:          cfg.BlockTimeout,
			}

			handler := consumer.HandlerFunc(func(ctx context.Context, payload []byte) error {
				logger.Info("processing message", zap.ByteString("payload", payload))
				return nil
			})

			consumerOpts := []consumer.Option{
				consumer.WithStats(emitter),
				consumer.WithGC(collector),
				consumer.WithTracer(tp.Tracer()),
			}
			if archiveStore != nil {
				consumerOpts = append(consumerOpts, consumer.WithArchive(archiveStore))
			}

			c, err := consumer.New(id, queue, blocking, control, handler, opts, logger, consumerOpts...)
			if err != nil {
				return err
			}

			go func() {
				srv := stats.Router(emitter)
				logger.Info("stats http surface listening", zap.String("addr", cfg.StatsHTTPAddr))
				if err := listenAndServe(cfg.StatsHTTPAddr, srv); err != nil {
					logger.Warn("stats http server stopped", zap.Error(err))
				}
			}()

			logger.Info("consumer starting", zap.String("queue", queue), zap.String("consumerID", id),
				zap.String("key", keyspace.New(queue).Pending()))
			return c.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "", "queue name (defaults to config/env QUEUE)")
	return cmd
}
