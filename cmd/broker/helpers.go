package main

import (
	"context"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"redismq/config"
)

func parseDuration(s string) (time.Duration, error) {
	return time.ParseDuration(s)
}

func listenAndServe(addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}
	return srv.ListenAndServe()
}

// newArchiveS3Client builds an S3 client for the archive store if a
// bucket is configured; returns nil otherwise, in which case Archive
// falls back to metadata-only rows.
func newArchiveS3Client(ctx context.Context, cfg config.Config, logger *zap.Logger) *s3.Client {
	if cfg.AWSBucket == "" {
		return nil
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWSRegion)}
	if cfg.AWSEndpoint == "" {
		// No static credentials override: rely on the default chain
		// (env vars, shared config, instance profile).
	} else {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.StaticCredentialsProvider{
			Value: aws.Credentials{AccessKeyID: "local", SecretAccessKey: "local"},
		}))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		logger.Warn("failed to load aws config, archive payloads will not be uploaded to s3", zap.Error(err))
		return nil
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.AWSEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWSEndpoint)
			o.UsePathStyle = true
		}
	})
}
