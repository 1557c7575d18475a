// Package archive persists dead-lettered messages beyond Redis's reach:
// a SQLite row per archived message records why and when it was
// archived, and, when an S3 bucket is configured, the full payload is
// also uploaded there and the row records the storage key.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/hori-ryota/zaperr"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	migrate "github.com/rubenv/sql-migrate"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"redismq/record"
)

// Open opens (and, via sql-migrate, brings up to date) the archive
// database at path. Using otelsql instead of database/sql directly gets
// every archival query traced and measured for free.
func Open(_ context.Context, path string) (*sqlx.DB, error) {
	db, err := otelsql.Open("sqlite3", path, otelsql.WithAttributes(
		attribute.String("db.system", "sqlite"),
		attribute.String("db.name", path),
	))
	if err != nil {
		return nil, zaperr.Wrap(err, "failed to open archive database")
	}

	migrations := &migrate.FileMigrationSource{Dir: "db/migrations"}
	if _, err := migrate.Exec(db, "sqlite3", migrations, migrate.Up); err != nil {
		return nil, zaperr.Wrap(err, "failed to apply archive migrations")
	}

	return sqlx.NewDb(db, "sqlite3"), nil
}

// Store records an audit trail of every dead-lettered or otherwise
// discarded message. It is safe for concurrent use; callers normally
// invoke Archive/ArchiveRaw from a background goroutine so a slow disk
// or S3 upload never blocks message dispatch.
type Store struct {
	db         *sqlx.DB
	s3Client   *s3.Client
	bucketName string
	logger     *zap.Logger
}

// New builds a Store backed by db. s3Client may be nil, in which case
// only metadata rows are kept and payloads are not durably retained
// beyond what was already logged.
func New(db *sqlx.DB, s3Client *s3.Client, bucketName string, logger *zap.Logger) *Store {
	return &Store{db: db, s3Client: s3Client, bucketName: bucketName, logger: logger}
}

// Archive records a parsed record's archival, uploading its payload to
// S3 first (when configured) so the storage key can be recorded
// alongside the metadata row in the same call.
func (s *Store) Archive(ctx context.Context, queue string, rec *record.Record, reason string) {
	storageKey := ""
	if s.s3Client != nil {
		key := fmt.Sprintf("%s/%s.bin", queue, rec.UUID)
		if err := s.put(ctx, key, rec.Payload); err != nil {
			s.logger.Warn("failed to upload archived payload to s3", zap.Error(err))
		} else {
			storageKey = key
		}
	}
	if err := s.insert(ctx, queue, rec.UUID, reason, rec.Attempts, len(rec.Payload), storageKey); err != nil {
		s.logger.Warn("failed to record archive metadata", zap.Error(err))
	}
}

// ArchiveRaw records the archival of a record that could not be parsed
// (a corrupt serialized entry), so uuid/attempts are unknown.
func (s *Store) ArchiveRaw(ctx context.Context, queue string, raw string, reason string) {
	if err := s.insert(ctx, queue, "", reason, 0, len(raw), ""); err != nil {
		s.logger.Warn("failed to record archive metadata for corrupt record", zap.Error(err))
	}
}

func (s *Store) put(ctx context.Context, key string, payload []byte) error {
	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
		Body:   strings.NewReader(string(payload)),
		ACL:    types.ObjectCannedACLPrivate,
	})
	return err
}

func (s *Store) insert(ctx context.Context, queue, uuid, reason string, attempts, payloadBytes int, storageKey string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO archived_messages (queue, uuid, reason, attempts, payload_bytes, storage_key, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		queue, uuid, reason, attempts, payloadBytes, nullable(storageKey), time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// Fetch retrieves an archived payload's metadata row by uuid, for
// operator inspection.
func (s *Store) Fetch(ctx context.Context, queue, uuid string) (*ArchivedMessage, error) {
	var row dbArchivedMessage
	err := sqlx.GetContext(ctx, s.db, &row, `
		SELECT queue, uuid, reason, attempts, payload_bytes, storage_key, archived_at
		FROM archived_messages WHERE queue = ? AND uuid = ? ORDER BY id DESC LIMIT 1`,
		queue, uuid,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, zaperr.Wrap(err, "failed to fetch archived message")
	}
	return row.toBusinessModel(), nil
}

// Download streams a payload's bytes back out of S3, if it was uploaded
// there at archival time.
func (s *Store) Download(ctx context.Context, storageKey string) (io.ReadCloser, error) {
	if s.s3Client == nil {
		return nil, zaperr.New("no s3 client configured for archive store")
	}
	out, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(storageKey),
	})
	if err != nil {
		return nil, zaperr.Wrap(err, "failed to download archived payload")
	}
	return out.Body, nil
}

// ArchivedMessage is the business-facing view of an archived_messages row.
type ArchivedMessage struct {
	Queue        string
	UUID         string
	Reason       string
	Attempts     int
	PayloadBytes int
	StorageKey   string
	ArchivedAt   time.Time
}

type dbArchivedMessage struct {
	Queue        string `db:"queue"`
	UUID         string `db:"uuid"`
	Reason       string `db:"reason"`
	Attempts     int    `db:"attempts"`
	PayloadBytes int    `db:"payload_bytes"`
	StorageKey   sql.NullString `db:"storage_key"`
	ArchivedAt   string `db:"archived_at"`
}

func (d dbArchivedMessage) toBusinessModel() *ArchivedMessage {
	archivedAt, _ := time.Parse(time.RFC3339, d.ArchivedAt)
	return &ArchivedMessage{
		Queue:        d.Queue,
		UUID:         d.UUID,
		Reason:       d.Reason,
		Attempts:     d.Attempts,
		PayloadBytes: d.PayloadBytes,
		StorageKey:   d.StorageKey.String,
		ArchivedAt:   archivedAt,
	}
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
