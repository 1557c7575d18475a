package archive

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	migrate "github.com/rubenv/sql-migrate"
	"go.uber.org/zap/zaptest"

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

func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	rawDB := must(sqlx.Open("sqlite3", ":memory:"))(t)

	migrations := &migrate.FileMigrationSource{Dir: "../db/migrations"}
	if _, err := migrate.Exec(rawDB.DB, "sqlite3", migrations, migrate.Up); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}
	t.Cleanup(func() { _ = rawDB.Close() })
	return rawDB
}

func TestArchiveWithoutS3(t *testing.T) {
	db := newTestDB(t)
	store := New(db, nil, "", zaptest.NewLogger(t))

	rec := record.New([]byte("payload"), 0)
	store.Archive(context.Background(), "orders", rec, "retry-threshold-exceeded")

	got, err := store.Fetch(context.Background(), "orders", rec.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected archived row, got none")
	}
	if got.Reason != "retry-threshold-exceeded" {
		t.Fatalf("unexpected reason: %s", got.Reason)
	}
	if got.StorageKey != "" {
		t.Fatalf("expected no storage key without s3, got %q", got.StorageKey)
	}
}

func TestArchiveUploadsAndDownloadsFromS3(t *testing.T) {
	bucket := "redismq-archive-test"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	s3Client, teardown, err := testutils.GetFakeS3Client(ctx, bucket)
	t.Cleanup(teardown)
	if err != nil {
		t.Fatalf("error starting fake s3: %v", err)
	}

	db := newTestDB(t)
	store := New(db, s3Client, bucket, zaptest.NewLogger(t))

	rec := record.New([]byte("payload bound for s3"), 0)
	store.Archive(context.Background(), "orders", rec, "retry-threshold-exceeded")

	got, err := store.Fetch(context.Background(), "orders", rec.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected archived row, got none")
	}
	if got.StorageKey == "" {
		t.Fatal("expected a storage key once s3 is configured")
	}

	body, err := store.Download(context.Background(), got.StorageKey)
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "payload bound for s3" {
		t.Fatalf("downloaded payload mismatch: %q", raw)
	}
}

func TestArchiveRaw(t *testing.T) {
	db := newTestDB(t)
	store := New(db, nil, "", zaptest.NewLogger(t))

	store.ArchiveRaw(context.Background(), "orders", "not valid json", "serialization-error")

	got, err := store.Fetch(context.Background(), "orders", "")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected archived row for corrupt record")
	}
	if got.Reason != "serialization-error" {
		t.Fatalf("unexpected reason: %s", got.Reason)
	}
}
