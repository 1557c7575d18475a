// Package record defines the message envelope that moves through a queue's
// pending, in-flight, and dead-letter lists, and the lifecycle decisions
// (expiry, retry, dead-letter) shared by the consumer runtime and the
// garbage collector.
package record

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record is the self-describing blob persisted to Redis. Once written,
// UUID, Payload, CreatedAt, and TTL never change; only Attempts is mutated,
// and only by whichever consumer or GC leader currently holds the record.
type Record struct {
	UUID      string `json:"uuid"`
	Payload   []byte `json:"data"`
	CreatedAt int64  `json:"time"`
	TTL       int64  `json:"ttl"`
	Attempts  int    `json:"attempts"`
}

// New builds a fresh record with attempts=0, ready for publication.
func New(payload []byte, ttl time.Duration) *Record {
	var ttlMs int64
	if ttl > 0 {
		ttlMs = ttl.Milliseconds()
	}
	return &Record{
		UUID:      uuid.NewString(),
		Payload:   payload,
		CreatedAt: time.Now().UnixMilli(),
		TTL:       ttlMs,
		Attempts:  0,
	}
}

func Marshal(r *Record) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	return string(b), nil
}

func Unmarshal(raw string) (*Record, error) {
	var r Record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &r, nil
}

// Expired reports whether the record's TTL (if any) has elapsed as of now.
func (r *Record) Expired(now time.Time) bool {
	if r.TTL <= 0 {
		return false
	}
	return now.UnixMilli()-r.CreatedAt > r.TTL
}

// WithAttempt returns a copy of r with Attempts incremented, for re-queue or
// dead-letter. The original record is left untouched.
func (r *Record) WithAttempt() *Record {
	cp := *r
	cp.Attempts = r.Attempts + 1
	return &cp
}

// Outcome is the terminal disposition chosen for a record leaving a
// consumer's (or a dead consumer's) in-flight list, per spec.md §4.4 step 5
// and §4.6 step 2.
type Outcome int

const (
	OutcomeRetry Outcome = iota
	OutcomeDeadLetter
	OutcomeExpired
)

// Decide applies the retry/dead-letter/expiry policy to a failed (or
// reclaimed) record. now is the decision instant; threshold is
// messageRetryThreshold. The returned record always has Attempts
// incremented relative to r, even when the outcome is expired or
// dead-lettered, so callers have a consistent audit trail.
func Decide(r *Record, threshold int, now time.Time) (*Record, Outcome) {
	next := r.WithAttempt()
	if next.Expired(now) {
		return next, OutcomeExpired
	}
	if next.Attempts >= threshold {
		return next, OutcomeDeadLetter
	}
	return next, OutcomeRetry
}
