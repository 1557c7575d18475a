// Package errs defines the sentinel error kinds surfaced by the broker
// (spec.md §7), so callers can classify failures with errors.Is regardless
// of how much context zaperr.Wrap has attached along the way.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport marks a Redis-side failure: connection lost, command
	// failed. Producers see it directly; consumers log it and back off.
	ErrTransport = errors.New("redismq: transport error")

	// ErrSerialization marks a record that could not be decoded. The
	// in-flight record is moved straight to the dead-letter queue.
	ErrSerialization = errors.New("redismq: serialization error")

	// ErrHandler marks a user handler that returned an error or whose
	// processing budget was exceeded (see ErrTimeout, which also
	// satisfies errors.Is(err, ErrHandler)).
	ErrHandler = errors.New("redismq: handler error")

	// ErrTimeout marks a processing-timeout watchdog firing before the
	// handler completed. Wraps ErrHandler so errors.Is(ErrTimeout,
	// ErrHandler) holds; treated identically to ErrHandler for
	// retry/dead-letter purposes.
	ErrTimeout = fmt.Errorf("%w: processing timeout", ErrHandler)

	// ErrExpired marks a record discarded because its TTL elapsed before
	// dispatch or retry. The record is deleted, never dead-lettered.
	ErrExpired = errors.New("redismq: message expired")

	// ErrConfiguration marks missing or invalid options at startup,
	// fatal before any message is touched.
	ErrConfiguration = errors.New("redismq: invalid configuration")
)
