package consumer

import (
	"context"
	"time"

	"redismq/errs"
)

// dispatchWithWatchdog implements C5: runs handler with payload, and if
// timeout elapses before it returns, synthesizes errs.ErrTimeout and
// discards whatever the handler eventually returns. The watchdog is
// per-message: a fresh timer is armed for each dispatch and cancelled on
// normal completion via ctx's own deferred cancel.
func dispatchWithWatchdog(parent context.Context, timeout time.Duration, handler Handler, payload []byte) error {
	if timeout <= 0 {
		return handler.Handle(parent, payload)
	}

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		// Buffered channel: if the watchdog already fired and nobody is
		// listening anymore, this send never blocks and the goroutine
		// exits once the handler cooperates with ctx cancellation.
		result <- handler.Handle(ctx, payload)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return errs.ErrTimeout
	}
}
