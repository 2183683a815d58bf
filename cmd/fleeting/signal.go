// Signal Handling (spec §4.2, C10): translates OS termination signals
// into a cooperative cancellation the selected mode races against.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// withCancelOnSignal returns a context cancelled the moment SIGTERM or
// SIGINT arrives, and a stop function the caller must call to release
// the signal handler once it no longer needs to race against one.
func withCancelOnSignal(parent context.Context) (ctx context.Context, stop func()) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			plog.Noticef("received %s", sig)
			cancel()
		case <-done:
		}
	}()

	return ctx, func() {
		close(done)
		signal.Stop(sigCh)
		cancel()
	}
}
