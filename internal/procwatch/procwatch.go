// Package procwatch polls the process table for a PID's liveness (spec
// §4.8: "PID watching is a polling loop: every 1 s, query the process
// table for the PID; if absent, resolve.").
package procwatch

import (
	"context"
	"time"

	"golang.org/x/sys/unix"
)

const pollInterval = 1 * time.Second

// Wait blocks until pid no longer exists, or ctx is cancelled. It
// returns ctx.Err() if the context is cancelled first.
func Wait(ctx context.Context, pid int) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	if !alive(pid) {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !alive(pid) {
				return nil
			}
		}
	}
}

// alive reports whether pid names a live process. kill(pid, 0) checks
// for existence and permission without affecting the target.
func alive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
