// Background-Mode Dispatcher, worker half (spec §4.8, C8). Reads its
// launch args from stdin, races bring-up against both PID watchers,
// and on success supervises the context until the watched process
// exits or the supervisor fails.
package main

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/jakajancar/fleeting/internal/bringup"
	"github.com/jakajancar/fleeting/internal/launchproto"
	"github.com/jakajancar/fleeting/internal/procwatch"
)

type bringupResult struct {
	handle interface {
		Done() <-chan struct{}
		Wait() error
		Close()
	}
	err error
}

func runWorker(ctx context.Context, pa *parsedArgs) int {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		plog.Errorf("reading launch args: %v", err)
		return 1
	}
	var launchArgs launchproto.ChildLaunchArgs
	if err := launchproto.Decode(bytes.TrimSpace(raw), &launchArgs); err != nil {
		plog.Errorf("decoding launch args: %v", err)
		return 1
	}

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()

	// Two independent channels, not one shared "either watcher" channel:
	// once the ready line is written the launcher is expected to exit on
	// its own (spec §4.8) and must no longer be able to trigger teardown,
	// so the post-ready select below only ever looks at whileDone.
	launcherDone := make(chan error, 1)
	whileDone := make(chan error, 1)
	go func() { launcherDone <- procwatch.Wait(watchCtx, launchArgs.LauncherPID) }()
	go func() { whileDone <- procwatch.Wait(watchCtx, pa.WhilePID) }()

	provider, err := resolveProvider(ctx, pa.Provider)
	if err != nil {
		plog.Errorf("%v", err)
		return 1
	}

	spawnDone := make(chan bringupResult, 1)
	go func() {
		handle, err := bringup.Spawn(ctx, bringup.Config{
			Provider:          provider,
			ContextName:       pa.ContextName,
			DockerdVersion:    pa.DockerdVersion,
			AuthorizeUserKeys: pa.AuthorizeSSH,
		})
		spawnDone <- bringupResult{handle: handle, err: err}
	}()

	select {
	case <-launcherDone:
		plog.Warningf("launcher exited before bring-up completed, giving up quietly")
		return 0
	case <-whileDone:
		plog.Warningf("watched process exited before bring-up completed, giving up quietly")
		return 0
	case <-ctx.Done():
		plog.Noticef("signal received during bring-up")
		return 1
	case res := <-spawnDone:
		if res.err != nil {
			plog.Errorf("bring-up failed: %v", res.err)
			return 1
		}
		defer res.handle.Close()

		payload, err := launchproto.Encode(launchproto.ChildContextReady{})
		if err != nil {
			plog.Errorf("encoding ready message: %v", err)
			return 1
		}
		if _, err := os.Stdout.Write(payload); err != nil {
			plog.Errorf("writing ready message: %v", err)
			return 1
		}

		select {
		case <-res.handle.Done():
			plog.Errorf("docker context failed: %v", res.handle.Wait())
			return 1
		case <-whileDone:
			plog.Infof("watched process exited, tearing down context")
			return 0
		case <-ctx.Done():
			plog.Noticef("signal received, tearing down context")
			return 1
		}
	}
}
