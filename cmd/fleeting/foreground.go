// Foreground Runner (spec §4.9, C9): runs the user-supplied COMMAND
// with DOCKER_CONTEXT pointing at the just-published context, and
// races its exit against the Lifecycle Supervisor and an incoming
// termination signal.
package main

import (
	"context"
	"os"
	"os/exec"
	"syscall"

	shellquote "github.com/kballard/go-shellquote"
	"github.com/pkg/errors"

	"github.com/jakajancar/fleeting/internal/bringup"
)

func runForeground(ctx context.Context, pa *parsedArgs) int {
	provider, err := resolveProvider(ctx, pa.Provider)
	if err != nil {
		plog.Errorf("%v", err)
		return exitCodeForError(err)
	}

	handle, err := bringup.Spawn(ctx, bringup.Config{
		Provider:          provider,
		ContextName:       pa.ContextName,
		DockerdVersion:    pa.DockerdVersion,
		AuthorizeUserKeys: pa.AuthorizeSSH,
	})
	if err != nil {
		plog.Errorf("bring-up failed: %v", err)
		return 1
	}
	defer handle.Close()

	cmd := exec.Command(pa.Command[0], pa.Command[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "DOCKER_CONTEXT="+handle.ContextName)

	plog.Infof("running %s with DOCKER_CONTEXT=%s", shellquote.Join(pa.Command...), handle.ContextName)

	if err := cmd.Start(); err != nil {
		plog.Errorf("starting %s: %v", pa.Command[0], err)
		return 1
	}

	childDone := make(chan error, 1)
	go func() { childDone <- cmd.Wait() }()

	select {
	case err := <-childDone:
		return exitCodeFromWait(err)
	case <-handle.Done():
		plog.Errorf("docker context failed before command exited: %v", handle.Wait())
		terminate(cmd)
		<-childDone
		return 1
	case <-ctx.Done():
		plog.Noticef("terminating child command")
		terminate(cmd)
		<-childDone
		return 1
	}
}

// exitCodeFromWait maps a *exec.Cmd.Wait error to the process exit
// code spec §6 calls for: the child's own code, or 1 if it was killed
// by a signal rather than exiting normally.
func exitCodeFromWait(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
	}
	plog.Errorf("command terminated abnormally: %v", err)
	return 1
}

func terminate(cmd *exec.Cmd) {
	if cmd.Process != nil {
		cmd.Process.Signal(syscall.SIGTERM)
	}
}

func exitCodeForError(err error) int {
	if _, ok := err.(*usageError); ok {
		return usageErrorExitCode
	}
	return 1
}
