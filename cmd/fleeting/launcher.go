// Background-Mode Dispatcher, launcher half (spec §4.8, C8). Re-execs
// this same binary with --worker appended, detaches it into its own
// process group so it survives the launcher's exit, prints the worker's
// PID on our own stdout, and exits 0 once the worker reports readiness
// on its stdout.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/pkg/errors"

	"github.com/jakajancar/fleeting/internal/launchproto"
)

// runLauncher implements the launcher half of C8. rawArgs is the
// original argv (minus argv[0]) this process itself was invoked with;
// the worker is launched with the same argv plus --worker appended, so
// that re-parsing it lands back in modeWorker.
func runLauncher(rawArgs []string) int {
	exe, err := os.Executable()
	if err != nil {
		plog.Errorf("locating own executable: %v", err)
		return 1
	}

	cmd := exec.Command(exe, append(append([]string{}, rawArgs...), "--worker")...)
	// The teacher's multicall re-exec (system/exec.Entrypoint.Command)
	// sets Pdeathsig so a re-exec'd child dies with its parent; here we
	// need the opposite, since the worker must keep running after the
	// launcher exits.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		plog.Errorf("creating worker stdin pipe: %v", err)
		return 1
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		plog.Errorf("creating worker stdout pipe: %v", err)
		return 1
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		plog.Errorf("creating worker stderr pipe: %v", err)
		return 1
	}

	if err := cmd.Start(); err != nil {
		plog.Errorf("starting worker: %v", err)
		return 1
	}

	fmt.Fprintf(os.Stdout, "%d\n", cmd.Process.Pid)

	payload, err := launchproto.Encode(launchproto.ChildLaunchArgs{LauncherPID: os.Getpid()})
	if err != nil {
		plog.Errorf("encoding launch args: %v", err)
		return 1
	}
	if _, err := stdin.Write(payload); err != nil {
		plog.Errorf("sending launch args to worker: %v", err)
		return 1
	}
	stdin.Close()

	stderrDone := make(chan struct{})
	go func() {
		io.Copy(os.Stderr, stderr)
		close(stderrDone)
	}()

	readyCh := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		if !scanner.Scan() {
			readyCh <- errors.New("worker closed stdout before becoming ready")
			return
		}
		var ready launchproto.ChildContextReady
		readyCh <- launchproto.Decode(scanner.Bytes(), &ready)
	}()

	select {
	case <-stderrDone:
		plog.Errorf("worker failed to establish")
		return 1
	case err := <-readyCh:
		select {
		case <-stderrDone:
			plog.Errorf("worker failed to establish")
			return 1
		default:
		}
		if err != nil {
			plog.Errorf("worker failed to establish: %v", err)
			return 1
		}
		return 0
	}
}
