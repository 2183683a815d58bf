// Command fleeting provisions an ephemeral cloud VM, installs and
// starts a Docker daemon on it, publishes a TLS-authenticated Docker
// context pointing at that daemon, and runs a user-supplied command
// against it (or supervises it in the background), tearing the VM and
// context down on exit.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/coreos/pkg/capnslog"
)

// usageErrorExitCode matches the conventional reserved status for CLI
// argument-parsing failures (the same status the standard flag package
// itself uses), distinct from the generic internal-failure status 1.
const usageErrorExitCode = 2

var plog = capnslog.NewPackageLogger("github.com/jakajancar/fleeting", "main")

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(rawArgs []string) int {
	if maybeVersion(rawArgs) {
		return 0
	}

	pa, err := parseArgs(rawArgs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return usageErrorExitCode
	}

	startLogging(pa)

	ctx, stop := withCancelOnSignal(context.Background())
	defer stop()

	switch pa.Mode {
	case modeForeground:
		return runForeground(ctx, pa)
	case modeLauncher:
		return runLauncher(rawArgs)
	case modeWorker:
		return runWorker(ctx, pa)
	default:
		fmt.Fprintln(os.Stderr, "internal error: unresolved dispatch mode")
		return 1
	}
}

// startLogging mirrors mantle/cli.startLogging, adapted from cobra
// persistent flags to this command's plain pflag surface: -q/-v select
// the global capnslog level, and worker processes additionally
// duplicate logs to --log-file since their stderr is not a terminal
// anyone is watching.
func startLogging(pa *parsedArgs) {
	level := capnslog.NOTICE
	switch {
	case pa.Verbose:
		level = capnslog.DEBUG
	case pa.Quiet:
		level = capnslog.ERROR
	}

	out := io.Writer(os.Stderr)
	if pa.LogFile != "" && pa.Mode == modeWorker {
		if f, err := os.OpenFile(pa.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600); err == nil {
			out = io.MultiWriter(f, os.Stderr)
		} else {
			fmt.Fprintf(os.Stderr, "could not open --log-file %s: %v\n", pa.LogFile, err)
		}
	}

	capnslog.SetFormatter(capnslog.NewStringFormatter(out))
	capnslog.SetGlobalLogLevel(level)
	plog.Infof("started logging at level %s", level)
}
