// Command-line argument surface (spec §6). The provider name is
// always the first argument; everything after it is parsed as global
// options up to the first non-flag token, which (together with
// everything following it) becomes the child COMMAND untouched — its
// own flags must never be consumed by us.
package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// mode is the dispatch outcome of spec §4.8's table.
type mode int

const (
	modeUsageError mode = iota
	modeForeground
	modeLauncher
	modeWorker
)

// usageError marks an error that should be reported to stderr with
// the dedicated usage-error exit status (spec §6), rather than the
// generic internal-failure status.
type usageError struct{ err error }

func (u *usageError) Error() string { return u.err.Error() }
func (u *usageError) Unwrap() error { return u.err }

type parsedArgs struct {
	Mode mode

	Provider string
	Command  []string // foreground mode only

	WhilePID int
	Worker   bool

	ContextName    string
	DockerdVersion string
	LogFile        string
	Quiet          bool
	Verbose        bool
	AuthorizeSSH   bool
}

func parseArgs(args []string) (*parsedArgs, error) {
	if len(args) == 0 {
		return nil, &usageError{errors.New("expected a provider name (aws, gce, or local)")}
	}
	provider := args[0]
	rest := args[1:]

	fs := pflag.NewFlagSet("fleeting", pflag.ContinueOnError)
	fs.SetInterspersed(false)

	whilePID := fs.Int("while", 0, "select launcher/worker mode, supervise VM until PID exits")
	worker := fs.Bool("worker", false, "internal marker selecting worker mode")
	fs.MarkHidden("worker")
	contextName := fs.String("context-name", "", "override default context name fleeting-<pid>")
	dockerdVersion := fs.String("dockerd-version", "any", "semver requirement selecting the installed dockerd")
	logFile := fs.String("log-file", "", "worker-only: duplicate logs to file")
	quiet := fs.BoolP("quiet", "q", false, "log level: errors only")
	verbose := fs.BoolP("verbose", "v", false, "log level: debug")
	ssh := fs.Bool("ssh", false, "authorize ~/.ssh/id_*.pub on the vm")
	fs.MarkHidden("ssh")

	if err := fs.Parse(rest); err != nil {
		return nil, &usageError{err}
	}

	command := fs.Args()

	pa := &parsedArgs{
		Provider:       provider,
		Command:        command,
		WhilePID:       *whilePID,
		Worker:         *worker,
		ContextName:    *contextName,
		DockerdVersion: *dockerdVersion,
		LogFile:        *logFile,
		Quiet:          *quiet,
		Verbose:        *verbose,
		AuthorizeSSH:   *ssh,
	}

	hasCommand := len(command) > 0
	hasWhile := fs.Changed("while")

	switch {
	case hasCommand && !hasWhile && !pa.Worker:
		pa.Mode = modeForeground
	case !hasCommand && hasWhile && !pa.Worker:
		pa.Mode = modeLauncher
	case !hasCommand && hasWhile && pa.Worker:
		pa.Mode = modeWorker
	default:
		return nil, &usageError{errors.New("exactly one of COMMAND or --while PID is required")}
	}

	return pa, nil
}
