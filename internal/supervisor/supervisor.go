// Package supervisor implements the Lifecycle Supervisor (spec §4.6):
// the SupervisorHandle that owns a running Docker Context Artifact and
// the two background activities racing underneath it.
package supervisor

import (
	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"

	"github.com/jakajancar/fleeting/internal/dockerctx"
)

var plog = capnslog.NewPackageLogger("github.com/jakajancar/fleeting", "supervisor")

// Handle is a running bring-up result: the context name, the Docker
// Context Artifact, and the two one-shot activity channels (keepalive,
// dockerd) retained by the Bring-up Orchestrator. Per spec §3, clean
// completion of either activity is unreachable: every terminal result
// is an error.
type Handle struct {
	ContextName string

	artifact *dockerctx.Artifact

	resolved chan struct{}
	result   error
}

// New wraps artifact with the two already-running activity channels.
// keepalive and dockerd each deliver exactly one value before closing
// or being abandoned; New starts the background goroutine that
// implements the priority polling semantics of §4.6: keepalive wins if
// both are ready together.
func New(contextName string, artifact *dockerctx.Artifact, keepalive, dockerd <-chan error) *Handle {
	h := &Handle{
		ContextName: contextName,
		artifact:    artifact,
		resolved:    make(chan struct{}),
	}
	go h.run(keepalive, dockerd)
	return h
}

func (h *Handle) run(keepalive, dockerd <-chan error) {
	var err error
	select {
	case e := <-keepalive:
		err = e
	case e := <-dockerd:
		// Keepalive takes priority if it resolved around the same
		// time: re-check it once before settling on dockerd's result.
		select {
		case e2 := <-keepalive:
			err = e2
		default:
			err = e
		}
	}

	if err == nil {
		// Neither activity ever completes cleanly; spec §9 calls this
		// a bug, not success, so it is surfaced loudly rather than
		// silently treated as a clean exit.
		err = errors.New("supervised activity completed without error, which should be unreachable")
	}

	h.result = err
	plog.Infof("docker context %q supervision ended: %v", h.ContextName, err)
	close(h.resolved)
}

// Done returns a channel that is closed once Handle has a terminal
// result.
func (h *Handle) Done() <-chan struct{} {
	return h.resolved
}

// Wait blocks until Handle resolves and returns its terminal error.
func (h *Handle) Wait() error {
	<-h.resolved
	return h.result
}

// Wrap races task against Handle's own resolution. If task completes
// first, its result (possibly nil) is returned unchanged. If Handle
// resolves first, task is considered to have lost the race and an
// error describing the supervisor's failure is returned instead.
func (h *Handle) Wrap(task <-chan error) error {
	select {
	case err := <-task:
		return err
	case <-h.resolved:
		return errors.Wrapf(h.result, "docker context failed before task could be completed")
	}
}

// Close removes the Docker Context Artifact, if any. Errors are
// logged, never returned or propagated (spec §7 "Artifact teardown").
// Close is idempotent-safe to call once per Handle, typically deferred
// immediately after bring-up succeeds.
func (h *Handle) Close() {
	if h.artifact != nil {
		h.artifact.Remove()
	}
}
