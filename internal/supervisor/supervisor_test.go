package supervisor

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jakajancar/fleeting/internal/dockerctx"
)

func TestKeepaliveFailureWinsOverDockerd(t *testing.T) {
	keepalive := make(chan error, 1)
	dockerd := make(chan error, 1)
	keepalive <- errors.New("keepalive died")
	dockerd <- errors.New("dockerd died")

	h := New("ctx", nil, keepalive, dockerd)

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Handle never resolved")
	}

	if err := h.Wait(); err == nil || err.Error() != "keepalive died" {
		t.Fatalf("Wait() = %v, want the keepalive error", err)
	}
}

func TestWrapReturnsSupervisorErrorWhenItResolvesFirst(t *testing.T) {
	keepalive := make(chan error, 1)
	dockerd := make(chan error, 1)
	h := New("ctx", nil, keepalive, dockerd)

	task := make(chan error) // never fires

	keepalive <- errors.New("boom")

	err := h.Wrap(task)
	if err == nil {
		t.Fatal("Wrap() = nil, want an error")
	}
	if got := err.Error(); !strings.Contains(got, "docker context failed before task could be completed") {
		t.Fatalf("Wrap() error = %q, want it to mention the supervisor-failed prefix", got)
	}
}

func TestWrapReturnsTaskResultWhenItWinsTheRace(t *testing.T) {
	keepalive := make(chan error, 1)
	dockerd := make(chan error, 1)
	h := New("ctx", nil, keepalive, dockerd)

	task := make(chan error, 1)
	task <- nil

	if err := h.Wrap(task); err != nil {
		t.Fatalf("Wrap() = %v, want nil", err)
	}

	// Drain so the goroutine started by New doesn't leak past the test.
	keepalive <- errors.New("cleanup")
}

func TestCloseRemovesArtifact(t *testing.T) {
	dir := t.TempDir()
	art, err := dockerctx.Create(dir, "fleeting-test", "203.0.113.5", []byte("ca"), []byte("cert"), []byte("key"))
	if err != nil {
		t.Fatalf("dockerctx.Create: %v", err)
	}

	keepalive := make(chan error, 1)
	dockerd := make(chan error, 1)
	h := New("fleeting-test", art, keepalive, dockerd)
	h.Close()

	hash := dockerctx.HashName("fleeting-test")
	if _, err := os.Stat(filepath.Join(dir, "contexts", "meta", hash)); !os.IsNotExist(err) {
		t.Fatal("meta dir still present after Close")
	}

	keepalive <- errors.New("cleanup")
}
