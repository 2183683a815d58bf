package main

import (
	"os/exec"
	"testing"
)

func TestExitCodeFromWaitNilIsZero(t *testing.T) {
	if code := exitCodeFromWait(nil); code != 0 {
		t.Fatalf("code = %d, want 0", code)
	}
}

func TestExitCodeFromWaitPropagatesChildExitCode(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 7")
	err := cmd.Run()
	if err == nil {
		t.Skip("expected sh -c 'exit 7' to fail")
	}
	if code := exitCodeFromWait(err); code != 7 {
		t.Fatalf("code = %d, want 7", code)
	}
}

func TestExitCodeForErrorUsesUsageStatusForUsageErrors(t *testing.T) {
	if code := exitCodeForError(&usageError{}); code != usageErrorExitCode {
		t.Fatalf("code = %d, want %d", code, usageErrorExitCode)
	}
}

func TestExitCodeForErrorUsesOneForOtherErrors(t *testing.T) {
	if code := exitCodeForError(errPlain{}); code != 1 {
		t.Fatalf("code = %d, want 1", code)
	}
}

type errPlain struct{}

func (errPlain) Error() string { return "boom" }
