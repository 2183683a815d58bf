package main

import (
	"reflect"
	"testing"
)

func TestParseArgsForeground(t *testing.T) {
	pa, err := parseArgs([]string{"local", "docker", "run", "img", "echo", "hi"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if pa.Mode != modeForeground {
		t.Fatalf("mode = %v, want modeForeground", pa.Mode)
	}
	if pa.Provider != "local" {
		t.Fatalf("provider = %q", pa.Provider)
	}
	want := []string{"docker", "run", "img", "echo", "hi"}
	if !reflect.DeepEqual(pa.Command, want) {
		t.Fatalf("command = %v, want %v", pa.Command, want)
	}
}

func TestParseArgsForegroundWithGlobalOptionsBeforeCommand(t *testing.T) {
	pa, err := parseArgs([]string{"aws", "-v", "--context-name", "ci", "docker", "ps", "-a"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if pa.Mode != modeForeground {
		t.Fatalf("mode = %v, want modeForeground", pa.Mode)
	}
	if !pa.Verbose {
		t.Fatal("expected -v to be recognized as a global flag")
	}
	if pa.ContextName != "ci" {
		t.Fatalf("context name = %q", pa.ContextName)
	}
	want := []string{"docker", "ps", "-a"}
	if !reflect.DeepEqual(pa.Command, want) {
		t.Fatalf("command = %v, want %v (child's own -a flag must survive untouched)", pa.Command, want)
	}
}

func TestParseArgsLauncher(t *testing.T) {
	pa, err := parseArgs([]string{"local", "--while", "12345"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if pa.Mode != modeLauncher {
		t.Fatalf("mode = %v, want modeLauncher", pa.Mode)
	}
	if pa.WhilePID != 12345 {
		t.Fatalf("while pid = %d", pa.WhilePID)
	}
}

func TestParseArgsWorker(t *testing.T) {
	pa, err := parseArgs([]string{"local", "--while", "12345", "--worker"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if pa.Mode != modeWorker {
		t.Fatalf("mode = %v, want modeWorker", pa.Mode)
	}
}

func TestParseArgsRejectsMissingProvider(t *testing.T) {
	if _, err := parseArgs(nil); err == nil {
		t.Fatal("expected a usage error for no arguments")
	} else if _, ok := err.(*usageError); !ok {
		t.Fatalf("error = %T, want *usageError", err)
	}
}

func TestParseArgsRejectsCommandAndWhileTogether(t *testing.T) {
	_, err := parseArgs([]string{"local", "--while", "1", "docker", "ps"})
	if err == nil {
		t.Fatal("expected a usage error when both COMMAND and --while are given")
	}
	if _, ok := err.(*usageError); !ok {
		t.Fatalf("error = %T, want *usageError", err)
	}
}

func TestParseArgsRejectsNeitherCommandNorWhile(t *testing.T) {
	_, err := parseArgs([]string{"local"})
	if err == nil {
		t.Fatal("expected a usage error when neither COMMAND nor --while is given")
	}
}
