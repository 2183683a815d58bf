package dockerrelease

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const sampleIndex = `
<a href="docker-20.10.7.tgz">docker-20.10.7.tgz</a>
<a href="docker-24.0.9.tgz">docker-24.0.9.tgz</a>
<a href="docker-19.03.9.tgz">docker-19.03.9.tgz</a>
`

func TestResolvePicksGreatestVersionWithNoConstraint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleIndex))
	}))
	defer srv.Close()

	best, err := bestVersion([]byte(sampleIndex), "any")
	if err != nil {
		t.Fatalf("bestVersion: %v", err)
	}
	if best.String() != "24.0.9" {
		t.Fatalf("best = %s, want 24.0.9", best.String())
	}
}

func TestResolveHonorsVersionSelector(t *testing.T) {
	best, err := bestVersion([]byte(sampleIndex), "20.0.0")
	if err != nil {
		t.Fatalf("bestVersion: %v", err)
	}
	if best.String() != "24.0.9" {
		t.Fatalf("best = %s, want 24.0.9 (the only ones >= 20.0.0 are 20.10.7 and 24.0.9)", best.String())
	}
}

func TestArchFromUnameTotalOverEnum(t *testing.T) {
	cases := map[string]Arch{
		"x86_64":  ArchAMD64,
		"aarch64": ArchARM64,
	}
	for machine, want := range cases {
		got, err := ArchFromUname(machine)
		if err != nil {
			t.Fatalf("ArchFromUname(%q): %v", machine, err)
		}
		if got != want {
			t.Fatalf("ArchFromUname(%q) = %q, want %q", machine, got, want)
		}
	}
}

func TestArchFromUnameRejectsUnknown(t *testing.T) {
	_, err := ArchFromUname("riscv64")
	if err == nil || !strings.Contains(err.Error(), "unsupported instance type architectures") {
		t.Fatalf("err = %v, want unsupported-architecture message", err)
	}
}
