package launchproto

import "testing"

func TestEncodeDecodeChildLaunchArgs(t *testing.T) {
	want := ChildLaunchArgs{LauncherPID: 4242}

	b, err := Encode(want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if b[len(b)-1] != '\n' {
		t.Fatalf("Encode did not append trailing newline")
	}

	var got ChildLaunchArgs
	if err := Decode(b[:len(b)-1], &got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestEncodeChildContextReadyIsEmptyObject(t *testing.T) {
	b, err := Encode(ChildContextReady{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(b) != "{}\n" {
		t.Fatalf("Encode(ChildContextReady{}) = %q, want %q", b, "{}\n")
	}
}
