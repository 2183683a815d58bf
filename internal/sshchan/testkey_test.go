package sshchan

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func mustGenerateTestKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating test key: %v", err)
	}
	return priv
}
