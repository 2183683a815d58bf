package tlsmaterial

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"testing"
)

func TestGenerateProducesVerifiableChain(t *testing.T) {
	ip := net.ParseIP("203.0.113.7")
	mat, err := Generate(ip)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(mat.CACert) {
		t.Fatalf("failed to parse CA cert")
	}

	for _, pair := range []struct {
		name       string
		cert, key  []byte
		extUsage   x509.ExtKeyUsage
	}{
		{"server", mat.ServerCert, mat.ServerKey, x509.ExtKeyUsageServerAuth},
		{"client", mat.ClientCert, mat.ClientKey, x509.ExtKeyUsageClientAuth},
	} {
		tlsCert, err := tls.X509KeyPair(pair.cert, pair.key)
		if err != nil {
			t.Fatalf("%s: X509KeyPair: %v", pair.name, err)
		}
		leaf, err := x509.ParseCertificate(tlsCert.Certificate[0])
		if err != nil {
			t.Fatalf("%s: ParseCertificate: %v", pair.name, err)
		}
		if _, err := leaf.Verify(x509.VerifyOptions{
			Roots:     pool,
			KeyUsages: []x509.ExtKeyUsage{pair.extUsage},
		}); err != nil {
			t.Fatalf("%s: Verify: %v", pair.name, err)
		}
	}
}

func TestServerCertCoversVMIP(t *testing.T) {
	ip := net.ParseIP("198.51.100.42")
	mat, err := Generate(ip)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	tlsCert, err := tls.X509KeyPair(mat.ServerCert, mat.ServerKey)
	if err != nil {
		t.Fatalf("X509KeyPair: %v", err)
	}
	leaf, err := x509.ParseCertificate(tlsCert.Certificate[0])
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	found := false
	for _, cip := range leaf.IPAddresses {
		if cip.Equal(ip) {
			found = true
		}
	}
	if !found {
		t.Fatalf("server cert IPAddresses %v does not contain %v", leaf.IPAddresses, ip)
	}
}
