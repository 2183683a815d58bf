// Package tlsmaterial generates the single-use certificate authority
// and the server/client leaf certificates the Secure Channel's Docker
// daemon handoff relies on (spec §3 "TLS Material", §4.5 step 7).
//
// Everything here is ephemeral: the CA's private key never touches
// disk and is discarded with the rest of the process's memory at
// exit, mirroring the "never persisted" invariant in the spec's data
// model.
package tlsmaterial

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"time"

	"github.com/pkg/errors"
)

const (
	caValidity   = time.Hour
	leafValidity = time.Hour
)

// Material holds every PEM-encoded artifact produced by a single call
// to Generate: the CA (needed by both client and server), the server
// keypair (uploaded to the VM), and the client keypair (kept locally
// for the Docker Context Artifact).
type Material struct {
	CACert []byte

	ServerCert []byte
	ServerKey  []byte

	ClientCert []byte
	ClientKey  []byte
}

// Generate produces a fresh self-signed CA and a server/client leaf
// pair signed by it. serverIP is embedded in the server certificate's
// subject-alternative-name list so the Docker client's TLS handshake
// against tcp://<serverIP>:2376 validates.
func Generate(serverIP net.IP) (*Material, error) {
	caKey, caCert, err := generateCA()
	if err != nil {
		return nil, errors.Wrap(err, "generating CA")
	}

	serverCertDER, serverKey, err := issueLeaf(caCert, caKey, "fleeting-docker-server", []net.IP{serverIP}, x509.ExtKeyUsageServerAuth)
	if err != nil {
		return nil, errors.Wrap(err, "issuing server certificate")
	}

	clientCertDER, clientKey, err := issueLeaf(caCert, caKey, "fleeting-docker-client", nil, x509.ExtKeyUsageClientAuth)
	if err != nil {
		return nil, errors.Wrap(err, "issuing client certificate")
	}

	return &Material{
		CACert:     encodeCert(caCert.Raw),
		ServerCert: encodeCert(serverCertDER),
		ServerKey:  encodeKey(serverKey),
		ClientCert: encodeCert(clientCertDER),
		ClientKey:  encodeKey(clientKey),
	}, nil
}

func generateCA() (*ecdsa.PrivateKey, *x509.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"fleeting"},
			CommonName:   "fleeting ephemeral CA",
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}

	return key, cert, nil
}

func issueLeaf(caCert *x509.Certificate, caKey *ecdsa.PrivateKey, cn string, ips []net.IP, usage x509.ExtKeyUsage) ([]byte, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"fleeting"}, CommonName: cn},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
		IPAddresses:  ips,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return nil, nil, err
	}

	return der, key, nil
}

func randomSerial() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}

func encodeCert(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func encodeKey(key *ecdsa.PrivateKey) []byte {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		// x509.MarshalECPrivateKey only fails for curves it doesn't
		// support; P-256 always succeeds.
		panic(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}
