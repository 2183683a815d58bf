// Package dockerctx materializes and tears down the Docker Context
// Artifact described in spec §3: the local directory pair a Docker
// client reads to target the remote daemon this tool brings up.
package dockerctx

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"
)

var plog = capnslog.NewPackageLogger("github.com/jakajancar/fleeting", "dockerctx")

// metaFile mirrors the subset of the Docker CLI's context metadata
// format this tool needs to produce: one endpoint named "docker",
// TLS-verified, no extra per-context metadata.
type metaFile struct {
	Name     string                 `json:"Name"`
	Metadata map[string]interface{} `json:"Metadata"`
	Endpoints map[string]endpoint   `json:"Endpoints"`
}

type endpoint struct {
	Host          string `json:"Host"`
	SkipTLSVerify bool   `json:"SkipTLSVerify"`
}

// Artifact is a materialized Docker context: its name and the two
// directories backing it.
type Artifact struct {
	Name     string
	metaDir  string
	tlsDir   string
}

// HashName returns the lowercase hex SHA-256 digest of name's UTF-8
// bytes, the directory key the Docker CLI uses for a context.
func HashName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:])
}

// Create materializes the meta and tls directories for a context
// named name, pointing at host (an IPv4 address), with the given TLS
// material. dockerConfigDir is normally "<home>/.docker". It is an
// error if the meta directory already exists.
func Create(dockerConfigDir, name, host string, ca, clientCert, clientKey []byte) (*Artifact, error) {
	hash := HashName(name)
	metaDir := filepath.Join(dockerConfigDir, "contexts", "meta", hash)
	tlsRoot := filepath.Join(dockerConfigDir, "contexts", "tls", hash)
	tlsDir := filepath.Join(tlsRoot, "docker")

	if _, err := os.Stat(metaDir); err == nil {
		return nil, errors.Errorf("docker context meta directory %s already exists", metaDir)
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "checking for existing docker context")
	}

	if err := os.MkdirAll(metaDir, 0o700); err != nil {
		return nil, errors.Wrap(err, "creating context meta directory")
	}
	if err := os.MkdirAll(tlsDir, 0o700); err != nil {
		os.RemoveAll(metaDir)
		return nil, errors.Wrap(err, "creating context tls directory")
	}

	meta := metaFile{
		Name:     name,
		Metadata: map[string]interface{}{},
		Endpoints: map[string]endpoint{
			"docker": {Host: "tcp://" + host + ":2376", SkipTLSVerify: false},
		},
	}

	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling meta.json")
	}

	if err := os.WriteFile(filepath.Join(metaDir, "meta.json"), metaBytes, 0o600); err != nil {
		cleanup(metaDir, tlsRoot)
		return nil, errors.Wrap(err, "writing meta.json")
	}

	for fname, data := range map[string][]byte{
		"ca.pem":   ca,
		"cert.pem": clientCert,
		"key.pem":  clientKey,
	} {
		if err := os.WriteFile(filepath.Join(tlsDir, fname), data, 0o600); err != nil {
			cleanup(metaDir, tlsRoot)
			return nil, errors.Wrapf(err, "writing %s", fname)
		}
	}

	plog.Infof("published docker context %q -> tcp://%s:2376", name, host)

	return &Artifact{Name: name, metaDir: metaDir, tlsDir: tlsRoot}, nil
}

// Remove deletes both directories. Errors are logged, never returned:
// per spec §7 artifact-teardown failures are never propagated.
func (a *Artifact) Remove() {
	cleanup(a.metaDir, a.tlsDir)
}

func cleanup(metaDir, tlsDir string) {
	if err := os.RemoveAll(metaDir); err != nil {
		plog.Errorf("removing context meta directory %s: %v", metaDir, err)
	}
	if err := os.RemoveAll(tlsDir); err != nil {
		plog.Errorf("removing context tls directory %s: %v", tlsDir, err)
	}
}
