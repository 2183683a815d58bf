// Package bringup implements the Bring-up Orchestrator (spec §4.5):
// the ten-phase state machine that turns a blank VM into a published,
// TLS-authenticated Docker context, supervised by the Lifecycle
// Supervisor it hands back.
package bringup

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/jakajancar/fleeting/internal/dockerctx"
	"github.com/jakajancar/fleeting/internal/dockerrelease"
	"github.com/jakajancar/fleeting/internal/retry"
	"github.com/jakajancar/fleeting/internal/sshchan"
	"github.com/jakajancar/fleeting/internal/step"
	"github.com/jakajancar/fleeting/internal/supervisor"
	"github.com/jakajancar/fleeting/internal/tlsmaterial"
	"github.com/jakajancar/fleeting/platform"
)

var plog = capnslog.NewPackageLogger("github.com/jakajancar/fleeting", "bringup")

const (
	otpLength = 20
	otpAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	sshPort     = 22
	dockerdPort = 2376

	portWaitDelay    = 1 * time.Second
	portWaitDeadline = 60 * time.Second
	dialTimeout      = 3 * time.Second

	sshAuthDelay    = 1 * time.Second
	sshAuthDeadline = 60 * time.Second

	keepaliveInterval = 5 * time.Second
	keepaliveTimeout  = 15 * time.Second
)

// Config parameterizes a single bring-up.
type Config struct {
	Provider platform.Provider

	// ContextName overrides the default "fleeting-<pid>".
	ContextName string

	// DockerdVersion is a go-semver selector; "" or "any" means the
	// greatest available release.
	DockerdVersion string

	// AuthorizeUserKeys mirrors the hidden --ssh flag: when true, the
	// invoker's own ~/.ssh/id_*.pub keys are authorized on the VM
	// alongside the ephemeral one.
	AuthorizeUserKeys bool

	// DockerConfigDir is normally "<home>/.docker"; overridable for tests.
	DockerConfigDir string

	HTTPClient *http.Client

	// SSHPort and DockerdPort default to 22 and 2376; overridable so
	// tests can point Spawn at a fake VM listening on loopback ports.
	SSHPort     int
	DockerdPort int

	// PortWaitDelay/PortWaitDeadline and SSHAuthDelay/SSHAuthDeadline
	// default to the production timings above; overridable so tests
	// exercising the timeout paths don't have to wait a full minute.
	PortWaitDelay    time.Duration
	PortWaitDeadline time.Duration
	SSHAuthDelay     time.Duration
	SSHAuthDeadline  time.Duration
}

func (c *Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Config) sshPort() int {
	if c.SSHPort != 0 {
		return c.SSHPort
	}
	return sshPort
}

func (c *Config) dockerdPort() int {
	if c.DockerdPort != 0 {
		return c.DockerdPort
	}
	return dockerdPort
}

func (c *Config) portWaitDelay() time.Duration {
	if c.PortWaitDelay != 0 {
		return c.PortWaitDelay
	}
	return portWaitDelay
}

func (c *Config) portWaitDeadline() time.Duration {
	if c.PortWaitDeadline != 0 {
		return c.PortWaitDeadline
	}
	return portWaitDeadline
}

func (c *Config) sshAuthDelay() time.Duration {
	if c.SSHAuthDelay != 0 {
		return c.SSHAuthDelay
	}
	return sshAuthDelay
}

func (c *Config) sshAuthDeadline() time.Duration {
	if c.SSHAuthDeadline != 0 {
		return c.SSHAuthDeadline
	}
	return sshAuthDeadline
}

// Spawn runs the full bring-up sequence and returns a SupervisorHandle
// for the resulting Docker context, or the first phase's fatal error.
// ctx only bounds the VM Provider's own spawn call; everything after
// that point runs under the deadlines named in spec §5.
func Spawn(ctx context.Context, cfg Config) (*supervisor.Handle, error) {
	step.Start("generate secrets & launch vm", 10)
	defer step.End()

	plog.Infof("generating ephemeral signing keypair and bootstrap token")
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generating ephemeral signing keypair")
	}
	signer, err := ssh.NewSignerFromSigner(priv)
	if err != nil {
		return nil, errors.Wrap(err, "wrapping ephemeral key as ssh signer")
	}
	otp, err := generateOTP()
	if err != nil {
		return nil, errors.Wrap(err, "generating bootstrap token")
	}

	authorizedKeys, err := collectAuthorizedKeys(pub, cfg.AuthorizeUserKeys)
	if err != nil {
		return nil, errors.Wrap(err, "collecting authorized keys")
	}

	script, err := renderBootstrapScript(authorizedKeys, otp)
	if err != nil {
		return nil, errors.Wrap(err, "rendering bootstrap script")
	}

	ip, err := cfg.Provider.Spawn(ctx, script)
	if err != nil {
		return nil, errors.Wrap(err, "spawning vm")
	}
	plog.Infof("vm reachable at %s", ip)

	step.Next("wait for port 22")
	if err := waitForTCPWithTimings(ip, cfg.sshPort(), cfg.portWaitDelay(), cfg.portWaitDeadline()); err != nil {
		return nil, err
	}

	step.Next("ssh handshake & authenticate")
	channel, err := sshHandshake(ip, signer, cfg.sshPort(), cfg.sshAuthDelay(), cfg.sshAuthDeadline())
	if err != nil {
		return nil, err
	}

	step.Next("validate bootstrap token")
	if err := validateOTP(channel, otp); err != nil {
		channel.Close()
		return nil, err
	}

	step.Next("start keepalive activity")
	keepaliveDone, err := startKeepalive(channel)
	if err != nil {
		channel.Close()
		return nil, err
	}

	step.Next("install dockerd")
	if err := installDockerd(channel, cfg.httpClient(), cfg.DockerdVersion); err != nil {
		channel.Close()
		return nil, err
	}

	step.Next("provision tls")
	material, err := tlsmaterial.Generate(ip)
	if err != nil {
		channel.Close()
		return nil, errors.Wrap(err, "generating tls material")
	}
	if err := provisionCerts(channel, material); err != nil {
		channel.Close()
		return nil, err
	}

	step.Next("start dockerd activity")
	dockerdDone, err := startDockerd(channel)
	if err != nil {
		channel.Close()
		return nil, err
	}

	step.Next("wait for port 2376")
	if err := waitForDockerd(ip, cfg.dockerdPort(), cfg.portWaitDelay(), cfg.portWaitDeadline(), keepaliveDone); err != nil {
		channel.Close()
		return nil, err
	}

	step.Next("publish context")
	contextName := cfg.ContextName
	if contextName == "" {
		contextName = fmt.Sprintf("fleeting-%d", os.Getpid())
	}
	dockerConfigDir := cfg.DockerConfigDir
	if dockerConfigDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			channel.Close()
			return nil, errors.Wrap(err, "locating home directory")
		}
		dockerConfigDir = filepath.Join(home, ".docker")
	}

	artifact, err := dockerctx.Create(dockerConfigDir, contextName, ip.String(), material.CACert, material.ClientCert, material.ClientKey)
	if err != nil {
		channel.Close()
		return nil, err
	}

	plog.Infof("published docker context %q", contextName)
	return supervisor.New(contextName, artifact, keepaliveDone, dockerdDone), nil
}

func generateOTP() (string, error) {
	buf := make([]byte, otpLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, otpLength)
	for i, b := range buf {
		out[i] = otpAlphabet[int(b)%len(otpAlphabet)]
	}
	return string(out), nil
}

// collectAuthorizedKeys always includes pub, and also the invoker's own
// ~/.ssh/id_*.pub files when includeUserKeys is set (the hidden --ssh
// flag), rendered one per line in OpenSSH authorized_keys format.
func collectAuthorizedKeys(pub ed25519.PublicKey, includeUserKeys bool) (string, error) {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", err
	}
	lines := []string{strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))}

	if includeUserKeys {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		matches, err := filepath.Glob(filepath.Join(home, ".ssh", "id_*.pub"))
		if err != nil {
			return "", err
		}
		for _, m := range matches {
			data, err := os.ReadFile(m)
			if err != nil {
				plog.Warningf("skipping unreadable key %s: %v", m, err)
				continue
			}
			lines = append(lines, strings.TrimSpace(string(data)))
		}
	}

	return strings.Join(lines, "\n"), nil
}

var bootstrapTemplate = template.Must(template.New("bootstrap").Parse(`#!/bin/bash
set -euo pipefail

mkdir -p /fleeting
printf '%s' '{{.OTP}}' > /fleeting/otp
touch /fleeting/keepalive

mkdir -p /root/.ssh
chmod 700 /root/.ssh
cat <<'FLEETING_KEYS' >> /root/.ssh/authorized_keys
{{.AuthorizedKeys}}
FLEETING_KEYS
chmod 600 /root/.ssh/authorized_keys

cat <<'FLEETING_WATCHDOG' > /usr/local/bin/fleeting-watchdog.sh
#!/bin/bash
timeout={{.KeepaliveTimeout}}
while true; do
  last=$(stat -c %Y /fleeting/keepalive 2>/dev/null || echo 0)
  now=$(date +%s)
  if [ "$((now - last))" -gt "$timeout" ]; then
    (systemctl poweroff --no-wall || shutdown -h now) &
  fi
  sleep 5
done
FLEETING_WATCHDOG
chmod +x /usr/local/bin/fleeting-watchdog.sh
nohup /usr/local/bin/fleeting-watchdog.sh >/var/log/fleeting-watchdog.log 2>&1 &
`))

func renderBootstrapScript(authorizedKeys, otp string) (string, error) {
	var buf bytes.Buffer
	err := bootstrapTemplate.Execute(&buf, struct {
		AuthorizedKeys   string
		OTP              string
		KeepaliveTimeout int
	}{
		AuthorizedKeys:   authorizedKeys,
		OTP:              otp,
		KeepaliveTimeout: int(keepaliveTimeout.Seconds()),
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

func waitForTCPWithTimings(ip net.IP, port int, delay, deadline time.Duration) error {
	addr := fmt.Sprintf("%s:%d", ip, port)
	return retry.DoVoid(delay, deadline, func(n int) error {
		conn, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err != nil {
			plog.Debugf("attempt %d: could not open tcp stream in the deadline: %v", n, err)
			return errors.Wrap(err, "could not open tcp stream in the deadline")
		}
		conn.Close()
		return nil
	})
}

func sshHandshake(ip net.IP, signer ssh.Signer, port int, delay, deadline time.Duration) (*sshchan.Channel, error) {
	addr := fmt.Sprintf("%s:%d", ip, port)
	return retry.Do(delay, deadline, func(n int) (*sshchan.Channel, error) {
		conn, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err != nil {
			return nil, retry.Permanent(errors.Wrap(err, "connecting for ssh handshake"))
		}
		ch, err := sshchan.Dial(conn, addr, signer)
		if err != nil {
			if isAuthError(err) {
				return nil, retry.Temporary(errors.Wrap(err, "ssh authentication not yet available (user_data may still be provisioning)"))
			}
			return nil, retry.Permanent(errors.Wrap(err, "ssh transport error"))
		}
		return ch, nil
	})
}

func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

func validateOTP(channel *sshchan.Channel, otp string) error {
	received, err := channel.ReadFile("/fleeting/otp")
	if err != nil {
		return errors.Wrap(err, "reading bootstrap token")
	}
	got := strings.TrimSpace(string(received))
	if got != otp {
		return errors.Errorf("invalid otp, expected %q got %q", otp, got)
	}
	return nil
}

func startKeepalive(channel *sshchan.Channel) (<-chan error, error) {
	raw, err := channel.OpenRaw("while read; do touch /fleeting/keepalive; done",
		sshchan.Log(capnslog.DEBUG, "keepalive"), sshchan.Log(capnslog.DEBUG, "keepalive"))
	if err != nil {
		return nil, errors.Wrap(err, "starting keepalive activity")
	}

	done := make(chan error, 1)
	go func() { done <- raw.Wait() }()

	go func() {
		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()
		for range ticker.C {
			if _, err := raw.Write([]byte("\n")); err != nil {
				return
			}
		}
	}()

	return done, nil
}

func installDockerd(channel *sshchan.Channel, httpClient *http.Client, versionSelector string) error {
	res, err := channel.ExecToCompletion("uname -m", true, sshchan.Capture(), sshchan.Log(capnslog.DEBUG, "uname"))
	if err != nil {
		return errors.Wrap(err, "determining vm architecture")
	}
	arch, err := dockerrelease.ArchFromUname(strings.TrimSpace(string(res.Stdout)))
	if err != nil {
		return err
	}

	selector := versionSelector
	if selector == "" {
		selector = "any"
	}
	tarballURL, err := dockerrelease.Resolve(httpClient, arch, selector)
	if err != nil {
		return errors.Wrap(err, "resolving dockerd release")
	}
	plog.Infof("installing dockerd from %s", tarballURL)

	installCmd := fmt.Sprintf(
		"curl -fsSL %s -o /tmp/docker.tgz && tar -xzf /tmp/docker.tgz -C /usr/local --strip-components=1 && rm -f /tmp/docker.tgz",
		shellQuote(tarballURL),
	)
	return channel.ExecPassthru("installing dockerd", installCmd)
}

func provisionCerts(channel *sshchan.Channel, material *tlsmaterial.Material) error {
	for path, content := range map[string][]byte{
		"/tmp/ca.pem":          material.CACert,
		"/tmp/server-cert.pem": material.ServerCert,
		"/tmp/server-key.pem":  material.ServerKey,
	} {
		cmd := fmt.Sprintf("cat > %s <<'FLEETING_PEM'\n%sFLEETING_PEM\n", path, content)
		if err := channel.ExecPassthru("provisioning "+path, cmd); err != nil {
			return err
		}
	}
	return nil
}

func startDockerd(channel *sshchan.Channel) (<-chan error, error) {
	cmd := "dockerd -H tcp://0.0.0.0:2376 --tlsverify " +
		"--tlscacert=/tmp/ca.pem --tlscert=/tmp/server-cert.pem --tlskey=/tmp/server-key.pem"
	raw, err := channel.OpenRaw(cmd, sshchan.Log(capnslog.DEBUG, "dockerd"), sshchan.Log(capnslog.DEBUG, "dockerd"))
	if err != nil {
		return nil, errors.Wrap(err, "starting dockerd activity")
	}

	done := make(chan error, 1)
	go func() { done <- raw.Wait() }()
	return done, nil
}

func waitForDockerd(ip net.IP, port int, delay, deadline time.Duration, keepaliveDone <-chan error) error {
	portResult := make(chan error, 1)
	go func() {
		portResult <- waitForTCPWithTimings(ip, port, delay, deadline)
	}()

	select {
	case err := <-portResult:
		return err
	case err := <-keepaliveDone:
		return errors.Wrapf(err, "keepalive failed while waiting for dockerd to start")
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
