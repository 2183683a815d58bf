package bringup

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/jakajancar/fleeting/internal/dockerctx"
)

// otpInScript extracts the OTP the bootstrap script asked the VM to
// write to /fleeting/otp, the same value fakeVM's "cat /fleeting/otp"
// handler must answer with to pass validateOTP.
var otpInScript = regexp.MustCompile(`printf '%s' '([^']*)' > /fleeting/otp`)

// fakeVM is a real TCP-listening SSH server plus a bare TCP stub for
// the dockerd port, standing in for the whole remote side of a
// bring-up: it answers every command Spawn's state machine issues,
// without actually installing or running anything.
type fakeVM struct {
	sshLn     net.Listener
	dockerdLn net.Listener

	mu       sync.Mutex
	conns    []net.Conn
	otp      string // what "cat /fleeting/otp" answers with
	otpFixed bool   // true once a test has forced a (possibly wrong) otp
}

func startFakeVM(t *testing.T, hostKey ed25519.PrivateKey) *fakeVM {
	t.Helper()

	sshLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dockerdLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	signer, err := ssh.NewSignerFromKey(hostKey)
	require.NoError(t, err)

	serverConfig := &ssh.ServerConfig{
		PublicKeyCallback: func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
			return &ssh.Permissions{}, nil
		},
	}
	serverConfig.AddHostKey(signer)

	vm := &fakeVM{sshLn: sshLn, dockerdLn: dockerdLn}

	go func() {
		for {
			conn, err := sshLn.Accept()
			if err != nil {
				return
			}
			vm.track(conn)
			go vm.serveConn(conn, serverConfig)
		}
	}()
	go func() {
		for {
			conn, err := dockerdLn.Accept()
			if err != nil {
				return
			}
			vm.track(conn)
		}
	}()

	t.Cleanup(vm.close)
	return vm
}

func (vm *fakeVM) track(conn net.Conn) {
	vm.mu.Lock()
	vm.conns = append(vm.conns, conn)
	vm.mu.Unlock()
}

func (vm *fakeVM) close() {
	vm.sshLn.Close()
	vm.dockerdLn.Close()
	vm.mu.Lock()
	defer vm.mu.Unlock()
	for _, c := range vm.conns {
		c.Close()
	}
}

func (vm *fakeVM) sshPort() int     { return vm.sshLn.Addr().(*net.TCPAddr).Port }
func (vm *fakeVM) dockerdPort() int { return vm.dockerdLn.Addr().(*net.TCPAddr).Port }

// forceOTP makes "cat /fleeting/otp" answer with otp regardless of
// what the bootstrap script asked for, for the OTP-mismatch scenario.
func (vm *fakeVM) forceOTP(otp string) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.otp = otp
	vm.otpFixed = true
}

// recordScriptOTP is how the stub VM Provider tells fakeVM what the
// real VM's bootstrap script would have written to /fleeting/otp, the
// way the script's own "printf ... > /fleeting/otp" line would on a
// real instance.
func (vm *fakeVM) recordScriptOTP(otp string) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if !vm.otpFixed {
		vm.otp = otp
	}
}

func (vm *fakeVM) otpAnswer() string {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.otp
}

func (vm *fakeVM) serveConn(conn net.Conn, cfg *ssh.ServerConfig) {
	sc, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	for newChan := range chans {
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go vm.serveChannel(ch, requests)
	}
	sc.Wait()
}

func (vm *fakeVM) serveChannel(ch ssh.Channel, requests <-chan *ssh.Request) {
	for req := range requests {
		if req.Type != "exec" {
			req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		ssh.Unmarshal(req.Payload, &payload)
		req.Reply(true, nil)
		vm.runCommand(ch, payload.Command)
		return
	}
}

// runCommand answers the fixed set of remote commands the ten-phase
// state machine issues. "while read" (keepalive) and "dockerd -H"
// (the daemon itself) never exit on their own, matching the real VM:
// they block until the test tears the connection down, at which point
// the client's RawSession.Wait returns an error rather than nil, same
// as the real thing is expected to.
func (vm *fakeVM) runCommand(ch ssh.Channel, cmd string) {
	exit := func(code int) {
		ch.SendRequest("exit-status", false, ssh.Marshal(&struct{ Status uint32 }{uint32(code)}))
		ch.Close()
	}

	switch {
	case strings.Contains(cmd, "uname -m"):
		ch.Write([]byte("x86_64\n"))
		exit(0)
	case strings.Contains(cmd, "cat /fleeting/otp"):
		ch.Write([]byte(vm.otpAnswer()))
		exit(0)
	case strings.Contains(cmd, "curl -fsSL"), strings.HasPrefix(cmd, "cat >"):
		// The heredoc body is embedded in cmd itself, not sent over
		// stdin, so there's nothing to drain before exiting.
		exit(0)
	case strings.Contains(cmd, "while read"), strings.Contains(cmd, "dockerd -H"):
		io.Copy(io.Discard, ch)
	default:
		ch.Write([]byte("unrecognized command\n"))
		exit(1)
	}
}

// stubProvider stands in for platform.Provider: it hands back a fixed
// loopback address and, in place of actually running the bootstrap
// script on a VM, tells vm what OTP that script would have written to
// /fleeting/otp.
type stubProvider struct {
	ip net.IP
	vm *fakeVM
}

func (p *stubProvider) Spawn(ctx context.Context, bootstrapScript string) (net.IP, error) {
	if m := otpInScript.FindStringSubmatch(bootstrapScript); m != nil {
		p.vm.recordScriptOTP(m[1])
	}
	return p.ip, nil
}

// stubDockerReleaseTransport answers every request with a tiny static
// release index so installDockerd's version resolution never touches
// the network.
type stubDockerReleaseTransport struct{}

func (stubDockerReleaseTransport) RoundTrip(*http.Request) (*http.Response, error) {
	body := `<a href="docker-24.0.9.tgz">docker-24.0.9.tgz</a>`
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}, nil
}

func testConfig(t *testing.T, vm *fakeVM, provider *stubProvider) Config {
	t.Helper()
	return Config{
		Provider:         provider,
		ContextName:      "fleeting-integration-test",
		DockerConfigDir:  t.TempDir(),
		HTTPClient:       &http.Client{Transport: stubDockerReleaseTransport{}},
		SSHPort:          vm.sshPort(),
		DockerdPort:      vm.dockerdPort(),
		PortWaitDelay:    10 * time.Millisecond,
		PortWaitDeadline: 2 * time.Second,
		SSHAuthDelay:     10 * time.Millisecond,
		SSHAuthDeadline:  2 * time.Second,
	}
}

func mustGenerateHostKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return priv
}

func TestSpawnPublishesContextAndCloseRemovesIt(t *testing.T) {
	vm := startFakeVM(t, mustGenerateHostKey(t))
	provider := &stubProvider{ip: net.ParseIP("127.0.0.1"), vm: vm}
	cfg := testConfig(t, vm, provider)

	handle, err := Spawn(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, "fleeting-integration-test", handle.ContextName)

	hash := dockerctx.HashName("fleeting-integration-test")
	metaDir := cfg.DockerConfigDir + "/contexts/meta/" + hash
	_, err = os.Stat(metaDir)
	require.NoError(t, err, "expected context meta dir to exist after a successful Spawn")

	handle.Close()

	_, err = os.Stat(metaDir)
	require.True(t, os.IsNotExist(err), "expected context meta dir to be gone after Close")
}

func TestSpawnFailsOnOTPMismatch(t *testing.T) {
	vm := startFakeVM(t, mustGenerateHostKey(t))
	vm.forceOTP("this-does-not-match-the-bootstrap-script")
	provider := &stubProvider{ip: net.ParseIP("127.0.0.1"), vm: vm}
	cfg := testConfig(t, vm, provider)

	_, err := Spawn(context.Background(), cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid otp")
}

func TestSpawnFailsWhenPort22NeverOpens(t *testing.T) {
	// A listener that is immediately closed: nothing answers on its
	// port, so Spawn's first wait must time out.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	provider := &stubProvider{ip: net.ParseIP("127.0.0.1"), vm: &fakeVM{}}
	cfg := Config{
		Provider:         provider,
		DockerConfigDir:  t.TempDir(),
		SSHPort:          port,
		PortWaitDelay:    10 * time.Millisecond,
		PortWaitDeadline: 100 * time.Millisecond,
	}

	_, err = Spawn(context.Background(), cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "could not open tcp stream in the deadline")
}
