// Package sshchan implements the Secure Channel (spec §4.4): a single
// SSH session to the VM, authenticated as root with the ephemeral
// signing keypair, over which independent command channels are
// opened for exec-style command execution.
//
// Host key verification is intentionally disabled (ssh.InsecureIgnoreHostKey):
// authenticity of the VM is established after connect, by comparing
// the bootstrap token (spec §4.5 step 4). A wrong server would simply
// fail that check.
package sshchan

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

var plog = capnslog.NewPackageLogger("github.com/jakajancar/fleeting", "sshchan")

// Channel is a Secure Channel established to a single VM.
type Channel struct {
	client *ssh.Client
}

// Dial performs the SSH handshake over conn, authenticating as root
// with signer. Server host keys are never verified.
func Dial(conn net.Conn, addr string, signer ssh.Signer) (*Channel, error) {
	cfg := &ssh.ClientConfig{
		User:            "root",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		return nil, err
	}

	return &Channel{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

// Close tears down the underlying SSH session. All command channels
// opened from this Channel become unusable once the session closes.
func (c *Channel) Close() error {
	return c.client.Close()
}

// StreamMode selects what happens to a command channel's stdout/stderr.
type StreamMode struct {
	capture bool
	level   capnslog.LogLevel
	prefix  string
}

// Capture collects the stream into a buffer, returned with the result.
func Capture() StreamMode { return StreamMode{capture: true} }

// Log accumulates bytes and, on every newline, flushes the completed
// line through the logger at the given level with prefix.
func Log(level capnslog.LogLevel, prefix string) StreamMode {
	return StreamMode{level: level, prefix: prefix}
}

// sink is one concrete destination for a command's stream: either a
// buffer (Capture) or a line-logging goroutine fed by an io.Pipe (Log).
type sink struct {
	writer io.Writer
	buf    *bytes.Buffer
	done   chan struct{}
}

func newSink(mode StreamMode) *sink {
	if mode.capture {
		buf := &bytes.Buffer{}
		return &sink{writer: buf, buf: buf}
	}

	r, w := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			plog.Logf(mode.level, "%s %s", mode.prefix, scanner.Text())
		}
	}()
	return &sink{writer: w, done: done}
}

// close flushes and waits for the logging goroutine, if any, and
// returns the captured bytes, if any.
func (s *sink) close() []byte {
	if closer, ok := s.writer.(io.Closer); ok {
		closer.Close()
	}
	if s.done != nil {
		<-s.done
	}
	if s.buf != nil {
		return bytes.TrimSpace(s.buf.Bytes())
	}
	return nil
}

// Result is the outcome of ExecToCompletion.
type Result struct {
	Code   int
	Stdout []byte // nil unless Stdout mode was Capture
	Stderr []byte // nil unless Stderr mode was Capture
}

// ExecToCompletion runs cmd on a fresh session of this channel,
// applying the given stream modes, and waits for it to finish. If
// errOnNonZero is true, a non-zero exit becomes a returned error
// instead of merely being reported in Result.Code.
func (c *Channel) ExecToCompletion(cmd string, errOnNonZero bool, stdout, stderr StreamMode) (*Result, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, errors.Wrap(err, "opening command channel")
	}
	defer session.Close()

	outSink := newSink(stdout)
	errSink := newSink(stderr)
	session.Stdout = outSink.writer
	session.Stderr = errSink.writer

	runErr := session.Run(cmd)

	res := &Result{
		Stdout: outSink.close(),
		Stderr: errSink.close(),
	}

	if runErr != nil {
		if exitErr, ok := runErr.(*ssh.ExitError); ok {
			res.Code = exitErr.ExitStatus()
		} else {
			return nil, errors.Wrapf(runErr, "running %q", cmd)
		}
	}

	if errOnNonZero && res.Code != 0 {
		return res, errors.Errorf("command %q exited %d", cmd, res.Code)
	}

	return res, nil
}

// ExecPassthru is the §4.4 shorthand: both streams logged at Debug
// under context, non-zero exit wrapped with context.
func (c *Channel) ExecPassthru(context, cmd string) error {
	_, err := c.ExecToCompletion(cmd, true, Log(capnslog.DEBUG, context), Log(capnslog.DEBUG, context))
	if err != nil {
		return errors.Wrap(err, context)
	}
	return nil
}

// ReadFile runs `cat path`, capturing stdout only, and requires a
// clean exit. path is always one of our own fixed remote locations
// (/fleeting/otp, /tmp/ca.pem, ...), never user-controlled.
func (c *Channel) ReadFile(path string) ([]byte, error) {
	res, err := c.ExecToCompletion("cat "+path, true, Capture(), Log(capnslog.DEBUG, "read_file:"+path))
	if err != nil {
		return nil, err
	}
	return res.Stdout, nil
}

// RawSession is a long-running remote command: the keepalive loop or
// dockerd itself. Unlike ExecToCompletion it is started and handed
// back immediately so the caller can drive its stdin (keepalive) or
// simply wait on it in the background (dockerd).
type RawSession struct {
	session  *ssh.Session
	stdin    io.WriteCloser
	outSink  *sink
	errSink  *sink
}

// OpenRaw opens a new session and starts cmd without waiting for
// completion.
func (c *Channel) OpenRaw(cmd string, stdout, stderr StreamMode) (*RawSession, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, errors.Wrap(err, "opening command channel")
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, err
	}

	outSink := newSink(stdout)
	errSink := newSink(stderr)
	session.Stdout = outSink.writer
	session.Stderr = errSink.writer

	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, errors.Wrapf(err, "starting %q", cmd)
	}

	return &RawSession{session: session, stdin: stdin, outSink: outSink, errSink: errSink}, nil
}

// Write sends bytes to the remote command's stdin (used by the
// keepalive sender to push a newline every 5s).
func (r *RawSession) Write(p []byte) (int, error) {
	return r.stdin.Write(p)
}

// Wait blocks until the remote command exits, returning its error
// (nil only on a clean zero exit, which both the keepalive loop and
// dockerd are never expected to do in normal operation).
func (r *RawSession) Wait() error {
	err := r.session.Wait()
	r.outSink.close()
	r.errSink.close()
	return err
}

// Close forcibly tears down the session (used on cancellation).
func (r *RawSession) Close() error {
	return r.session.Close()
}
