package remoteshell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/crypto/ssh"
)

var (
	// ErrRemoteConnection marks a shell session or channel that could not
	// be established, or I/O that failed mid-command. Distinct from a
	// command that ran and exited non-zero.
	ErrRemoteConnection = errors.New("remote shell connection failed")

	// ErrCommandTimeout marks a command that was dispatched but did not
	// finish within its budget. The remote process may still run to
	// completion on the sandbox side; the kill is best effort.
	ErrCommandTimeout = errors.New("remote command timed out")
)

// ConnDetails locates and authenticates one sandbox's remote shell.
type ConnDetails struct {
	Host          string
	Port          int
	User          string
	Password      string
	PrivateKeyPEM []byte
}

// Result is the outcome of a command that actually ran.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes one remote command and captures its output.
type Runner interface {
	Run(ctx context.Context, conn ConnDetails, command string, timeout time.Duration) (Result, error)
}

// SSHRunner runs commands over SSH, one session per command. The shell
// connection is closed regardless of outcome.
type SSHRunner struct {
	// ConnectTimeout bounds the TCP+handshake phase. Zero means 10s.
	ConnectTimeout time.Duration
	Logger         *log.Logger

	dial func(addr string, config *ssh.ClientConfig) (*ssh.Client, error)
}

func (r *SSHRunner) connectTimeout() time.Duration {
	if r.ConnectTimeout > 0 {
		return r.ConnectTimeout
	}
	return 10 * time.Second
}

func (r *SSHRunner) dialFn() func(addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	if r.dial != nil {
		return r.dial
	}
	return func(addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
		return ssh.Dial("tcp", addr, config)
	}
}

// Run opens an authenticated session, executes command, and drains
// stdout/stderr until the channel closes. Connection and channel failures
// wrap ErrRemoteConnection so callers can tell "could not run" apart from
// "ran and failed."
func (r *SSHRunner) Run(ctx context.Context, conn ConnDetails, command string, timeout time.Duration) (Result, error) {
	config, err := r.clientConfig(conn)
	if err != nil {
		return Result{}, err
	}

	addr := net.JoinHostPort(conn.Host, strconv.Itoa(conn.Port))
	client, err := r.dialFn()(addr, config)
	if err != nil {
		return Result{}, fmt.Errorf("%w: dial %s: %v", ErrRemoteConnection, addr, err)
	}
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("%w: open session on %s: %v", ErrRemoteConnection, addr, err)
	}
	defer sess.Close()

	var stdout, stderr lockedBuffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	if err := sess.Start(command); err != nil {
		return Result{}, fmt.Errorf("%w: start command on %s: %v", ErrRemoteConnection, addr, err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- sess.Wait() }()

	var timerCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerCh = timer.C
	}

	select {
	case err := <-waitCh:
		result := Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return result, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return Result{}, fmt.Errorf("%w: command on %s: %v", ErrRemoteConnection, addr, err)

	case <-timerCh:
		_ = sess.Signal(ssh.SIGKILL)
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1},
			fmt.Errorf("%w: %q exceeded %s", ErrCommandTimeout, command, timeout)

	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return Result{}, fmt.Errorf("%w: command on %s: %v", ErrRemoteConnection, addr, ctx.Err())
	}
}

// lockedBuffer serializes the session's copy goroutines against the
// timeout and cancel branches, which snapshot output while the remote
// command may still be writing.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (r *SSHRunner) clientConfig(conn ConnDetails) (*ssh.ClientConfig, error) {
	auth := make([]ssh.AuthMethod, 0, 2)
	if len(conn.PrivateKeyPEM) > 0 {
		signer, err := ssh.ParsePrivateKey(conn.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if conn.Password != "" {
		auth = append(auth, ssh.Password(conn.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("no ssh credentials configured")
	}

	return &ssh.ClientConfig{
		User: conn.User,
		Auth: auth,
		// Sandboxes are ephemeral VMs with generated host keys.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.connectTimeout(),
	}, nil
}
