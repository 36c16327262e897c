package remoteshell

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// testSSHServer is a minimal in-process SSH server that answers exec
// requests from a fixed command table.
type testSSHServer struct {
	listener net.Listener
	// command -> scripted response
	responses map[string]execResponse
}

type execResponse struct {
	stdout   string
	stderr   string
	exitCode int
	hang     bool
	// stream keeps writing stdout lines until the channel closes,
	// never sending an exit status.
	stream bool
}

func startTestSSHServer(t *testing.T, responses map[string]execResponse) *testSSHServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if meta.User() == "learner" && string(password) == "secret" {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &testSSHServer{listener: listener, responses: responses}
	go srv.acceptLoop(config)
	t.Cleanup(func() { listener.Close() })
	return srv
}

func (s *testSSHServer) addr() (string, int) {
	tcp := s.listener.Addr().(*net.TCPAddr)
	return "127.0.0.1", tcp.Port
}

func (s *testSSHServer) acceptLoop(config *ssh.ServerConfig) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn, config)
	}
}

func (s *testSSHServer) handleConn(conn net.Conn, config *ssh.ServerConfig) {
	serverConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	defer serverConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channel, chanReqs, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(channel, chanReqs)
	}
}

func (s *testSSHServer) handleSession(channel ssh.Channel, reqs <-chan *ssh.Request) {
	defer channel.Close()
	for req := range reqs {
		if req.Type != "exec" {
			req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			continue
		}
		req.Reply(true, nil)

		resp, ok := s.responses[payload.Command]
		if !ok {
			resp = execResponse{stderr: "command not scripted\n", exitCode: 127}
		}
		if resp.stream {
			for {
				if _, err := channel.Write([]byte("tick\n")); err != nil {
					return
				}
				time.Sleep(time.Millisecond)
			}
		}
		if resp.hang {
			time.Sleep(5 * time.Second)
		}
		if resp.stdout != "" {
			channel.Write([]byte(resp.stdout))
		}
		if resp.stderr != "" {
			channel.Stderr().Write([]byte(resp.stderr))
		}
		status := struct{ Status uint32 }{uint32(resp.exitCode)}
		channel.SendRequest("exit-status", false, ssh.Marshal(&status))
		return
	}
}

func testConn(srv *testSSHServer) ConnDetails {
	host, port := srv.addr()
	return ConnDetails{Host: host, Port: port, User: "learner", Password: "secret"}
}

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	srv := startTestSSHServer(t, map[string]execResponse{
		"echo ok": {stdout: "ok\n", exitCode: 0},
	})
	runner := &SSHRunner{ConnectTimeout: 2 * time.Second}

	res, err := runner.Run(context.Background(), testConn(srv), "echo ok", 5*time.Second)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if res.ExitCode != 0 || res.Stdout != "ok\n" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRunReportsNonZeroExitWithoutError(t *testing.T) {
	srv := startTestSSHServer(t, map[string]execResponse{
		"exit 3": {stderr: "boom\n", exitCode: 3},
	})
	runner := &SSHRunner{ConnectTimeout: 2 * time.Second}

	res, err := runner.Run(context.Background(), testConn(srv), "exit 3", 5*time.Second)
	if err != nil {
		t.Fatalf("non-zero exit must not be an error, got %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "boom") {
		t.Fatalf("stderr not captured: %q", res.Stderr)
	}
}

func TestRunDialFailureIsRemoteConnectionError(t *testing.T) {
	runner := &SSHRunner{
		dial: func(string, *ssh.ClientConfig) (*ssh.Client, error) {
			return nil, errors.New("connection refused")
		},
	}

	_, err := runner.Run(context.Background(), ConnDetails{
		Host: "10.0.0.1", Port: 22, User: "learner", Password: "secret",
	}, "echo ok", time.Second)
	if !errors.Is(err, ErrRemoteConnection) {
		t.Fatalf("expected ErrRemoteConnection, got %v", err)
	}
}

func TestRunAuthFailureIsRemoteConnectionError(t *testing.T) {
	srv := startTestSSHServer(t, nil)
	runner := &SSHRunner{ConnectTimeout: 2 * time.Second}

	conn := testConn(srv)
	conn.Password = "wrong"
	_, err := runner.Run(context.Background(), conn, "echo ok", time.Second)
	if !errors.Is(err, ErrRemoteConnection) {
		t.Fatalf("expected ErrRemoteConnection, got %v", err)
	}
}

func TestRunTimesOutOnHangingCommand(t *testing.T) {
	srv := startTestSSHServer(t, map[string]execResponse{
		"sleep forever": {hang: true},
	})
	runner := &SSHRunner{ConnectTimeout: 2 * time.Second}

	start := time.Now()
	_, err := runner.Run(context.Background(), testConn(srv), "sleep forever", 100*time.Millisecond)
	if !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("expected ErrCommandTimeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout not enforced, took %s", time.Since(start))
	}
}

func TestRunTimeoutSnapshotsStreamingOutput(t *testing.T) {
	srv := startTestSSHServer(t, map[string]execResponse{
		"journalctl -f": {stream: true},
	})
	runner := &SSHRunner{ConnectTimeout: 2 * time.Second}

	res, err := runner.Run(context.Background(), testConn(srv), "journalctl -f", 150*time.Millisecond)
	if !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("expected ErrCommandTimeout, got %v", err)
	}
	if res.ExitCode != -1 {
		t.Fatalf("exit code = %d, want -1", res.ExitCode)
	}
	if !strings.Contains(res.Stdout, "tick") {
		t.Fatalf("partial output not captured: %q", res.Stdout)
	}
}

func TestRunRequiresCredentials(t *testing.T) {
	runner := &SSHRunner{}
	_, err := runner.Run(context.Background(), ConnDetails{Host: "10.0.0.1", Port: 22, User: "learner"}, "echo ok", time.Second)
	if err == nil || !strings.Contains(err.Error(), "credentials") {
		t.Fatalf("expected missing-credentials error, got %v", err)
	}
}
