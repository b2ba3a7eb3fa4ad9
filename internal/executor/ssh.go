package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/shipmate-io/shipmate/internal/models"
)

// SSHDialer opens SSH sessions to deploy targets using public-key auth.
// Host keys are verified against a known-hosts file; there is no
// trust-on-first-use fallback.
type SSHDialer struct {
	knownHostsFile string
	timeout        time.Duration
	logger         *slog.Logger
}

// NewSSHDialer creates an SSH dialer verifying hosts against knownHostsFile.
func NewSSHDialer(knownHostsFile string, timeout time.Duration, logger *slog.Logger) *SSHDialer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SSHDialer{
		knownHostsFile: knownHostsFile,
		timeout:        timeout,
		logger:         logger,
	}
}

// Dial establishes an authenticated SSH connection to the target.
func (d *SSHDialer) Dial(ctx context.Context, target *models.DeployTarget) (CommandRunner, error) {
	keyPEM, err := os.ReadFile(target.SSHKeyRef)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", target.SSHKeyRef, err)
	}

	signer, err := ssh.ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	hostKeyCallback, err := knownhosts.New(d.knownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("loading known hosts %s: %w", d.knownHostsFile, err)
	}

	config := &ssh.ClientConfig{
		User:            target.SSHUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         d.timeout,
	}

	addr := net.JoinHostPort(target.Host, strconv.Itoa(target.SSHPort))

	netConn, err := (&net.Dialer{Timeout: d.timeout}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	conn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	d.logger.Debug("ssh session established", "host", addr, "user", target.SSHUser)
	return &sshRunner{client: ssh.NewClient(conn, chans, reqs)}, nil
}

// sshRunner runs commands over one SSH connection, one session per command.
type sshRunner struct {
	client *ssh.Client
}

func (r *sshRunner) Run(ctx context.Context, command string, stdin []byte) (*CommandResult, error) {
	session, err := r.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("opening session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = bytes.NewReader(stdin)
	}

	if err := session.Start(command); err != nil {
		return nil, fmt.Errorf("starting command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		// Best effort: the session close tears the channel down even when
		// the remote side ignores the signal.
		_ = session.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	case err := <-done:
		result := &CommandResult{
			Stdout: stdout.String(),
			Stderr: stderr.String(),
		}
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				result.ExitCode = exitErr.ExitStatus()
				return result, nil
			}
			return nil, fmt.Errorf("waiting for command: %w", err)
		}
		return result, nil
	}
}

func (r *sshRunner) Close() error {
	return r.client.Close()
}
