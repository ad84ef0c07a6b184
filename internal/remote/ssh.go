package remote

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/hwfleet/fleetmaster/internal/log"
)

const (
	// DefaultConnectTimeout is the default SSH connection timeout.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultSSHPort is the default SSH port.
	DefaultSSHPort = 22
)

// SSHRunnerConfig holds the configuration for the SSH runner.
type SSHRunnerConfig struct {
	// User is the SSH user on the fleet machines (e.g. "root").
	User string
	// PrivateKey is the PEM-encoded private key bytes.
	PrivateKey []byte
	// Port is the SSH port (default: 22).
	Port int
	// ConnectTimeout is the SSH connection timeout (default: 10s).
	ConnectTimeout time.Duration
	// ExecTimeout bounds a single remote command (default: 30s).
	ExecTimeout time.Duration
	// CopyTimeout bounds a single remote file write (default: 10s).
	CopyTimeout time.Duration
	Logger      log.Logger
}

func (c *SSHRunnerConfig) defaults() error {
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if len(c.PrivateKey) == 0 {
		return fmt.Errorf("private key is required")
	}
	if c.Port == 0 {
		c.Port = DefaultSSHPort
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ExecTimeout == 0 {
		c.ExecTimeout = DefaultExecTimeout
	}
	if c.CopyTimeout == 0 {
		c.CopyTimeout = DefaultCopyTimeout
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "remote.SSH"})
	return nil
}

// SSHRunner is an SSH implementation of Runner. It dials per operation so a
// dead worker never pins a stale connection.
type SSHRunner struct {
	signer         ssh.Signer
	user           string
	port           int
	connectTimeout time.Duration
	execTimeout    time.Duration
	copyTimeout    time.Duration
	logger         log.Logger
}

var _ Runner = (*SSHRunner)(nil)

// NewSSHRunner creates a new SSH runner.
func NewSSHRunner(cfg SSHRunnerConfig) (*SSHRunner, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid ssh runner config: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("could not parse private key: %w", err)
	}

	return &SSHRunner{
		signer:         signer,
		user:           cfg.User,
		port:           cfg.Port,
		connectTimeout: cfg.ConnectTimeout,
		execTimeout:    cfg.ExecTimeout,
		copyTimeout:    cfg.CopyTimeout,
		logger:         cfg.Logger,
	}, nil
}

// Exec runs a shell command on the remote host and returns combined output.
func (r *SSHRunner) Exec(ctx context.Context, host string, command string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.execTimeout)
	defer cancel()

	conn, err := r.dial(ctx, host)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	session, err := conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("could not create ssh session: %w", err)
	}
	defer session.Close()

	var output bytes.Buffer
	session.Stdout = &output
	session.Stderr = &output

	// Run with context cancellation support.
	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return nil, fmt.Errorf("remote command timed out on %s: %w", host, ctx.Err())
	case err := <-done:
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				return &Result{ExitCode: exitErr.ExitStatus(), Output: output.String()}, nil
			}
			return nil, fmt.Errorf("command execution failed on %s: %w", host, err)
		}
		return &Result{ExitCode: 0, Output: output.String()}, nil
	}
}

// WriteFile writes content to a remote file via SFTP, creating parent
// directories first.
func (r *SSHRunner) WriteFile(ctx context.Context, host string, filePath string, content []byte, mode fs.FileMode) error {
	ctx, cancel := context.WithTimeout(ctx, r.copyTimeout)
	defer cancel()

	conn, err := r.dial(ctx, host)
	if err != nil {
		return err
	}
	defer conn.Close()

	sftpClient, err := sftp.NewClient(conn)
	if err != nil {
		return fmt.Errorf("could not create sftp client: %w", err)
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(filePath)); err != nil {
		return fmt.Errorf("could not create remote directory %s: %w", path.Dir(filePath), err)
	}

	f, err := sftpClient.Create(filePath)
	if err != nil {
		return fmt.Errorf("could not create remote file %s: %w", filePath, err)
	}
	defer f.Close()

	if _, err := f.Write(content); err != nil {
		return fmt.Errorf("could not write remote file %s: %w", filePath, err)
	}
	if err := f.Chmod(mode); err != nil {
		return fmt.Errorf("could not set remote file mode %s: %w", filePath, err)
	}

	r.logger.Debugf("Wrote %d bytes to %s:%s", len(content), host, filePath)
	return nil
}

// CopyTo copies a local file to the remote host via SFTP.
func (r *SSHRunner) CopyTo(ctx context.Context, host string, srcLocal string, dstRemote string) error {
	content, err := os.ReadFile(srcLocal)
	if err != nil {
		return fmt.Errorf("could not read local file %s: %w", srcLocal, err)
	}
	return r.WriteFile(ctx, host, dstRemote, content, 0755)
}

func (r *SSHRunner) dial(ctx context.Context, host string) (*ssh.Client, error) {
	sshCfg := &ssh.ClientConfig{
		User: r.user,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(r.signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.connectTimeout,
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", r.port))

	// Use a dialer with context for cancellation support.
	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", addr, err)
	}

	// Perform SSH handshake over the raw connection.
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, sshCfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake failed with %s: %w", addr, err)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}
