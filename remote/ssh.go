package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Credentials resolves a host's AuthRef into secret material (a PEM private
// key for SSH).
type Credentials interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// SSHConfig configures an SSHChannel.
type SSHConfig struct {
	DefaultUser string
	DialTimeout time.Duration
	// KnownHosts is used when a host does not name its own known_hosts file.
	KnownHosts string
	// InsecureIgnoreHostKey disables host key verification. Test rigs only.
	InsecureIgnoreHostKey bool
	// Rsync and SSHBinary locate the binaries used for tree transfers.
	Rsync     string
	SSHBinary string
}

// SSHChannel executes commands over SSH and transfers trees with rsync over
// SSH. Connections are cached per host and reopened after transport errors.
type SSHChannel struct {
	cfg    SSHConfig
	creds  Credentials
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

// NewSSHChannel creates an SSHChannel.
func NewSSHChannel(cfg SSHConfig, creds Credentials, logger *slog.Logger) *SSHChannel {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultUser == "" {
		cfg.DefaultUser = "deploy"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	if cfg.Rsync == "" {
		cfg.Rsync = "rsync"
	}
	if cfg.SSHBinary == "" {
		cfg.SSHBinary = "ssh"
	}
	return &SSHChannel{cfg: cfg, creds: creds, logger: logger, clients: make(map[string]*ssh.Client)}
}

func (c *SSHChannel) user(host Host) string {
	if host.User != "" {
		return host.User
	}
	return c.cfg.DefaultUser
}

func (c *SSHChannel) privateKey(ctx context.Context, host Host) ([]byte, error) {
	if host.AuthRef == "" {
		return nil, fmt.Errorf("host %s has no auth_ref", host.ID())
	}
	if c.creds == nil {
		return nil, fmt.Errorf("no credential resolver configured for host %s", host.ID())
	}
	pem, err := c.creds.Resolve(ctx, host.AuthRef)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials for %s: %w", host.ID(), err)
	}
	return []byte(pem), nil
}

func (c *SSHChannel) hostKeyCallback(host Host) (ssh.HostKeyCallback, error) {
	path := host.KnownHosts
	if path == "" {
		path = c.cfg.KnownHosts
	}
	if path != "" {
		cb, err := knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts %s: %w", path, err)
		}
		return cb, nil
	}
	if c.cfg.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // G106: explicitly requested
	}
	return nil, fmt.Errorf("host %s: no known_hosts configured", host.ID())
}

func (c *SSHChannel) client(ctx context.Context, host Host) (*ssh.Client, error) {
	key := c.user(host) + "@" + host.DialAddress()

	c.mu.Lock()
	if cl, ok := c.clients[key]; ok {
		c.mu.Unlock()
		return cl, nil
	}
	c.mu.Unlock()

	pem, err := c.privateKey(ctx, host)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parse private key for %s: %w", host.ID(), err)
	}
	hostKeys, err := c.hostKeyCallback(host)
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:            c.user(host),
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         c.cfg.DialTimeout,
	}

	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", host.DialAddress())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", host.DialAddress(), err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, host.DialAddress(), cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", host.DialAddress(), err)
	}
	cl := ssh.NewClient(sshConn, chans, reqs)

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.clients[key]; ok {
		cl.Close()
		return existing, nil
	}
	c.clients[key] = cl
	c.logger.Debug("ssh connection opened", "host", host.ID(), "address", host.DialAddress())
	return cl, nil
}

func (c *SSHChannel) drop(host Host) {
	key := c.user(host) + "@" + host.DialAddress()
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[key]; ok {
		cl.Close()
		delete(c.clients, key)
	}
}

// Execute runs command in a new SSH session.
func (c *SSHChannel) Execute(ctx context.Context, host Host, command string, timeout time.Duration) (ExecResult, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	cl, err := c.client(ctx, host)
	if err != nil {
		return ExecResult{}, err
	}
	session, err := cl.NewSession()
	if err != nil {
		c.drop(host)
		return ExecResult{}, fmt.Errorf("open session on %s: %w", host.ID(), err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return ExecResult{Stdout: stdout.String(), Stderr: stderr.String()},
			fmt.Errorf("command on %s interrupted: %w", host.ID(), ctx.Err())
	case err := <-done:
		res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		c.drop(host)
		return res, fmt.Errorf("run command on %s: %w", host.ID(), err)
	}
}

// SyncTree transfers localPath to remotePath with rsync over ssh. The private
// key is written to a temporary 0600 file for the duration of the transfer.
func (c *SSHChannel) SyncTree(ctx context.Context, host Host, localPath, remotePath string, excludes []string) (SyncResult, error) {
	pem, err := c.privateKey(ctx, host)
	if err != nil {
		return SyncResult{}, err
	}
	keyFile, err := os.CreateTemp("", "deployctl-key-*")
	if err != nil {
		return SyncResult{}, fmt.Errorf("create key file: %w", err)
	}
	defer os.Remove(keyFile.Name())
	if err := keyFile.Chmod(0o600); err != nil {
		keyFile.Close()
		return SyncResult{}, fmt.Errorf("chmod key file: %w", err)
	}
	if _, err := keyFile.Write(pem); err != nil {
		keyFile.Close()
		return SyncResult{}, fmt.Errorf("write key file: %w", err)
	}
	keyFile.Close()

	dest := c.user(host) + "@" + hostOnly(host) + ":" + remotePath
	return runRsync(ctx, c.cfg.Rsync, rsyncArgs(localPath, dest, excludes, c.rsh(host, keyFile.Name())))
}

func (c *SSHChannel) rsh(host Host, keyPath string) string {
	port := host.Port
	if _, p, err := net.SplitHostPort(host.Address); err == nil {
		port, _ = strconv.Atoi(p)
	}
	if port == 0 {
		port = 22
	}
	parts := []string{c.cfg.SSHBinary, "-p", strconv.Itoa(port), "-i", Quote(keyPath), "-o", "BatchMode=yes"}
	knownHosts := host.KnownHosts
	if knownHosts == "" {
		knownHosts = c.cfg.KnownHosts
	}
	switch {
	case knownHosts != "":
		parts = append(parts, "-o", "StrictHostKeyChecking=yes", "-o", "UserKnownHostsFile="+Quote(knownHosts))
	case c.cfg.InsecureIgnoreHostKey:
		parts = append(parts, "-o", "StrictHostKeyChecking=no", "-o", "UserKnownHostsFile=/dev/null")
	}
	return strings.Join(parts, " ")
}

func hostOnly(host Host) string {
	if h, _, err := net.SplitHostPort(host.Address); err == nil {
		return h
	}
	return host.Address
}

// Close closes every cached connection.
func (c *SSHChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for key, cl := range c.clients {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(c.clients, key)
	}
	return errors.Join(errs...)
}
