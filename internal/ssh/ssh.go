package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alessio/shellescape"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"

	"github.com/eniac111/plumbdeploy/internal/types"
)

// Options carries what Connect needs besides the target itself.
type Options struct {
	// Secret resolves "env:NAME" credential references.
	Secret func(name string) string
	// DialTimeout bounds the TCP connect and handshake.
	DialTimeout time.Duration
	Logger      *log.Logger
}

// Conn is an authenticated connection to one target host.
type Conn struct {
	client *ssh.Client
	agent  net.Conn // nil unless the agent was used
	logger *log.Logger

	mu   sync.Mutex
	sftp *sftp.Client
}

// Connect opens an SSH connection authenticated per the target's credential:
// a private key path, "agent", or "env:NAME" for a password.
func Connect(ctx context.Context, target types.Target, opts Options) (*Conn, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	hostKeyCallback, err := hostKeyCallback(logger)
	if err != nil {
		return nil, err
	}

	authMethods, agentConn, err := authMethods(target, opts, logger)
	if err != nil {
		return nil, err
	}
	closeAgent := func() {
		if agentConn != nil {
			agentConn.Close()
		}
	}

	timeout := opts.DialTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	config := &ssh.ClientConfig{
		User:            target.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	addr := target.Addr()
	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		closeAgent()
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	// The handshake runs on the raw conn: the deadline bounds it by the dial
	// timeout, and cancelling ctx closes the conn under it.
	if err := nc.SetDeadline(time.Now().Add(timeout)); err != nil {
		nc.Close()
		closeAgent()
		return nil, fmt.Errorf("failed to set handshake deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	c, chans, reqs, err := ssh.NewClientConn(nc, addr, config)
	if !stop() {
		if err == nil {
			c.Close()
		}
		nc.Close()
		closeAgent()
		return nil, ctx.Err()
	}
	if err != nil {
		nc.Close()
		closeAgent()
		return nil, fmt.Errorf("failed to dial SSH: %w", err)
	}
	if err := nc.SetDeadline(time.Time{}); err != nil {
		c.Close()
		closeAgent()
		return nil, fmt.Errorf("failed to clear handshake deadline: %w", err)
	}
	logger.Printf("connected to %s as %s", addr, target.User)
	return &Conn{client: ssh.NewClient(c, chans, reqs), agent: agentConn, logger: logger}, nil
}

// authMethods also returns the agent connection it opened, if any; the caller
// owns it.
func authMethods(target types.Target, opts Options, logger *log.Logger) ([]ssh.AuthMethod, net.Conn, error) {
	var methods []ssh.AuthMethod
	ref := target.CredentialRef

	switch {
	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimPrefix(ref, "env:")
		var pw string
		if opts.Secret != nil {
			pw = opts.Secret(name)
		}
		if pw == "" {
			return nil, nil, types.Errorf(types.InvalidConfiguration, "target %q: credential variable %s is empty", target.ID, name)
		}
		methods = append(methods, ssh.Password(pw))

	case ref == "agent":
		// handled below

	default:
		signer, err := readSigner(expandHome(ref))
		if err != nil {
			return nil, nil, types.Wrap(types.InvalidConfiguration, err, "target %q: failed to load SSH key", target.ID)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	// Default keys as a fallback for password and agent refs
	if ref == "agent" || strings.HasPrefix(ref, "env:") {
		for _, name := range []string{"id_ed25519", "id_rsa"} {
			p := expandHome(filepath.Join("~", ".ssh", name))
			if signer, err := readSigner(p); err == nil {
				methods = append(methods, ssh.PublicKeys(signer))
				logger.Println("using default SSH key:", p)
				break
			}
		}
	}

	// Always try to use the SSH agent
	var agentConn net.Conn
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			agentConn = conn
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			logger.Println("using SSH agent")
		} else {
			logger.Println("failed to connect to SSH agent:", err)
		}
	}

	if len(methods) == 0 {
		return nil, nil, types.Errorf(types.InvalidConfiguration, "target %q: no authentication methods available", target.ID)
	}
	return methods, agentConn, nil
}

func readSigner(p string) (ssh.Signer, error) {
	key, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(key)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	usr, err := user.Current()
	if err != nil {
		return p
	}
	return filepath.Join(usr.HomeDir, strings.TrimPrefix(p, "~"))
}

// hostKeyCallback checks ~/.ssh/known_hosts when it exists.
func hostKeyCallback(logger *log.Logger) (ssh.HostKeyCallback, error) {
	if os.Getenv("PLUMBDEPLOY_INSECURE_HOSTKEY") == "1" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	p := expandHome(filepath.Join("~", ".ssh", "known_hosts"))
	if _, err := os.Stat(p); err != nil {
		logger.Printf("no %s, host keys are not verified", p)
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(p)
	if err != nil {
		return nil, types.Wrap(types.InvalidConfiguration, err, "failed to read %s", p)
	}
	return cb, nil
}

// Run executes argv on the remote host. The arguments are quoted, never
// interpolated. A non-zero exit yields exitCode > 0 and a nil error.
// Cancelling ctx closes the session; whatever the command already did stays done.
func (c *Conn) Run(ctx context.Context, argv []string, stdin string) (stdout, stderr []byte, exitCode int, err error) {
	if len(argv) == 0 {
		return nil, nil, -1, errors.New("empty command")
	}
	session, err := c.client.NewSession()
	if err != nil {
		return nil, nil, -1, fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	var outBuf, errBuf lockedBuffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf
	if stdin != "" {
		session.Stdin = strings.NewReader(stdin)
	}

	cmd := shellescape.QuoteCommand(argv)
	c.logger.Printf("exec: %s", cmd)
	if err := session.Start(cmd); err != nil {
		return nil, nil, -1, fmt.Errorf("failed to start %q: %w", argv[0], err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return outBuf.Bytes(), errBuf.Bytes(), -1, ctx.Err()
	case err := <-done:
		var exitErr *ssh.ExitError
		switch {
		case err == nil:
			return outBuf.Bytes(), errBuf.Bytes(), 0, nil
		case errors.As(err, &exitErr):
			return outBuf.Bytes(), errBuf.Bytes(), exitErr.ExitStatus(), nil
		default:
			return outBuf.Bytes(), errBuf.Bytes(), -1, err
		}
	}
}

// lockedBuffer lets Run hand back partial output while the session's copy
// goroutines may still be writing.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

// SFTP returns the connection's SFTP client, opening it on first use.
func (c *Conn) SFTP() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftp != nil {
		return c.sftp, nil
	}
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, fmt.Errorf("failed to start SFTP: %w", err)
	}
	c.sftp = client
	return client, nil
}

// Shell attaches the local terminal to an interactive remote login shell.
func (c *Conn) Shell(ctx context.Context, in *os.File, out, errOut io.Writer) error {
	session, err := c.client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	session.Stdin = in
	session.Stdout = out
	session.Stderr = errOut

	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("failed to set raw mode: %w", err)
		}
		defer term.Restore(fd, state)

		w, h, err := term.GetSize(fd)
		if err != nil {
			w, h = 80, 24
		}
		termName := os.Getenv("TERM")
		if termName == "" {
			termName = "xterm-256color"
		}
		modes := ssh.TerminalModes{
			ssh.ECHO:          1,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
		if err := session.RequestPty(termName, h, w, modes); err != nil {
			return fmt.Errorf("failed to request pty: %w", err)
		}
	}

	if err := session.Shell(); err != nil {
		return fmt.Errorf("failed to start shell: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return nil
		}
		return err
	}
}

// Close releases the SFTP subsystem, the agent and the connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.sftp != nil {
		c.sftp.Close()
		c.sftp = nil
	}
	if c.agent != nil {
		c.agent.Close()
		c.agent = nil
	}
	c.mu.Unlock()
	return c.client.Close()
}
