// Package executor runs single actions against single targets over a pooled,
// per-host serialized connection.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/sftp"

	"github.com/eniac111/plumbdeploy/internal/modules/filesync"
	"github.com/eniac111/plumbdeploy/internal/modules/shell"
	"github.com/eniac111/plumbdeploy/internal/ssh"
	"github.com/eniac111/plumbdeploy/internal/types"
)

// Conn is an authenticated channel to one host.
type Conn interface {
	Run(ctx context.Context, argv []string, stdin string) (stdout, stderr []byte, exitCode int, err error)
	SFTP() (*sftp.Client, error)
	Shell(ctx context.Context, in *os.File, out, errOut io.Writer) error
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, target types.Target) (Conn, error)
}

// SSHDialer dials real hosts through internal/ssh.
type SSHDialer struct {
	Options ssh.Options
}

func (d SSHDialer) Dial(ctx context.Context, target types.Target) (Conn, error) {
	conn, err := ssh.Connect(ctx, target, d.Options)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Options tunes connection retries.
type Options struct {
	Retries    int // extra attempts after the first failed dial
	RetryDelay time.Duration
	Logger     *log.Logger
}

type host struct {
	mu   sync.Mutex // serializes every action on this host
	conn Conn
}

// Executor owns one connection per host for the lifetime of a run.
type Executor struct {
	dialer Dialer
	opts   Options
	logger *log.Logger

	mu    sync.Mutex
	hosts map[string]*host
}

func New(dialer Dialer, opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Executor{dialer: dialer, opts: opts, logger: logger, hosts: map[string]*host{}}
}

func (e *Executor) host(t types.Target) *host {
	key := t.User + "@" + t.Addr()
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.hosts[key]
	if !ok {
		h = &host{}
		e.hosts[key] = h
	}
	return h
}

// Execute runs action against target within timeout and never panics or
// returns an error: failures are carried in the result.
func (e *Executor) Execute(ctx context.Context, action types.Action, target types.Target, timeout time.Duration) types.ExecutionResult {
	res := types.ExecutionResult{ActionRef: action.Describe(), Kind: action.Kind(), TargetRef: target.ID}

	h := e.host(target)
	h.mu.Lock()
	defer h.mu.Unlock()

	// the budget starts once this action owns the host
	start := time.Now()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := e.run(ctx, h, action, target, &res)
	res.Duration = time.Since(start)
	if err != nil {
		res.Err = classify(ctx, err, action)
		res.Succeeded = false
		if code := types.ExitCodeOf(res.Err); code > 0 {
			res.ExitCode = code
		}
		return res
	}
	res.Succeeded = true
	return res
}

func (e *Executor) run(ctx context.Context, h *host, action types.Action, target types.Target, res *types.ExecutionResult) error {
	conn, err := e.connect(ctx, h, target)
	if err != nil {
		return err
	}

	switch a := action.(type) {
	case types.SyncFiles:
		client, err := conn.SFTP()
		if err != nil {
			e.drop(h)
			return types.Wrap(types.ConnectionFailed, err, "sftp to %s", target.Addr())
		}
		// sftp ignores ctx; closing the connection unblocks a stalled transfer
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		st, err := filesync.Run(ctx, client, a.Source, a.Dest, a.Excludes)
		res.Output = st.String()
		res.Changed = st.Changed()
		if !stop() {
			h.conn = nil
			return ctx.Err()
		}
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case connectionLost(err):
			e.drop(h)
			return types.Wrap(types.ConnectionFailed, err, "sync to %s", target.Addr())
		}
		return err

	case types.RemoteCommand, types.ServiceControl:
		argv, stdin, err := shell.Argv(a)
		if err != nil {
			return types.Wrap(types.InvalidConfiguration, err, "%s", a.Describe())
		}
		stdout, stderr, code, err := conn.Run(ctx, argv, stdin)
		res.Output = string(stdout)
		res.Stderr = string(stderr)
		res.ExitCode = code
		if err != nil {
			if ctx.Err() == nil {
				// the channel broke under us; redial next time
				e.drop(h)
				return types.Wrap(types.ConnectionFailed, err, "%s on %s", argv[0], target.Addr())
			}
			return err
		}
		if code != 0 {
			return &types.Error{Kind: types.RemoteCommandFailed, ExitCode: code, Msg: a.Describe()}
		}
		if sc, ok := a.(types.ServiceControl); ok && sc.Verb == types.ServiceRestart {
			res.Changed = true
		}
		return nil
	}
	return types.Errorf(types.InvalidConfiguration, "unsupported action %T", action)
}

// connect returns the host's connection, dialing with retries on first use.
func (e *Executor) connect(ctx context.Context, h *host, target types.Target) (Conn, error) {
	if h.conn != nil {
		return h.conn, nil
	}
	var lastErr error
	for attempt := 0; attempt <= e.opts.Retries; attempt++ {
		if attempt > 0 {
			e.logger.Printf("retrying connection to %s (attempt %d): %v", target.Addr(), attempt+1, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.opts.RetryDelay):
			}
		}
		conn, err := e.dialer.Dial(ctx, target)
		if err == nil {
			h.conn = conn
			return conn, nil
		}
		if types.KindOf(err) == types.InvalidConfiguration {
			return nil, err
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, types.Wrap(types.ConnectionFailed, lastErr, "connect to %s after %d attempt(s)", target.Addr(), e.opts.Retries+1)
}

func (e *Executor) drop(h *host) {
	if h.conn != nil {
		h.conn.Close()
		h.conn = nil
	}
}

// connectionLost reports whether err means the SFTP channel is gone.
func connectionLost(err error) bool {
	return errors.Is(err, sftp.ErrSSHFxConnectionLost) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}

func classify(ctx context.Context, err error, action types.Action) error {
	if types.KindOf(err) != "" {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return types.Wrap(types.Timeout, err, "%s", action.Describe())
	}
	if errors.Is(err, context.Canceled) {
		return types.Wrap(types.ConnectionFailed, err, "%s cancelled", action.Describe())
	}
	return &types.Error{Kind: types.RemoteCommandFailed, ExitCode: -1, Msg: action.Describe(), Err: err}
}

// Interactive attaches the local terminal to a shell on target.
func (e *Executor) Interactive(ctx context.Context, target types.Target, in *os.File, out, errOut io.Writer) error {
	h := e.host(target)
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, err := e.connect(ctx, h, target)
	if err != nil {
		return err
	}
	if err := conn.Shell(ctx, in, out, errOut); err != nil {
		return fmt.Errorf("shell on %s: %w", target.Addr(), err)
	}
	return nil
}

// Close releases every pooled connection.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	for key, h := range e.hosts {
		if h.conn != nil {
			if err := h.conn.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
			h.conn = nil
		}
	}
	return errors.Join(errs...)
}
