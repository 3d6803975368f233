package puppetdb

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// defaultIdentityFiles are tried, in order, when no identity file is configured.
var defaultIdentityFiles = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// tunnelTransport forwards TCP connections to PuppetDB through an SSH client.
type tunnelTransport struct {
	client     *ssh.Client
	remoteAddr string
	closers    []func() error
	logger     *zap.Logger
}

func (t *tunnelTransport) Kind() TransportKind { return TransportTunnel }
func (t *tunnelTransport) Addr() string        { return t.remoteAddr }

// DialContext opens a direct-tcpip channel to addr on the far side of the tunnel.
func (t *tunnelTransport) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	t.logger.Debug("opening forwarded channel", zap.String("addr", addr))
	conn, err := t.client.DialContext(ctx, network, addr)
	if err != nil {
		var openErr *ssh.OpenChannelError
		if errors.As(err, &openErr) {
			return nil, &Error{Kind: KindTunnel, Op: OpTunnel, Err: err}
		}
		return nil, classifyNetError(OpTunnel, err)
	}
	return conn, nil
}

func (t *tunnelTransport) Close() error {
	err := t.client.Close()
	for _, c := range t.closers {
		_ = c()
	}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// openTunnel connects and authenticates to the SSH server on host.
func openTunnel(ctx context.Context, host string, opts Options, logger *zap.Logger) (*tunnelTransport, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(opts.SSH.Port))
	logger.Debug("dialing ssh server", zap.String("addr", addr), zap.String("user", opts.SSH.User))

	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	conn, err := opts.Dial(dialCtx, "tcp", addr)
	if err != nil {
		return nil, classifyNetError(OpTunnel, err)
	}

	auth, closers, err := authMethods(opts.SSH, logger)
	if err != nil {
		conn.Close()
		return nil, &Error{Kind: KindTunnel, Op: OpTunnel, Err: err}
	}
	closeAll := func() {
		conn.Close()
		for _, c := range closers {
			_ = c()
		}
	}

	hostKeys, err := hostKeyCallback(opts.SSH)
	if err != nil {
		closeAll()
		return nil, &Error{Kind: KindTunnel, Op: OpTunnel, Err: err}
	}

	config := &ssh.ClientConfig{
		User:            opts.SSH.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         opts.DialTimeout,
	}

	// The handshake has no context support, so bound it with a deadline.
	deadline := time.Now().Add(opts.DialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		closeAll()
		return nil, &Error{Kind: KindTunnel, Op: OpTunnel, Err: err}
	}
	_ = conn.SetDeadline(time.Time{})

	logger.Debug("ssh tunnel established",
		zap.String("addr", addr),
		zap.String("remote", opts.SSH.RemoteAddr),
		zap.ByteString("server_version", c.ServerVersion()))

	return &tunnelTransport{
		client:     ssh.NewClient(c, chans, reqs),
		remoteAddr: opts.SSH.RemoteAddr,
		closers:    closers,
		logger:     logger,
	}, nil
}

// authMethods collects SSH authentication methods: explicit methods if any,
// otherwise the ssh-agent and identity files.
func authMethods(opts SSHOptions, logger *zap.Logger) ([]ssh.AuthMethod, []func() error, error) {
	if len(opts.Auth) > 0 {
		return opts.Auth, nil, nil
	}

	var (
		methods []ssh.AuthMethod
		closers []func() error
	)

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		agentConn, err := net.Dial("unix", sock)
		if err != nil {
			logger.Debug("ssh agent unavailable", zap.String("socket", sock), zap.Error(err))
		} else {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(agentConn).Signers))
			closers = append(closers, agentConn.Close)
		}
	}

	var signers []ssh.Signer
	if opts.IdentityFile != "" {
		signer, err := loadSigner(opts.IdentityFile)
		if err != nil {
			for _, c := range closers {
				_ = c()
			}
			return nil, nil, err
		}
		signers = append(signers, signer)
	} else if home, err := os.UserHomeDir(); err == nil {
		for _, name := range defaultIdentityFiles {
			signer, err := loadSigner(filepath.Join(home, ".ssh", name))
			if err != nil {
				continue
			}
			signers = append(signers, signer)
		}
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if len(methods) == 0 {
		return nil, nil, errors.New("no ssh authentication methods available (no agent and no usable identity file)")
	}
	return methods, closers, nil
}

func loadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read identity file %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse identity file %s: %w", path, err)
	}
	return signer, nil
}

func hostKeyCallback(opts SSHOptions) (ssh.HostKeyCallback, error) {
	switch {
	case opts.HostKeyCallback != nil:
		return opts.HostKeyCallback, nil
	case opts.InsecureIgnoreHostKey:
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // explicitly requested
	}
	cb, err := knownhosts.New(opts.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known hosts %s: %w", opts.KnownHostsFile, err)
	}
	return cb, nil
}
