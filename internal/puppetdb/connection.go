package puppetdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// QueryPath is the PuppetDB v4 query endpoint. It accepts PQL in the query
// parameter.
const QueryPath = "/pdb/query/v4"

// maxResponseSize caps how much of a response body is read.
const maxResponseSize = 256 << 20

// Options configures how a Connection is opened.
type Options struct {
	// Port is the PuppetDB HTTP port on the target host.
	Port int

	// Scheme is "http" or "https".
	Scheme string

	// Timeout bounds each HTTP request, including reading the body.
	Timeout time.Duration

	// DialTimeout bounds the direct probe and the SSH connection setup.
	DialTimeout time.Duration

	// SSH configures the tunnel used when PuppetDB is not directly reachable.
	SSH SSHOptions

	// Dial opens TCP connections. Defaults to net.Dialer.DialContext.
	Dial DialFunc

	// Logger for the connection
	Logger *zap.Logger

	// TunnelLogger receives SSH diagnostics. Usually quieter than Logger.
	TunnelLogger *zap.Logger
}

// SSHOptions configures the SSH tunnel.
type SSHOptions struct {
	User string
	Port int

	// IdentityFile is a private key used in addition to the ssh-agent.
	// When empty the usual ~/.ssh/id_* files are tried.
	IdentityFile string

	KnownHostsFile        string
	InsecureIgnoreHostKey bool

	// RemoteAddr is the PuppetDB address as seen from the SSH server.
	RemoteAddr string

	// Auth replaces agent and identity file discovery when set.
	Auth []ssh.AuthMethod

	// HostKeyCallback replaces known_hosts verification when set.
	HostKeyCallback ssh.HostKeyCallback
}

// DefaultOptions returns default options for opening a connection.
func DefaultOptions() Options {
	return Options{
		Port:        8080,
		Scheme:      "http",
		Timeout:     30 * time.Second,
		DialTimeout: 5 * time.Second,
		SSH: SSHOptions{
			Port:       22,
			RemoteAddr: "localhost:8080",
		},
		Logger:       zap.NewNop(),
		TunnelLogger: zap.NewNop(),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Port == 0 {
		o.Port = def.Port
	}
	if o.Scheme == "" {
		o.Scheme = def.Scheme
	}
	if o.Timeout == 0 {
		o.Timeout = def.Timeout
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = def.DialTimeout
	}
	if o.SSH.Port == 0 {
		o.SSH.Port = def.SSH.Port
	}
	if o.SSH.RemoteAddr == "" {
		o.SSH.RemoteAddr = def.SSH.RemoteAddr
	}
	if o.SSH.User == "" {
		if u, err := user.Current(); err == nil {
			o.SSH.User = u.Username
		}
	}
	if o.Dial == nil {
		d := &net.Dialer{}
		o.Dial = d.DialContext
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.TunnelLogger == nil {
		o.TunnelLogger = zap.NewNop()
	}
	return o
}

// QueryRequest is a single PQL query.
type QueryRequest struct {
	Query string
	// Limit caps the number of results. Zero means no limit. Other values,
	// negative ones included, are passed to PuppetDB as given.
	Limit int
	// OrderBy is the field to sort by. A leading '-' sorts descending.
	OrderBy string
}

// Connection is an open channel to PuppetDB, either direct or tunneled.
// Close must be called when done.
type Connection struct {
	host      string
	baseURL   *url.URL
	transport transport
	client    *http.Client
	httpTrans *http.Transport
	logger    *zap.Logger

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// Open connects to PuppetDB on host. It tries a direct TCP connection first
// and falls back to an SSH tunnel to host when that fails.
func Open(ctx context.Context, host string, opts Options) (*Connection, error) {
	opts = opts.withDefaults()
	logger := opts.Logger.Named("puppetdb")

	addr := net.JoinHostPort(host, strconv.Itoa(opts.Port))
	direct := newDirectTransport(addr, opts.Dial)

	probeCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	err := direct.probe(probeCtx)
	cancel()
	if err == nil {
		logger.Info("connected to PuppetDB directly", zap.String("addr", addr))
		return newConnection(host, opts, direct, logger), nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, &Error{Kind: KindConnection, Op: OpDial, Err: ctxErr}
	}

	logger.Info("direct connection failed, trying ssh tunnel",
		zap.String("addr", addr),
		zap.Error(err))

	tunnel, err := openTunnel(ctx, host, opts, opts.TunnelLogger)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to PuppetDB through ssh tunnel",
		zap.String("host", host),
		zap.String("remote", tunnel.Addr()))
	return newConnection(host, opts, tunnel, logger), nil
}

func newConnection(host string, opts Options, t transport, logger *zap.Logger) *Connection {
	httpTrans := &http.Transport{
		DialContext:         t.DialContext,
		MaxIdleConns:        1,
		IdleConnTimeout:     opts.Timeout,
		TLSHandshakeTimeout: opts.DialTimeout,
	}
	return &Connection{
		host:      host,
		baseURL:   &url.URL{Scheme: opts.Scheme, Host: t.Addr()},
		transport: t,
		httpTrans: httpTrans,
		client:    &http.Client{Transport: httpTrans, Timeout: opts.Timeout},
		logger:    logger,
	}
}

// Host returns the host the connection was opened for.
func (c *Connection) Host() string {
	return c.host
}

// Kind returns how the connection reaches PuppetDB.
func (c *Connection) Kind() TransportKind {
	return c.transport.Kind()
}

// IsOpen returns true until Close is called.
func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close releases the connection and any tunnel behind it. It is safe to call
// more than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.httpTrans.CloseIdleConnections()
		c.closeErr = c.transport.Close()
		c.logger.Debug("connection closed", zap.Stringer("transport", c.transport.Kind()))
	})
	return c.closeErr
}

// Query runs a PQL query and returns the decoded JSON response.
// Numbers are returned as json.Number so they print back unchanged.
func (c *Connection) Query(ctx context.Context, req QueryRequest) (any, error) {
	if !c.IsOpen() {
		return nil, &Error{Kind: KindConnection, Op: OpQuery, Err: errors.New("connection is closed")}
	}

	params := url.Values{}
	params.Set("query", req.Query)
	if req.Limit != 0 {
		params.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.OrderBy != "" {
		orderBy, err := orderByParam(req.OrderBy)
		if err != nil {
			return nil, &Error{Kind: KindQuery, Op: OpQuery, Err: err}
		}
		params.Set("order_by", orderBy)
	}

	u := c.baseURL.JoinPath(QueryPath)
	u.RawQuery = params.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &Error{Kind: KindConnection, Op: OpQuery, Err: err}
	}
	httpReq.Header.Set("Accept", "application/json")

	c.logger.Debug("sending query",
		zap.String("url", u.String()),
		zap.String("query", req.Query),
		zap.Int("limit", req.Limit),
		zap.String("order_by", req.OrderBy))

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyNetError(OpQuery, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, classifyNetError(OpQuery, err)
	}

	c.logger.Debug("received response",
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)))

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return nil, &Error{Kind: KindQuery, Op: OpQuery, Err: errors.New(errorText(resp, body))}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &Error{
			Kind: KindResponse,
			Op:   OpQuery,
			Err:  fmt.Errorf("unexpected status %s: %s", resp.Status, errorText(resp, body)),
		}
	}

	return decodeJSON(body)
}

func decodeJSON(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var result any
	if err := dec.Decode(&result); err != nil {
		return nil, &Error{Kind: KindResponse, Op: OpDecode, Err: fmt.Errorf("invalid JSON in response: %w", err)}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &Error{Kind: KindResponse, Op: OpDecode, Err: errors.New("invalid JSON in response: trailing data")}
	}
	return result, nil
}

// errorText extracts a one-line message from an error response body.
func errorText(resp *http.Response, body []byte) string {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return resp.Status
	}
	// PuppetDB sometimes wraps errors as {"error": "..."}.
	var wrapped struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &wrapped) == nil && wrapped.Error != "" {
		text = wrapped.Error
	}
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = strings.TrimSpace(text[:i])
	}
	return text
}

// orderByParam encodes a sort field as PuppetDB's order_by JSON parameter.
func orderByParam(field string) (string, error) {
	order := "ascending"
	if strings.HasPrefix(field, "-") {
		order = "descending"
		field = strings.TrimPrefix(field, "-")
	}
	if field == "" {
		return "", errors.New("empty sort field")
	}
	data, err := json.Marshal([]map[string]string{{"field": field, "order": order}})
	if err != nil {
		return "", err
	}
	return string(data), nil
}
