package puppetdb

import (
	"context"
	"net"
)

// TransportKind identifies how a Connection reaches PuppetDB.
type TransportKind int

const (
	// TransportDirect dials PuppetDB over plain TCP.
	TransportDirect TransportKind = iota
	// TransportTunnel forwards connections through an SSH client.
	TransportTunnel
)

// String returns a string representation of the transport kind.
func (k TransportKind) String() string {
	switch k {
	case TransportDirect:
		return "direct"
	case TransportTunnel:
		return "tunnel"
	default:
		return "unknown"
	}
}

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// transport is the strategy behind a Connection. The HTTP client dials
// through it and Close releases whatever the transport holds open.
type transport interface {
	Kind() TransportKind
	// Addr is the host:port HTTP requests are addressed to.
	Addr() string
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	Close() error
}

// directTransport dials PuppetDB without any intermediary.
type directTransport struct {
	addr string
	dial DialFunc
}

func newDirectTransport(addr string, dial DialFunc) *directTransport {
	return &directTransport{addr: addr, dial: dial}
}

func (t *directTransport) Kind() TransportKind { return TransportDirect }
func (t *directTransport) Addr() string        { return t.addr }
func (t *directTransport) Close() error        { return nil }

func (t *directTransport) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := t.dial(ctx, network, addr)
	if err != nil {
		return nil, classifyNetError(OpDial, err)
	}
	return conn, nil
}

// probe checks that PuppetDB accepts TCP connections on addr.
func (t *directTransport) probe(ctx context.Context) error {
	conn, err := t.dial(ctx, "tcp", t.addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
