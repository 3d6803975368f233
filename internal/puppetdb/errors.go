package puppetdb

import (
	"errors"
	"net"
)

// ErrorKind classifies failures surfaced to the CLI.
type ErrorKind int

const (
	// KindConnection is any network failure not covered by another kind.
	KindConnection ErrorKind = iota
	// KindResolve means the host name could not be resolved.
	KindResolve
	// KindTunnel covers SSH handshake, authentication and channel failures.
	KindTunnel
	// KindResponse means PuppetDB returned something we cannot interpret.
	KindResponse
	// KindQuery means PuppetDB rejected the query itself.
	KindQuery
)

// String returns a string representation of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindResolve:
		return "resolve"
	case KindTunnel:
		return "tunnel"
	case KindResponse:
		return "response"
	case KindQuery:
		return "query"
	default:
		return "connection"
	}
}

// Sentinel errors for use with errors.Is.
var (
	ErrConnection = errors.New("puppetdb: connection failed")
	ErrResolve    = errors.New("puppetdb: name resolution failed")
	ErrTunnel     = errors.New("puppetdb: ssh tunnel failed")
	ErrResponse   = errors.New("puppetdb: unexpected response")
	ErrQuery      = errors.New("puppetdb: query rejected")
)

// Op names used for error context.
const (
	OpDial   = "dial"
	OpTunnel = "tunnel"
	OpQuery  = "query"
	OpDecode = "decode"
)

// Error wraps an underlying error with its kind and the operation that failed.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindResolve:
		return ErrResolve
	case KindTunnel:
		return ErrTunnel
	case KindResponse:
		return ErrResponse
	case KindQuery:
		return ErrQuery
	default:
		return ErrConnection
	}
}

// KindOf reports the kind of err. Errors not produced by this package are
// treated as connection failures.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindConnection
}

// classifyNetError picks resolve for DNS failures and connection otherwise.
func classifyNetError(op string, err error) *Error {
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &Error{Kind: KindResolve, Op: op, Err: err}
	}
	return &Error{Kind: KindConnection, Op: op, Err: err}
}
