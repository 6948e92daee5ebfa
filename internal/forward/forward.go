// Package forward relays requests to peer nodes over the text protocol.
// Each call opens its own connection, sends one request line, reads one
// response line and closes the connection. Failures are reported, never
// retried; retry policy belongs to the caller.
package forward

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"ringkv/internal/logging"
	"ringkv/internal/ring"
	"ringkv/internal/wire"
)

// DefaultTimeout bounds one full round trip, dial included.
const DefaultTimeout = 5 * time.Second

// ErrForwardFailed matches every *Error.
var ErrForwardFailed = errors.New("forward failed")

// Reason tells which step of a round trip failed.
type Reason int

const (
	// ReasonUnreachable covers refused connections, dial timeouts and write errors.
	ReasonUnreachable Reason = iota + 1
	// ReasonNoResponse means the peer closed or timed out before a full line arrived.
	ReasonNoResponse
	// ReasonMalformedResponse means the line was not a valid response.
	ReasonMalformedResponse
)

func (r Reason) String() string {
	switch r {
	case ReasonUnreachable:
		return "unreachable"
	case ReasonNoResponse:
		return "no response"
	case ReasonMalformedResponse:
		return "malformed response"
	default:
		return "unknown"
	}
}

// Error is returned for any network-level failure talking to a peer.
type Error struct {
	Addr   string
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("forward to %s failed: %s: %v", e.Addr, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrForwardFailed) true for every *Error.
func (e *Error) Is(target error) bool {
	return target == ErrForwardFailed
}

// Forwarder sends a request to another node and returns its response.
type Forwarder interface {
	Forward(ctx context.Context, target ring.Descriptor, req wire.Request) (wire.Response, error)
}

// TCPForwarder is the Forwarder used between nodes.
// TODO: keep one connection per peer open and reuse it; the server already
// answers several request lines on one connection.
type TCPForwarder struct {
	dialer  net.Dialer
	timeout time.Duration
	log     zerolog.Logger
}

// NewTCPForwarder returns a forwarder whose round trips are bounded by
// timeout. A non-positive timeout means DefaultTimeout.
func NewTCPForwarder(timeout time.Duration, log zerolog.Logger) *TCPForwarder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &TCPForwarder{
		timeout: timeout,
		log:     logging.For(log, "forward"),
	}
}

// Forward implements Forwarder.
func (f *TCPForwarder) Forward(ctx context.Context, target ring.Descriptor, req wire.Request) (wire.Response, error) {
	return f.Exchange(ctx, target.Addr(), req)
}

// Exchange performs one request/response round trip against addr.
func (f *TCPForwarder) Exchange(ctx context.Context, addr string, req wire.Request) (wire.Response, error) {
	if err := req.Validate(); err != nil {
		return wire.Response{}, xerrors.Errorf("cannot send %q: %w", req.Encode(), err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	conn, err := f.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return wire.Response{}, &Error{Addr: addr, Reason: ReasonUnreachable, Err: err}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := wire.WriteLine(conn, req.Encode()); err != nil {
		return wire.Response{}, &Error{Addr: addr, Reason: ReasonUnreachable, Err: err}
	}

	line, err := wire.ReadLine(bufio.NewReader(conn))
	if err != nil {
		return wire.Response{}, &Error{Addr: addr, Reason: ReasonNoResponse, Err: err}
	}

	resp, err := wire.ParseResponse(line)
	if err != nil {
		return wire.Response{}, &Error{Addr: addr, Reason: ReasonMalformedResponse, Err: xerrors.Errorf("%q: %w", line, err)}
	}

	f.log.Debug().Str("peer", addr).Str("req", req.Encode()).Str("resp", resp.Encode()).Msg("exchanged")
	return resp, nil
}
