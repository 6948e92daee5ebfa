// Package client is the boundary client of the text protocol. A dropped
// connection with no response line is reported as ErrNoResponse and never
// read as an empty value.
package client

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"ringkv/internal/forward"
	"ringkv/internal/wire"
)

var (
	// ErrNoResponse is returned when the server closed the connection or
	// timed out without answering.
	ErrNoResponse = errors.New("no response from server")
	// ErrKeyNotFound is returned by Get and Delete for an absent key.
	ErrKeyNotFound = errors.New("key not found")
	// ErrServer wraps an ERROR line.
	ErrServer = errors.New("server error")
)

// Client talks to one node. Every call uses its own connection.
type Client struct {
	addr string
	ex   *forward.TCPForwarder
}

// New returns a client for the node at addr.
func New(addr string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		addr: addr,
		ex:   forward.NewTCPForwarder(timeout, log),
	}
}

// Addr returns the node address.
func (c *Client) Addr() string {
	return c.addr
}

// Do sends req and returns the raw response.
func (c *Client) Do(ctx context.Context, req wire.Request) (wire.Response, error) {
	resp, err := c.ex.Exchange(ctx, c.addr, req)
	if err == nil {
		return resp, nil
	}

	var ferr *forward.Error
	if errors.As(err, &ferr) && ferr.Reason == forward.ReasonNoResponse {
		return wire.Response{}, xerrors.Errorf("%s %s on %s: %v: %w", req.Op, req.Key, c.addr, ferr.Err, ErrNoResponse)
	}
	return wire.Response{}, err
}

// Put stores value under key.
func (c *Client) Put(ctx context.Context, key, value string) error {
	resp, err := c.Do(ctx, wire.Put(key, value))
	if err != nil {
		return err
	}
	return check(resp, wire.StatusOK)
}

// Get returns the value stored under key.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	resp, err := c.Do(ctx, wire.Get(key))
	if err != nil {
		return "", err
	}
	if err := check(resp, wire.StatusValue); err != nil {
		return "", err
	}
	return resp.Value, nil
}

// Delete removes key.
func (c *Client) Delete(ctx context.Context, key string) error {
	resp, err := c.Do(ctx, wire.Delete(key))
	if err != nil {
		return err
	}
	return check(resp, wire.StatusDeleted)
}

func check(resp wire.Response, want wire.Status) error {
	switch resp.Status {
	case want:
		return nil
	case wire.StatusNotFound:
		return ErrKeyNotFound
	case wire.StatusError:
		return xerrors.Errorf("%s: %w", resp.Value, ErrServer)
	default:
		return xerrors.Errorf("unexpected response %q: %w", resp.Encode(), wire.ErrMalformedResponse)
	}
}
