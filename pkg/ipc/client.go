package ipc

import (
	"fmt"
	"net"
	"time"
)

// DefaultTimeout bounds dialing and request/response cycles of clients.
const DefaultTimeout = 30 * time.Second

// Client is a connection to a control-plane unix socket.
type Client struct {
	rw      *Conn
	timeout time.Duration
}

// Dial connects to the control socket at path.
func Dial(path string) (*Client, error) {
	return DialTimeout(path, DefaultTimeout)
}

// DialTimeout connects with a custom dial and request timeout.
func DialTimeout(path string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to control socket '%s': %w", path, err)
	}
	return &Client{rw: NewConn(conn), timeout: timeout}, nil
}

// Notify sends one message without waiting for a reply.
func (c *Client) Notify(v any) error {
	if err := c.rw.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	return c.rw.WriteMessage(v)
}

// Request sends one message and reads one reply into out.
func (c *Client) Request(v any, out any) error {
	if err := c.rw.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	if err := c.rw.WriteMessage(v); err != nil {
		return err
	}
	return c.rw.ReadInto(out)
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.rw.Close()
}
