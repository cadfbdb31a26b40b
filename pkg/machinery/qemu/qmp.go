package qemu

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/immune-gmbh/dsas/pkg/ipc"
)

// ErrQMPProtocol implements "error", for the description see Error.
type ErrQMPProtocol struct {
	Err error
}

func (err ErrQMPProtocol) Error() string {
	return fmt.Sprintf("QMP protocol violation: %v", err.Err)
}

func (err ErrQMPProtocol) Unwrap() error {
	return err.Err
}

// ErrQMPCommand implements "error", for the description see Error.
type ErrQMPCommand struct {
	Command string
	Class   string
	Desc    string
}

func (err ErrQMPCommand) Error() string {
	return fmt.Sprintf("QMP command '%s' failed: %s: %s", err.Command, err.Class, err.Desc)
}

// QMPClient speaks the QEMU machine protocol over a unix socket. Every
// public method takes the client mutex once and performs one complete
// request/response cycle under it, so no code path ever needs to
// re-enter the lock while a command is in flight.
type QMPClient struct {
	socketPath string
	timeout    time.Duration

	mu sync.Mutex
	rw *ipc.Conn
}

// NewQMPClient returns an unconnected client for the given monitor
// socket. timeout bounds every single protocol read and write.
func NewQMPClient(socketPath string, timeout time.Duration) *QMPClient {
	return &QMPClient{socketPath: socketPath, timeout: timeout}
}

// Connect dials the monitor socket, consumes the capabilities banner
// and negotiates command mode.
func (c *QMPClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rw != nil {
		return ErrQMPProtocol{Err: fmt.Errorf("already connected to '%s'", c.socketPath)}
	}

	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return fmt.Errorf("unable to connect to QMP socket '%s': %w", c.socketPath, err)
	}
	rw := ipc.NewConn(conn)

	// QEMU greets with a banner carrying a "QMP" object before it
	// accepts any command.
	rw.SetDeadline(time.Now().Add(c.timeout))
	banner, err := rw.ReadMessage()
	if err != nil {
		rw.Close()
		return ErrQMPProtocol{Err: fmt.Errorf("no capabilities banner: %w", err)}
	}
	if !gjson.GetBytes(banner, "QMP").Exists() {
		rw.Close()
		return ErrQMPProtocol{Err: fmt.Errorf("greeting lacks the QMP banner: %s", banner)}
	}

	c.rw = rw
	if _, err := c.execute(ctx, "qmp_capabilities", nil); err != nil {
		c.rw = nil
		rw.Close()
		return err
	}
	return nil
}

// Command executes a QMP command and discards its return value.
func (c *QMPClient) Command(ctx context.Context, command string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.execute(ctx, command, nil)
	return err
}

// QueryStatus returns the VM run state as reported by query-status.
func (c *QMPClient) QueryStatus(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	result, err := c.execute(ctx, "query-status", nil)
	if err != nil {
		return "", err
	}
	status := result.Get("status")
	if !status.Exists() {
		return "", ErrQMPProtocol{Err: fmt.Errorf("query-status return lacks a status field")}
	}
	return status.String(), nil
}

// Close closes the monitor connection. Safe to call when never
// connected.
func (c *QMPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rw == nil {
		return nil
	}
	err := c.rw.Close()
	c.rw = nil
	return err
}

// execute must be called with the client mutex held. It sends one
// command and reads until the matching "return" arrives, skipping the
// asynchronous event messages QEMU interleaves on the same socket.
func (c *QMPClient) execute(ctx context.Context, command string, arguments map[string]any) (gjson.Result, error) {
	if c.rw == nil {
		return gjson.Result{}, ErrQMPProtocol{Err: fmt.Errorf("not connected to '%s'", c.socketPath)}
	}

	request := map[string]any{"execute": command}
	if len(arguments) > 0 {
		request["arguments"] = arguments
	}
	c.rw.SetDeadline(time.Now().Add(c.timeout))
	if err := c.rw.WriteMessage(request); err != nil {
		return gjson.Result{}, fmt.Errorf("unable to send QMP command '%s': %w", command, err)
	}

	deadline := time.Now().Add(c.timeout)
	for {
		if err := ctx.Err(); err != nil {
			return gjson.Result{}, err
		}
		if time.Now().After(deadline) {
			return gjson.Result{}, ErrQMPProtocol{
				Err: fmt.Errorf("no reply to command '%s' within %s", command, c.timeout),
			}
		}

		c.rw.SetDeadline(deadline)
		msg, err := c.rw.ReadMessage()
		if err != nil {
			if os.IsTimeout(err) {
				return gjson.Result{}, ErrQMPProtocol{
					Err: fmt.Errorf("no reply to command '%s' within %s", command, c.timeout),
				}
			}
			return gjson.Result{}, fmt.Errorf("unable to read QMP reply to '%s': %w", command, err)
		}

		if qmpErr := gjson.GetBytes(msg, "error"); qmpErr.Exists() {
			return gjson.Result{}, ErrQMPCommand{
				Command: command,
				Class:   qmpErr.Get("class").String(),
				Desc:    qmpErr.Get("desc").String(),
			}
		}
		if ret := gjson.GetBytes(msg, "return"); ret.Exists() {
			return ret, nil
		}
		// Anything else is an async event; skip it.
	}
}
