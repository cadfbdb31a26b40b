package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// MaxMessageSize caps a single framed message. Anything larger is a
// protocol violation and drops the connection.
const MaxMessageSize = 5 * 1024 * 1024

// ErrMalformedMessage implements "error", for the description see Error.
type ErrMalformedMessage struct {
	Err error
}

func (err ErrMalformedMessage) Error() string {
	return fmt.Sprintf("malformed control message: %v", err.Err)
}

func (err ErrMalformedMessage) Unwrap() error {
	return err.Err
}

// Conn frames JSON messages over a stream connection, one message per
// newline-terminated line.
type Conn struct {
	conn net.Conn
	scan *bufio.Scanner
}

// NewConn wraps an established stream connection.
func NewConn(conn net.Conn) *Conn {
	scan := bufio.NewScanner(conn)
	scan.Buffer(make([]byte, 64*1024), MaxMessageSize)
	return &Conn{conn: conn, scan: scan}
}

// ReadMessage reads the next framed message and verifies it is valid
// JSON. Returns the scanner error on EOF, deadline or oversize.
func (rw *Conn) ReadMessage() (json.RawMessage, error) {
	if !rw.scan.Scan() {
		if err := rw.scan.Err(); err != nil {
			return nil, err
		}
		return nil, net.ErrClosed
	}
	raw := append(json.RawMessage{}, rw.scan.Bytes()...)
	if !json.Valid(raw) {
		return nil, ErrMalformedMessage{Err: fmt.Errorf("message is not valid JSON")}
	}
	return raw, nil
}

// ReadInto reads the next framed message into v.
func (rw *Conn) ReadInto(v any) error {
	raw, err := rw.ReadMessage()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return ErrMalformedMessage{Err: err}
	}
	return nil
}

// WriteMessage frames and sends one message.
func (rw *Conn) WriteMessage(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("unable to serialize control message: %w", err)
	}
	_, err = rw.conn.Write(append(b, '\n'))
	return err
}

// SetDeadline bounds the next read and write.
func (rw *Conn) SetDeadline(t time.Time) error {
	return rw.conn.SetDeadline(t)
}

// Close closes the underlying connection.
func (rw *Conn) Close() error {
	return rw.conn.Close()
}
