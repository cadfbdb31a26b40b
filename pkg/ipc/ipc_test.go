package ipc

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, handler Handler) string {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "test.sock")
	srv := &Server{SocketPath: socket, Handler: handler}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	// Wait for the socket to appear.
	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", socket)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)
	return socket
}

func TestRequestResponse(t *testing.T) {
	socket := startTestServer(t, func(ctx context.Context, msg json.RawMessage) (any, error) {
		var req map[string]string
		require.NoError(t, json.Unmarshal(msg, &req))
		return map[string]string{"echo": req["subject"]}, nil
	})

	client, err := Dial(socket)
	require.NoError(t, err)
	defer client.Close()

	var reply map[string]string
	require.NoError(t, client.Request(map[string]string{"subject": "ping"}, &reply))
	require.Equal(t, "ping", reply["echo"])
}

func TestNotify(t *testing.T) {
	received := make(chan json.RawMessage, 1)
	socket := startTestServer(t, func(ctx context.Context, msg json.RawMessage) (any, error) {
		received <- msg
		return nil, nil
	})

	client, err := Dial(socket)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Notify(map[string]string{"subject": "workdone"}))
	select {
	case msg := <-received:
		require.JSONEq(t, `{"subject":"workdone"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("message never arrived")
	}
}

func TestMalformedMessageDropsConnection(t *testing.T) {
	handled := make(chan struct{}, 8)
	socket := startTestServer(t, func(ctx context.Context, msg json.RawMessage) (any, error) {
		handled <- struct{}{}
		return nil, nil
	})

	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("this is not json\n"))
	require.NoError(t, err)

	// The server must close the connection without handling anything.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.Error(t, err)
	require.Empty(t, handled)

	// And the listener itself must still serve new connections.
	client, err := Dial(socket)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Notify(map[string]string{"subject": "still-alive"}))
	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("server stopped handling after a malformed message")
	}
}

func TestOversizedMessageDropsConnection(t *testing.T) {
	socket := startTestServer(t, func(ctx context.Context, msg json.RawMessage) (any, error) {
		return nil, nil
	})

	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer conn.Close()

	huge := `{"filler":"` + strings.Repeat("A", MaxMessageSize) + `"}` + "\n"
	// The write may fail part way once the server hangs up.
	conn.Write([]byte(huge))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.Error(t, err)
}

func TestConnRoundtrip(t *testing.T) {
	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()

	go func() {
		rw := NewConn(right)
		var msg map[string]int
		if rw.ReadInto(&msg) == nil {
			rw.WriteMessage(map[string]int{"value": msg["value"] + 1})
		}
	}()

	rw := NewConn(left)
	require.NoError(t, rw.SetDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, rw.WriteMessage(map[string]int{"value": 41}))
	var reply map[string]int
	require.NoError(t, rw.ReadInto(&reply))
	require.Equal(t, 42, reply["value"])
}
