package qemu

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// fakeMonitor pretends to be a QEMU machine protocol endpoint on a unix
// socket: capabilities banner, command negotiation, a handful of
// commands and interleaved async events.
type fakeMonitor struct {
	listener net.Listener

	mu     sync.Mutex
	status string
	quit   chan struct{}
}

func startFakeMonitor(t *testing.T, socket string, status string) *fakeMonitor {
	t.Helper()
	listener, err := net.Listen("unix", socket)
	require.NoError(t, err)

	mon := &fakeMonitor{listener: listener, status: status, quit: make(chan struct{})}
	go mon.serve()
	t.Cleanup(func() { listener.Close() })
	return mon
}

func (mon *fakeMonitor) setStatus(status string) {
	mon.mu.Lock()
	mon.status = status
	mon.mu.Unlock()
}

func (mon *fakeMonitor) getStatus() string {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	return mon.status
}

func (mon *fakeMonitor) serve() {
	for {
		conn, err := mon.listener.Accept()
		if err != nil {
			return
		}
		go mon.serveConn(conn)
	}
}

func (mon *fakeMonitor) serveConn(conn net.Conn) {
	defer conn.Close()
	write := func(v any) {
		b, _ := json.Marshal(v)
		conn.Write(append(b, '\n'))
	}

	write(map[string]any{"QMP": map[string]any{"version": map[string]any{}}})

	scan := bufio.NewScanner(conn)
	for scan.Scan() {
		command := gjson.GetBytes(scan.Bytes(), "execute").String()
		switch command {
		case "qmp_capabilities":
			write(map[string]any{"return": map[string]any{}})
		case "query-status":
			// An async event before the return; clients must skip it.
			write(map[string]any{"event": "NIC_RX_FILTER_CHANGED"})
			write(map[string]any{"return": map[string]any{"status": mon.getStatus()}})
		case "cont":
			mon.setStatus("running")
			write(map[string]any{"event": "RESUME"})
			write(map[string]any{"return": map[string]any{}})
		case "quit":
			write(map[string]any{"return": map[string]any{}})
			select {
			case <-mon.quit:
			default:
				close(mon.quit)
			}
			return
		default:
			write(map[string]any{"error": map[string]any{
				"class": "CommandNotFound",
				"desc":  "The command " + command + " has not been found",
			}})
		}
	}
}

func TestQMPClient(t *testing.T) {
	ctx := context.Background()
	socket := filepath.Join(t.TempDir(), "qmp.sock")
	startFakeMonitor(t, socket, "paused")

	client := NewQMPClient(socket, 2*time.Second)
	require.NoError(t, client.Connect(ctx))
	defer client.Close()

	status, err := client.QueryStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, "paused", status)

	require.NoError(t, client.Command(ctx, "cont"))
	status, err = client.QueryStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, "running", status)

	err = client.Command(ctx, "bogus-command")
	require.Error(t, err)
	require.IsType(t, ErrQMPCommand{}, err)

	// The connection survives a command error.
	_, err = client.QueryStatus(ctx)
	require.NoError(t, err)
}

func TestQMPClientConnectTwice(t *testing.T) {
	ctx := context.Background()
	socket := filepath.Join(t.TempDir(), "qmp.sock")
	startFakeMonitor(t, socket, "running")

	client := NewQMPClient(socket, 2*time.Second)
	require.NoError(t, client.Connect(ctx))
	defer client.Close()
	require.Error(t, client.Connect(ctx))
}

func TestQMPClientNoBanner(t *testing.T) {
	ctx := context.Background()
	socket := filepath.Join(t.TempDir(), "qmp.sock")
	listener, err := net.Listen("unix", socket)
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte(`{"not-qmp":true}` + "\n"))
		conn.Close()
	}()

	client := NewQMPClient(socket, 2*time.Second)
	err = client.Connect(ctx)
	require.Error(t, err)
	require.IsType(t, ErrQMPProtocol{}, err)
}

func TestQMPClientNotConnected(t *testing.T) {
	client := NewQMPClient(filepath.Join(t.TempDir(), "missing.sock"), time.Second)
	err := client.Command(context.Background(), "quit")
	require.IsType(t, ErrQMPProtocol{}, err)
	require.NoError(t, client.Close())
}
