package tcpingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/require"

	"github.com/sandrolain/iot-gateway/src/devauth"
	"github.com/sandrolain/iot-gateway/src/kv"
	"github.com/sandrolain/iot-gateway/src/models"
	"github.com/sandrolain/iot-gateway/src/queue"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	port, err := strconv.Atoi(addr[strings.LastIndex(addr, ":")+1:])
	require.NoError(t, err)
	return port
}

func newKVStore(t *testing.T) *kv.Store {
	t.Helper()
	srv, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	port, err := strconv.Atoi(srv.Port())
	require.NoError(t, err)

	store, err := kv.New(kv.Config{Host: srv.Host(), Port: port})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newQueueClient(t *testing.T) *queue.Client {
	t.Helper()
	port := freePort(t)

	opts := &server.Options{
		Host:            "127.0.0.1",
		Port:            port,
		NoSystemAccount: true,
		JetStream:       true,
		StoreDir:        t.TempDir(),
	}
	srv, err := server.NewServer(opts)
	require.NoError(t, err)
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})

	client, err := queue.New(queue.Config{Host: "127.0.0.1", Port: port})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func seedCredentials(t *testing.T, store *kv.Store, deviceID, username, password string) {
	t.Helper()
	raw, err := models.EncodeJSON(models.AuthRecord{Username: username, Password: password})
	require.NoError(t, err)
	require.NoError(t, store.HSet(context.Background(), models.AuthKey(models.ProtocolTCP), deviceID, string(raw)))
}

func startListener(t *testing.T, store *kv.Store, qc *queue.Client, idle time.Duration) (string, *devauth.Authenticator) {
	t.Helper()
	node := models.NodeInfo{Host: "127.0.0.1", Port: freePort(t), Name: "T1", Type: models.ProtocolTCP}
	auth := devauth.New(store)
	l := New(node, auth, qc)
	if idle > 0 {
		l.idle = idle
	}
	require.NoError(t, l.Start())
	t.Cleanup(func() { _ = l.Close() })
	return fmt.Sprintf("127.0.0.1:%d", node.Port), auth
}

func consumeRaw(t *testing.T, qc *queue.Client) <-chan []byte {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	received := make(chan []byte, 8)
	require.NoError(t, qc.Consume(ctx, models.ProtocolTCP.RawQueue(), func(_ context.Context, data []byte) error {
		received <- data
		return nil
	}))
	return received
}

func awaitEnvelope(t *testing.T, received <-chan []byte) models.RawDeviceMessage {
	t.Helper()
	select {
	case data := <-received:
		var env models.RawDeviceMessage
		require.NoError(t, models.DecodeJSON(data, &env))
		return env
	case <-time.After(15 * time.Second):
		t.Fatal("no message reached the raw queue")
		return models.RawDeviceMessage{}
	}
}

func assertClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	buf := make([]byte, 1)
	require.Eventually(t, func() bool {
		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		_, err := conn.Read(buf)
		return errors.Is(err, io.EOF)
	}, 5*time.Second, 50*time.Millisecond)
}

func TestSessionForwardsLines(t *testing.T) {
	store := newKVStore(t)
	qc := newQueueClient(t)
	require.NoError(t, qc.Declare(models.ProtocolTCP.RawQueue()))
	seedCredentials(t, store, "d1", "u", "p")
	addr, auth := startListener(t, store, qc, 0)
	received := consumeRaw(t, qc)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = fmt.Fprintf(conn, "uid:d1:u:p\n21.5\n")
	require.NoError(t, err)

	env := awaitEnvelope(t, received)
	require.Equal(t, "d1", env.UID)
	require.Equal(t, "21.5", env.Message)

	clientAddr := conn.LocalAddr().String()
	bound, ok, err := auth.AddrByDevice(context.Background(), models.ProtocolTCP, "T1", "d1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, clientAddr, bound)

	_, ok, err = store.Get(context.Background(), models.LastSeenKey(clientAddr))
	require.NoError(t, err)
	require.True(t, ok)

	_, err = fmt.Fprintf(conn, "22.0\n")
	require.NoError(t, err)
	env = awaitEnvelope(t, received)
	require.Equal(t, "22.0", env.Message)
}

func TestIdleSessionIsClosedAndUnbound(t *testing.T) {
	store := newKVStore(t)
	qc := newQueueClient(t)
	require.NoError(t, qc.Declare(models.ProtocolTCP.RawQueue()))
	seedCredentials(t, store, "d1", "u", "p")
	addr, auth := startListener(t, store, qc, 300*time.Millisecond)
	received := consumeRaw(t, qc)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = fmt.Fprintf(conn, "uid:d1:u:p\n21.5\n")
	require.NoError(t, err)
	awaitEnvelope(t, received)

	// Stay silent until the idle deadline drops the session.
	require.Eventually(t, func() bool {
		_, ok, err := auth.AddrByDevice(context.Background(), models.ProtocolTCP, "T1", "d1")
		return err == nil && !ok
	}, 5*time.Second, 50*time.Millisecond)

	_, ok, err := auth.DeviceByAddr(context.Background(), models.ProtocolTCP, "T1", conn.LocalAddr().String())
	require.NoError(t, err)
	require.False(t, ok)

	assertClosed(t, conn)
}

func TestRejectsBadOrMalformedAuth(t *testing.T) {
	store := newKVStore(t)
	qc := newQueueClient(t)
	require.NoError(t, qc.Declare(models.ProtocolTCP.RawQueue()))
	seedCredentials(t, store, "d1", "u", "p")
	addr, auth := startListener(t, store, qc, 0)

	// Wrong password. The payload line behind it must never be forwarded.
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = fmt.Fprintf(conn, "uid:d1:u:nope\n21.5\n")
	require.NoError(t, err)
	assertClosed(t, conn)

	_, ok, err := auth.AddrByDevice(context.Background(), models.ProtocolTCP, "T1", "d1")
	require.NoError(t, err)
	require.False(t, ok)

	// Not a credential line at all.
	conn2, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn2.Close()
	_, err = fmt.Fprintf(conn2, "hello\n")
	require.NoError(t, err)
	assertClosed(t, conn2)

	depth, err := qc.Depth(models.ProtocolTCP.RawQueue())
	require.NoError(t, err)
	require.Zero(t, depth)
}
