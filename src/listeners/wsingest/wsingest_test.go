package wsingest

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
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
	require.NoError(t, store.HSet(context.Background(), models.AuthKey(models.ProtocolWS), deviceID, string(raw)))
}

func startListener(t *testing.T, store *kv.Store, qc *queue.Client) (string, models.NodeInfo) {
	t.Helper()
	node := models.NodeInfo{Host: "127.0.0.1", Port: freePort(t), Name: "W1", Type: models.ProtocolWS}
	l := New(node, store, devauth.New(store), qc)
	require.NoError(t, l.Start())
	t.Cleanup(func() { _ = l.Close() })

	base := fmt.Sprintf("127.0.0.1:%d", node.Port)
	require.Eventually(t, func() bool {
		res, err := http.Get("http://" + base + "/beat")
		if err != nil {
			return false
		}
		defer res.Body.Close()
		return res.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	return base, node
}

func authDialID(t *testing.T, base, deviceID, username, password string) (string, int) {
	t.Helper()
	body := fmt.Sprintf(`{"username":%q,"password":%q,"device_id":%q}`, username, password, deviceID)
	res, err := http.Post("http://"+base+"/auth", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", res.StatusCode
	}
	var out map[string]string
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.NoError(t, models.DecodeJSON(data, &out))
	return out["uid"], res.StatusCode
}

func TestSessionFlow(t *testing.T) {
	store := newKVStore(t)
	qc := newQueueClient(t)
	require.NoError(t, qc.Declare(models.ProtocolWS.RawQueue()))
	seedCredentials(t, store, "d1", "u", "p")
	base, node := startListener(t, store, qc)
	ctx := context.Background()

	uid, status := authDialID(t, base, "d1", "u", "p")
	require.Equal(t, http.StatusOK, status)
	device, session, found := strings.Cut(uid, "@")
	require.True(t, found)
	require.Equal(t, "d1", device)
	require.NotEmpty(t, session)

	// Only the uuid half lives in the store.
	stored, ok, err := store.Get(ctx, models.WSSessionKey("d1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, session, stored)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+base+"/ws?id="+uid, nil)
	require.NoError(t, err)
	defer conn.Close()

	auth := devauth.New(store)
	require.Eventually(t, func() bool {
		_, bound, err := auth.AddrByDevice(ctx, models.ProtocolWS, node.Name, "d1")
		return err == nil && bound
	}, 5*time.Second, 20*time.Millisecond)

	consumeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	received := make(chan []byte, 1)
	require.NoError(t, qc.Consume(consumeCtx, models.ProtocolWS.RawQueue(), func(_ context.Context, data []byte) error {
		received <- data
		return nil
	}))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("23.5")))

	select {
	case data := <-received:
		var env models.RawDeviceMessage
		require.NoError(t, models.DecodeJSON(data, &env))
		require.Equal(t, "d1", env.UID)
		require.Equal(t, "23.5", env.Message)
	case <-time.After(15 * time.Second):
		t.Fatal("no frame reached the raw queue")
	}

	// Closing the socket releases the session binding.
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		_, bound, err := auth.AddrByDevice(ctx, models.ProtocolWS, node.Name, "d1")
		return err == nil && !bound
	}, 5*time.Second, 20*time.Millisecond)
}

func TestAuthRejections(t *testing.T) {
	store := newKVStore(t)
	qc := newQueueClient(t)
	require.NoError(t, qc.Declare(models.ProtocolWS.RawQueue()))
	seedCredentials(t, store, "d1", "u", "p")
	base, _ := startListener(t, store, qc)

	_, status := authDialID(t, base, "d1", "u", "wrong")
	require.Equal(t, http.StatusUnauthorized, status)

	_, status = authDialID(t, base, "ghost", "u", "p")
	require.Equal(t, http.StatusUnauthorized, status)

	// Connecting with a bogus session fails the handshake.
	_, res, err := websocket.DefaultDialer.Dial("ws://"+base+"/ws?id=d1@bogus", nil)
	require.Error(t, err)
	require.NotNil(t, res)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	// Missing the uuid half of the id.
	_, res, err = websocket.DefaultDialer.Dial("ws://"+base+"/ws?id=d1", nil)
	require.Error(t, err)
	require.NotNil(t, res)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}
