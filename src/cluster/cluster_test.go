package cluster

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/sandrolain/iot-gateway/src/kv"
	"github.com/sandrolain/iot-gateway/src/models"
)

func newKVStore(t *testing.T) (*kv.Store, *miniredis.Miniredis) {
	t.Helper()
	srv, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	port, err := strconv.Atoi(srv.Port())
	require.NoError(t, err)

	store, err := kv.New(kv.Config{Host: srv.Host(), Port: port})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, srv
}

type stubWorker struct {
	node models.NodeInfo
	srv  *httptest.Server

	mu      sync.Mutex
	refuse  bool
	created []models.MqttConfig
	removed []string
}

func newStubWorker(t *testing.T, name string, size int) *stubWorker {
	t.Helper()
	w := &stubWorker{}

	mux := http.NewServeMux()
	mux.HandleFunc("/beat", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/create_mqtt", func(rw http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			return
		}
		var cfg models.MqttConfig
		if err := models.DecodeJSON(body, &cfg); err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			return
		}
		w.mu.Lock()
		refuse := w.refuse
		if !refuse {
			w.created = append(w.created, cfg)
		}
		w.mu.Unlock()
		if refuse {
			rw.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/remove_mqtt_client", func(rw http.ResponseWriter, r *http.Request) {
		w.mu.Lock()
		w.removed = append(w.removed, r.URL.Query().Get("id"))
		w.mu.Unlock()
		_, _ = rw.Write([]byte("ok"))
	})

	w.srv = httptest.NewServer(mux)
	t.Cleanup(w.srv.Close)

	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(w.srv.URL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	w.node = models.NodeInfo{Host: host, Port: port, Name: name, Type: models.ProtocolMQTT, Size: size}
	return w
}

func (w *stubWorker) createdIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, len(w.created))
	for i, cfg := range w.created {
		ids[i] = cfg.ClientID
	}
	return ids
}

func registerNode(t *testing.T, store *kv.Store, node models.NodeInfo) {
	t.Helper()
	raw, err := models.EncodeJSON(node)
	require.NoError(t, err)
	require.NoError(t, store.HSet(context.Background(), models.RegisterKey(node.Type), node.Name, string(raw)))
}

func seedUnassigned(t *testing.T, store *kv.Store, clientID string) string {
	t.Helper()
	raw, err := models.EncodeJSON(models.MqttConfig{
		Broker:   "127.0.0.1",
		Port:     1883,
		SubTopic: "telemetry/#",
		ClientID: clientID,
	})
	require.NoError(t, err)
	require.NoError(t, store.RPush(context.Background(), models.UnassignedPoolKey, string(raw)))
	return string(raw)
}

func bindings(t *testing.T, store *kv.Store, node string) []string {
	t.Helper()
	members, err := store.SMembers(context.Background(), models.NodeBindKey(node))
	require.NoError(t, err)
	return members
}

func TestRegisterWritesBeatAndRegistry(t *testing.T) {
	store, srv := newKVStore(t)
	self := models.NodeInfo{Host: "127.0.0.1", Port: 9001, Name: "N1", Type: models.ProtocolMQTT, Size: 2}
	ctx := context.Background()

	require.NoError(t, New(self, store).Register(ctx))

	_, ok, err := store.Get(ctx, models.BeatKey(models.ProtocolMQTT, "N1"))
	require.NoError(t, err)
	require.True(t, ok)

	raw, ok, err := store.HGet(ctx, models.RegisterKey(models.ProtocolMQTT), "N1")
	require.NoError(t, err)
	require.True(t, ok)
	var got models.NodeInfo
	require.NoError(t, models.DecodeJSON([]byte(raw), &got))
	require.Equal(t, self, got)

	// The beat key dies with the node, the registry entry does not.
	srv.FastForward(4 * time.Second)
	_, ok, err = store.Get(ctx, models.BeatKey(models.ProtocolMQTT, "N1"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPlaceBalancesAcrossNodes(t *testing.T) {
	store, _ := newKVStore(t)
	ctx := context.Background()

	n1 := newStubWorker(t, "N1", 2)
	n2 := newStubWorker(t, "N2", 2)
	registerNode(t, store, n1.node)
	registerNode(t, store, n2.node)

	for _, id := range []string{"c1", "c2", "c3"} {
		seedUnassigned(t, store, id)
	}

	ctrl := New(n1.node, store)
	require.NoError(t, ctrl.Place(ctx))

	pending, err := store.LRange(ctx, models.UnassignedPoolKey)
	require.NoError(t, err)
	require.Empty(t, pending)

	assigned, err := store.HGetAll(ctx, models.AssignedPoolKey)
	require.NoError(t, err)
	require.Len(t, assigned, 3)

	b1 := bindings(t, store, "N1")
	b2 := bindings(t, store, "N2")
	require.LessOrEqual(t, len(b1), 2)
	require.LessOrEqual(t, len(b2), 2)
	require.Len(t, append(b1, b2...), 3)

	// Every client id sits in exactly one bind set.
	seen := map[string]int{}
	for _, id := range append(b1, b2...) {
		seen[id]++
	}
	for _, id := range []string{"c1", "c2", "c3"} {
		require.Equal(t, 1, seen[id])
	}

	// The workers really received the configs they are recorded as owning.
	require.ElementsMatch(t, b1, n1.createdIDs())
	require.ElementsMatch(t, b2, n2.createdIDs())
}

func TestPlaceRespectsCapacity(t *testing.T) {
	store, _ := newKVStore(t)
	ctx := context.Background()

	n1 := newStubWorker(t, "N1", 1)
	registerNode(t, store, n1.node)
	seedUnassigned(t, store, "c1")
	seedUnassigned(t, store, "c2")

	ctrl := New(n1.node, store)
	require.NoError(t, ctrl.Place(ctx))

	pending, err := store.LRange(ctx, models.UnassignedPoolKey)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Len(t, bindings(t, store, "N1"), 1)

	// A second pass finds no spare capacity and changes nothing.
	require.NoError(t, ctrl.Place(ctx))
	pending, err = store.LRange(ctx, models.UnassignedPoolKey)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestPlaceLeavesPoolOnRefusalOrDeadWorker(t *testing.T) {
	store, _ := newKVStore(t)
	ctx := context.Background()

	n1 := newStubWorker(t, "N1", 2)
	n1.mu.Lock()
	n1.refuse = true
	n1.mu.Unlock()
	registerNode(t, store, n1.node)
	seedUnassigned(t, store, "c1")

	ctrl := New(n1.node, store)
	require.NoError(t, ctrl.Place(ctx))

	pending, err := store.LRange(ctx, models.UnassignedPoolKey)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Empty(t, bindings(t, store, "N1"))

	// The same holds when the worker is plain unreachable.
	n1.srv.Close()
	require.NoError(t, ctrl.Place(ctx))
	pending, err = store.LRange(ctx, models.UnassignedPoolKey)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	assigned, err := store.HGetAll(ctx, models.AssignedPoolKey)
	require.NoError(t, err)
	require.Empty(t, assigned)
}

func TestPlaceDropsPoisonPoolEntries(t *testing.T) {
	store, _ := newKVStore(t)
	ctx := context.Background()

	require.NoError(t, store.RPush(ctx, models.UnassignedPoolKey, `{"broken`))
	ctrl := New(models.NodeInfo{Name: "N1", Type: models.ProtocolMQTT}, store)
	require.NoError(t, ctrl.Place(ctx))

	pending, err := store.LRange(ctx, models.UnassignedPoolKey)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestPickNodeSelection(t *testing.T) {
	store, _ := newKVStore(t)
	ctx := context.Background()

	n1 := models.NodeInfo{Host: "127.0.0.1", Port: 9001, Name: "N1", Type: models.ProtocolMQTT, Size: 4}
	n2 := models.NodeInfo{Host: "127.0.0.1", Port: 9002, Name: "N2", Type: models.ProtocolMQTT, Size: 2}
	n3 := models.NodeInfo{Host: "127.0.0.1", Port: 9003, Name: "N3", Type: models.ProtocolMQTT, Size: 2}
	registerNode(t, store, n1)
	registerNode(t, store, n2)
	registerNode(t, store, n3)
	ctrl := New(n1, store)

	// The smallest node wins; equal capacity resolves by name order.
	target, found, err := ctrl.pickNode(ctx, models.ProtocolMQTT, "")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "N2", target.Name)

	// passNode is never selected.
	target, found, err = ctrl.pickNode(ctx, models.ProtocolMQTT, "N2")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "N3", target.Name)

	// Full small nodes fall out of the running and the big node takes over.
	require.NoError(t, store.SAdd(ctx, models.NodeBindKey("N2"), "c1", "c2"))
	require.NoError(t, store.SAdd(ctx, models.NodeBindKey("N3"), "c3", "c4"))
	target, found, err = ctrl.pickNode(ctx, models.ProtocolMQTT, "")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "N1", target.Name)

	// Saturated fleet yields no target.
	require.NoError(t, store.SAdd(ctx, models.NodeBindKey("N1"), "c5", "c6", "c7", "c8"))
	_, found, err = ctrl.pickNode(ctx, models.ProtocolMQTT, "")
	require.NoError(t, err)
	require.False(t, found)
}

func TestHandlerOffNodeIsIdempotent(t *testing.T) {
	store, _ := newKVStore(t)
	ctx := context.Background()
	ctrl := New(models.NodeInfo{Name: "N1", Type: models.ProtocolMQTT}, store)

	for _, id := range []string{"c1", "c2"} {
		raw, err := models.EncodeJSON(models.MqttConfig{Broker: "127.0.0.1", Port: 1883, SubTopic: "t/#", ClientID: id})
		require.NoError(t, err)
		require.NoError(t, store.SAdd(ctx, models.NodeBindKey("N1"), id))
		require.NoError(t, store.HSet(ctx, models.AssignedPoolKey, id, string(raw)))
	}

	require.NoError(t, ctrl.HandlerOffNode(ctx, "N1"))

	require.Empty(t, bindings(t, store, "N1"))
	assigned, err := store.HGetAll(ctx, models.AssignedPoolKey)
	require.NoError(t, err)
	require.Empty(t, assigned)
	pending, err := store.LRange(ctx, models.UnassignedPoolKey)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	// Running it again must not duplicate pool entries.
	require.NoError(t, ctrl.HandlerOffNode(ctx, "N1"))
	pending, err = store.LRange(ctx, models.UnassignedPoolKey)
	require.NoError(t, err)
	require.Len(t, pending, 2)
}

func TestReapFailsOverDeadNode(t *testing.T) {
	store, _ := newKVStore(t)
	ctx := context.Background()

	n1 := newStubWorker(t, "N1", 2)
	n2 := newStubWorker(t, "N2", 3)
	registerNode(t, store, n1.node)
	registerNode(t, store, n2.node)

	for _, id := range []string{"c1", "c2", "c3"} {
		seedUnassigned(t, store, id)
	}
	ctrl := New(n2.node, store)
	require.NoError(t, ctrl.Place(ctx))

	victims := bindings(t, store, "N1")
	require.NotEmpty(t, victims)

	// N1 dies; the next reap cycle must return its configs to the pool.
	n1.srv.Close()
	require.NoError(t, ctrl.reap(ctx))

	require.Empty(t, bindings(t, store, "N1"))
	_, stillRegistered, err := store.HGet(ctx, models.RegisterKey(models.ProtocolMQTT), "N1")
	require.NoError(t, err)
	require.False(t, stillRegistered)

	pending, err := store.LRange(ctx, models.UnassignedPoolKey)
	require.NoError(t, err)
	require.Len(t, pending, len(victims))

	// The next placement tick re-homes everything on N2.
	require.NoError(t, ctrl.Place(ctx))
	pending, err = store.LRange(ctx, models.UnassignedPoolKey)
	require.NoError(t, err)
	require.Empty(t, pending)
	require.Len(t, bindings(t, store, "N2"), 3)
}

func TestExpiryListenerFailsOverOnBeatExpiry(t *testing.T) {
	store, _ := newKVStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl := New(models.NodeInfo{Name: "N2", Type: models.ProtocolMQTT}, store)

	raw, err := models.EncodeJSON(models.MqttConfig{Broker: "127.0.0.1", Port: 1883, SubTopic: "t/#", ClientID: "c1"})
	require.NoError(t, err)
	require.NoError(t, store.SAdd(ctx, models.NodeBindKey("N1"), "c1"))
	require.NoError(t, store.HSet(ctx, models.AssignedPoolKey, "c1", string(raw)))
	registerNode(t, store, models.NodeInfo{Host: "127.0.0.1", Port: 9001, Name: "N1", Type: models.ProtocolMQTT, Size: 2})

	require.NoError(t, ctrl.startExpiryListener(ctx))

	// miniredis does not emit keyspace notifications, so the expiry event
	// is driven by hand on the same channel a real server would use.
	require.NoError(t, store.Client().Publish(ctx, "__keyevent@0__:expired", models.BeatKey(models.ProtocolMQTT, "N1")).Err())

	require.Eventually(t, func() bool {
		pending, err := store.LRange(ctx, models.UnassignedPoolKey)
		return err == nil && len(pending) == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.Empty(t, bindings(t, store, "N1"))
	_, stillRegistered, err := store.HGet(ctx, models.RegisterKey(models.ProtocolMQTT), "N1")
	require.NoError(t, err)
	require.False(t, stillRegistered)
}

func TestRemoveConfigEverywhere(t *testing.T) {
	store, _ := newKVStore(t)
	ctx := context.Background()

	n1 := newStubWorker(t, "N1", 2)
	registerNode(t, store, n1.node)
	seedUnassigned(t, store, "c1")
	seedUnassigned(t, store, "c2")

	ctrl := New(n1.node, store)
	require.NoError(t, ctrl.Place(ctx))
	require.Len(t, bindings(t, store, "N1"), 2)

	// An assigned config is unbound and its worker told to drop it.
	require.NoError(t, ctrl.RemoveConfig(ctx, "c1"))
	require.NotContains(t, bindings(t, store, "N1"), "c1")
	_, ok, err := store.HGet(ctx, models.AssignedPoolKey, "c1")
	require.NoError(t, err)
	require.False(t, ok)
	n1.mu.Lock()
	removed := append([]string(nil), n1.removed...)
	n1.mu.Unlock()
	require.Equal(t, []string{"c1"}, removed)

	// A pooled config just leaves the pool.
	seedUnassigned(t, store, "c3")
	require.NoError(t, ctrl.RemoveConfig(ctx, "c3"))
	pending, err := store.LRange(ctx, models.UnassignedPoolKey)
	require.NoError(t, err)
	require.Empty(t, pending)

	// Unknown ids succeed.
	require.NoError(t, ctrl.RemoveConfig(ctx, "ghost"))
}

func TestParseBeatKey(t *testing.T) {
	t.Parallel()

	nodeType, name, ok := parseBeatKey("beat:mqtt:N1")
	require.True(t, ok)
	require.Equal(t, models.ProtocolMQTT, nodeType)
	require.Equal(t, "N1", name)

	_, _, ok = parseBeatKey("storage_time:MQTT:7:A")
	require.False(t, ok)
	_, _, ok = parseBeatKey("beat:mqtt")
	require.False(t, ok)
	_, _, ok = parseBeatKey("unrelated")
	require.False(t, ok)
}
