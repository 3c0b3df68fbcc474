package mqttworker

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/sandrolain/iot-gateway/src/models"
	"github.com/sandrolain/iot-gateway/src/queue"
)

const (
	connectTimeout   = 5 * time.Second
	subscribeTimeout = 5 * time.Second
	disconnectGrace  = 250
)

// Worker owns a table of broker subscriptions, one per placed config.
// Every received frame is forwarded onto the raw MQTT queue. The worker
// never touches the assignment keys: placement is the controller's job.
type Worker struct {
	node   models.NodeInfo
	queue  *queue.Client
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	cfg    models.MqttConfig
	client mqtt.Client
	stop   chan struct{}
	done   chan struct{}
}

// New builds an empty worker for this node.
func New(node models.NodeInfo, q *queue.Client) *Worker {
	return &Worker{
		node:     node,
		queue:    q,
		logger:   slog.Default().With("context", "MQTT Worker"),
		sessions: make(map[string]*session),
	}
}

// Create connects to the config's broker and subscribes its topic at QoS 0.
// A failed connect leaves no session behind: the config stays in the
// unassigned pool and placement retries on a later tick. Creating an
// already-active client id is a no-op.
func (w *Worker) Create(cfg models.MqttConfig) error {
	w.mu.Lock()
	_, exists := w.sessions[cfg.ClientID]
	w.mu.Unlock()
	if exists {
		w.logger.Debug("session already active", "client_id", cfg.ClientID)
		return nil
	}

	addr := net.JoinHostPort(cfg.Broker, strconv.Itoa(cfg.Port))
	opts := mqtt.NewClientOptions().AddBroker("tcp://" + addr)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		w.forward(cfg.ClientID, msg.Payload())
	}
	// Runs on the initial connect and again after every reconnect, so the
	// subscription survives broker restarts.
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		if token := client.Subscribe(cfg.SubTopic, 0, handler); token.WaitTimeout(subscribeTimeout) && token.Error() != nil {
			w.logger.Error("subscribe failed", "client_id", cfg.ClientID, "topic", cfg.SubTopic, "err", token.Error())
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		w.logger.Warn("broker connection lost", "client_id", cfg.ClientID, "err", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		client.Disconnect(disconnectGrace)
		return fmt.Errorf("timeout connecting to broker %s", addr)
	}
	if err := token.Error(); err != nil {
		client.Disconnect(disconnectGrace)
		return fmt.Errorf("failed to connect to broker %s: %w", addr, err)
	}

	if token := client.Subscribe(cfg.SubTopic, 0, handler); !token.WaitTimeout(subscribeTimeout) || token.Error() != nil {
		client.Disconnect(disconnectGrace)
		return fmt.Errorf("failed to subscribe to %s: %v", cfg.SubTopic, token.Error())
	}

	s := &session{
		cfg:    cfg,
		client: client,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	w.mu.Lock()
	if _, raced := w.sessions[cfg.ClientID]; raced {
		w.mu.Unlock()
		client.Disconnect(disconnectGrace)
		return nil
	}
	w.sessions[cfg.ClientID] = s
	w.mu.Unlock()

	go func() {
		defer close(s.done)
		<-s.stop
		s.client.Disconnect(disconnectGrace)
	}()

	w.logger.Info("session opened", "client_id", cfg.ClientID, "broker", addr, "topic", cfg.SubTopic)
	return nil
}

// Remove disconnects one session and waits for its loop to exit. Removing
// an unknown client id succeeds: the desired state is already reached.
func (w *Worker) Remove(clientID string) error {
	w.mu.Lock()
	s, ok := w.sessions[clientID]
	if ok {
		delete(w.sessions, clientID)
	}
	w.mu.Unlock()
	if !ok {
		return nil
	}

	close(s.stop)
	<-s.done
	w.logger.Info("session closed", "client_id", clientID)
	return nil
}

// ClientIDs lists the active sessions in stable order.
func (w *Worker) ClientIDs() []string {
	w.mu.Lock()
	ids := make([]string, 0, len(w.sessions))
	for id := range w.sessions {
		ids = append(ids, id)
	}
	w.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Close tears down every session.
func (w *Worker) Close() {
	for _, id := range w.ClientIDs() {
		if err := w.Remove(id); err != nil {
			w.logger.Error("error closing session", "client_id", id, "err", err)
		}
	}
}

// forward wraps one broker frame into the raw queue envelope. Publish
// errors are logged only: the broker must never see our backend trouble.
func (w *Worker) forward(clientID string, payload []byte) {
	raw, err := models.EncodeJSON(models.RawMQTTMessage{
		MQTTClientID: clientID,
		Message:      string(payload),
	})
	if err != nil {
		w.logger.Error("error encoding frame", "client_id", clientID, "err", err)
		return
	}
	if err := w.queue.Publish(queue.PreHandler, raw); err != nil {
		w.logger.Error("error forwarding frame", "client_id", clientID, "err", err)
	}
}
