package wsingest

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sandrolain/iot-gateway/src/devauth"
	"github.com/sandrolain/iot-gateway/src/kv"
	"github.com/sandrolain/iot-gateway/src/models"
	"github.com/sandrolain/iot-gateway/src/queue"
)

const sessionTTL = 24 * time.Hour

// Listener accepts device telemetry over WebSocket. Devices first trade
// credentials on /auth for a dial id of the form {device}@{uuid}, then
// connect to /ws with that id; every text frame is queued for the pipeline.
type Listener struct {
	node     models.NodeInfo
	store    *kv.Store
	auth     *devauth.Authenticator
	queue    *queue.Client
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	DeviceID string `json:"device_id"`
}

// New assembles the WebSocket listener for one node.
func New(node models.NodeInfo, store *kv.Store, auth *devauth.Authenticator, q *queue.Client) *Listener {
	return &Listener{
		node:   node,
		store:  store,
		auth:   auth,
		queue:  q,
		logger: slog.Default().With("context", "WS Listener"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start binds the node port and serves until Close.
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(l.node.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/beat", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/auth", l.handleAuth)
	mux.HandleFunc("/ws", l.handleWS)

	l.server = &http.Server{Handler: mux}
	l.logger.Info("WS listener started", "port", l.node.Port)

	go func() {
		if err := l.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			l.logger.Error("server stopped", "err", err)
		}
	}()
	return nil
}

// Close stops the server and drops every open connection.
func (l *Listener) Close() error {
	if l.server != nil {
		return l.server.Close()
	}
	return nil
}

// handleAuth trades device credentials for a {device}@{uuid} dial id.
// Only the uuid half is stored; /ws recombines it with the device id.
func (l *Listener) handleAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req authRequest
	if err := decodeBody(r, &req); err != nil || req.DeviceID == "" {
		http.Error(w, "malformed auth request", http.StatusBadRequest)
		return
	}

	allowed, err := l.auth.Check(r.Context(), models.ProtocolWS, req.DeviceID, req.Username, req.Password)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !allowed {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	session := uuid.NewString()
	if err := l.store.Set(r.Context(), models.WSSessionKey(req.DeviceID), session, sessionTTL); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	body, err := models.EncodeJSON(map[string]string{"uid": req.DeviceID + "@" + session})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (l *Listener) handleWS(w http.ResponseWriter, r *http.Request) {
	device, token, found := strings.Cut(r.URL.Query().Get("id"), "@")
	if !found || device == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}

	stored, ok, err := l.store.Get(r.Context(), models.WSSessionKey(device))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok || stored != token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("upgrade failed", "device", device, "err", err)
		return
	}
	defer conn.Close()

	addr := conn.RemoteAddr().String()
	if err := l.auth.Bind(r.Context(), models.ProtocolWS, l.node.Name, device, addr); err != nil {
		l.logger.Error("session bind failed", "device", device, "err", err)
		return
	}
	defer func() {
		if err := l.auth.Unbind(r.Context(), models.ProtocolWS, l.node.Name, device, addr); err != nil {
			l.logger.Error("session unbind failed", "device", device, "err", err)
		}
	}()
	l.logger.Info("session opened", "device", device, "addr", addr)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			l.logger.Debug("session closed", "device", device, "err", err)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		raw, err := models.EncodeJSON(models.RawDeviceMessage{UID: device, Message: string(data)})
		if err != nil {
			l.logger.Error("error encoding frame", "device", device, "err", err)
			continue
		}
		if err := l.queue.Publish(models.ProtocolWS.RawQueue(), raw); err != nil {
			l.logger.Error("error queueing frame", "device", device, "err", err)
		}
	}
}

func decodeBody(r *http.Request, v *authRequest) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		return err
	}
	return models.DecodeJSON(data, v)
}
