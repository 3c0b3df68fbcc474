package tcpingest

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sandrolain/iot-gateway/src/devauth"
	"github.com/sandrolain/iot-gateway/src/models"
	"github.com/sandrolain/iot-gateway/src/queue"
)

// idleTimeout closes sessions that stop sending payload lines.
const idleTimeout = 10 * time.Second

// Listener accepts device telemetry over a TCP line protocol. The first
// line of a connection is `uid:{device_id}:{username}:{password}`; every
// following line is one raw payload forwarded to the ingestion pipeline.
type Listener struct {
	node     models.NodeInfo
	auth     *devauth.Authenticator
	queue    *queue.Client
	logger   *slog.Logger
	idle     time.Duration
	listener net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// New assembles the TCP listener for one node.
func New(node models.NodeInfo, auth *devauth.Authenticator, q *queue.Client) *Listener {
	return &Listener{
		node:   node,
		auth:   auth,
		queue:  q,
		logger: slog.Default().With("context", "TCP Listener"),
		idle:   idleTimeout,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start binds the node port and serves until Close.
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(l.node.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	l.listener = ln
	l.logger.Info("TCP listener started", "port", l.node.Port)

	go l.acceptLoop()
	return nil
}

// Close stops accepting connections and drops the live sessions.
func (l *Listener) Close() error {
	var err error
	if l.listener != nil {
		err = l.listener.Close()
	}
	l.mu.Lock()
	for conn := range l.conns {
		_ = conn.Close()
	}
	l.mu.Unlock()
	return err
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			return
		}
		l.mu.Lock()
		l.conns[conn] = struct{}{}
		l.mu.Unlock()
		go l.serve(conn)
	}
}

func (l *Listener) serve(conn net.Conn) {
	defer func() {
		_ = conn.Close()
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()
	}()

	ctx := context.Background()
	addr := conn.RemoteAddr().String()
	scanner := bufio.NewScanner(conn)

	if err := conn.SetReadDeadline(time.Now().Add(l.idle)); err != nil {
		return
	}
	if !scanner.Scan() {
		return
	}
	deviceID, ok := l.authenticate(ctx, scanner.Text(), addr)
	if !ok {
		return
	}
	defer func() {
		if err := l.auth.Unbind(ctx, models.ProtocolTCP, l.node.Name, deviceID, addr); err != nil {
			l.logger.Error("error unbinding session", "device", deviceID, "err", err)
		}
		l.logger.Info("session closed", "device", deviceID, "addr", addr)
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(l.idle)); err != nil {
			return
		}
		if !scanner.Scan() {
			// Idle deadline hit, peer gone or oversized line.
			return
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		l.forward(ctx, deviceID, addr, line)
	}
}

// authenticate parses the opening credential line and binds the session.
func (l *Listener) authenticate(ctx context.Context, line, addr string) (string, bool) {
	parts := strings.Split(line, ":")
	if len(parts) != 4 || parts[0] != "uid" {
		l.logger.Debug("malformed auth line", "addr", addr)
		return "", false
	}
	deviceID, username, password := parts[1], parts[2], parts[3]

	allowed, err := l.auth.Check(ctx, models.ProtocolTCP, deviceID, username, password)
	if err != nil {
		l.logger.Error("error checking credentials", "device", deviceID, "err", err)
		return "", false
	}
	if !allowed {
		l.logger.Debug("rejected credentials", "device", deviceID, "addr", addr)
		return "", false
	}
	if err := l.auth.Bind(ctx, models.ProtocolTCP, l.node.Name, deviceID, addr); err != nil {
		l.logger.Error("error binding session", "device", deviceID, "err", err)
		return "", false
	}
	l.logger.Info("device authenticated", "device", deviceID, "addr", addr)
	return deviceID, true
}

func (l *Listener) forward(ctx context.Context, deviceID, addr, line string) {
	if err := l.auth.Touch(ctx, addr); err != nil {
		l.logger.Warn("error refreshing last-seen", "addr", addr, "err", err)
	}
	raw, err := models.EncodeJSON(models.RawDeviceMessage{UID: deviceID, Message: line})
	if err != nil {
		l.logger.Error("error encoding envelope", "device", deviceID, "err", err)
		return
	}
	if err := l.queue.Publish(models.ProtocolTCP.RawQueue(), raw); err != nil {
		l.logger.Error("error queueing message", "device", deviceID, "err", err)
	}
}
