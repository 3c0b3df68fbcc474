package httpingest

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/sandrolain/iot-gateway/src/devauth"
	"github.com/sandrolain/iot-gateway/src/models"
	"github.com/sandrolain/iot-gateway/src/queue"
)

// Listener accepts device telemetry over plain HTTP. Each accepted body
// is wrapped into the raw envelope and queued for the ingestion pipeline.
type Listener struct {
	node     models.NodeInfo
	auth     *devauth.Authenticator
	queue    *queue.Client
	logger   *slog.Logger
	listener net.Listener
}

type payload struct {
	Data string `json:"data"`
}

// New assembles the HTTP listener for one node.
func New(node models.NodeInfo, auth *devauth.Authenticator, q *queue.Client) *Listener {
	return &Listener{
		node:   node,
		auth:   auth,
		queue:  q,
		logger: slog.Default().With("context", "HTTP Listener"),
	}
}

// Start binds the node port and serves until Close.
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(l.node.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	l.listener = ln
	l.logger.Info("HTTP listener started", "port", l.node.Port)

	go func() {
		if err := fasthttp.Serve(ln, l.handle); err != nil {
			l.logger.Error("server stopped", "err", err)
		}
	}()
	return nil
}

// Close stops accepting connections.
func (l *Listener) Close() error {
	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}

func (l *Listener) handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/beat":
		ctx.SetStatusCode(fasthttp.StatusOK)
	case "/handler":
		l.handleData(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (l *Listener) handleData(ctx *fasthttp.RequestCtx) {
	if !ctx.IsPost() {
		ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
		return
	}

	deviceID := string(ctx.Request.Header.Peek("device_id"))
	if deviceID == "" {
		ctx.Error("missing device_id", fasthttp.StatusBadRequest)
		return
	}

	username, password, ok := parseBasicAuth(string(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization)))
	if !ok {
		ctx.Error("unauthorized", fasthttp.StatusUnauthorized)
		return
	}
	allowed, err := l.auth.Check(ctx, models.ProtocolHTTP, deviceID, username, password)
	if err != nil {
		ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
		return
	}
	if !allowed {
		ctx.Error("unauthorized", fasthttp.StatusUnauthorized)
		return
	}

	var body payload
	if err := models.DecodeJSON(ctx.PostBody(), &body); err != nil {
		ctx.Error("malformed body", fasthttp.StatusBadRequest)
		return
	}

	raw, err := models.EncodeJSON(models.RawDeviceMessage{UID: deviceID, Message: body.Data})
	if err != nil {
		ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
		return
	}
	if err := l.queue.Publish(models.ProtocolHTTP.RawQueue(), raw); err != nil {
		l.logger.Error("error queueing message", "device", deviceID, "err", err)
		ctx.Error("queue unavailable", fasthttp.StatusServiceUnavailable)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
}

// parseBasicAuth splits an Authorization: Basic header into credentials.
func parseBasicAuth(header string) (string, string, bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", "", false
	}
	username, password, found := strings.Cut(string(decoded), ":")
	if !found {
		return "", "", false
	}
	return username, password, true
}
