package coapingest

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"

	coapmessage "github.com/plgd-dev/go-coap/v3/message"
	coapcodes "github.com/plgd-dev/go-coap/v3/message/codes"
	coapmux "github.com/plgd-dev/go-coap/v3/mux"
	coapnet "github.com/plgd-dev/go-coap/v3/net"
	coapoptions "github.com/plgd-dev/go-coap/v3/options"
	coapudp "github.com/plgd-dev/go-coap/v3/udp"

	"github.com/sandrolain/iot-gateway/src/devauth"
	"github.com/sandrolain/iot-gateway/src/models"
	"github.com/sandrolain/iot-gateway/src/queue"
)

// Listener accepts device telemetry over CoAP/UDP. Devices authenticate
// once on /auth, which binds their remote socket address to the device id;
// frames sent to /data are resolved through that binding and queued for the
// ingestion pipeline.
type Listener struct {
	node   models.NodeInfo
	auth   *devauth.Authenticator
	queue  *queue.Client
	logger *slog.Logger
	conn   *coapnet.UDPConn
	stop   func()
}

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	DeviceID string `json:"device_id"`
}

// New assembles the CoAP listener for one node.
func New(node models.NodeInfo, auth *devauth.Authenticator, q *queue.Client) *Listener {
	return &Listener{
		node:   node,
		auth:   auth,
		queue:  q,
		logger: slog.Default().With("context", "CoAP Listener"),
	}
}

// Start binds the node port and serves until Close.
func (l *Listener) Start() error {
	router := coapmux.NewRouter()
	if err := router.Handle("/auth", coapmux.HandlerFunc(l.handleAuth)); err != nil {
		return fmt.Errorf("failed to handle CoAP path /auth: %w", err)
	}
	if err := router.Handle("/data", coapmux.HandlerFunc(l.handleData)); err != nil {
		return fmt.Errorf("failed to handle CoAP path /data: %w", err)
	}
	router.DefaultHandle(coapmux.HandlerFunc(l.handleUnknown))

	conn, err := coapnet.NewListenUDP("udp", ":"+strconv.Itoa(l.node.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	l.conn = conn

	srv := coapudp.NewServer(coapoptions.WithMux(router))
	l.stop = srv.Stop
	l.logger.Info("CoAP listener started", "port", l.node.Port)

	go func() {
		_ = srv.Serve(conn)
	}()
	return nil
}

// Close stops the server and releases the UDP socket.
func (l *Listener) Close() error {
	if l.stop != nil {
		l.stop()
	}
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

func (l *Listener) handleAuth(w coapmux.ResponseWriter, req *coapmux.Message) {
	body, err := req.ReadBody()
	if err != nil || len(body) == 0 {
		l.respond(w, coapcodes.BadRequest, "malformed body")
		return
	}
	var creds authRequest
	if err := models.DecodeJSON(body, &creds); err != nil || creds.DeviceID == "" {
		l.respond(w, coapcodes.BadRequest, "malformed body")
		return
	}

	allowed, err := l.auth.Check(req.Context(), models.ProtocolCoAP, creds.DeviceID, creds.Username, creds.Password)
	if err != nil {
		l.logger.Error("error checking credentials", "device", creds.DeviceID, "err", err)
		l.respond(w, coapcodes.InternalServerError, "error")
		return
	}
	if !allowed {
		l.respond(w, coapcodes.Unauthorized, "unauthorized")
		return
	}

	addr := sessionAddr(w.Conn().RemoteAddr())
	if err := l.auth.Bind(req.Context(), models.ProtocolCoAP, l.node.Name, creds.DeviceID, addr); err != nil {
		l.logger.Error("error binding session", "device", creds.DeviceID, "err", err)
		l.respond(w, coapcodes.InternalServerError, "error")
		return
	}

	l.logger.Info("device authenticated", "device", creds.DeviceID, "addr", addr)
	l.respond(w, coapcodes.Changed, "ok")
}

func (l *Listener) handleData(w coapmux.ResponseWriter, req *coapmux.Message) {
	addr := sessionAddr(w.Conn().RemoteAddr())
	deviceID, bound, err := l.auth.DeviceByAddr(req.Context(), models.ProtocolCoAP, l.node.Name, addr)
	if err != nil {
		l.logger.Error("error resolving session", "addr", addr, "err", err)
		l.respond(w, coapcodes.InternalServerError, "error")
		return
	}
	if !bound {
		l.respond(w, coapcodes.Unauthorized, "unauthorized")
		return
	}

	body, err := req.ReadBody()
	if err != nil {
		l.respond(w, coapcodes.BadRequest, "malformed body")
		return
	}

	raw, err := models.EncodeJSON(models.RawDeviceMessage{UID: deviceID, Message: string(body)})
	if err != nil {
		l.respond(w, coapcodes.InternalServerError, "error")
		return
	}
	if err := l.queue.Publish(models.ProtocolCoAP.RawQueue(), raw); err != nil {
		l.logger.Error("error queueing message", "device", deviceID, "err", err)
		l.respond(w, coapcodes.ServiceUnavailable, "error")
		return
	}
	l.respond(w, coapcodes.Content, "ok")
}

func (l *Listener) handleUnknown(w coapmux.ResponseWriter, req *coapmux.Message) {
	path, _ := req.Options().Path()
	l.logger.Debug("unknown CoAP path", "path", path)
	l.respond(w, coapcodes.NotFound, "not found")
}

func (l *Listener) respond(w coapmux.ResponseWriter, code coapcodes.Code, body string) {
	var payload io.ReadSeeker
	if body != "" {
		payload = bytes.NewReader([]byte(body))
	}
	if err := w.SetResponse(code, coapmessage.TextPlain, payload); err != nil {
		l.logger.Error("failed to send CoAP response", "err", err)
	}
}

// sessionAddr normalizes a remote socket address into the form stored in
// session hashes. Colons collide with the key separator, so they become '@'.
func sessionAddr(addr net.Addr) string {
	return strings.ReplaceAll(addr.String(), ":", "@")
}
