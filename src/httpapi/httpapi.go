package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/valyala/fasthttp"

	"github.com/sandrolain/iot-gateway/src/cluster"
	"github.com/sandrolain/iot-gateway/src/kv"
	"github.com/sandrolain/iot-gateway/src/models"
	"github.com/sandrolain/iot-gateway/src/mqttworker"
)

var validate = validator.New()

// NodeStatus is one row of the operator assignment view.
type NodeStatus struct {
	Name      string   `json:"name"`
	Size      int      `json:"size"`
	Used      int64    `json:"used"`
	ClientIDs []string `json:"client_ids"`
}

// Server is the control-plane surface of an MQTT node: the liveness probe
// and the worker endpoints called by the controller, plus the operator
// endpoints for fleet inspection and config intents.
type Server struct {
	node     models.NodeInfo
	store    *kv.Store
	worker   *mqttworker.Worker
	ctrl     *cluster.Controller
	logger   *slog.Logger
	listener net.Listener
}

// New assembles the server for one node.
func New(node models.NodeInfo, store *kv.Store, worker *mqttworker.Worker, ctrl *cluster.Controller) *Server {
	return &Server{
		node:   node,
		store:  store,
		worker: worker,
		ctrl:   ctrl,
		logger: slog.Default().With("context", "HTTP API"),
	}
}

// Start binds the node port and serves until Close.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(s.node.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = ln
	s.logger.Info("control API listening", "port", s.node.Port)

	go func() {
		if err := fasthttp.Serve(ln, s.handle); err != nil {
			s.logger.Error("server stopped", "err", err)
		}
	}()
	return nil
}

// Close stops accepting connections.
func (s *Server) Close() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/beat":
		ctx.SetStatusCode(fasthttp.StatusOK)
	case "/create_mqtt":
		s.handleCreate(ctx)
	case "/remove_mqtt_client":
		s.handleRemove(ctx)
	case "/node_list":
		s.handleNodeList(ctx)
	case "/node_using_status":
		s.handleNodeStatus(ctx)
	case "/mqtt_config_list":
		s.handleConfigList(ctx)
	case "/public_create_mqtt":
		s.handlePublicCreate(ctx)
	case "/public_remove_mqtt":
		s.handlePublicRemove(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

// handleCreate opens a broker session on this node. Called by the placer;
// anything but a 200 "ok" leaves the config in the unassigned pool.
func (s *Server) handleCreate(ctx *fasthttp.RequestCtx) {
	if !ctx.IsPost() {
		ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
		return
	}
	var cfg models.MqttConfig
	if err := models.DecodeJSON(ctx.PostBody(), &cfg); err != nil {
		ctx.Error("malformed config", fasthttp.StatusBadRequest)
		return
	}
	if err := validate.Struct(cfg); err != nil {
		ctx.Error("invalid config: "+err.Error(), fasthttp.StatusBadRequest)
		return
	}
	if err := s.worker.Create(cfg); err != nil {
		s.logger.Error("session creation failed", "client_id", cfg.ClientID, "err", err)
		ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetBodyString("ok")
}

func (s *Server) handleRemove(ctx *fasthttp.RequestCtx) {
	id := string(ctx.QueryArgs().Peek("id"))
	if id == "" {
		ctx.Error("missing id", fasthttp.StatusBadRequest)
		return
	}
	if err := s.worker.Remove(id); err != nil {
		s.logger.Error("session removal failed", "client_id", id, "err", err)
		ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetBodyString("ok")
}

func (s *Server) handleNodeList(ctx *fasthttp.RequestCtx) {
	nodes := make([]models.NodeInfo, 0)
	for _, nodeType := range models.Protocols {
		reg, err := s.store.HGetAll(ctx, models.RegisterKey(nodeType))
		if err != nil {
			ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
			return
		}
		typed := make([]models.NodeInfo, 0, len(reg))
		for name, raw := range reg {
			var node models.NodeInfo
			if err := models.DecodeJSON([]byte(raw), &node); err != nil {
				s.logger.Warn("malformed registry entry", "name", name, "err", err)
				continue
			}
			typed = append(typed, node)
		}
		sort.Slice(typed, func(i, j int) bool { return typed[i].Name < typed[j].Name })
		nodes = append(nodes, typed...)
	}
	s.respondJSON(ctx, nodes)
}

func (s *Server) handleNodeStatus(ctx *fasthttp.RequestCtx) {
	reg, err := s.store.HGetAll(ctx, models.RegisterKey(models.ProtocolMQTT))
	if err != nil {
		ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
		return
	}

	names := make([]string, 0, len(reg))
	for name := range reg {
		names = append(names, name)
	}
	sort.Strings(names)

	statuses := make([]NodeStatus, 0, len(names))
	for _, name := range names {
		var node models.NodeInfo
		if err := models.DecodeJSON([]byte(reg[name]), &node); err != nil {
			s.logger.Warn("malformed registry entry", "name", name, "err", err)
			continue
		}
		ids, err := s.store.SMembers(ctx, models.NodeBindKey(name))
		if err != nil {
			ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
			return
		}
		sort.Strings(ids)
		statuses = append(statuses, NodeStatus{
			Name:      node.Name,
			Size:      node.Size,
			Used:      int64(len(ids)),
			ClientIDs: ids,
		})
	}
	s.respondJSON(ctx, statuses)
}

func (s *Server) handleConfigList(ctx *fasthttp.RequestCtx) {
	var raws []string
	switch string(ctx.QueryArgs().Peek("scope")) {
	case "use":
		assigned, err := s.store.HVals(ctx, models.AssignedPoolKey)
		if err != nil {
			ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
			return
		}
		raws = assigned
	case "no":
		pending, err := s.store.LRange(ctx, models.UnassignedPoolKey)
		if err != nil {
			ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
			return
		}
		raws = pending
	default:
		ctx.Error("scope must be use or no", fasthttp.StatusBadRequest)
		return
	}

	configs := make([]models.MqttConfig, 0, len(raws))
	for _, raw := range raws {
		var cfg models.MqttConfig
		if err := models.DecodeJSON([]byte(raw), &cfg); err != nil {
			s.logger.Warn("malformed pool entry", "err", err)
			continue
		}
		configs = append(configs, cfg)
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].ClientID < configs[j].ClientID })
	s.respondJSON(ctx, configs)
}

// handlePublicCreate queues a config for placement. The placer picks it up
// on its next tick.
func (s *Server) handlePublicCreate(ctx *fasthttp.RequestCtx) {
	if !ctx.IsPost() {
		ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
		return
	}
	var cfg models.MqttConfig
	if err := models.DecodeJSON(ctx.PostBody(), &cfg); err != nil {
		ctx.Error("malformed config", fasthttp.StatusBadRequest)
		return
	}
	if err := validate.Struct(cfg); err != nil {
		ctx.Error("invalid config: "+err.Error(), fasthttp.StatusBadRequest)
		return
	}

	exists, err := s.clientIDKnown(ctx, cfg.ClientID)
	if err != nil {
		ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
		return
	}
	if exists {
		ctx.SetStatusCode(fasthttp.StatusConflict)
		s.respondJSON(ctx, map[string]string{"status": "exists"})
		return
	}

	raw, err := models.EncodeJSON(cfg)
	if err != nil {
		ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
		return
	}
	if err := s.store.RPush(ctx, models.UnassignedPoolKey, string(raw)); err != nil {
		ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
		return
	}
	s.logger.Info("config queued", "client_id", cfg.ClientID)
	s.respondJSON(ctx, map[string]string{"status": "queued"})
}

func (s *Server) handlePublicRemove(ctx *fasthttp.RequestCtx) {
	id := string(ctx.QueryArgs().Peek("id"))
	if id == "" {
		ctx.Error("missing id", fasthttp.StatusBadRequest)
		return
	}
	if err := s.ctrl.RemoveConfig(ctx, id); err != nil {
		ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
		return
	}
	s.respondJSON(ctx, map[string]string{"status": "removed"})
}

// clientIDKnown reports whether a client id is present in either pool.
func (s *Server) clientIDKnown(ctx context.Context, clientID string) (bool, error) {
	_, assigned, err := s.store.HGet(ctx, models.AssignedPoolKey, clientID)
	if err != nil {
		return false, err
	}
	if assigned {
		return true, nil
	}
	pending, err := s.store.LRange(ctx, models.UnassignedPoolKey)
	if err != nil {
		return false, err
	}
	for _, raw := range pending {
		var cfg models.MqttConfig
		if err := models.DecodeJSON([]byte(raw), &cfg); err != nil {
			continue
		}
		if cfg.ClientID == clientID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Server) respondJSON(ctx *fasthttp.RequestCtx, v any) {
	body, err := models.EncodeJSON(v)
	if err != nil {
		ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
