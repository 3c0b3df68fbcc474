package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/sandrolain/iot-gateway/src/kv"
	"github.com/sandrolain/iot-gateway/src/models"
)

const (
	beatInterval = time.Second
	beatTTL      = 3 * time.Second
	lockTTL      = 10 * time.Second
	httpTimeout  = 2 * time.Second
)

// Controller hosts the fleet-coordination loops. Every node runs the
// registrar; MQTT nodes additionally run the reaper, the placer and the
// expiry listener. The periodic tasks are lock-guarded so that any number
// of nodes may host them concurrently.
type Controller struct {
	self   models.NodeInfo
	store  *kv.Store
	client *fasthttp.Client
	holder string
	logger *slog.Logger
}

// New builds a controller for the given node identity.
func New(self models.NodeInfo, store *kv.Store) *Controller {
	client := &fasthttp.Client{
		ReadTimeout:              httpTimeout,
		WriteTimeout:             httpTimeout,
		NoDefaultUserAgentHeader: true,
	}
	return &Controller{
		self:   self,
		store:  store,
		client: client,
		holder: uuid.NewString(),
		logger: slog.Default().With("context", "Cluster Controller"),
	}
}

// Start launches the registrar and, when coordinate is true, the reaper,
// the placer and the expiry listener. All loops stop with ctx.
func (c *Controller) Start(ctx context.Context, coordinate bool) error {
	if err := c.Register(ctx); err != nil {
		return err
	}
	go c.runRegistrar(ctx)

	if !coordinate {
		return nil
	}
	if err := c.startExpiryListener(ctx); err != nil {
		return err
	}
	go c.runReaper(ctx)
	go c.runPlacer(ctx)
	return nil
}

// Register asserts this node's liveness key and registry entry once.
func (c *Controller) Register(ctx context.Context) error {
	raw, err := models.EncodeJSON(c.self)
	if err != nil {
		return fmt.Errorf("error encoding node info: %w", err)
	}
	if err := c.store.Set(ctx, models.BeatKey(c.self.Type, c.self.Name), "1", beatTTL); err != nil {
		return err
	}
	return c.store.HSet(ctx, models.RegisterKey(c.self.Type), c.self.Name, string(raw))
}

func (c *Controller) runRegistrar(ctx context.Context) {
	ticker := time.NewTicker(beatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Register(ctx); err != nil {
				c.logger.Error("heartbeat failed", "err", err)
			}
		}
	}
}

// runReaper probes every registered node and fails over the ones that no
// longer answer. The c_beat lock single-threads probing across the cluster.
func (c *Controller) runReaper(ctx context.Context) {
	ticker := time.NewTicker(beatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			got, err := c.store.AcquireLock(ctx, models.ReaperLockKey, c.holder, lockTTL)
			if err != nil {
				c.logger.Error("reaper lock failed", "err", err)
				continue
			}
			if !got {
				continue
			}
			if err := c.reap(ctx); err != nil {
				c.logger.Error("reap cycle failed", "err", err)
			}
			if err := c.store.ReleaseLock(ctx, models.ReaperLockKey, c.holder); err != nil {
				c.logger.Error("reaper unlock failed", "err", err)
			}
		}
	}
}

// reap probes the MQTT registry only. Other node types answer no HTTP
// probe (the TCP listener owns its port); their dead registry entries are
// cleared by the expiry listener instead.
func (c *Controller) reap(ctx context.Context) error {
	reg, err := c.store.HGetAll(ctx, models.RegisterKey(models.ProtocolMQTT))
	if err != nil {
		return err
	}
	for name, raw := range reg {
		var node models.NodeInfo
		if err := models.DecodeJSON([]byte(raw), &node); err != nil {
			c.logger.Warn("malformed registry entry", "name", name, "err", err)
			continue
		}
		if err := c.probe(node); err == nil {
			continue
		}
		c.logger.Warn("node unreachable, failing over", "name", name)
		if err := c.store.HDel(ctx, models.RegisterKey(models.ProtocolMQTT), name); err != nil {
			return err
		}
		if err := c.HandlerOffNode(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// runPlacer drains the unassigned pool. The no_handler_config_lock
// single-threads placement across the cluster.
func (c *Controller) runPlacer(ctx context.Context) {
	ticker := time.NewTicker(beatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			got, err := c.store.AcquireLock(ctx, models.PlacerLockKey, c.holder, lockTTL)
			if err != nil {
				c.logger.Error("placer lock failed", "err", err)
				continue
			}
			if !got {
				continue
			}
			if err := c.Place(ctx); err != nil {
				c.logger.Error("placement cycle failed", "err", err)
			}
			if err := c.store.ReleaseLock(ctx, models.PlacerLockKey, c.holder); err != nil {
				c.logger.Error("placer unlock failed", "err", err)
			}
		}
	}
}

// Place walks a snapshot of the unassigned pool and tries to place every
// config. Configs that cannot be placed stay in the pool for the next tick.
func (c *Controller) Place(ctx context.Context) error {
	pending, err := c.store.LRange(ctx, models.UnassignedPoolKey)
	if err != nil {
		return err
	}
	for _, raw := range pending {
		if _, err := c.PlaceConfig(ctx, raw, ""); err != nil {
			return err
		}
	}
	return nil
}

// PlaceConfig assigns one config to a worker with spare room, skipping
// passNode. The unassigned pool is authoritative: the entry is removed
// only after the worker confirmed the subscription with "ok".
func (c *Controller) PlaceConfig(ctx context.Context, raw string, passNode string) (bool, error) {
	var cfg models.MqttConfig
	if err := models.DecodeJSON([]byte(raw), &cfg); err != nil {
		// A poison entry would wedge the pool forever.
		c.logger.Warn("dropping malformed pool entry", "err", err)
		if _, err := c.store.LRem(ctx, models.UnassignedPoolKey, raw); err != nil {
			return false, err
		}
		return false, nil
	}

	target, found, err := c.pickNode(ctx, models.ProtocolMQTT, passNode)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	addr := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))
	body, err := c.post("http://"+addr+"/create_mqtt", []byte(raw))
	if err != nil {
		c.logger.Warn("placement call failed", "node", target.Name, "client_id", cfg.ClientID, "err", err)
		return false, nil
	}
	if string(body) != "ok" {
		c.logger.Warn("placement refused", "node", target.Name, "client_id", cfg.ClientID, "response", string(body))
		return false, nil
	}

	if err := c.store.SAdd(ctx, models.NodeBindKey(target.Name), cfg.ClientID); err != nil {
		return false, err
	}
	if err := c.store.HSet(ctx, models.AssignedPoolKey, cfg.ClientID, raw); err != nil {
		return false, err
	}
	if _, err := c.store.LRem(ctx, models.UnassignedPoolKey, raw); err != nil {
		return false, err
	}
	c.logger.Info("config placed", "node", target.Name, "client_id", cfg.ClientID)
	return true, nil
}

// RemoveConfig retires a client id wherever it lives. An assigned config
// is unbound first so a concurrent failover cannot re-pool it, then its
// worker is told to drop the subscription. Unknown ids succeed.
func (c *Controller) RemoveConfig(ctx context.Context, clientID string) error {
	reg, err := c.store.HGetAll(ctx, models.RegisterKey(models.ProtocolMQTT))
	if err != nil {
		return err
	}
	for name, raw := range reg {
		ids, err := c.store.SMembers(ctx, models.NodeBindKey(name))
		if err != nil {
			return err
		}
		bound := false
		for _, id := range ids {
			if id == clientID {
				bound = true
				break
			}
		}
		if !bound {
			continue
		}

		if err := c.store.SRem(ctx, models.NodeBindKey(name), clientID); err != nil {
			return err
		}
		if err := c.store.HDel(ctx, models.AssignedPoolKey, clientID); err != nil {
			return err
		}

		var node models.NodeInfo
		if err := models.DecodeJSON([]byte(raw), &node); err != nil {
			c.logger.Warn("malformed registry entry", "name", name, "err", err)
			continue
		}
		addr := net.JoinHostPort(node.Host, strconv.Itoa(node.Port))
		if _, err := c.get("http://" + addr + "/remove_mqtt_client?id=" + clientID); err != nil {
			// A dead worker takes its subscriptions with it.
			c.logger.Warn("worker removal call failed", "node", name, "client_id", clientID, "err", err)
		}
	}

	pending, err := c.store.LRange(ctx, models.UnassignedPoolKey)
	if err != nil {
		return err
	}
	for _, raw := range pending {
		var cfg models.MqttConfig
		if err := models.DecodeJSON([]byte(raw), &cfg); err != nil {
			continue
		}
		if cfg.ClientID != clientID {
			continue
		}
		if _, err := c.store.LRem(ctx, models.UnassignedPoolKey, raw); err != nil {
			return err
		}
	}
	c.logger.Info("config removed", "client_id", clientID)
	return nil
}

// pickNode selects the smallest-capacity registered node of the given
// type that still has spare room. Names are walked in sorted order so
// capacity ties resolve deterministically.
func (c *Controller) pickNode(ctx context.Context, nodeType models.Protocol, passNode string) (models.NodeInfo, bool, error) {
	reg, err := c.store.HGetAll(ctx, models.RegisterKey(nodeType))
	if err != nil {
		return models.NodeInfo{}, false, err
	}

	names := make([]string, 0, len(reg))
	for name := range reg {
		names = append(names, name)
	}
	sort.Strings(names)

	var best models.NodeInfo
	found := false
	for _, name := range names {
		if name == passNode {
			continue
		}
		var node models.NodeInfo
		if err := models.DecodeJSON([]byte(reg[name]), &node); err != nil {
			c.logger.Warn("malformed registry entry", "name", name, "err", err)
			continue
		}
		load, err := c.store.SCard(ctx, models.NodeBindKey(name))
		if err != nil {
			return models.NodeInfo{}, false, err
		}
		if load >= int64(node.Size) {
			continue
		}
		if !found || node.Size < best.Size {
			best = node
			found = true
		}
	}
	return best, found, nil
}

// HandlerOffNode returns every config bound to a dead node to the
// unassigned pool. Idempotent: the reaper and the expiry listener may both
// invoke it for the same node.
func (c *Controller) HandlerOffNode(ctx context.Context, name string) error {
	key := models.NodeBindKey(name)
	ids, err := c.store.SMembers(ctx, key)
	if err != nil {
		return err
	}
	for _, id := range ids {
		raw, ok, err := c.store.HGet(ctx, models.AssignedPoolKey, id)
		if err != nil {
			return err
		}
		if ok {
			if err := c.store.RPush(ctx, models.UnassignedPoolKey, raw); err != nil {
				return err
			}
			if err := c.store.HDel(ctx, models.AssignedPoolKey, id); err != nil {
				return err
			}
		}
		if err := c.store.SRem(ctx, key, id); err != nil {
			return err
		}
	}
	if err := c.store.Del(ctx, key); err != nil {
		return err
	}
	if len(ids) > 0 {
		c.logger.Info("node configs returned to pool", "node", name, "count", len(ids))
	}
	return nil
}

// startExpiryListener reacts to expired beat keys. Missed heartbeats reach
// failover through this path even when no reaper tick is due.
func (c *Controller) startExpiryListener(ctx context.Context) error {
	events, err := c.store.SubscribeExpired(ctx)
	if err != nil {
		return err
	}
	go func() {
		for key := range events {
			nodeType, name, ok := parseBeatKey(key)
			if !ok {
				continue
			}
			c.logger.Warn("node beat expired", "type", nodeType, "name", name)
			if err := c.store.HDel(ctx, models.RegisterKey(nodeType), name); err != nil {
				c.logger.Error("registry cleanup failed", "name", name, "err", err)
				continue
			}
			if err := c.HandlerOffNode(ctx, name); err != nil {
				c.logger.Error("failover failed", "name", name, "err", err)
			}
		}
	}()
	return nil
}

// parseBeatKey splits beat:{type}:{name}; node names may not contain ':'.
func parseBeatKey(key string) (models.Protocol, string, bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 || parts[0] != "beat" {
		return "", "", false
	}
	return models.Protocol(parts[1]), parts[2], true
}

func (c *Controller) probe(node models.NodeInfo) error {
	addr := net.JoinHostPort(node.Host, strconv.Itoa(node.Port))

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI("http://" + addr + "/beat")

	res := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(res)

	if err := c.client.Do(req, res); err != nil {
		return fmt.Errorf("error probing %s: %w", node.Name, err)
	}
	if res.StatusCode() != fasthttp.StatusOK {
		return fmt.Errorf("probe of %s returned status %d", node.Name, res.StatusCode())
	}
	return nil
}

func (c *Controller) get(url string) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(url)

	res := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(res)

	if err := c.client.Do(req, res); err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	if res.StatusCode() > 299 {
		return nil, fmt.Errorf("non-2XX status code: %d", res.StatusCode())
	}
	out := make([]byte, len(res.Body()))
	copy(out, res.Body())
	return out, nil
}

func (c *Controller) post(url string, body []byte) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetRequestURI(url)
	req.SetBody(body)

	res := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(res)

	if err := c.client.Do(req, res); err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	if res.StatusCode() > 299 {
		return nil, fmt.Errorf("non-2XX status code: %d", res.StatusCode())
	}
	out := make([]byte, len(res.Body()))
	copy(out, res.Body())
	return out, nil
}
