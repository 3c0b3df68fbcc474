package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Config mirrors the mq_config YAML block.
type Config struct {
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" default:"4222" validate:"gt=0"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Queue names reserved by the gateway. Every node declares the full
// inventory at boot so any node can publish to any of them.
const (
	PreHandler      = "pre_handler"
	PreTCPHandler   = "pre_tcp_handler"
	PreHTTPHandler  = "pre_http_handler"
	PreWSHandler    = "pre_ws_handler"
	PreCoAPHandler  = "pre_coap_handler"
	WaringHandler   = "waring_handler"
	WaringDelay     = "waring_delay_handler"
	TransmitHandler = "transmit_handler"
	WaringNotice    = "waring_notice"
	CalcQueue       = "calc_queue"
)

// Inventory lists every reserved queue.
var Inventory = []string{
	PreHandler,
	PreTCPHandler,
	PreHTTPHandler,
	PreWSHandler,
	PreCoAPHandler,
	WaringHandler,
	WaringDelay,
	TransmitHandler,
	WaringNotice,
	CalcQueue,
}

const (
	// prefetch bounds in-flight work per consumer; script evaluation is
	// synchronous and must not starve the rest of the batch.
	prefetch  = 16
	fetchWait = 5 * time.Second
	ackWait   = 30 * time.Second
)

// Handler processes one queue message. A non-nil error leaves the message
// unacked so the broker redelivers it after the ack deadline.
type Handler func(ctx context.Context, data []byte) error

// Client wraps a JetStream connection with durable work-queue semantics:
// one stream per queue, explicit acks, competing pull consumers.
type Client struct {
	cfg    Config
	logger *slog.Logger
	nc     *nats.Conn
	js     nats.JetStreamContext
}

// New connects to the broker and obtains a JetStream context.
func New(cfg Config) (*Client, error) {
	url := fmt.Sprintf("nats://%s:%d", cfg.Host, cfg.Port)

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("error connecting to queue broker: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("error obtaining JetStream context: %w", err)
	}

	logger := slog.Default().With("context", "Queue")
	logger.Info("queue broker connected", "url", url)

	return &Client{
		cfg:    cfg,
		logger: logger,
		nc:     nc,
		js:     js,
	}, nil
}

func consumerName(queue string) string {
	return queue + "_consumer"
}

// Declare creates the durable queue and its consumer when absent. Calling
// it again for an existing queue is a no-op.
func (c *Client) Declare(name string) error {
	if _, err := c.js.StreamInfo(name); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("error checking queue %s: %w", name, err)
		}
		_, err = c.js.AddStream(&nats.StreamConfig{
			Name:      name,
			Subjects:  []string{name},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
		})
		if err != nil {
			return fmt.Errorf("error declaring queue %s: %w", name, err)
		}
		c.logger.Debug("queue declared", "queue", name)
	}

	durable := consumerName(name)
	if _, err := c.js.ConsumerInfo(name, durable); err != nil {
		if !errors.Is(err, nats.ErrConsumerNotFound) {
			return fmt.Errorf("error checking consumer for %s: %w", name, err)
		}
		_, err = c.js.AddConsumer(name, &nats.ConsumerConfig{
			Durable:       durable,
			AckPolicy:     nats.AckExplicitPolicy,
			AckWait:       ackWait,
			MaxAckPending: prefetch,
		})
		if err != nil {
			return fmt.Errorf("error declaring consumer for %s: %w", name, err)
		}
	}
	return nil
}

// DeclareAll declares the whole reserved inventory.
func (c *Client) DeclareAll() error {
	for _, q := range Inventory {
		if err := c.Declare(q); err != nil {
			return err
		}
	}
	return nil
}

// Publish enqueues one message.
func (c *Client) Publish(queue string, data []byte) error {
	if _, err := c.js.Publish(queue, data); err != nil {
		return fmt.Errorf("error publishing to %s: %w", queue, err)
	}
	return nil
}

// Depth returns the number of messages currently stored in a queue.
func (c *Client) Depth(queue string) (uint64, error) {
	info, err := c.js.StreamInfo(queue)
	if err != nil {
		return 0, fmt.Errorf("error inspecting %s: %w", queue, err)
	}
	return info.State.Msgs, nil
}

// Consume binds the queue's durable consumer and pulls messages until ctx
// ends. Handling is sequential within one Consume call.
func (c *Client) Consume(ctx context.Context, queue string, handler Handler) error {
	durable := consumerName(queue)
	sub, err := c.js.PullSubscribe(queue, durable, nats.Bind(queue, durable))
	if err != nil {
		return fmt.Errorf("error binding consumer for %s: %w", queue, err)
	}

	go c.pull(ctx, queue, sub, handler)

	c.logger.Info("consumer started", "queue", queue)
	return nil
}

func (c *Client) pull(ctx context.Context, queue string, sub *nats.Subscription, handler Handler) {
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn("error unsubscribing", "queue", queue, "err", err)
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		msgs, err := sub.Fetch(prefetch, nats.MaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("error fetching from queue", "queue", queue, "err", err)
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range msgs {
			if err := handler(ctx, msg.Data); err != nil {
				c.logger.Error("message handling failed", "queue", queue, "err", err)
				continue
			}
			if err := msg.Ack(); err != nil {
				c.logger.Warn("ack failed", "queue", queue, "err", err)
			}
		}
	}
}

// Close drains the connection.
func (c *Client) Close() error {
	if c.nc != nil {
		c.nc.Close()
		c.nc = nil
	}
	return nil
}
