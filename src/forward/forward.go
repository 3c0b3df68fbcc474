package forward

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/valyala/fasthttp"

	"github.com/sandrolain/iot-gateway/src/queue"
)

// Sink types accepted by forward_config.
const (
	SinkNone  = "none"
	SinkHTTP  = "http"
	SinkKafka = "kafka"
)

const deliverTimeout = 10 * time.Second

// Config mirrors the forward_config YAML block.
type Config struct {
	Type    string   `yaml:"type" default:"none" validate:"omitempty,oneof=none http kafka"`
	URL     string   `yaml:"url"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Sink delivers one normalized record batch downstream.
type Sink interface {
	Deliver(ctx context.Context, data []byte) error
	Close() error
}

// Forwarder drains the transmit queue into the configured sink. A failed
// delivery leaves the batch unacked so the broker retries it.
type Forwarder struct {
	queue  *queue.Client
	sink   Sink
	logger *slog.Logger
}

// New builds the forwarder and its sink.
func New(cfg Config, q *queue.Client) (*Forwarder, error) {
	logger := slog.Default().With("context", "Forward")
	sink, err := newSink(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Forwarder{
		queue:  q,
		sink:   sink,
		logger: logger,
	}, nil
}

func newSink(cfg Config, logger *slog.Logger) (Sink, error) {
	switch cfg.Type {
	case "", SinkNone:
		return &noneSink{logger: logger}, nil
	case SinkHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("url is required for the http sink")
		}
		return newHTTPSink(cfg.URL), nil
	case SinkKafka:
		if len(cfg.Brokers) == 0 || cfg.Topic == "" {
			return nil, fmt.Errorf("brokers and topic are required for the kafka sink")
		}
		return newKafkaSink(cfg.Brokers, cfg.Topic), nil
	default:
		return nil, fmt.Errorf("unknown forward sink: %s", cfg.Type)
	}
}

// Start consumes the transmit queue until ctx ends.
func (f *Forwarder) Start(ctx context.Context) error {
	return f.queue.Consume(ctx, queue.TransmitHandler, f.handle)
}

func (f *Forwarder) handle(ctx context.Context, data []byte) error {
	if err := f.sink.Deliver(ctx, data); err != nil {
		return fmt.Errorf("error forwarding records: %w", err)
	}
	f.logger.Debug("records forwarded", "bodysize", len(data))
	return nil
}

// Close releases the sink.
func (f *Forwarder) Close() error {
	return f.sink.Close()
}

// noneSink drops batches. It keeps the transmit queue drained on
// deployments without a downstream consumer.
type noneSink struct {
	logger *slog.Logger
}

func (s *noneSink) Deliver(_ context.Context, data []byte) error {
	s.logger.Debug("dropping records, no sink configured", "bodysize", len(data))
	return nil
}

func (s *noneSink) Close() error { return nil }

type httpSink struct {
	url    string
	client *fasthttp.Client
}

func newHTTPSink(url string) *httpSink {
	return &httpSink{
		url: url,
		client: &fasthttp.Client{
			ReadTimeout:              deliverTimeout,
			WriteTimeout:             deliverTimeout,
			NoDefaultUserAgentHeader: true,
		},
	}
}

func (s *httpSink) Deliver(_ context.Context, data []byte) error {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetRequestURI(s.url)
	req.SetBody(data)

	res := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(res)

	if err := s.client.Do(req, res); err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	if res.StatusCode() > 299 {
		return fmt.Errorf("non-2XX status code: %d", res.StatusCode())
	}
	return nil
}

func (s *httpSink) Close() error { return nil }

type kafkaSink struct {
	writer *kafka.Writer
}

func newKafkaSink(brokers []string, topic string) *kafkaSink {
	return &kafkaSink{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

func (s *kafkaSink) Deliver(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()
	if err := s.writer.WriteMessages(ctx, kafka.Message{Value: data}); err != nil {
		return fmt.Errorf("error publishing to Kafka: %w", err)
	}
	return nil
}

func (s *kafkaSink) Close() error {
	return s.writer.Close()
}
