package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/sandrolain/iot-gateway/src/alerting"
	"github.com/sandrolain/iot-gateway/src/cluster"
	"github.com/sandrolain/iot-gateway/src/config"
	"github.com/sandrolain/iot-gateway/src/devauth"
	"github.com/sandrolain/iot-gateway/src/docstore"
	"github.com/sandrolain/iot-gateway/src/forward"
	"github.com/sandrolain/iot-gateway/src/httpapi"
	"github.com/sandrolain/iot-gateway/src/ingest"
	"github.com/sandrolain/iot-gateway/src/kv"
	"github.com/sandrolain/iot-gateway/src/listeners/coapingest"
	"github.com/sandrolain/iot-gateway/src/listeners/httpingest"
	"github.com/sandrolain/iot-gateway/src/listeners/tcpingest"
	"github.com/sandrolain/iot-gateway/src/listeners/wsingest"
	"github.com/sandrolain/iot-gateway/src/models"
	"github.com/sandrolain/iot-gateway/src/mqttworker"
	"github.com/sandrolain/iot-gateway/src/queue"
	"github.com/sandrolain/iot-gateway/src/script"
	"github.com/sandrolain/iot-gateway/src/tsdb"
)

func main() {
	w := os.Stdout

	// Set global logger with custom options
	slog.SetDefault(slog.New(
		tint.NewHandler(w, &tint.Options{
			Level:      slog.LevelDebug,
			TimeFormat: time.Kitchen,
		}),
	))

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := kv.New(cfg.Redis)
	if err != nil {
		slog.Error("failed to connect to key-value store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	qc, err := queue.New(cfg.MQ)
	if err != nil {
		slog.Error("failed to connect to queue broker", "error", err)
		os.Exit(1)
	}
	defer qc.Close()

	if err := qc.DeclareAll(); err != nil {
		slog.Error("failed to declare queues", "error", err)
		os.Exit(1)
	}

	var writer *tsdb.Writer
	if cfg.Influx != nil {
		writer, err = tsdb.New(*cfg.Influx)
		if err != nil {
			slog.Error("failed to connect to time-series store", "error", err)
			os.Exit(1)
		}
		defer writer.Close()
	}

	var docs *docstore.Client
	if cfg.Mongo != nil {
		docs, err = docstore.New(*cfg.Mongo)
		if err != nil {
			slog.Error("failed to connect to document store", "error", err)
			os.Exit(1)
		}
		defer docs.Close()
	}

	node := cfg.Node
	host := script.New(cfg.Script)
	auth := devauth.New(store)
	ctrl := cluster.New(node, store)

	switch node.Type {
	case models.ProtocolMQTT:
		worker := mqttworker.New(node, qc)
		defer worker.Close()

		api := httpapi.New(node, store, worker, ctrl)
		if err := api.Start(); err != nil {
			slog.Error("failed to start node HTTP server", "error", err)
			os.Exit(1)
		}
		defer api.Close()

		// A restarted node owns no sessions; hand its stale assignments
		// back to the pool before the placer runs.
		if err := ctrl.HandlerOffNode(ctx, node.Name); err != nil {
			slog.Error("failed to recover stranded configs", "error", err)
			os.Exit(1)
		}
		if err := ctrl.Start(ctx, true); err != nil {
			slog.Error("failed to start cluster controller", "error", err)
			os.Exit(1)
		}

	case models.ProtocolHTTP:
		l := httpingest.New(node, auth, qc)
		if err := l.Start(); err != nil {
			slog.Error("failed to start HTTP listener", "error", err)
			os.Exit(1)
		}
		defer l.Close()
		if err := ctrl.Start(ctx, false); err != nil {
			slog.Error("failed to start cluster registrar", "error", err)
			os.Exit(1)
		}

	case models.ProtocolWS:
		l := wsingest.New(node, store, auth, qc)
		if err := l.Start(); err != nil {
			slog.Error("failed to start WebSocket listener", "error", err)
			os.Exit(1)
		}
		defer l.Close()
		if err := ctrl.Start(ctx, false); err != nil {
			slog.Error("failed to start cluster registrar", "error", err)
			os.Exit(1)
		}

	case models.ProtocolCoAP:
		l := coapingest.New(node, auth, qc)
		if err := l.Start(); err != nil {
			slog.Error("failed to start CoAP listener", "error", err)
			os.Exit(1)
		}
		defer l.Close()
		if err := ctrl.Start(ctx, false); err != nil {
			slog.Error("failed to start cluster registrar", "error", err)
			os.Exit(1)
		}

	case models.ProtocolTCP:
		l := tcpingest.New(node, auth, qc)
		if err := l.Start(); err != nil {
			slog.Error("failed to start TCP listener", "error", err)
			os.Exit(1)
		}
		defer l.Close()
		if err := ctrl.Start(ctx, false); err != nil {
			slog.Error("failed to start cluster registrar", "error", err)
			os.Exit(1)
		}

	default:
		slog.Error("unsupported node type", "type", node.Type)
		os.Exit(1)
	}

	if writer != nil {
		pipe := ingest.New(store, writer, qc, host)
		if err := pipe.Start(ctx, node.Type); err != nil {
			slog.Error("failed to start ingestion pipeline", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("time-series store not configured, ingestion disabled")
	}

	if docs != nil {
		if err := alerting.NewRangeEvaluator(store, docs, qc).Start(ctx); err != nil {
			slog.Error("failed to start range evaluator", "error", err)
			os.Exit(1)
		}
		if err := alerting.NewWindowEvaluator(store, docs, qc, host).Start(ctx); err != nil {
			slog.Error("failed to start window evaluator", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("document store not configured, alert evaluators disabled")
	}

	fwd, err := forward.New(cfg.Forward, qc)
	if err != nil {
		slog.Error("failed to build forwarder", "error", err)
		os.Exit(1)
	}
	defer fwd.Close()
	if err := fwd.Start(ctx); err != nil {
		slog.Error("failed to start forwarder", "error", err)
		os.Exit(1)
	}

	slog.Info("gateway node started", "name", node.Name, "type", node.Type, "port", node.Port)

	<-ctx.Done()
	slog.Info("shutting down")
}
