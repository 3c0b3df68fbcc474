package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/sandrolain/iot-gateway/src/kv"
	"github.com/sandrolain/iot-gateway/src/models"
	"github.com/sandrolain/iot-gateway/src/queue"
	"github.com/sandrolain/iot-gateway/src/script"
)

// Field names seeded into every stored point.
const (
	fieldStorageTime = "storage_time"
	fieldPushTime    = "push_time"
	fieldTimeSub     = "time-sub"
)

// fanout lists the queues every normalized record array is multiplexed to.
var fanout = []string{queue.WaringHandler, queue.WaringDelay, queue.TransmitHandler}

// PointWriter is the slice of the time-series client the pipeline needs.
type PointWriter interface {
	BucketPrefix() string
	Write(ctx context.Context, bucket, measurement string, fields map[string]any) error
}

// Pipeline consumes the raw-protocol queues: it runs the device's
// transformation script, persists points, maintains sliding windows and
// fans the records out to the evaluation queues.
type Pipeline struct {
	store  *kv.Store
	writer PointWriter
	queue  *queue.Client
	host   *script.Host
	logger *slog.Logger
}

// New assembles a pipeline. writer may be nil when no time-series store is
// configured; points are then skipped while windows and markers still run.
func New(store *kv.Store, writer PointWriter, q *queue.Client, host *script.Host) *Pipeline {
	return &Pipeline{
		store:  store,
		writer: writer,
		queue:  q,
		host:   host,
		logger: slog.Default().With("context", "Ingest Pipeline"),
	}
}

// Start launches the raw-queue consumer for one protocol. Messages are
// handled sequentially within the consumer.
func (g *Pipeline) Start(ctx context.Context, p models.Protocol) error {
	if err := g.queue.Consume(ctx, p.RawQueue(), g.handler(p)); err != nil {
		return fmt.Errorf("error starting %s consumer: %w", p, err)
	}
	return nil
}

func (g *Pipeline) handler(p models.Protocol) queue.Handler {
	return func(ctx context.Context, data []byte) error {
		return g.process(ctx, p, data)
	}
}

// process implements the per-message contract: device input errors are
// logged and acked, infrastructure errors propagate so the message
// redelivers.
func (g *Pipeline) process(ctx context.Context, p models.Protocol, data []byte) error {
	id, payload, err := decodeEnvelope(p, data)
	if err != nil {
		g.logger.Error("dropping malformed envelope", "protocol", p, "err", err)
		return nil
	}

	source, ok, err := g.store.HGet(ctx, p.ScriptHash(), id)
	if err != nil {
		return fmt.Errorf("error loading script: %w", err)
	}
	if !ok {
		g.logger.Warn("no transformation script for device", "protocol", p, "device", id)
		return nil
	}

	out, err := g.host.Transform(source, payload)
	if err != nil {
		g.logger.Error("transformation script failed", "protocol", p, "device", id, "err", err)
		return nil
	}

	recs, err := models.DecodeRecords(out)
	if err != nil {
		g.logger.Error("script output is not a record array", "protocol", p, "device", id, "err", err)
		return nil
	}

	for i := range recs {
		recs[i].Protocol = p.Stamp()
		if err := g.storeRecord(ctx, recs[i]); err != nil {
			return err
		}
	}

	batch, err := models.EncodeRecords(recs)
	if err != nil {
		return err
	}
	for _, q := range fanout {
		if err := g.queue.Publish(q, batch); err != nil {
			return err
		}
	}
	return nil
}

// decodeEnvelope extracts the device id and raw payload from a raw-queue
// message. MQTT keeps its legacy envelope shape.
func decodeEnvelope(p models.Protocol, data []byte) (string, string, error) {
	if p == models.ProtocolMQTT {
		var env models.RawMQTTMessage
		if err := models.DecodeJSON(data, &env); err != nil {
			return "", "", fmt.Errorf("malformed envelope: %w", err)
		}
		if env.MQTTClientID == "" {
			return "", "", errors.New("envelope missing mqtt_client_id")
		}
		return env.MQTTClientID, env.Message, nil
	}

	var env models.RawDeviceMessage
	if err := models.DecodeJSON(data, &env); err != nil {
		return "", "", fmt.Errorf("malformed envelope: %w", err)
	}
	if env.UID == "" {
		return "", "", errors.New("envelope missing uid")
	}
	return env.UID, env.Message, nil
}

// storeRecord persists one normalized record: point fields typed per
// signal, sliding-window appends, and the last-write marker. A device uid
// that does not parse as an integer fails the whole record.
func (g *Pipeline) storeRecord(ctx context.Context, rec models.NormalizedRecord) error {
	uid, err := strconv.ParseInt(rec.DeviceUID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid device uid %q: %w", rec.DeviceUID, err)
	}

	signals, err := g.loadSignals(ctx, rec.DeviceUID, rec.IdentificationCode)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	fields := map[string]any{
		fieldStorageTime: now,
		fieldPushTime:    rec.Time,
		fieldTimeSub:     now - rec.Time,
	}

	for _, row := range rec.DataRows {
		sig, ok := signals[row.Name]
		if !ok {
			g.logger.Warn("unknown signal",
				"device", rec.DeviceUID, "code", rec.IdentificationCode, "signal", row.Name)
			continue
		}

		key := strconv.FormatInt(sig.ID, 10)
		if sig.Numeric() {
			v, err := strconv.ParseFloat(row.Value, 64)
			if err != nil {
				g.logger.Warn("non-numeric value for numeric signal",
					"device", rec.DeviceUID, "signal", row.Name, "value", row.Value)
				continue
			}
			fields[key] = v
		} else {
			fields[key] = row.Value
		}

		if sig.CacheSize > 0 {
			if err := g.appendWindow(ctx, rec.DeviceUID, rec.IdentificationCode, sig, row.Value); err != nil {
				return err
			}
		}
	}

	if g.writer != nil {
		bucket := models.BucketName(g.writer.BucketPrefix(), rec.Protocol, uid)
		measurement := models.MeasurementName(rec.Protocol, rec.DeviceUID, rec.IdentificationCode)
		if err := g.writer.Write(ctx, bucket, measurement, fields); err != nil {
			return err
		}
	}

	marker := models.StorageTimeKey(rec.Protocol, rec.DeviceUID, rec.IdentificationCode)
	if err := g.store.Set(ctx, marker, strconv.FormatInt(now, 10), 0); err != nil {
		return err
	}
	return nil
}

// appendWindow adds one value to the signal's sliding window, evicting the
// oldest element first when the window is full.
func (g *Pipeline) appendWindow(ctx context.Context, uid, code string, sig models.Signal, value string) error {
	key := models.WindowKey(uid, code, sig.ID)

	card, err := g.store.ZCard(ctx, key)
	if err != nil {
		return err
	}
	if card >= sig.CacheSize {
		if err := g.store.ZRemFirst(ctx, key); err != nil {
			return err
		}
	}

	return g.store.ZAdd(ctx, key, float64(time.Now().UnixMilli()), value)
}

// loadSignals indexes the device's signal list by name. Malformed entries
// are skipped.
func (g *Pipeline) loadSignals(ctx context.Context, uid, code string) (map[string]models.Signal, error) {
	items, err := g.store.LRange(ctx, models.SignalKey(uid, code))
	if err != nil {
		return nil, err
	}

	signals := make(map[string]models.Signal, len(items))
	for _, item := range items {
		var sig models.Signal
		if err := models.DecodeJSON([]byte(item), &sig); err != nil {
			g.logger.Warn("malformed signal record", "device", uid, "code", code, "err", err)
			continue
		}
		signals[sig.Name] = sig
	}
	return signals, nil
}
