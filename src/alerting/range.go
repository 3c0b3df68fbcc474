package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/sandrolain/iot-gateway/src/kv"
	"github.com/sandrolain/iot-gateway/src/models"
	"github.com/sandrolain/iot-gateway/src/queue"
)

// DocInserter is the slice of the document store the evaluators need.
type DocInserter interface {
	AlertPrefix() string
	ScriptAlertPrefix() string
	Insert(ctx context.Context, collection string, doc any) error
}

// RangeEvaluator consumes normalized records and applies per-sample
// threshold rules, writing one alert document per hit.
type RangeEvaluator struct {
	store  *kv.Store
	docs   DocInserter
	queue  *queue.Client
	logger *slog.Logger
}

// NewRangeEvaluator assembles the threshold evaluator.
func NewRangeEvaluator(store *kv.Store, docs DocInserter, q *queue.Client) *RangeEvaluator {
	return &RangeEvaluator{
		store:  store,
		docs:   docs,
		queue:  q,
		logger: slog.Default().With("context", "Range Evaluator"),
	}
}

// Start launches the evaluator's queue consumer.
func (e *RangeEvaluator) Start(ctx context.Context) error {
	if err := e.queue.Consume(ctx, queue.WaringHandler, e.handle); err != nil {
		return fmt.Errorf("error starting range evaluator: %w", err)
	}
	return nil
}

func (e *RangeEvaluator) handle(ctx context.Context, data []byte) error {
	recs, err := models.DecodeRecords(data)
	if err != nil {
		e.logger.Error("dropping malformed record batch", "err", err)
		return nil
	}
	for _, rec := range recs {
		if err := e.evaluate(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (e *RangeEvaluator) evaluate(ctx context.Context, rec models.NormalizedRecord) error {
	signals, err := loadSignals(ctx, e.store, e.logger, rec.DeviceUID, rec.IdentificationCode)
	if err != nil {
		return err
	}

	for _, row := range rec.DataRows {
		sig, ok := signals[row.Name]
		if !ok {
			continue
		}

		rules, err := e.loadRules(ctx, sig.ID)
		if err != nil {
			return err
		}
		if len(rules) == 0 {
			continue
		}

		v, err := strconv.ParseFloat(row.Value, 64)
		if err != nil {
			e.logger.Debug("skipping non-numeric value",
				"device", rec.DeviceUID, "signal", row.Name, "value", row.Value)
			continue
		}

		for _, rule := range rules {
			if !rule.Hit(v) {
				continue
			}

			alert := models.RangeAlert{
				DeviceUID:  rec.DeviceUID,
				SignalName: row.Name,
				SignalID:   sig.ID,
				Value:      v,
				RuleID:     rule.ID,
				InsertTime: time.Now().Unix(),
				UpTime:     rec.Time,
			}
			collection := models.CollectionName(e.docs.AlertPrefix(), rule.ID)
			if err := e.docs.Insert(ctx, collection, alert); err != nil {
				return err
			}
			e.logger.Info("range alert",
				"device", rec.DeviceUID, "signal", row.Name, "rule", rule.ID, "value", v)
		}
	}
	return nil
}

func (e *RangeEvaluator) loadRules(ctx context.Context, signalID int64) ([]models.RangeRule, error) {
	items, err := e.store.LRange(ctx, models.RangeRuleKey(signalID))
	if err != nil {
		return nil, err
	}

	rules := make([]models.RangeRule, 0, len(items))
	for _, item := range items {
		var rule models.RangeRule
		if err := models.DecodeJSON([]byte(item), &rule); err != nil {
			e.logger.Warn("malformed range rule", "signal", signalID, "err", err)
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// loadSignals indexes a device's signal list by name, skipping malformed
// entries.
func loadSignals(ctx context.Context, store *kv.Store, logger *slog.Logger, uid, code string) (map[string]models.Signal, error) {
	items, err := store.LRange(ctx, models.SignalKey(uid, code))
	if err != nil {
		return nil, err
	}

	signals := make(map[string]models.Signal, len(items))
	for _, item := range items {
		var sig models.Signal
		if err := models.DecodeJSON([]byte(item), &sig); err != nil {
			logger.Warn("malformed signal record", "device", uid, "code", code, "err", err)
			continue
		}
		signals[sig.Name] = sig
	}
	return signals, nil
}
