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
	"github.com/sandrolain/iot-gateway/src/script"
)

// WindowEvaluator consumes normalized records and runs predicate scripts
// over the sliding windows of the signals each record touches.
type WindowEvaluator struct {
	store  *kv.Store
	docs   DocInserter
	queue  *queue.Client
	host   *script.Host
	logger *slog.Logger
}

// NewWindowEvaluator assembles the window evaluator.
func NewWindowEvaluator(store *kv.Store, docs DocInserter, q *queue.Client, host *script.Host) *WindowEvaluator {
	return &WindowEvaluator{
		store:  store,
		docs:   docs,
		queue:  q,
		host:   host,
		logger: slog.Default().With("context", "Window Evaluator"),
	}
}

// Start launches the evaluator's queue consumer.
func (e *WindowEvaluator) Start(ctx context.Context) error {
	if err := e.queue.Consume(ctx, queue.WaringDelay, e.handle); err != nil {
		return fmt.Errorf("error starting window evaluator: %w", err)
	}
	return nil
}

func (e *WindowEvaluator) handle(ctx context.Context, data []byte) error {
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

// evaluate gathers every binding the record touches, loads the bound
// windows once, then runs each distinct rule over the collected windows.
func (e *WindowEvaluator) evaluate(ctx context.Context, rec models.NormalizedRecord) error {
	bindings, err := e.loadBindings(ctx)
	if err != nil {
		return err
	}

	names := make(map[string]struct{}, len(rec.DataRows))
	for _, row := range rec.DataRows {
		names[row.Name] = struct{}{}
	}

	params := make(map[string][]models.WindowSample)
	ruleIDs := make(map[int64]struct{})
	for _, b := range bindings {
		if b.DeviceUID != rec.DeviceUID || b.IdentificationCode != rec.IdentificationCode {
			continue
		}
		if _, ok := names[b.SignalName]; !ok {
			continue
		}

		members, err := e.store.ZRangeWithScores(ctx, models.WindowKey(b.DeviceUID, b.IdentificationCode, b.SignalID))
		if err != nil {
			return err
		}
		samples := make([]models.WindowSample, len(members))
		for i, m := range members {
			samples[i] = models.WindowSample{
				Time:  int64(m.Score),
				Value: m.Value,
			}
		}
		params[b.SignalName] = samples
		ruleIDs[b.RuleID] = struct{}{}
	}
	if len(ruleIDs) == 0 {
		return nil
	}

	for id := range ruleIDs {
		source, ok, err := e.store.HGet(ctx, models.WindowRuleHashKey, strconv.FormatInt(id, 10))
		if err != nil {
			return err
		}
		if !ok {
			e.logger.Warn("window rule has no script", "rule", id)
			continue
		}

		fired, err := e.host.Predicate(source, params)
		if err != nil {
			e.logger.Error("window predicate failed", "rule", id, "err", err)
			continue
		}
		if !fired {
			continue
		}

		alert := models.WindowAlert{
			Params:     params,
			Script:     source,
			RuleID:     id,
			InsertTime: time.Now().Unix(),
			UpTime:     rec.Time,
		}
		collection := models.CollectionName(e.docs.ScriptAlertPrefix(), id)
		if err := e.docs.Insert(ctx, collection, alert); err != nil {
			return err
		}
		e.logger.Info("window alert", "device", rec.DeviceUID, "rule", id)
	}
	return nil
}

func (e *WindowEvaluator) loadBindings(ctx context.Context) ([]models.WindowBinding, error) {
	items, err := e.store.LRange(ctx, models.WindowBindingListKey)
	if err != nil {
		return nil, err
	}

	bindings := make([]models.WindowBinding, 0, len(items))
	for _, item := range items {
		var b models.WindowBinding
		if err := models.DecodeJSON([]byte(item), &b); err != nil {
			e.logger.Warn("malformed window binding", "err", err)
			continue
		}
		bindings = append(bindings, b)
	}
	return bindings, nil
}
