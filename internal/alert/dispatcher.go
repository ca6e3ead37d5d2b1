package alert

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/senni000/crypto-data-binance/internal/storage"
)

const minPollInterval = 500 * time.Millisecond

// retryLimitMessage marks entries that exhausted their attempts before a try.
const retryLimitMessage = "Retry limit reached"

// QueueStore is the persistence surface of the dispatcher.
type QueueStore interface {
	GetPendingAlerts(ctx context.Context, limit int) ([]storage.AlertQueueRecord, error)
	MarkAlertAttempt(ctx context.Context, id int64) error
	MarkAlertProcessed(ctx context.Context, id int64, clearError bool) error
	MarkAlertFailure(ctx context.Context, id int64, message string) error
}

// Sink delivers an alert to the external channel.
type Sink interface {
	SendCvdAlert(ctx context.Context, payload CvdAlertPayload) error
}

// DispatcherOptions tune the drain loop.
type DispatcherOptions struct {
	PollInterval time.Duration // default 2s, min 500ms
	BatchSize    int           // default 20
	MaxAttempts  int           // default 5
}

func (o DispatcherOptions) withDefaults() DispatcherOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.PollInterval < minPollInterval {
		o.PollInterval = minPollInterval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 20
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	return o
}

// Dispatcher drains the durable alert queue into the sink with bounded
// retries per entry.
type Dispatcher struct {
	store  QueueStore
	sink   Sink
	opts   DispatcherOptions
	logger zerolog.Logger

	processing atomic.Bool
	sent       chan int64
	failed     chan int64
}

// NewDispatcher constructs the dispatcher.
func NewDispatcher(store QueueStore, sink Sink, opts DispatcherOptions, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		sink:   sink,
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "alert_dispatcher").Logger(),
		sent:   make(chan int64, 16),
		failed: make(chan int64, 16),
	}
}

// Sent signals ids of successfully dispatched alerts.
func (d *Dispatcher) Sent() <-chan int64 { return d.sent }

// Failed signals ids of failed attempts, terminal or not.
func (d *Dispatcher) Failed() <-chan int64 { return d.failed }

// Run drains until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		d.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.opts.PollInterval):
		}
	}
}

// ProcessOnce drains one batch. Re-entrant calls are rejected while a pass
// is in flight.
func (d *Dispatcher) ProcessOnce(ctx context.Context) {
	if !d.processing.CompareAndSwap(false, true) {
		return
	}
	defer d.processing.Store(false)

	batch, err := d.store.GetPendingAlerts(ctx, d.opts.BatchSize)
	if err != nil {
		d.logger.Error().Err(err).Msg("read pending alerts failed")
		return
	}
	for _, rec := range batch {
		if ctx.Err() != nil {
			return
		}
		if rec.AttemptCount >= d.opts.MaxAttempts {
			d.settleExhausted(ctx, rec)
			continue
		}
		d.dispatch(ctx, rec)
	}
}

// settleExhausted terminally marks an entry that already burned its budget.
func (d *Dispatcher) settleExhausted(ctx context.Context, rec storage.AlertQueueRecord) {
	if err := d.store.MarkAlertFailure(ctx, rec.ID, retryLimitMessage); err != nil {
		d.logger.Error().Err(err).Int64("id", rec.ID).Msg("mark failure failed")
		return
	}
	if err := d.store.MarkAlertProcessed(ctx, rec.ID, false); err != nil {
		d.logger.Error().Err(err).Int64("id", rec.ID).Msg("mark processed failed")
		return
	}
	d.logger.Warn().Int64("id", rec.ID).Int("attempts", rec.AttemptCount).Msg("alert retries exhausted")
	d.emit(d.failed, rec.ID)
}

func (d *Dispatcher) dispatch(ctx context.Context, rec storage.AlertQueueRecord) {
	if err := d.store.MarkAlertAttempt(ctx, rec.ID); err != nil {
		d.logger.Error().Err(err).Int64("id", rec.ID).Msg("mark attempt failed")
		return
	}

	var payload CvdAlertPayload
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		d.fail(ctx, rec, "malformed payload: "+err.Error())
		return
	}
	if err := d.sink.SendCvdAlert(ctx, payload); err != nil {
		d.fail(ctx, rec, err.Error())
		return
	}

	if err := d.store.MarkAlertProcessed(ctx, rec.ID, true); err != nil {
		d.logger.Error().Err(err).Int64("id", rec.ID).Msg("mark processed failed")
		return
	}
	d.logger.Info().Int64("id", rec.ID).Str("symbol", rec.Symbol).Msg("alert dispatched")
	d.emit(d.sent, rec.ID)
}

// fail records the error and terminally settles the entry when this attempt
// was the last one.
func (d *Dispatcher) fail(ctx context.Context, rec storage.AlertQueueRecord, message string) {
	if err := d.store.MarkAlertFailure(ctx, rec.ID, message); err != nil {
		d.logger.Error().Err(err).Int64("id", rec.ID).Msg("mark failure failed")
	}
	if rec.AttemptCount+1 >= d.opts.MaxAttempts {
		if err := d.store.MarkAlertProcessed(ctx, rec.ID, false); err != nil {
			d.logger.Error().Err(err).Int64("id", rec.ID).Msg("mark processed failed")
		}
	}
	d.logger.Warn().Int64("id", rec.ID).Int("attempt", rec.AttemptCount+1).Str("error", message).Msg("alert dispatch failed")
	d.emit(d.failed, rec.ID)
}

func (d *Dispatcher) emit(ch chan int64, id int64) {
	select {
	case ch <- id:
	default:
	}
}
