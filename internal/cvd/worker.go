package cvd

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/senni000/crypto-data-binance/internal/alert"
	"github.com/senni000/crypto-data-binance/internal/market"
	"github.com/senni000/crypto-data-binance/internal/storage"
)

// processName keys the worker's checkpoints in processing_state.
const processName = "cvd_aggregator"

const minPollInterval = 500 * time.Millisecond

// Store is the persistence surface the worker needs.
type Store interface {
	GetTradeDataSinceRowID(ctx context.Context, filters []market.StreamSpec, lastRowID int64, limit int) ([]storage.TradeRow, error)
	InsertCvdRecords(ctx context.Context, records []market.CvdRecord) error
	ListCvdRecordsSince(ctx context.Context, aggregatorID string, since int64) ([]market.CvdRecord, error)
	GetProcessingState(ctx context.Context, process, key string) (*storage.ProcessingState, error)
	SaveProcessingState(ctx context.Context, process, key string, lastRowID, lastTimestamp int64) error
	EnqueueAlert(ctx context.Context, p storage.AlertEnqueueParams) (int64, error)
	HasRecentAlertOrPending(ctx context.Context, alertType, symbol string, sinceTs int64) (bool, error)
}

// WorkerOptions tune the aggregation loop.
type WorkerOptions struct {
	BatchSize         int           // default 500
	PollInterval      time.Duration // default 2s, min 500ms
	LogThreshold      float64       // T_log, default 2.0
	SuppressionWindow time.Duration // default 30m
	HistoryWindow     time.Duration // default 72h
	AlertsEnabled     bool          // global gate
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.PollInterval < minPollInterval {
		o.PollInterval = minPollInterval
	}
	if o.LogThreshold <= 0 {
		o.LogThreshold = 2.0
	}
	if o.SuppressionWindow <= 0 {
		o.SuppressionWindow = 30 * time.Minute
	}
	if o.HistoryWindow <= 0 {
		o.HistoryWindow = DefaultHistoryWindow
	}
	return o
}

type aggregatorState struct {
	cfg       GroupConfig
	agg       *Aggregator
	lastRowID int64
	loaded    bool
}

// Worker polls new trade rows by cursor and feeds them through the
// per-group incremental statistics, enqueueing alerts via the store.
type Worker struct {
	store  Store
	groups []*aggregatorState
	opts   WorkerOptions
	logger zerolog.Logger
	now    func() time.Time

	processing atomic.Bool
	idle       chan struct{}
}

// NewWorker constructs a worker over the configured groups.
func NewWorker(store Store, groups []GroupConfig, opts WorkerOptions, logger zerolog.Logger) *Worker {
	opts = opts.withDefaults()
	states := make([]*aggregatorState, 0, len(groups))
	for _, g := range groups {
		states = append(states, &aggregatorState{
			cfg: g,
			agg: NewAggregator(g.ID, opts.HistoryWindow),
		})
	}
	return &Worker{
		store:  store,
		groups: states,
		opts:   opts,
		logger: logger.With().Str("component", "cvd_worker").Logger(),
		now:    time.Now,
		idle:   make(chan struct{}, 1),
	}
}

// Idle signals after each pass that found no further work.
func (w *Worker) Idle() <-chan struct{} { return w.idle }

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		w.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.opts.PollInterval):
		}
	}
}

// ProcessOnce drains available batches for every aggregator in declared
// order. Re-entrant calls are rejected while a pass is in flight.
func (w *Worker) ProcessOnce(ctx context.Context) {
	if !w.processing.CompareAndSwap(false, true) {
		return
	}
	defer w.processing.Store(false)

	for _, st := range w.groups {
		if ctx.Err() != nil {
			return
		}
		if err := w.processAggregator(ctx, st); err != nil {
			w.logger.Error().Err(err).Str("aggregator", st.cfg.ID).Msg("aggregation pass failed")
		}
	}
	select {
	case w.idle <- struct{}{}:
	default:
	}
}

func (w *Worker) processAggregator(ctx context.Context, st *aggregatorState) error {
	if !st.loaded {
		if err := w.loadState(ctx, st); err != nil {
			return err
		}
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		batch, err := w.store.GetTradeDataSinceRowID(ctx, st.cfg.Streams, st.lastRowID, w.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("read trade batch: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		records := make([]market.CvdRecord, 0, len(batch))
		maxRowID := st.lastRowID
		var lastTs int64
		for _, row := range batch {
			rec := st.agg.Process(row.Trade)
			records = append(records, rec)
			if row.RowID > maxRowID {
				maxRowID = row.RowID
			}
			lastTs = row.Timestamp
		}
		if err := w.store.InsertCvdRecords(ctx, records); err != nil {
			return fmt.Errorf("persist cvd records: %w", err)
		}
		for _, rec := range records {
			if err := w.maybeAlert(ctx, st, rec); err != nil {
				w.logger.Warn().Err(err).Str("aggregator", st.cfg.ID).Msg("alert evaluation failed")
			}
		}
		st.lastRowID = maxRowID
		if err := w.store.SaveProcessingState(ctx, processName, st.cfg.ID, maxRowID, lastTs); err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		if len(batch) < w.opts.BatchSize {
			return nil
		}
	}
}

// loadState restores the cursor and re-seeds the rolling window from the
// persisted series.
func (w *Worker) loadState(ctx context.Context, st *aggregatorState) error {
	state, err := w.store.GetProcessingState(ctx, processName, st.cfg.ID)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if state != nil {
		st.lastRowID = state.LastRowID
	}
	since := w.now().Add(-w.opts.HistoryWindow).UnixMilli()
	records, err := w.store.ListCvdRecordsSince(ctx, st.cfg.ID, since)
	if err != nil {
		return fmt.Errorf("load cvd history: %w", err)
	}
	st.agg.Seed(records)
	st.loaded = true
	w.logger.Info().Str("aggregator", st.cfg.ID).Int64("last_row_id", st.lastRowID).
		Int("window_points", len(records)).Msg("aggregator state loaded")
	return nil
}

// maybeAlert applies the log-domain threshold, the enable flags and the
// suppression window, then enqueues the payload.
func (w *Worker) maybeAlert(ctx context.Context, st *aggregatorState, rec market.CvdRecord) error {
	if !w.opts.AlertsEnabled || !st.cfg.AlertsEnabled {
		return nil
	}
	source, triggerZ := TriggerOf(rec)
	if !ExceedsThreshold(triggerZ, w.opts.LogThreshold) {
		return nil
	}
	since := w.now().Add(-w.opts.SuppressionWindow).UnixMilli()
	suppressed, err := w.store.HasRecentAlertOrPending(ctx, alert.AlertTypeCvdZScore, st.cfg.ID, since)
	if err != nil {
		return fmt.Errorf("suppression check: %w", err)
	}
	if suppressed {
		return nil
	}

	payload := alert.CvdAlertPayload{
		AlertType:        alert.AlertTypeCvdZScore,
		Symbol:           st.cfg.ID,
		DisplayName:      st.cfg.DisplayName,
		Timestamp:        rec.Timestamp,
		TriggerSource:    source,
		ZScore:           rec.ZScore,
		DeltaZScore:      rec.DeltaZScore,
		Delta:            rec.Delta,
		CumulativeValue:  rec.CvdValue,
		Threshold:        w.opts.LogThreshold,
		RawThreshold:     math.Exp(w.opts.LogThreshold),
		LogTriggerZScore: SignedLog(triggerZ),
		RawTriggerZScore: triggerZ,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	id, err := w.store.EnqueueAlert(ctx, storage.AlertEnqueueParams{
		AlertType:       alert.AlertTypeCvdZScore,
		Symbol:          st.cfg.ID,
		Timestamp:       rec.Timestamp,
		TriggerSource:   source,
		TriggerZScore:   triggerZ,
		ZScore:          rec.ZScore,
		Delta:           rec.Delta,
		DeltaZScore:     rec.DeltaZScore,
		Threshold:       w.opts.LogThreshold,
		CumulativeValue: rec.CvdValue,
		Payload:         body,
	})
	if err != nil {
		return fmt.Errorf("enqueue alert: %w", err)
	}
	w.logger.Info().Str("aggregator", st.cfg.ID).Int64("alert_id", id).
		Str("source", source).Float64("trigger_z", triggerZ).Msg("alert enqueued")
	return nil
}
