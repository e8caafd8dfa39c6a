package bridge

import (
	"context"
	"log/slog"
	"time"

	"sovrbridge/observability"
)

// DefaultWatermarkCursor names the poller's persisted cursor.
const DefaultWatermarkCursor = "burn_events"

// BurnHandler receives burn events from the watcher in ledger order.
type BurnHandler interface {
	HandleBurn(ctx context.Context, ev BurnObserved) error
}

// Watcher polls the ledger for burn events above the persisted watermark
// and hands them to the correlator. The watermark advances only after
// every event in the scanned range has been handed off, so a crash
// mid-range re-scans the same range: delivery to the correlator is
// at-least-once, never at-most-once. Ticks never overlap; a tick runs to
// completion or failure before the next is scheduled.
type Watcher struct {
	node     LedgerQuerier
	handler  BurnHandler
	store    WatermarkStore
	cursor   string
	interval time.Duration
	logger   *slog.Logger
	metrics  *observability.BridgeMetrics

	watermark uint64
	failures  int
}

// WatcherOption customises the watcher instance.
type WatcherOption func(*Watcher)

// WithPollInterval overrides the polling cadence.
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.interval = d }
}

// WithCursorName overrides the persisted cursor name.
func WithCursorName(name string) WatcherOption {
	return func(w *Watcher) { w.cursor = name }
}

// WithWatcherLogger overrides the default logger.
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = logger }
}

// WithWatcherMetrics overrides the default metrics registry.
func WithWatcherMetrics(m *observability.BridgeMetrics) WatcherOption {
	return func(w *Watcher) { w.metrics = m }
}

// NewWatcher constructs a watcher with sane defaults.
func NewWatcher(node LedgerQuerier, handler BurnHandler, store WatermarkStore, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		node:     node,
		handler:  handler,
		store:    store,
		cursor:   DefaultWatermarkCursor,
		interval: 15 * time.Second,
		logger:   slog.Default(),
		metrics:  observability.Bridge(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run starts the polling loop until the context is cancelled. A run of
// consecutive failures degrades to "ledger events temporarily stalled";
// the gateway-facing half of the bridge keeps functioning independently.
func (w *Watcher) Run(ctx context.Context) {
	if w.node == nil || w.handler == nil || w.store == nil {
		return
	}
	persisted, err := w.store.Watermark(ctx, w.cursor)
	if err != nil {
		w.logger.Error("load watermark failed", "cursor", w.cursor, "error", err)
	}
	w.watermark = persisted
	w.metrics.SetWatermark(w.watermark)

	interval := w.interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil {
				w.failures++
				w.metrics.RecordPollError()
				w.logger.Warn("ledger poll failed, watermark unchanged",
					"cursor", w.cursor, "watermark", w.watermark, "consecutive", w.failures, "error", err)
			} else {
				w.failures = 0
			}
		}
	}
}

// Tick performs one poll cycle: compare the confirmed height to the
// watermark, scan `(W, current]`, hand off in ledger order, then advance.
// Exposed for tests and for operator-driven catch-up.
func (w *Watcher) Tick(ctx context.Context) error {
	current, err := w.node.CurrentHeight(ctx)
	if err != nil {
		return TransientError("query ledger height", err)
	}
	if current <= w.watermark {
		return nil
	}

	events, err := w.node.BurnEvents(ctx, w.watermark+1, current)
	if err != nil {
		return TransientError("query burn events", err)
	}

	for _, ev := range events {
		if err := w.handler.HandleBurn(ctx, ev); err != nil {
			if IsTransient(err) {
				// Handoff incomplete: keep the watermark so the whole range
				// is re-scanned on the next tick.
				return err
			}
			// Attributed to a record; the event counts as handed off.
			w.logger.Error("burn event handling failed", "tx", ev.TxHash, "error", err)
		}
	}
	w.metrics.RecordEvents(len(events))

	if err := w.store.SetWatermark(ctx, w.cursor, current); err != nil {
		return TransientError("persist watermark", err)
	}
	if len(events) > 0 {
		w.logger.Info("ledger range processed", "from", w.watermark+1, "to", current, "events", len(events))
	}
	w.watermark = current
	w.metrics.SetWatermark(current)
	return nil
}

// Watermark returns the in-memory watermark. Primarily for tests.
func (w *Watcher) Watermark() uint64 { return w.watermark }
