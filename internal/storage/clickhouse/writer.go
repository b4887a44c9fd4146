package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wangkobe88/richer-js-sub001/internal/bus"
	"github.com/wangkobe88/richer-js-sub001/internal/storage"
)

const (
	tableTimeSeries = "token_timeseries"
	tableSignals    = "strategy_signals"
	tableTrades     = "trades"
	tablePortfolio  = "portfolio_snapshots"
)

// tableOrder fixes flush and DDL order.
var tableOrder = []string{tableTimeSeries, tableSignals, tableTrades, tablePortfolio}

var columns = map[string][]string{
	tableTimeSeries: {"experiment_id", "token_address", "chain", "symbol", "ts", "price",
		"launch_price", "token_created_at", "status", "factors"},
	tableSignals: {"event_id", "experiment_id", "ts", "token_address", "chain", "action",
		"strategy_id", "price", "executed", "failure", "factors"},
	tableTrades: {"event_id", "experiment_id", "ts", "token_address", "chain", "direction",
		"strategy_id", "amount", "price", "value", "fee", "success", "error"},
	tablePortfolio: {"event_id", "experiment_id", "ts", "cash", "positions_value",
		"total_value", "open_positions"},
}

// FlushFunc writes one table's rows. It replaces the ClickHouse batch in
// tests.
type FlushFunc func(ctx context.Context, table string, rows [][]any) error

// BatchWriter buffers rows per table and flushes when the total buffered
// row count reaches batchSize, on the flush interval, and on Close.
type BatchWriter struct {
	client        *Client
	database      string
	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	buf     map[string][][]any
	pending int
	closed  bool

	flushCount atomic.Int64
	errorCount atomic.Int64
	rowCount   atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}

	flushHook FlushFunc
}

// Compile-time interface check.
var _ storage.Sink = (*BatchWriter)(nil)

// NewBatchWriter creates a batch writer. client may be nil when a flush
// hook is set.
func NewBatchWriter(client *Client, database string, batchSize int, flushInterval time.Duration) *BatchWriter {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &BatchWriter{
		client:        client,
		database:      database,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		buf:           make(map[string][][]any, len(tableOrder)),
	}
}

// SetFlushHook replaces real writes. Intended for testing only.
func (w *BatchWriter) SetFlushHook(hook FlushFunc) {
	w.flushHook = hook
}

func (w *BatchWriter) add(ctx context.Context, table string, row []any) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("clickhouse: %w", storage.ErrClosed)
	}
	w.buf[table] = append(w.buf[table], row)
	w.pending++
	needsFlush := w.pending >= w.batchSize
	w.mu.Unlock()

	if needsFlush {
		return w.Flush(ctx)
	}
	return nil
}

func (w *BatchWriter) AppendTimeSeriesPoint(ctx context.Context, p bus.TimeSeriesPoint) error {
	return w.add(ctx, tableTimeSeries, []any{
		p.ExperimentID, p.TokenAddress, p.Chain, p.Symbol, p.Timestamp, p.Price,
		p.LaunchPrice, p.TokenCreatedAt, p.Status, factorsOrEmpty(p.Factors),
	})
}

func (w *BatchWriter) RecordSignal(ctx context.Context, s bus.Signal) error {
	return w.add(ctx, tableSignals, []any{
		s.EventID, s.ExperimentID, s.Timestamp, s.TokenAddress, s.Chain, s.Action,
		s.StrategyID, s.Price, boolToUInt8(s.Executed), s.Failure, factorsOrEmpty(s.Factors),
	})
}

func (w *BatchWriter) RecordTrade(ctx context.Context, t bus.Trade) error {
	return w.add(ctx, tableTrades, []any{
		t.EventID, t.ExperimentID, t.Timestamp, t.TokenAddress, t.Chain, t.Direction,
		t.StrategyID, t.Amount.InexactFloat64(), t.Price, t.Value.InexactFloat64(),
		t.Fee.InexactFloat64(), boolToUInt8(t.Success), t.Error,
	})
}

func (w *BatchWriter) SnapshotPortfolio(ctx context.Context, s bus.PortfolioSnapshot) error {
	return w.add(ctx, tablePortfolio, []any{
		s.EventID, s.ExperimentID, s.Timestamp, s.Cash.InexactFloat64(),
		s.PositionsValue.InexactFloat64(), s.TotalValue.InexactFloat64(), uint32(s.OpenPositions),
	})
}

// Start begins the background flush loop.
func (w *BatchWriter) Start(ctx context.Context) {
	bgCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()

		log.Info().
			Str("database", w.database).
			Int("batch_size", w.batchSize).
			Dur("flush_interval", w.flushInterval).
			Msg("clickhouse: batch writer started")

		for {
			select {
			case <-bgCtx.Done():
				return
			case <-ticker.C:
				if err := w.Flush(bgCtx); err != nil {
					log.Error().Err(err).Msg("clickhouse: periodic flush error")
				}
			}
		}
	}()
}

// Flush writes all buffered rows. A failing table does not stop the others;
// its rows are dropped and the first error is returned.
func (w *BatchWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	buf := w.buf
	w.buf = make(map[string][][]any, len(tableOrder))
	w.pending = 0
	w.mu.Unlock()

	var firstErr error
	flushed := 0
	for _, table := range tableOrder {
		rows := buf[table]
		if len(rows) == 0 {
			continue
		}
		if err := w.flushTable(ctx, table, rows); err != nil {
			w.errorCount.Add(1)
			log.Error().Err(err).Str("table", table).Int("count", len(rows)).Msg("clickhouse: flush failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		flushed += len(rows)
	}
	if flushed == 0 && firstErr == nil {
		return nil
	}

	w.flushCount.Add(1)
	w.rowCount.Add(int64(flushed))
	log.Debug().
		Int("rows", flushed).
		Int64("total_flushes", w.flushCount.Load()).
		Msg("clickhouse: batch flushed")
	return firstErr
}

func (w *BatchWriter) flushTable(ctx context.Context, table string, rows [][]any) error {
	name := qualify(w.database, table)
	if w.flushHook != nil {
		return w.flushHook(ctx, name, rows)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s)", name, strings.Join(columns[table], ", "))
	batch, err := w.client.Conn().PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare %s batch: %w", table, err)
	}
	for _, r := range rows {
		if err := batch.Append(r...); err != nil {
			return fmt.Errorf("append %s row: %w", table, err)
		}
	}
	return batch.Send()
}

// Close stops the background loop, rejects further writes and flushes what
// is buffered. It is idempotent.
func (w *BatchWriter) Close() error {
	if w.cancel != nil {
		w.cancel()
		<-w.done
		w.cancel = nil
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	err := w.Flush(context.Background())
	if err != nil {
		log.Error().Err(err).Msg("clickhouse: final flush on close failed")
	}
	log.Info().
		Int64("flushes", w.flushCount.Load()).
		Int64("rows", w.rowCount.Load()).
		Int64("errors", w.errorCount.Load()).
		Msg("clickhouse: batch writer closed")
	return err
}

// WriterStats are writer counters.
type WriterStats struct {
	Flushes int64 `json:"flushes"`
	Rows    int64 `json:"rows"`
	Errors  int64 `json:"errors"`
	Pending int   `json:"pending"`
}

// Stats returns writer statistics.
func (w *BatchWriter) Stats() WriterStats {
	w.mu.Lock()
	pending := w.pending
	w.mu.Unlock()
	return WriterStats{
		Flushes: w.flushCount.Load(),
		Rows:    w.rowCount.Load(),
		Errors:  w.errorCount.Load(),
		Pending: pending,
	}
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func factorsOrEmpty(f map[string]float64) map[string]float64 {
	if f == nil {
		return map[string]float64{}
	}
	return f
}
