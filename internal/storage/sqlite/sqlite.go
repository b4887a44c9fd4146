// Package sqlite is a single-file sink for local runs. It records every
// record kind and serves recorded experiments to backtests.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/wangkobe88/richer-js-sub001/internal/bus"
	"github.com/wangkobe88/richer-js-sub001/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS token_timeseries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	experiment_id TEXT NOT NULL,
	token_address TEXT NOT NULL,
	chain TEXT NOT NULL,
	symbol TEXT NOT NULL DEFAULT '',
	ts INTEGER NOT NULL,
	price REAL NOT NULL,
	launch_price REAL NOT NULL DEFAULT 0,
	token_created_at INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT '',
	factors TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_timeseries_experiment_ts ON token_timeseries(experiment_id, ts);

CREATE TABLE IF NOT EXISTS strategy_signals (
	event_id TEXT PRIMARY KEY,
	experiment_id TEXT NOT NULL,
	token_address TEXT NOT NULL,
	chain TEXT NOT NULL,
	symbol TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	strategy_id TEXT NOT NULL,
	cards TEXT NOT NULL DEFAULT '',
	price REAL NOT NULL DEFAULT 0,
	factors TEXT NOT NULL DEFAULT '{}',
	executed INTEGER NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	failure TEXT NOT NULL DEFAULT '',
	ts INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	event_id TEXT PRIMARY KEY,
	experiment_id TEXT NOT NULL,
	signal_id TEXT NOT NULL DEFAULT '',
	token_address TEXT NOT NULL,
	chain TEXT NOT NULL,
	symbol TEXT NOT NULL DEFAULT '',
	direction TEXT NOT NULL,
	strategy_id TEXT NOT NULL,
	mode TEXT NOT NULL DEFAULT '',
	amount TEXT NOT NULL,
	price REAL NOT NULL,
	fill_price REAL NOT NULL DEFAULT 0,
	filled_amount TEXT NOT NULL DEFAULT '0',
	value TEXT NOT NULL DEFAULT '0',
	fee TEXT NOT NULL DEFAULT '0',
	success INTEGER NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	tx_id TEXT NOT NULL DEFAULT '',
	card_change TEXT NOT NULL DEFAULT '{}',
	ts INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS portfolio_snapshots (
	event_id TEXT PRIMARY KEY,
	experiment_id TEXT NOT NULL,
	cash TEXT NOT NULL,
	positions_value TEXT NOT NULL,
	total_value TEXT NOT NULL,
	open_positions INTEGER NOT NULL,
	positions TEXT NOT NULL DEFAULT '[]',
	ts INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_experiment ON trades(experiment_id, ts);
`

// Store is a sqlite-backed sink.
type Store struct {
	db *sql.DB

	mu     sync.Mutex
	closed bool
}

// Compile-time interface checks.
var (
	_ storage.Sink             = (*Store)(nil)
	_ storage.TimeSeriesReader = (*Store)(nil)
	_ storage.SignalReader     = (*Store)(nil)
)

// Open opens (creating if needed) the database at path in WAL mode.
func Open(path string) (*Store, error) {
	dsn := path
	if !strings.Contains(path, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: create tables: %w", err)
	}

	log.Info().Str("path", path).Msg("sqlite: database initialized")
	return &Store{db: db}, nil
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) exec(ctx context.Context, what, query string, args ...any) error {
	if s.isClosed() {
		return storage.ErrClosed
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sqlite: insert %s: %w", what, err)
	}
	return nil
}

func (s *Store) AppendTimeSeriesPoint(ctx context.Context, p bus.TimeSeriesPoint) error {
	factors, err := marshal(p.Factors, "{}")
	if err != nil {
		return err
	}
	return s.exec(ctx, "time series point", `
		INSERT INTO token_timeseries (experiment_id, token_address, chain, symbol, ts, price,
			launch_price, token_created_at, status, factors)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ExperimentID, p.TokenAddress, p.Chain, p.Symbol, micros(p.Timestamp), p.Price,
		p.LaunchPrice, micros(p.TokenCreatedAt), p.Status, factors)
}

func (s *Store) RecordSignal(ctx context.Context, sig bus.Signal) error {
	factors, err := marshal(sig.Factors, "{}")
	if err != nil {
		return err
	}
	return s.exec(ctx, "signal", `
		INSERT INTO strategy_signals (event_id, experiment_id, token_address, chain, symbol, action,
			strategy_id, cards, price, factors, executed, reason, failure, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.EventID, sig.ExperimentID, sig.TokenAddress, sig.Chain, sig.Symbol, sig.Action,
		sig.StrategyID, sig.Cards, sig.Price, factors, sig.Executed, sig.Reason, sig.Failure,
		micros(sig.Timestamp))
}

func (s *Store) RecordTrade(ctx context.Context, t bus.Trade) error {
	change, err := marshal(t.CardChange, "{}")
	if err != nil {
		return err
	}
	return s.exec(ctx, "trade", `
		INSERT INTO trades (event_id, experiment_id, signal_id, token_address, chain, symbol,
			direction, strategy_id, mode, amount, price, fill_price, filled_amount, value, fee,
			success, error, tx_id, card_change, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.EventID, t.ExperimentID, t.SignalID, t.TokenAddress, t.Chain, t.Symbol,
		t.Direction, t.StrategyID, t.Mode, t.Amount.String(), t.Price, t.FillPrice,
		t.FilledAmount.String(), t.Value.String(), t.Fee.String(),
		t.Success, t.Error, t.TxID, change, micros(t.Timestamp))
}

func (s *Store) SnapshotPortfolio(ctx context.Context, snap bus.PortfolioSnapshot) error {
	positions, err := marshal(snap.Positions, "[]")
	if err != nil {
		return err
	}
	return s.exec(ctx, "portfolio snapshot", `
		INSERT INTO portfolio_snapshots (event_id, experiment_id, cash, positions_value,
			total_value, open_positions, positions, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.EventID, snap.ExperimentID, snap.Cash.String(), snap.PositionsValue.String(),
		snap.TotalValue.String(), snap.OpenPositions, positions, micros(snap.Timestamp))
}

// TimeSeries loads the points of experimentID ordered by timestamp.
func (s *Store) TimeSeries(ctx context.Context, experimentID string) ([]bus.TimeSeriesPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token_address, chain, symbol, ts, price, launch_price, token_created_at, status, factors
		FROM token_timeseries
		WHERE experiment_id = ?
		ORDER BY ts, id`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query time series: %w", err)
	}
	defer rows.Close()

	var out []bus.TimeSeriesPoint
	for rows.Next() {
		var (
			p             bus.TimeSeriesPoint
			ts, createdAt int64
			factors       string
		)
		if err := rows.Scan(&p.TokenAddress, &p.Chain, &p.Symbol, &ts, &p.Price,
			&p.LaunchPrice, &createdAt, &p.Status, &factors); err != nil {
			return nil, fmt.Errorf("sqlite: scan time series: %w", err)
		}
		p.ExperimentID = experimentID
		p.Timestamp = fromMicros(ts)
		p.TokenCreatedAt = fromMicros(createdAt)
		if err := json.Unmarshal([]byte(factors), &p.Factors); err != nil {
			return nil, fmt.Errorf("sqlite: decode factors: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate time series: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: experiment %s", storage.ErrNotFound, experimentID)
	}
	return out, nil
}

// SignalsOf loads the signals of experimentID ordered by timestamp.
func (s *Store) SignalsOf(ctx context.Context, experimentID string) ([]bus.Signal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, token_address, chain, symbol, action, strategy_id, cards, price,
			factors, executed, reason, failure, ts
		FROM strategy_signals
		WHERE experiment_id = ?
		ORDER BY ts, rowid`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query signals: %w", err)
	}
	defer rows.Close()

	var out []bus.Signal
	for rows.Next() {
		var (
			sig     bus.Signal
			ts      int64
			factors string
		)
		if err := rows.Scan(&sig.EventID, &sig.TokenAddress, &sig.Chain, &sig.Symbol, &sig.Action,
			&sig.StrategyID, &sig.Cards, &sig.Price, &factors, &sig.Executed, &sig.Reason,
			&sig.Failure, &ts); err != nil {
			return nil, fmt.Errorf("sqlite: scan signal: %w", err)
		}
		sig.ExperimentID = experimentID
		sig.Timestamp = fromMicros(ts)
		if err := json.Unmarshal([]byte(factors), &sig.Factors); err != nil {
			return nil, fmt.Errorf("sqlite: decode signal factors: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// Experiments lists recorded experiment ids, most recent first.
func (s *Store) Experiments(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT experiment_id FROM token_timeseries
		GROUP BY experiment_id
		ORDER BY MAX(ts) DESC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query experiments: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan experiment: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// TradeCount returns the number of recorded trades of experimentID.
func (s *Store) TradeCount(ctx context.Context, experimentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trades WHERE experiment_id = ?`, experimentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count trades: %w", err)
	}
	return n, nil
}

// Close closes the database. It is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func micros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

func marshal(v any, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("sqlite: encode: %w", err)
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}
