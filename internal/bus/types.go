package bus

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wangkobe88/richer-js-sub001/internal/cards"
)

// SchemaVersion is stamped on every record.
const SchemaVersion = "1.0.0"

// BaseEvent contains fields common to all records.
type BaseEvent struct {
	EventID       string    `json:"event_id"`
	Timestamp     time.Time `json:"ts"`
	SchemaVersion string    `json:"schema_version"`
	Producer      string    `json:"producer"`
	TraceID       string    `json:"trace_id,omitempty"`
	CausationID   string    `json:"causation_id,omitempty"`
}

// NewBaseEvent creates a new BaseEvent with generated IDs.
func NewBaseEvent(producer, schemaVersion string) BaseEvent {
	return BaseEvent{
		EventID:       uuid.New().String(),
		Timestamp:     time.Now(),
		SchemaVersion: schemaVersion,
		Producer:      producer,
		TraceID:       uuid.New().String()[:16],
	}
}

// NewBaseEventAt is NewBaseEvent with an explicit timestamp, for replays.
func NewBaseEventAt(producer string, at time.Time) BaseEvent {
	ev := NewBaseEvent(producer, SchemaVersion)
	ev.Timestamp = at
	return ev
}

// --- Time series ---

// TimeSeriesPoint is one per-token observation written every tick.
type TimeSeriesPoint struct {
	ExperimentID   string             `json:"experiment_id"`
	TokenAddress   string             `json:"token_address"`
	Chain          string             `json:"chain"`
	Symbol         string             `json:"symbol"`
	Timestamp      time.Time          `json:"ts"`
	Price          float64            `json:"price"`
	LaunchPrice    float64            `json:"launch_price"`
	TokenCreatedAt time.Time          `json:"token_created_at"`
	Status         string             `json:"status"`
	Factors        map[string]float64 `json:"factors"`
}

// --- Decisions ---

// Signal is the immutable record of a rule match.
type Signal struct {
	BaseEvent
	ExperimentID string             `json:"experiment_id"`
	TokenAddress string             `json:"token_address"`
	Chain        string             `json:"chain"`
	Symbol       string             `json:"symbol"`
	Action       string             `json:"action"` // buy|sell
	StrategyID   string             `json:"strategy_id"`
	Cards        string             `json:"cards"`
	Price        float64            `json:"price"`
	Factors      map[string]float64 `json:"factors"`
	Executed     bool               `json:"executed"`
	Reason       string             `json:"reason,omitempty"`
	Failure      string             `json:"failure,omitempty"`
}

// CardChange is the card allocation before and after a trade.
type CardChange struct {
	Before cards.Allocation `json:"before"`
	After  cards.Allocation `json:"after"`
}

// Trade is the result of executing a signal. Amount is BNB for buys and
// tokens for sells.
type Trade struct {
	BaseEvent
	ExperimentID string          `json:"experiment_id"`
	SignalID     string          `json:"signal_id"`
	TokenAddress string          `json:"token_address"`
	Chain        string          `json:"chain"`
	Symbol       string          `json:"symbol"`
	Direction    string          `json:"direction"` // buy|sell
	StrategyID   string          `json:"strategy_id"`
	Mode         string          `json:"mode"`
	Amount       decimal.Decimal `json:"amount"`
	Price        float64         `json:"price"`
	FillPrice    float64         `json:"fill_price,omitempty"`
	FilledAmount decimal.Decimal `json:"filled_amount"`
	Value        decimal.Decimal `json:"value"`
	Fee          decimal.Decimal `json:"fee"`
	Success      bool            `json:"success"`
	Error        string          `json:"error,omitempty"`
	TxID         string          `json:"tx_id,omitempty"`
	CardChange   CardChange      `json:"card_change"`
}

// --- Portfolio ---

// PositionSnapshot is one held token in a portfolio snapshot.
type PositionSnapshot struct {
	TokenAddress string          `json:"token_address"`
	Chain        string          `json:"chain"`
	Symbol       string          `json:"symbol"`
	Holding      decimal.Decimal `json:"holding"`
	CostBasis    decimal.Decimal `json:"cost_basis"`
	Price        float64         `json:"price"`
	Value        decimal.Decimal `json:"value"`
	Cards        string          `json:"cards,omitempty"`
}

// PortfolioSnapshot is emitted at the end of every tick.
type PortfolioSnapshot struct {
	BaseEvent
	ExperimentID   string             `json:"experiment_id"`
	Cash           decimal.Decimal    `json:"cash"`
	PositionsValue decimal.Decimal    `json:"positions_value"`
	TotalValue     decimal.Decimal    `json:"total_value"`
	OpenPositions  int                `json:"open_positions"`
	Positions      []PositionSnapshot `json:"positions,omitempty"`
}
