package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangkobe88/richer-js-sub001/internal/cards"
)

func TestTopicsFor(t *testing.T) {
	assert.Equal(t, Topics{
		TimeSeries: "exp.timeseries",
		Signals:    "exp.signals",
		Trades:     "exp.trades",
		Portfolio:  "exp.portfolio",
	}, TopicsFor("exp"))
	assert.Equal(t, "richer.trades", TopicsFor("").Trades)
}

func TestPublisherRoutesRecords(t *testing.T) {
	stub := newStubProducer()
	pub := NewPublisher(stub, "richer")
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, pub.AppendTimeSeriesPoint(ctx, TimeSeriesPoint{
		ExperimentID: "exp-1",
		TokenAddress: "0xabc",
		Chain:        "bsc",
		Timestamp:    ts,
		Price:        0.5,
		Factors:      map[string]float64{"age": 2},
	}))
	require.NoError(t, pub.RecordSignal(ctx, Signal{
		BaseEvent:    NewBaseEventAt("test", ts),
		ExperimentID: "exp-1",
		TokenAddress: "0xabc",
		Action:       "buy",
		StrategyID:   "early",
	}))
	require.NoError(t, pub.RecordTrade(ctx, Trade{
		BaseEvent:    NewBaseEventAt("test", ts),
		TokenAddress: "0xabc",
		Direction:    "buy",
		Amount:       decimal.RequireFromString("0.25"),
		Success:      true,
		CardChange: CardChange{
			Before: cards.Allocation{TotalCards: 4, BNBCards: 4},
			After:  cards.Allocation{TotalCards: 4, BNBCards: 3, TokenCards: 1},
		},
	}))
	require.NoError(t, pub.SnapshotPortfolio(ctx, PortfolioSnapshot{ExperimentID: "exp-1"}))

	msgs := stub.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "richer.timeseries", msgs[0].Topic)
	assert.Equal(t, "0xabc", msgs[0].Key)
	assert.Equal(t, ts, msgs[0].Timestamp)
	assert.Equal(t, map[string]string{
		HeaderRecord:       RecordTimeSeries,
		HeaderExperimentID: "exp-1",
	}, msgs[0].Headers, "points carry no event id")
	assert.Equal(t, "richer.signals", msgs[1].Topic)
	assert.Equal(t, RecordSignal, msgs[1].Headers[HeaderRecord])
	assert.NotEmpty(t, msgs[1].Headers[HeaderEventID])
	assert.Equal(t, "richer.trades", msgs[2].Topic)
	assert.Equal(t, RecordTrade, msgs[2].Headers[HeaderRecord])
	assert.Equal(t, "richer.portfolio", msgs[3].Topic)
	assert.Equal(t, "exp-1", msgs[3].Key)
	assert.Equal(t, RecordPortfolio, msgs[3].Headers[HeaderRecord])

	var trade Trade
	require.NoError(t, json.Unmarshal(msgs[2].Value, &trade))
	assert.True(t, trade.Amount.Equal(decimal.RequireFromString("0.25")))
	assert.Equal(t, 1, trade.CardChange.After.TokenCards)
	assert.NotEmpty(t, trade.EventID)

	assert.Equal(t, PublisherStats{Published: 4}, pub.Stats())
	assert.NoError(t, pub.Close())

	err := pub.RecordSignal(ctx, Signal{ExperimentID: "exp-1"})
	assert.ErrorIs(t, err, ErrProducerClosed)
	assert.Equal(t, PublisherStats{Published: 4, Failed: 1}, pub.Stats())
}

func TestToRecordMergesHeaders(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := toRecord(Message{
		Topic:   "richer.signals",
		Key:     "0xabc",
		Value:   []byte(`{}`),
		Headers: map[string]string{HeaderRecord: RecordSignal, HeaderProducer: "replay"},
	}, map[string]string{HeaderProducer: "richer-1", HeaderSchema: SchemaVersion}, func() time.Time { return now })

	assert.Equal(t, "richer.signals", rec.Topic)
	assert.Equal(t, []byte("0xabc"), rec.Key)
	assert.Equal(t, now, rec.Timestamp, "zero timestamp defaults to now")

	var keys []string
	for _, h := range rec.Headers {
		keys = append(keys, h.Key)
	}
	assert.Equal(t, []string{HeaderProducer, HeaderRecord, HeaderSchema}, keys, "sorted by key")

	// The consumer side sees the same headers, message values winning.
	msg := recordToMessage(rec)
	assert.Equal(t, "replay", msg.Headers[HeaderProducer])
	assert.Equal(t, SchemaVersion, msg.Headers[HeaderSchema])
	assert.Equal(t, RecordSignal, msg.Headers[HeaderRecord])
	assert.Equal(t, "0xabc", msg.Key)
}

func TestCollectorsSkipOtherExperimentsByHeader(t *testing.T) {
	ctx := context.Background()
	other := Message{Headers: map[string]string{HeaderExperimentID: "exp-2"}, Value: []byte("not json")}

	var points []TimeSeriesPoint
	require.NoError(t, TimeSeriesCollector("exp-1", func(p TimeSeriesPoint) { points = append(points, p) })(ctx, other))
	var signals []Signal
	require.NoError(t, SignalCollector("exp-1", func(s Signal) { signals = append(signals, s) })(ctx, other))
	assert.Empty(t, points)
	assert.Empty(t, signals)

	// A matching header still decodes the body.
	mine, _ := json.Marshal(TimeSeriesPoint{ExperimentID: "exp-1", TokenAddress: "a"})
	require.NoError(t, TimeSeriesCollector("exp-1", func(p TimeSeriesPoint) { points = append(points, p) })(ctx,
		Message{Headers: map[string]string{HeaderExperimentID: "exp-1"}, Value: mine}))
	assert.Len(t, points, 1)
}

func TestTimeSeriesCollectorFiltersExperiment(t *testing.T) {
	var got []TimeSeriesPoint
	h := TimeSeriesCollector("exp-1", func(p TimeSeriesPoint) { got = append(got, p) })
	ctx := context.Background()

	mine, _ := json.Marshal(TimeSeriesPoint{ExperimentID: "exp-1", TokenAddress: "a", Price: 1})
	other, _ := json.Marshal(TimeSeriesPoint{ExperimentID: "exp-2", TokenAddress: "b", Price: 2})

	require.NoError(t, h(ctx, Message{Value: mine}))
	require.NoError(t, h(ctx, Message{Value: other}))
	assert.Error(t, h(ctx, Message{Value: []byte("{")}))

	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].TokenAddress)
}

func TestSignalCollectorFiltersExperiment(t *testing.T) {
	var got []Signal
	h := SignalCollector("exp-1", func(s Signal) { got = append(got, s) })
	ctx := context.Background()

	mine, _ := json.Marshal(Signal{ExperimentID: "exp-1", StrategyID: "early", Action: "buy"})
	other, _ := json.Marshal(Signal{ExperimentID: "exp-2", StrategyID: "late", Action: "buy"})

	require.NoError(t, h(ctx, Message{Value: mine}))
	require.NoError(t, h(ctx, Message{Value: other}))
	assert.Error(t, h(ctx, Message{Value: []byte("[")}))

	require.Len(t, got, 1)
	assert.Equal(t, "early", got[0].StrategyID)
}

func TestNewBaseEventAt(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := NewBaseEventAt("monitor", at)
	assert.Equal(t, at, ev.Timestamp)
	assert.Equal(t, SchemaVersion, ev.SchemaVersion)
	assert.Len(t, ev.TraceID, 16)
	assert.NotEqual(t, ev.EventID, NewBaseEventAt("monitor", at).EventID)
}

// stubProducer keeps produced messages in memory.
type stubProducer struct {
	mu       sync.Mutex
	messages []Message
	closed   bool
}

var _ Producer = (*stubProducer)(nil)

func newStubProducer() *stubProducer {
	return &stubProducer{}
}

func (p *stubProducer) Produce(_ context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProducerClosed
	}
	p.messages = append(p.messages, msg)
	return nil
}

// Messages returns a copy of the produced messages in order.
func (p *stubProducer) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.messages...)
}

func (p *stubProducer) Flush(time.Duration) error { return nil }

func (p *stubProducer) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}
