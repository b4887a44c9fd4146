package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Topics names the Kafka topics records are published to.
type Topics struct {
	TimeSeries string
	Signals    string
	Trades     string
	Portfolio  string
}

// TopicsFor builds the topic set under prefix, e.g. "richer.signals".
func TopicsFor(prefix string) Topics {
	if prefix == "" {
		prefix = "richer"
	}
	return Topics{
		TimeSeries: prefix + ".timeseries",
		Signals:    prefix + ".signals",
		Trades:     prefix + ".trades",
		Portfolio:  prefix + ".portfolio",
	}
}

// Publisher is a record sink that publishes every record as JSON. Records
// are produced asynchronously and keyed by token address so a token's
// records stay ordered within a partition.
type Publisher struct {
	producer Producer
	topics   Topics

	published atomic.Int64
	failed    atomic.Int64
}

// NewPublisher wraps producer.
func NewPublisher(producer Producer, prefix string) *Publisher {
	return &Publisher{producer: producer, topics: TopicsFor(prefix)}
}

// Topics returns the topic set in use.
func (p *Publisher) Topics() Topics { return p.topics }

// Record kinds carried in the record header.
const (
	RecordTimeSeries = "timeseries"
	RecordSignal     = "signal"
	RecordTrade      = "trade"
	RecordPortfolio  = "portfolio"
)

// envelope is what every published record needs besides its body.
type envelope struct {
	topic        string
	key          string
	kind         string
	experimentID string
	eventID      string
	ts           time.Time
}

func (p *Publisher) produce(ctx context.Context, env envelope, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		p.failed.Add(1)
		return fmt.Errorf("bus: marshal %s: %w", env.kind, err)
	}
	headers := map[string]string{
		HeaderRecord:       env.kind,
		HeaderExperimentID: env.experimentID,
	}
	if env.eventID != "" {
		headers[HeaderEventID] = env.eventID
	}
	msg := Message{Topic: env.topic, Key: env.key, Value: data, Headers: headers, Timestamp: env.ts}
	if err := p.producer.Produce(ctx, msg); err != nil {
		p.failed.Add(1)
		return fmt.Errorf("bus: produce %s: %w", env.topic, err)
	}
	p.published.Add(1)
	return nil
}

// AppendTimeSeriesPoint publishes to the time series topic.
func (p *Publisher) AppendTimeSeriesPoint(ctx context.Context, pt TimeSeriesPoint) error {
	return p.produce(ctx, envelope{
		topic:        p.topics.TimeSeries,
		key:          pt.TokenAddress,
		kind:         RecordTimeSeries,
		experimentID: pt.ExperimentID,
		ts:           pt.Timestamp,
	}, pt)
}

// RecordSignal publishes to the signals topic.
func (p *Publisher) RecordSignal(ctx context.Context, s Signal) error {
	return p.produce(ctx, envelope{
		topic:        p.topics.Signals,
		key:          s.TokenAddress,
		kind:         RecordSignal,
		experimentID: s.ExperimentID,
		eventID:      s.EventID,
		ts:           s.Timestamp,
	}, s)
}

// RecordTrade publishes to the trades topic.
func (p *Publisher) RecordTrade(ctx context.Context, t Trade) error {
	return p.produce(ctx, envelope{
		topic:        p.topics.Trades,
		key:          t.TokenAddress,
		kind:         RecordTrade,
		experimentID: t.ExperimentID,
		eventID:      t.EventID,
		ts:           t.Timestamp,
	}, t)
}

// SnapshotPortfolio publishes to the portfolio topic keyed by experiment.
func (p *Publisher) SnapshotPortfolio(ctx context.Context, s PortfolioSnapshot) error {
	return p.produce(ctx, envelope{
		topic:        p.topics.Portfolio,
		key:          s.ExperimentID,
		kind:         RecordPortfolio,
		experimentID: s.ExperimentID,
		eventID:      s.EventID,
		ts:           s.Timestamp,
	}, s)
}

// Close flushes buffered records and closes the producer.
func (p *Publisher) Close() error {
	err := p.producer.Flush(5 * time.Second)
	p.producer.Close()
	log.Info().
		Int64("published", p.published.Load()).
		Int64("failed", p.failed.Load()).
		Msg("bus: publisher closed")
	return err
}

// PublisherStats are publish counters.
type PublisherStats struct {
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
}

// Stats returns a snapshot of the publish counters.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{Published: p.published.Load(), Failed: p.failed.Load()}
}
