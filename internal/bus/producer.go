// Package bus carries engine records (time series points, signals, trades,
// portfolio snapshots) over Kafka and defines their wire shape.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Header keys carried by published records.
const (
	HeaderRecord       = "record" // timeseries|signal|trade|portfolio
	HeaderExperimentID = "experiment_id"
	HeaderEventID      = "event_id"
	HeaderProducer     = "producer"
	HeaderSchema       = "schema_version"
)

// ErrProducerClosed is returned by Produce after Close.
var ErrProducerClosed = errors.New("bus: producer closed")

// Message is one Kafka record as the engine sees it.
type Message struct {
	Topic     string
	Key       string // partition key
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Producer delivers messages asynchronously. Delivery failures are counted
// and reported by Flush.
type Producer interface {
	Produce(ctx context.Context, msg Message) error
	Flush(timeout time.Duration) error
	Close()
}

// KafkaProducer is a Producer backed by franz-go.
type KafkaProducer struct {
	client   *kgo.Client
	clientID string
	closed   atomic.Bool

	delivered atomic.Int64
	failed    atomic.Int64

	// failed count at the last Flush
	flushedFailed atomic.Int64
}

var _ Producer = (*KafkaProducer)(nil)

// NewProducer connects to brokers. Records are snappy-compressed and
// acknowledged by all in-sync replicas. clientID also fills the producer
// header.
func NewProducer(brokers []string, clientID string) (*KafkaProducer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if clientID == "" {
		clientID = "richer-producer"
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(5*time.Millisecond),
		kgo.MaxBufferedRecords(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	log.Info().Strs("brokers", brokers).Str("client_id", clientID).Msg("bus: kafka producer ready")
	return &KafkaProducer{client: client, clientID: clientID}, nil
}

// Produce queues msg. It only fails once the producer is closed.
func (p *KafkaProducer) Produce(ctx context.Context, msg Message) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	record := toRecord(msg, map[string]string{
		HeaderProducer: p.clientID,
		HeaderSchema:   SchemaVersion,
	}, time.Now)
	p.client.Produce(ctx, record, func(r *kgo.Record, err error) {
		if err != nil {
			p.failed.Add(1)
			log.Error().Err(err).Str("topic", r.Topic).Str("key", string(r.Key)).Msg("bus: delivery failed")
			return
		}
		p.delivered.Add(1)
	})
	return nil
}

// Flush waits for buffered records. It fails when the flush times out or a
// delivery failed since the previous Flush.
func (p *KafkaProducer) Flush(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("bus: flush: %w", err)
	}
	failed := p.failed.Load()
	if prev := p.flushedFailed.Swap(failed); failed > prev {
		return fmt.Errorf("bus: %d deliveries failed", failed-prev)
	}
	return nil
}

// Close shuts the client down. Call Flush first to deliver buffered records.
func (p *KafkaProducer) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.client.Close()
	log.Info().
		Int64("delivered", p.delivered.Load()).
		Int64("failed", p.failed.Load()).
		Msg("bus: kafka producer closed")
}

// toRecord converts msg to a franz-go record. Message headers override
// defaults; headers are sorted by key. A zero timestamp becomes now().
func toRecord(msg Message, defaults map[string]string, now func() time.Time) *kgo.Record {
	merged := make(map[string]string, len(defaults)+len(msg.Headers))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range msg.Headers {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	headers := make([]kgo.RecordHeader, 0, len(keys))
	for _, k := range keys {
		headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(merged[k])})
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = now()
	}
	return &kgo.Record{
		Topic:     msg.Topic,
		Key:       []byte(msg.Key),
		Value:     msg.Value,
		Headers:   headers,
		Timestamp: ts,
	}
}
