package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

// MessageHandler processes a consumed message.
// Return error to indicate processing failure (the message is not retried).
type MessageHandler func(ctx context.Context, msg Message) error

// KafkaConsumer reads a topic from the earliest offset. With a group id it
// joins a consumer group and auto-commits; without one it reads directly,
// which is what replays use.
type KafkaConsumer struct {
	client  *kgo.Client
	groupID string
	topics  []string
	mu      sync.Mutex
	closed  bool
}

// NewConsumer creates a consumer for topics. groupID may be empty.
func NewConsumer(brokers []string, groupID string, topics []string) (*KafkaConsumer, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}

	clientID := groupID
	if clientID == "" {
		clientID = "richer-replay"
	}
	kgoOpts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	}
	if groupID != "" {
		kgoOpts = append(kgoOpts, kgo.ConsumerGroup(groupID))
	}

	client, err := kgo.NewClient(kgoOpts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	log.Info().
		Strs("brokers", brokers).
		Str("group_id", groupID).
		Strs("topics", topics).
		Msg("kafka consumer created (franz-go)")

	return &KafkaConsumer{client: client, groupID: groupID, topics: topics}, nil
}

// Drain polls until no record arrives for idle, ctx is done, or the
// consumer is closed. Handler errors are logged and consumption continues.
// It returns the number of records handled.
func (c *KafkaConsumer) Drain(ctx context.Context, idle time.Duration, handler MessageHandler) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, fmt.Errorf("consumer is closed")
	}
	c.mu.Unlock()

	handled := 0
	for {
		pollCtx, cancel := context.WithTimeout(ctx, idle)
		fetches := c.client.PollFetches(pollCtx)
		cancel()

		if ctx.Err() != nil {
			return handled, ctx.Err()
		}
		if fetches.IsClientClosed() {
			return handled, nil
		}

		n := 0
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.DeadlineExceeded) {
				return
			}
			log.Error().
				Err(err).
				Str("topic", topic).
				Int32("partition", partition).
				Msg("bus: fetch error")
		})
		fetches.EachRecord(func(record *kgo.Record) {
			n++
			if err := handler(ctx, recordToMessage(record)); err != nil {
				log.Error().Err(err).
					Str("topic", record.Topic).
					Int32("partition", record.Partition).
					Int64("offset", record.Offset).
					Msg("bus: message handler error")
			}
		})
		handled += n
		if n == 0 {
			log.Info().Int("records", handled).Strs("topics", c.topics).Msg("bus: topic drained")
			return handled, nil
		}
		c.client.AllowRebalance()
	}
}

// Close shuts down the consumer, committing final offsets when in a group.
func (c *KafkaConsumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.client.Close()
	log.Info().Str("group", c.groupID).Msg("bus: kafka consumer closed")
}

// recordToMessage converts a franz-go Record to a bus.Message.
func recordToMessage(r *kgo.Record) Message {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	return Message{
		Topic:     r.Topic,
		Key:       string(r.Key),
		Value:     r.Value,
		Headers:   headers,
		Timestamp: r.Timestamp,
	}
}

// skipExperiment reports whether msg's experiment header names another
// experiment. Records without the header are decoded and filtered by body.
func skipExperiment(msg Message, experimentID string) bool {
	h, ok := msg.Headers[HeaderExperimentID]
	return ok && experimentID != "" && h != experimentID
}

// TimeSeriesCollector returns a handler that decodes time series points of
// experimentID and passes them to sink. Other experiments are skipped.
func TimeSeriesCollector(experimentID string, sink func(TimeSeriesPoint)) MessageHandler {
	return func(_ context.Context, msg Message) error {
		if skipExperiment(msg, experimentID) {
			return nil
		}
		var pt TimeSeriesPoint
		if err := json.Unmarshal(msg.Value, &pt); err != nil {
			return fmt.Errorf("decode time series point: %w", err)
		}
		if experimentID != "" && pt.ExperimentID != experimentID {
			return nil
		}
		sink(pt)
		return nil
	}
}

// SignalCollector returns a handler that decodes signals of experimentID and
// passes them to sink.
func SignalCollector(experimentID string, sink func(Signal)) MessageHandler {
	return func(_ context.Context, msg Message) error {
		if skipExperiment(msg, experimentID) {
			return nil
		}
		var sig Signal
		if err := json.Unmarshal(msg.Value, &sig); err != nil {
			return fmt.Errorf("decode signal: %w", err)
		}
		if experimentID != "" && sig.ExperimentID != experimentID {
			return nil
		}
		sink(sig)
		return nil
	}
}

// TopicSource reads an experiment published by Publisher back from Kafka,
// so a backtest can replay it without a local database. Every call drains
// its topic from the start with a fresh groupless consumer.
type TopicSource struct {
	Brokers []string
	Topics  Topics
	// Idle ends a drain once no record arrived for this long.
	Idle time.Duration
}

// TimeSeries returns the experiment's points ordered by timestamp.
func (s TopicSource) TimeSeries(ctx context.Context, experimentID string) ([]TimeSeriesPoint, error) {
	var points []TimeSeriesPoint
	err := s.drain(ctx, s.Topics.TimeSeries, TimeSeriesCollector(experimentID, func(pt TimeSeriesPoint) {
		points = append(points, pt)
	}))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })
	return points, nil
}

// SignalsOf returns the experiment's signals ordered by timestamp.
func (s TopicSource) SignalsOf(ctx context.Context, experimentID string) ([]Signal, error) {
	var signals []Signal
	err := s.drain(ctx, s.Topics.Signals, SignalCollector(experimentID, func(sig Signal) {
		signals = append(signals, sig)
	}))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(signals, func(i, j int) bool { return signals[i].Timestamp.Before(signals[j].Timestamp) })
	return signals, nil
}

func (s TopicSource) drain(ctx context.Context, topic string, handler MessageHandler) error {
	idle := s.Idle
	if idle <= 0 {
		idle = 5 * time.Second
	}
	consumer, err := NewConsumer(s.Brokers, "", []string{topic})
	if err != nil {
		return err
	}
	defer consumer.Close()
	if _, err := consumer.Drain(ctx, idle, handler); err != nil {
		return fmt.Errorf("bus: drain %s: %w", topic, err)
	}
	return nil
}
