package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/wangkobe88/richer-js-sub001/internal/bus"
	"github.com/wangkobe88/richer-js-sub001/internal/config"
	"github.com/wangkobe88/richer-js-sub001/internal/observability"
	"github.com/wangkobe88/richer-js-sub001/internal/storage"
	"github.com/wangkobe88/richer-js-sub001/internal/storage/clickhouse"
	"github.com/wangkobe88/richer-js-sub001/internal/storage/memory"
	"github.com/wangkobe88/richer-js-sub001/internal/storage/postgres"
	"github.com/wangkobe88/richer-js-sub001/internal/storage/sqlite"
	"github.com/wangkobe88/richer-js-sub001/internal/stream"
)

// sinks is the assembled persistence fan-out.
type sinks struct {
	sink      storage.Sink
	hub       *stream.Hub
	publisher *bus.Publisher
	checks    map[string]observability.HealthCheck

	// closers run after sink.Close, for connections the sinks do not own.
	closers []func() error
}

func (s *sinks) Close() error {
	errs := []error{s.sink.Close()}
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// openSinks builds the time series and records backends from cfg, then adds
// the Kafka publisher and the websocket hub next to them.
func openSinks(ctx context.Context, cfg *config.Config) (*sinks, error) {
	sc := cfg.Storage
	out := &sinks{checks: make(map[string]observability.HealthCheck)}
	// opened is closed in reverse if a later backend fails.
	var opened []func() error
	fail := func(err error) (*sinks, error) {
		for i := len(opened) - 1; i >= 0; i-- {
			opened[i]()
		}
		return nil, err
	}

	var (
		mem  *memory.Store
		lite *sqlite.Store
	)
	memStore := func() *memory.Store {
		if mem == nil {
			mem = memory.New()
		}
		return mem
	}
	sqliteStore := func() (*sqlite.Store, error) {
		if lite != nil {
			return lite, nil
		}
		s, err := sqlite.Open(sc.SQLitePath)
		if err != nil {
			return nil, err
		}
		lite = s
		opened = append(opened, s.Close)
		return lite, nil
	}

	// Time series.
	var ts storage.TimeSeriesWriter
	switch sc.TimeSeries {
	case config.BackendNone:
		ts = storage.Discard
	case config.BackendMemory:
		ts = memStore()
	case config.BackendSQLite:
		s, err := sqliteStore()
		if err != nil {
			return fail(err)
		}
		ts = s
	case config.BackendClickHouse:
		client, err := clickhouse.NewClient(sc.ClickHouse.DSN)
		if err != nil {
			return fail(err)
		}
		opened = append(opened, client.Close)
		out.closers = append(out.closers, client.Close)
		if err := client.EnsureSchema(ctx, sc.ClickHouse.Database); err != nil {
			return fail(fmt.Errorf("clickhouse schema: %w", err))
		}
		w := clickhouse.NewBatchWriter(client, sc.ClickHouse.Database, sc.ClickHouse.BatchSize, sc.ClickHouse.FlushInterval)
		w.Start(ctx)
		opened = append(opened, w.Close)
		ts = w
		out.checks["clickhouse"] = observability.PingCheck(client.Ping)
	default:
		return fail(fmt.Errorf("unknown time series backend %q", sc.TimeSeries))
	}

	// Records.
	var rec storage.RecordWriter
	switch sc.Records {
	case config.BackendNone:
		rec = storage.Discard
	case config.BackendMemory:
		rec = memStore()
	case config.BackendSQLite:
		s, err := sqliteStore()
		if err != nil {
			return fail(err)
		}
		rec = s
	case config.BackendPostgres:
		s, err := postgres.Open(ctx, sc.PostgresDSN)
		if err != nil {
			return fail(err)
		}
		opened = append(opened, s.Close)
		rec = s
		out.checks["postgres"] = observability.PingCheck(s.Ping)
	default:
		return fail(fmt.Errorf("unknown records backend %q", sc.Records))
	}

	all := []storage.Sink{storage.Split(ts, rec)}

	if sc.Kafka.Enabled {
		producer, err := bus.NewProducer(sc.Kafka.Brokers, cfg.General.InstanceID)
		if err != nil {
			return fail(fmt.Errorf("kafka producer: %w", err))
		}
		out.publisher = bus.NewPublisher(producer, sc.Kafka.TopicPrefix)
		all = append(all, out.publisher)
	}

	if cfg.HTTP.Stream {
		out.hub = stream.NewHub(cfg.HTTP.StreamTimeSeries)
		all = append(all, out.hub)
	}

	out.sink = storage.Multi(all...)
	log.Info().
		Str("time_series", sc.TimeSeries).
		Str("records", sc.Records).
		Bool("kafka", out.publisher != nil).
		Bool("stream", out.hub != nil).
		Int("sinks", len(all)).
		Msg("Storage ready")
	return out, nil
}
