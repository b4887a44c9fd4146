package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/wangkobe88/richer-js-sub001/internal/bus"
	"github.com/wangkobe88/richer-js-sub001/internal/storage"
)

// setupTestStore starts a PostgreSQL container and opens a migrated store.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container test skipped in -short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func trade(dir string, value float64, success bool) bus.Trade {
	return bus.Trade{
		BaseEvent:    bus.NewBaseEvent("test", bus.SchemaVersion),
		ExperimentID: "exp-1",
		TokenAddress: "0xabc",
		Chain:        "bsc",
		Direction:    dir,
		StrategyID:   "s1",
		Amount:       decimal.NewFromFloat(value),
		Price:        0.001,
		Value:        decimal.NewFromFloat(value),
		Success:      success,
	}
}

func TestStore_RecordsAndSummary(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	sig := bus.Signal{
		BaseEvent:    bus.NewBaseEvent("test", bus.SchemaVersion),
		ExperimentID: "exp-1",
		TokenAddress: "0xabc",
		Chain:        "bsc",
		Action:       "buy",
		StrategyID:   "s1",
		Executed:     true,
	}
	require.NoError(t, s.RecordSignal(ctx, sig))
	err := s.RecordSignal(ctx, sig)
	assert.True(t, errors.Is(err, ErrDuplicateKey))

	require.NoError(t, s.RecordTrade(ctx, trade("buy", 0.25, true)))
	require.NoError(t, s.RecordTrade(ctx, trade("buy", 0.5, false)))
	require.NoError(t, s.RecordTrade(ctx, trade("sell", 0.4, true)))
	require.NoError(t, s.SnapshotPortfolio(ctx, bus.PortfolioSnapshot{
		BaseEvent:    bus.NewBaseEvent("test", bus.SchemaVersion),
		ExperimentID: "exp-1",
		Cash:         decimal.NewFromInt(10),
		TotalValue:   decimal.NewFromInt(10),
	}))

	sum, err := s.Summary(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Buys)
	assert.Equal(t, 1, sum.Sells)
	assert.True(t, sum.SpentBNB.Equal(decimal.RequireFromString("0.25")), "got %s", sum.SpentBNB)
	assert.True(t, sum.ReturnBNB.Equal(decimal.RequireFromString("0.4")))

	require.NoError(t, s.Close())
	assert.True(t, errors.Is(s.RecordTrade(ctx, trade("buy", 1, true)), storage.ErrClosed))
}
