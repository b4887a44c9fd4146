package execution

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// ---------------------------------------------------------------------------
// TestBook_BuyAndSell
// Buy 100 @ 0.01 for 1 BNB, sell 100 for 1.5 BNB → realized PnL = 0.5
// ---------------------------------------------------------------------------
func TestBook_BuyAndSell(t *testing.T) {
	b := NewBook()
	b.ApplyBuy("bsc", "0xabc", "ABC", d(100), d(0.01), d(1), decimal.Zero, t0)

	pos, ok := b.Get("bsc", "0xabc")
	require.True(t, ok)
	assert.True(t, pos.Open())
	assert.True(t, pos.Qty.Equal(d(100)))
	assert.True(t, pos.AvgEntry.Equal(d(0.01)))
	assert.True(t, pos.CostBasis.Equal(d(1)))
	assert.Equal(t, t0, pos.OpenedAt)

	sold := b.ApplySell("bsc", "0xabc", d(100), d(1.5), decimal.Zero, t0.Add(time.Minute))
	assert.True(t, sold.Equal(d(100)))

	pos, _ = b.Get("bsc", "0xabc")
	assert.False(t, pos.Open())
	assert.True(t, pos.AvgEntry.IsZero())
	assert.True(t, pos.CostBasis.IsZero())
	assert.True(t, pos.RealizedPnL.Equal(d(0.5)), "got %s", pos.RealizedPnL)
	assert.Equal(t, 2, pos.TradeCount)
	assert.Equal(t, 0, b.OpenCount())
}

// ---------------------------------------------------------------------------
// TestBook_PartialClose
// Buy 200 for 2 BNB, sell 50 for 0.25 BNB → basis 0.5, realized -0.25
// ---------------------------------------------------------------------------
func TestBook_PartialClose(t *testing.T) {
	b := NewBook()
	b.ApplyBuy("bsc", "0xabc", "ABC", d(200), d(0.01), d(2), decimal.Zero, t0)
	b.ApplySell("bsc", "0xabc", d(50), d(0.25), decimal.Zero, t0)

	pos, _ := b.Get("bsc", "0xabc")
	assert.True(t, pos.Qty.Equal(d(150)))
	assert.True(t, pos.AvgEntry.Equal(d(0.01)), "avg entry unchanged on reduce")
	assert.True(t, pos.CostBasis.Equal(d(1.5)))
	assert.True(t, pos.RealizedPnL.Equal(d(-0.25)), "got %s", pos.RealizedPnL)
	assert.Equal(t, 1, b.OpenCount())
}

// ---------------------------------------------------------------------------
// TestBook_AverageEntry
// Buy 100 @ 0.01, buy 100 @ 0.02 → avg 0.015
// ---------------------------------------------------------------------------
func TestBook_AverageEntry(t *testing.T) {
	b := NewBook()
	b.ApplyBuy("bsc", "0xabc", "ABC", d(100), d(0.01), d(1), d(0.01), t0)
	b.ApplyBuy("bsc", "0xabc", "ABC", d(100), d(0.02), d(2), d(0.02), t0.Add(time.Second))

	pos, _ := b.Get("bsc", "0xabc")
	assert.True(t, pos.Qty.Equal(d(200)))
	assert.True(t, pos.AvgEntry.Equal(d(0.015)), "got %s", pos.AvgEntry)
	assert.True(t, pos.CostBasis.Equal(d(3)))
	assert.True(t, pos.TotalFees.Equal(d(0.03)))
	assert.Equal(t, t0, pos.OpenedAt, "adding keeps the open time")
}

func TestBook_SellClampsAndIgnoresUnknown(t *testing.T) {
	b := NewBook()
	assert.True(t, b.ApplySell("bsc", "0xnone", d(1), d(1), decimal.Zero, t0).IsZero())

	b.ApplyBuy("bsc", "0xabc", "ABC", d(10), d(0.1), d(1), decimal.Zero, t0)
	sold := b.ApplySell("bsc", "0xabc", d(25), d(2), decimal.Zero, t0)
	assert.True(t, sold.Equal(d(10)))
	assert.True(t, b.Qty("bsc", "0xabc").IsZero())
	assert.True(t, b.RealizedPnL().Equal(d(1)))
}

func TestBook_AllSorted(t *testing.T) {
	b := NewBook()
	b.ApplyBuy("sol", "B", "B", d(1), d(1), d(1), decimal.Zero, t0)
	b.ApplyBuy("bsc", "0xa", "A", d(1), d(1), d(1), decimal.Zero, t0)

	all := b.All()
	require.Len(t, all, 2)
	assert.Equal(t, "bsc", all[0].Chain)
	assert.Equal(t, "sol", all[1].Chain)
	assert.Equal(t, "bsc:0xa", PositionKey(all[0].Chain, all[0].Token))
}
