package execution

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Position
// ---------------------------------------------------------------------------

// Position is the long-only holding of one token.
type Position struct {
	Token       string          `json:"token"`
	Chain       string          `json:"chain"`
	Symbol      string          `json:"symbol"`
	Qty         decimal.Decimal `json:"qty"`
	AvgEntry    decimal.Decimal `json:"avg_entry"`
	CostBasis   decimal.Decimal `json:"cost_basis"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	TotalFees   decimal.Decimal `json:"total_fees"`
	OpenedAt    time.Time       `json:"opened_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	TradeCount  int             `json:"trade_count"`
}

// Open reports whether tokens are held.
func (p Position) Open() bool { return p.Qty.IsPositive() }

// ---------------------------------------------------------------------------
// Book
// ---------------------------------------------------------------------------

// Book tracks per-token positions. Thread-safe.
type Book struct {
	mu        sync.RWMutex
	positions map[string]*Position // key: "chain:token"
}

// NewBook creates an empty Book.
func NewBook() *Book {
	return &Book{positions: make(map[string]*Position)}
}

// PositionKey builds the position key "<chain>:<token>".
func PositionKey(chain, token string) string { return chain + ":" + token }

// ApplyBuy adds qty tokens bought at price. cost is the BNB spent including
// fee.
func (b *Book) ApplyBuy(chain, token, symbol string, qty, price, cost, fee decimal.Decimal, ts time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := PositionKey(chain, token)
	pos, ok := b.positions[k]
	if !ok {
		pos = &Position{Token: token, Chain: chain, Symbol: symbol}
		b.positions[k] = pos
	}

	pos.TotalFees = pos.TotalFees.Add(fee)
	pos.TradeCount++
	pos.UpdatedAt = ts

	if !pos.Qty.IsPositive() {
		// Opening from flat.
		pos.AvgEntry = price
		pos.Qty = qty
		pos.CostBasis = cost
		pos.OpenedAt = ts
		return
	}

	// Weighted-average entry: (avgEntry * oldQty + price * qty) / (oldQty + qty)
	total := pos.Qty.Add(qty)
	pos.AvgEntry = pos.AvgEntry.Mul(pos.Qty).Add(price.Mul(qty)).Div(total)
	pos.Qty = total
	pos.CostBasis = pos.CostBasis.Add(cost)
}

// ApplySell removes up to qty tokens sold for proceeds BNB (net of fee) and
// returns the quantity actually removed. Realized PnL is proceeds minus the
// proportional cost basis.
func (b *Book) ApplySell(chain, token string, qty, proceeds, fee decimal.Decimal, ts time.Time) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[PositionKey(chain, token)]
	if !ok || !pos.Qty.IsPositive() {
		return decimal.Zero
	}
	if qty.GreaterThan(pos.Qty) {
		qty = pos.Qty
	}

	basis := pos.CostBasis.Mul(qty).Div(pos.Qty)
	pos.RealizedPnL = pos.RealizedPnL.Add(proceeds.Sub(basis))
	pos.CostBasis = pos.CostBasis.Sub(basis)
	pos.Qty = pos.Qty.Sub(qty)
	pos.TotalFees = pos.TotalFees.Add(fee)
	pos.TradeCount++
	pos.UpdatedAt = ts

	if pos.Qty.IsZero() {
		// Fully closed.
		pos.AvgEntry = decimal.Zero
		pos.CostBasis = decimal.Zero
	}
	return qty
}

// Get returns a copy of the position, or false if the token was never held.
func (b *Book) Get(chain, token string) (Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pos, ok := b.positions[PositionKey(chain, token)]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// Qty returns the held quantity of a token.
func (b *Book) Qty(chain, token string) decimal.Decimal {
	pos, ok := b.Get(chain, token)
	if !ok {
		return decimal.Zero
	}
	return pos.Qty
}

// All returns copies of every position ordered by key.
func (b *Book) All() []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.positions))
	for k := range b.positions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Position, 0, len(keys))
	for _, k := range keys {
		out = append(out, *b.positions[k])
	}
	return out
}

// RealizedPnL sums realized PnL across all positions.
func (b *Book) RealizedPnL() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := decimal.Zero
	for _, p := range b.positions {
		total = total.Add(p.RealizedPnL)
	}
	return total
}

// OpenCount returns the number of positions with tokens held.
func (b *Book) OpenCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, p := range b.positions {
		if p.Qty.IsPositive() {
			n++
		}
	}
	return n
}
