// Package cards implements discrete per-token capital allocation. A token's
// budget is split into TotalCards equal cards of at most PerCardMaxBNB each;
// a card is either still in BNB or has been spent on the token.
package cards

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInsufficientCards is returned when a buy asks for more cards than are
// still held in BNB.
var ErrInsufficientCards = errors.New("cards: insufficient bnb cards")

// Allocation is the card state of one token.
// Invariant: BNBCards + TokenCards == TotalCards, both >= 0.
type Allocation struct {
	TotalCards    int             `json:"total_cards"`
	BNBCards      int             `json:"bnb_cards"`
	TokenCards    int             `json:"token_cards"`
	PerCardMaxBNB decimal.Decimal `json:"per_card_max_bnb"`
}

// Valid reports whether the allocation invariant holds.
func (a Allocation) Valid() bool {
	return a.TotalCards > 0 && a.BNBCards >= 0 && a.TokenCards >= 0 &&
		a.BNBCards+a.TokenCards == a.TotalCards
}

func (a Allocation) String() string {
	return fmt.Sprintf("%d/%d bnb/token of %d", a.BNBCards, a.TokenCards, a.TotalCards)
}

// Manager mutates one Allocation. It is not safe for concurrent use; the
// monitoring cycle owns it for the duration of a trade.
type Manager struct {
	alloc Allocation
}

// New creates a manager with every card in BNB.
func New(totalCards int, perCardMaxBNB decimal.Decimal) *Manager {
	if totalCards < 1 {
		totalCards = 1
	}
	return &Manager{alloc: Allocation{
		TotalCards:    totalCards,
		BNBCards:      totalCards,
		TokenCards:    0,
		PerCardMaxBNB: perCardMaxBNB,
	}}
}

// FromAllocation resumes a manager from a stored allocation.
func FromAllocation(a Allocation) (*Manager, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("cards: invalid allocation %s", a)
	}
	return &Manager{alloc: a}, nil
}

// Allocation returns a copy of the current state.
func (m *Manager) Allocation() Allocation { return m.alloc }

// BuyAmount returns cards × PerCardMaxBNB, or zero when cards is not
// positive or exceeds the BNB cards left.
func (m *Manager) BuyAmount(cards int) decimal.Decimal {
	if cards <= 0 || cards > m.alloc.BNBCards {
		return decimal.Zero
	}
	return m.alloc.PerCardMaxBNB.Mul(decimal.NewFromInt(int64(cards)))
}

// AfterBuy moves cards from BNB to token. The state is unchanged on error.
func (m *Manager) AfterBuy(cards int) error {
	if cards <= 0 {
		return fmt.Errorf("cards: buy of %d cards", cards)
	}
	if cards > m.alloc.BNBCards {
		return fmt.Errorf("%w: want %d, have %d", ErrInsufficientCards, cards, m.alloc.BNBCards)
	}
	m.alloc.BNBCards -= cards
	m.alloc.TokenCards += cards
	return nil
}

// SellCards resolves how many token cards a sell consumes. A sell-all, a
// non-positive count or a count at or above the token cards held sells
// every token card.
func (m *Manager) SellCards(cards int, sellAll bool) int {
	if sellAll || cards <= 0 || cards >= m.alloc.TokenCards {
		return m.alloc.TokenCards
	}
	return cards
}

// SellAmount returns the token amount to sell: the whole holding for a
// sell-all (see SellCards), otherwise holding × cards / TotalCards.
// The divisor is TotalCards, not the token cards held, so after a partial
// buy a one-card sell releases less than one card's worth of tokens while
// AfterSell still returns a whole card to BNB.
func (m *Manager) SellAmount(holding decimal.Decimal, cards int, sellAll bool) decimal.Decimal {
	if !holding.IsPositive() {
		return decimal.Zero
	}
	if m.IsSellAll(cards, sellAll) {
		return holding
	}
	return holding.Mul(decimal.NewFromInt(int64(cards))).Div(decimal.NewFromInt(int64(m.alloc.TotalCards)))
}

// IsSellAll reports whether a sell of cards empties the position.
func (m *Manager) IsSellAll(cards int, sellAll bool) bool {
	return m.SellCards(cards, sellAll) == m.alloc.TokenCards
}

// AfterSell moves cardsSold from token back to BNB, clamped to the token
// cards held.
func (m *Manager) AfterSell(cardsSold int) {
	if cardsSold < 0 {
		cardsSold = 0
	}
	if cardsSold > m.alloc.TokenCards {
		cardsSold = m.alloc.TokenCards
	}
	m.alloc.TokenCards -= cardsSold
	m.alloc.BNBCards = m.alloc.TotalCards - m.alloc.TokenCards
}
