package market

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/mr-tron/base58"
)

// Stub is a deterministic random-walk provider for dry runs without API
// access. Each ListNewTokens call launches a few tokens; every GetBatchPrices
// call advances each token one step along its own drifted walk.
type Stub struct {
	mu       sync.Mutex
	rng      *rand.Rand
	now      func() time.Time
	perCall  int
	tokens   map[string]*stubToken
	launched int
}

type stubToken struct {
	info  TokenInfo
	price float64
	drift float64
	vol   float64
	step  int
}

// NewStub creates a stub provider launching perCall tokens per discovery call.
func NewStub(seed int64, perCall int) *Stub {
	if perCall <= 0 {
		perCall = 3
	}
	return &Stub{
		rng:     rand.New(rand.NewSource(seed)),
		now:     time.Now,
		perCall: perCall,
		tokens:  make(map[string]*stubToken),
	}
}

// ListNewTokens launches perCall new tokens and returns them.
func (s *Stub) ListNewTokens(_ context.Context, _, chain string, limit int) ([]TokenInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.perCall
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]TokenInfo, 0, n)
	for i := 0; i < n; i++ {
		s.launched++
		launch := 1e-8 * (1 + s.rng.Float64())
		info := TokenInfo{
			Address:     s.address(chain),
			Chain:       chain,
			Symbol:      fmt.Sprintf("STUB%d", s.launched),
			CreatedAt:   s.now().Add(-time.Duration(s.rng.Intn(120)) * time.Second),
			LaunchPrice: launch,
			Price:       launch,
		}
		s.tokens[TokenID(info.Address, chain)] = &stubToken{
			info:  info,
			price: launch,
			drift: (s.rng.Float64() - 0.4) * 0.06,
			vol:   0.01 + s.rng.Float64()*0.03,
		}
		out = append(out, info)
	}
	return out, nil
}

// GetBatchPrices advances and returns each known token's walk.
func (s *Stub) GetBatchPrices(_ context.Context, ids []string) (map[string]Quote, error) {
	if len(ids) > MaxBatchIDs {
		return nil, fmt.Errorf("stub: %d ids exceeds limit of %d", len(ids), MaxBatchIDs)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Quote, len(ids))
	for _, id := range ids {
		t, ok := s.tokens[id]
		if !ok {
			continue
		}
		t.step++
		t.price *= math.Exp(t.drift + t.vol*s.rng.NormFloat64())
		out[id] = Quote{
			Price:       t.price,
			TVL:         5000 + float64(t.step)*200*(1+t.drift*10),
			FDV:         t.price * 1e9,
			Holders:     20 + t.step*3,
			TxVolume24h: 1000 * float64(t.step),
		}
	}
	return out, nil
}

// GetCandles synthesises candles around the token's current price.
func (s *Stub) GetCandles(_ context.Context, id string, intervalMinutes, limit int) ([]Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[id]
	if !ok {
		return nil, fmt.Errorf("stub: unknown token %s", id)
	}
	if limit <= 0 {
		limit = 10
	}
	out := make([]Candle, limit)
	p := t.price
	end := s.now()
	for i := limit - 1; i >= 0; i-- {
		open := p / math.Exp(t.drift+t.vol*s.rng.NormFloat64())
		hi := math.Max(open, p) * (1 + t.vol*s.rng.Float64())
		lo := math.Min(open, p) * (1 - t.vol*s.rng.Float64())
		out[i] = Candle{
			Time:   end.Add(-time.Duration(limit-1-i) * time.Duration(intervalMinutes) * time.Minute),
			Open:   open,
			High:   hi,
			Low:    lo,
			Close:  p,
			Volume: 100 * s.rng.Float64(),
		}
		p = open
	}
	return out, nil
}

func (s *Stub) address(chain string) string {
	if chain == "solana" {
		b := make([]byte, 32)
		s.rng.Read(b)
		return base58.Encode(b)
	}
	b := make([]byte, 20)
	s.rng.Read(b)
	return "0x" + hex.EncodeToString(b)
}
