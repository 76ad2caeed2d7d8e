package market

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// SimSource provides simulated gold bars for paper trading and development.
// Prices follow a random walk seeded from a realistic spot gold level, the
// same way the original mock feed generated candles.
type SimSource struct {
	mu         sync.Mutex
	rng        *rand.Rand
	lastPrice  float64
	lastUpdate time.Time
}

// NewSimSource creates a simulated data source starting at basePrice.
func NewSimSource(basePrice float64) *SimSource {
	if basePrice <= 0 {
		basePrice = 2650.00
	}
	return &SimSource{
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		lastPrice:  basePrice,
		lastUpdate: time.Now().UTC(),
	}
}

// Bars returns count synthetic bars ending at the last completed interval.
func (s *SimSource) Bars(_ context.Context, _ Symbol, tf Timeframe, count int) ([]Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.drift()

	interval := tf.Duration()
	now := time.Now().UTC().Truncate(interval)
	bars := make([]Bar, count)

	// Walk backwards from the current price so the most recent bar closes at
	// the live simulated level.
	price := s.lastPrice
	for i := count - 1; i >= 0; i-- {
		openTime := now.Add(-time.Duration(count-i) * interval)
		volatility := 0.0015
		change := (s.rng.Float64() - 0.5) * volatility * 2
		open := price / (1 + change)
		close := price
		high := math.Max(open, close) * (1 + s.rng.Float64()*volatility*0.5)
		low := math.Min(open, close) * (1 - s.rng.Float64()*volatility*0.5)
		bars[i] = Bar{
			Time:   openTime,
			Open:   open,
			High:   high,
			Low:    low,
			Close:  close,
			Volume: 800 + s.rng.Int63n(4200),
		}
		price = open
	}
	return bars, nil
}

// LastPrice returns the current simulated price level.
func (s *SimSource) LastPrice() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drift()
	return s.lastPrice
}

// drift nudges the simulated price at most once per second.
func (s *SimSource) drift() {
	if time.Since(s.lastUpdate) < time.Second {
		return
	}
	change := (s.rng.Float64() - 0.5) * 0.002
	s.lastPrice *= 1 + change
	s.lastUpdate = time.Now().UTC()
}
