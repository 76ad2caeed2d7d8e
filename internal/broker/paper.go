package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gold-trading-bot/internal/market"
	"gold-trading-bot/internal/risk"
	"gold-trading-bot/internal/signal"
	"gold-trading-bot/internal/sizing"
)

// PriceSource supplies the paper broker with the last observed price.
type PriceSource interface {
	LastPrice() float64
}

// PaperConfig configures the simulated account.
type PaperConfig struct {
	StartingBalance float64
	Spread          float64 // full bid/ask spread in price units
	Currency        string
}

// DefaultPaperConfig returns a 100k USD demo account with a typical gold
// spread.
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		StartingBalance: 100000,
		Spread:          0.30,
		Currency:        "USD",
	}
}

// Paper is an in-process execution venue. Orders fill immediately at the
// last observed price adjusted for spread, and the account balance tracks
// realized P&L.
type Paper struct {
	cfg    PaperConfig
	prices PriceSource
	log    zerolog.Logger
	now    func() time.Time

	mu         sync.Mutex
	balance    float64
	positions  map[uint64]*Position
	nextTicket uint64
}

var _ Port = (*Paper)(nil)

// NewPaper creates a paper broker fed by prices.
func NewPaper(cfg PaperConfig, prices PriceSource, log zerolog.Logger) *Paper {
	if cfg.StartingBalance <= 0 {
		cfg.StartingBalance = 100000
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	return &Paper{
		cfg:        cfg,
		prices:     prices,
		log:        log.With().Str("component", "paper_broker").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
		balance:    cfg.StartingBalance,
		positions:  make(map[uint64]*Position),
		nextTicket: 1000,
	}
}

// Open fills a market order at the spread-adjusted last price.
func (p *Paper) Open(ctx context.Context, req OrderRequest) (*Fill, error) {
	now := p.now()
	if !p.MarketOpen(req.Symbol, now) {
		return nil, ErrMarketClosed
	}
	if req.LotSize < sizing.MinLot || req.LotSize > sizing.MaxLot {
		return nil, fmt.Errorf("%w: lot size %.2f out of range", ErrRejected, req.LotSize)
	}
	if req.Direction != signal.DirectionBuy && req.Direction != signal.DirectionSell {
		return nil, fmt.Errorf("%w: direction %s", ErrRejected, req.Direction)
	}

	mid := p.prices.LastPrice()
	if mid <= 0 {
		return nil, fmt.Errorf("%w: no price available", ErrRejected)
	}
	fill := mid + p.cfg.Spread/2
	if req.Direction == signal.DirectionSell {
		fill = mid - p.cfg.Spread/2
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextTicket++
	ticket := p.nextTicket
	p.positions[ticket] = &Position{
		Ticket:       ticket,
		Symbol:       req.Symbol,
		Direction:    req.Direction,
		LotSize:      req.LotSize,
		EntryPrice:   fill,
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
		OpenedAt:     now,
		Comment:      req.Comment,
		CurrentPrice: fill,
		Status:       StatusOpen,
	}

	p.log.Info().Uint64("ticket", ticket).Str("direction", string(req.Direction)).
		Float64("lot", req.LotSize).Float64("fill", fill).Msg("paper order filled")
	return &Fill{Ticket: ticket, FillPrice: fill, FilledAt: now}, nil
}

// Close exits the position at the spread-adjusted last price.
func (p *Paper) Close(ctx context.Context, ticket uint64) (float64, error) {
	mid := p.prices.LastPrice()
	exit := mid - p.cfg.Spread/2 // closing a BUY sells at bid
	p.mu.Lock()
	pos, ok := p.positions[ticket]
	p.mu.Unlock()
	if ok && pos.Direction == signal.DirectionSell {
		exit = mid + p.cfg.Spread/2
	}
	return p.CloseAt(ctx, ticket, exit)
}

// CloseAt exits the position at an exact price, used when a stop or target
// level triggered the exit.
func (p *Paper) CloseAt(_ context.Context, ticket uint64, price float64) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[ticket]
	if !ok {
		return 0, ErrUnknownTicket
	}
	pnl := pos.PnLAt(price)
	p.balance += pnl
	delete(p.positions, ticket)

	p.log.Info().Uint64("ticket", ticket).Float64("exit", price).Float64("pnl", pnl).
		Float64("balance", p.balance).Msg("paper position closed")
	return price, nil
}

// Modify replaces the protective levels on an open position.
func (p *Paper) Modify(_ context.Context, ticket uint64, stopLoss, takeProfit float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[ticket]
	if !ok {
		return ErrUnknownTicket
	}
	pos.StopLoss = stopLoss
	pos.TakeProfit = takeProfit
	return nil
}

// CurrentPrice quotes the last observed price with the configured spread.
func (p *Paper) CurrentPrice(_ context.Context, symbol market.Symbol) (*market.Quote, error) {
	mid := p.prices.LastPrice()
	if mid <= 0 {
		return nil, fmt.Errorf("no price available for %s", symbol)
	}
	return &market.Quote{
		Symbol: symbol,
		Bid:    mid - p.cfg.Spread/2,
		Ask:    mid + p.cfg.Spread/2,
		Time:   time.Now().UTC(),
	}, nil
}

// Positions lists the broker-held open positions with refreshed marks.
func (p *Paper) Positions(_ context.Context) ([]*Position, error) {
	mid := p.prices.LastPrice()

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Position, 0, len(p.positions))
	for _, pos := range p.positions {
		cp := *pos
		if mid > 0 {
			cp.CurrentPrice = mid
			cp.UnrealizedPnL = cp.PnLAt(mid)
		}
		out = append(out, &cp)
	}
	return out, nil
}

// AccountInfo reports balance and mark-to-market equity.
func (p *Paper) AccountInfo(_ context.Context) (*risk.AccountInfo, error) {
	mid := p.prices.LastPrice()

	p.mu.Lock()
	defer p.mu.Unlock()

	equity := p.balance
	if mid > 0 {
		for _, pos := range p.positions {
			equity += pos.PnLAt(mid)
		}
	}
	return &risk.AccountInfo{
		Balance:  p.balance,
		Equity:   equity,
		Currency: p.cfg.Currency,
	}, nil
}

// MarketOpen follows the spot gold trading calendar.
func (p *Paper) MarketOpen(_ market.Symbol, now time.Time) bool {
	return market.IsMarketOpen(now)
}
