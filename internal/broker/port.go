package broker

import (
	"context"
	"time"

	"gold-trading-bot/internal/market"
	"gold-trading-bot/internal/risk"
	"gold-trading-bot/internal/signal"
)

// OrderRequest is a market order submission.
type OrderRequest struct {
	Symbol     market.Symbol
	Direction  signal.Direction // BUY or SELL
	LotSize    float64
	StopLoss   float64
	TakeProfit float64
	Comment    string
}

// Fill is the broker's acknowledgement of an accepted order.
type Fill struct {
	Ticket    uint64
	FillPrice float64
	FilledAt  time.Time
}

// Port is the execution venue abstraction. The paper broker implements it
// in-process; a live adapter implements it against a real account. All
// methods are safe for concurrent use.
type Port interface {
	// Open submits a market order and returns the fill.
	Open(ctx context.Context, req OrderRequest) (*Fill, error)

	// Close exits the position behind ticket at market and returns the
	// exit price.
	Close(ctx context.Context, ticket uint64) (float64, error)

	// Modify replaces the stop loss and take profit on an open position.
	Modify(ctx context.Context, ticket uint64, stopLoss, takeProfit float64) error

	// CurrentPrice returns the latest quote for symbol.
	CurrentPrice(ctx context.Context, symbol market.Symbol) (*market.Quote, error)

	// Positions lists positions the broker currently holds open.
	Positions(ctx context.Context) ([]*Position, error)

	// AccountInfo returns the balance and equity snapshot.
	AccountInfo(ctx context.Context) (*risk.AccountInfo, error)

	// MarketOpen reports whether symbol trades at the given instant.
	MarketOpen(symbol market.Symbol, now time.Time) bool
}
