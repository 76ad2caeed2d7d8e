package broker

import (
	"errors"
	"time"

	"gold-trading-bot/internal/market"
	"gold-trading-bot/internal/signal"
	"gold-trading-bot/internal/sizing"
)

var (
	// ErrRejected is returned when the broker refuses an order.
	ErrRejected = errors.New("broker rejected order")
	// ErrUnknownTicket is returned for operations on a ticket the broker
	// does not hold.
	ErrUnknownTicket = errors.New("unknown ticket")
	// ErrMarketClosed is returned when an order arrives outside trading
	// hours.
	ErrMarketClosed = errors.New("market closed")
)

// PositionStatus tracks a position through its lifecycle.
type PositionStatus string

const (
	StatusOpen         PositionStatus = "OPEN"
	StatusClosedSL     PositionStatus = "CLOSED_SL"
	StatusClosedTP     PositionStatus = "CLOSED_TP"
	StatusClosedManual PositionStatus = "CLOSED_MANUAL"
	StatusClosedForced PositionStatus = "CLOSED_FORCED"
)

// Position is one open or closed trade.
type Position struct {
	Ticket     uint64           `json:"ticket"`
	Symbol     market.Symbol    `json:"symbol"`
	Direction  signal.Direction `json:"direction"`
	LotSize    float64          `json:"lot_size"`
	EntryPrice float64          `json:"entry_price"`
	StopLoss   float64          `json:"stop_loss"`
	TakeProfit float64          `json:"take_profit"`
	OpenedAt   time.Time        `json:"opened_at"`
	Comment    string           `json:"comment,omitempty"`

	CurrentPrice  float64 `json:"current_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`

	Status      PositionStatus `json:"status"`
	ExitPrice   *float64       `json:"exit_price,omitempty"`
	RealizedPnL *float64       `json:"realized_pnl,omitempty"`
	ClosedAt    *time.Time     `json:"closed_at,omitempty"`

	// Entry context carried for persistence and review.
	ConfidenceAtEntry   float64  `json:"confidence_at_entry"`
	SetupQualityAtEntry int      `json:"setup_quality_at_entry"`
	ReasonsAtEntry      []string `json:"reasons_at_entry,omitempty"`
}

// Ounces converts the lot size to ounces of gold.
func (p *Position) Ounces() float64 {
	return p.LotSize * sizing.ContractSize
}

// PnLAt computes the profit at the given exit price, signed by direction.
func (p *Position) PnLAt(price float64) float64 {
	side := 1.0
	if p.Direction == signal.DirectionSell {
		side = -1.0
	}
	return side * (price - p.EntryPrice) * p.Ounces()
}

// IsOpen reports whether the position is still live.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}
