package smc

import (
	"time"

	"gold-trading-bot/internal/market"
)

// Direction is the inferred market direction of a structure finding.
type Direction string

const (
	DirectionBullish Direction = "BULLISH"
	DirectionBearish Direction = "BEARISH"
	DirectionNeutral Direction = "NEUTRAL"
)

// BlockKind classifies an order block by its forming candle.
type BlockKind string

const (
	BlockBullish BlockKind = "BULLISH"
	BlockBearish BlockKind = "BEARISH"
)

// BlockStatus tracks whether price has traded back into a block.
type BlockStatus string

const (
	BlockFresh     BlockStatus = "FRESH"
	BlockMitigated BlockStatus = "MITIGATED"
)

// OrderBlock is a strongly directional candle whose range is unusually wide
// versus ATR, treated as a zone where trading may resume.
type OrderBlock struct {
	Kind      BlockKind        `json:"kind"`
	Top       float64          `json:"top"`
	Bottom    float64          `json:"bottom"`
	FormedAt  time.Time        `json:"formed_at"`
	Strength  float64          `json:"strength"` // 1..10, range/ATR derived
	Status    BlockStatus      `json:"status"`
	Timeframe market.Timeframe `json:"timeframe"`
}

// BOSFinding is a break-of-structure detection result.
type BOSFinding struct {
	Detected   bool      `json:"detected"`
	Direction  Direction `json:"direction"`
	BreakPrice float64   `json:"break_price"`
	At         time.Time `json:"at"`
	Strength   float64   `json:"strength"`
}

// GrabKind classifies a liquidity grab by the side of the swept extreme.
type GrabKind string

const (
	GrabUpward   GrabKind = "UPWARD"
	GrabDownward GrabKind = "DOWNWARD"
)

// LiquidityGrab is a wick beyond a prior extreme that immediately reversed.
type LiquidityGrab struct {
	Kind     GrabKind  `json:"kind"`
	Price    float64   `json:"price"`
	At       time.Time `json:"at"`
	Strength float64   `json:"strength"`
}

// SessionLevels are rolling window extremes used as liquidity references.
type SessionLevels struct {
	SessionHigh float64 `json:"session_high"`
	SessionLow  float64 `json:"session_low"`
	PrevDayHigh float64 `json:"prev_day_high"`
	PrevDayLow  float64 `json:"prev_day_low"`
	WeeklyHigh  float64 `json:"weekly_high"`
	WeeklyLow   float64 `json:"weekly_low"`
}

// Indicators bundles the technical indicator values for the last bar.
type Indicators struct {
	VWAP   float64 `json:"vwap"`
	EMA21  float64 `json:"ema21"`
	EMA50  float64 `json:"ema50"`
	EMA200 float64 `json:"ema200"`
	RSI    float64 `json:"rsi"`
	ATR    float64 `json:"atr"`
}

// Analysis is the full SMC read of a bar series at its last bar. It is a pure
// value: produced fresh per tick, never mutated, safe to persist for replay.
type Analysis struct {
	At            time.Time        `json:"at"`
	Symbol        market.Symbol    `json:"symbol"`
	Timeframe     market.Timeframe `json:"timeframe"`
	CurrentPrice  float64          `json:"current_price"`
	Trend         Direction        `json:"trend"`
	SessionLevels SessionLevels    `json:"session_levels"`
	OrderBlocks   []OrderBlock     `json:"order_blocks"`
	BOS           BOSFinding       `json:"bos"`
	LiquidityGrabs []LiquidityGrab `json:"liquidity_grabs"`
	Indicators    Indicators       `json:"indicators"`
	SetupQuality  int              `json:"setup_quality"` // 1..10
}
