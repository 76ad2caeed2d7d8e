package market

import "time"

// Symbol identifies a tradable instrument. The bot only trades spot gold.
type Symbol string

const SymbolXAUUSD Symbol = "XAUUSD"

// Timeframe is a candle interval with an explicit minute count.
type Timeframe string

const (
	TimeframeM1  Timeframe = "M1"
	TimeframeM5  Timeframe = "M5"
	TimeframeM15 Timeframe = "M15"
	TimeframeH1  Timeframe = "H1"
	TimeframeH4  Timeframe = "H4"
	TimeframeD1  Timeframe = "D1"
)

// Minutes returns the timeframe length in minutes.
func (tf Timeframe) Minutes() int {
	switch tf {
	case TimeframeM1:
		return 1
	case TimeframeM5:
		return 5
	case TimeframeM15:
		return 15
	case TimeframeH1:
		return 60
	case TimeframeH4:
		return 240
	case TimeframeD1:
		return 1440
	default:
		return 5
	}
}

// Duration returns the timeframe as a time.Duration.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tf.Minutes()) * time.Minute
}

// ParseTimeframe maps a config string to a Timeframe, defaulting to M5.
func ParseTimeframe(s string) Timeframe {
	switch Timeframe(s) {
	case TimeframeM1, TimeframeM5, TimeframeM15, TimeframeH1, TimeframeH4, TimeframeD1:
		return Timeframe(s)
	default:
		return TimeframeM5
	}
}

// Bar is one OHLCV candle. Time is a UTC instant at the bar open.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// Quote is the current bid/ask for a symbol.
type Quote struct {
	Symbol Symbol    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Time   time.Time `json:"time"`
}

// Mid returns the quote midpoint.
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}
