package signal

import (
	"time"

	"gold-trading-bot/internal/smc"
)

// Direction is the trade side a signal recommends.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
	DirectionHold Direction = "HOLD"
)

// Signal is a tentative trade decision produced by the engine and refined by
// the AI validator. Non-HOLD signals always carry positive entry, stop loss
// and take profit with a risk:reward of at least MinRiskReward.
type Signal struct {
	Direction       Direction     `json:"direction"`
	Confidence      float64       `json:"confidence"` // 0..1
	Entry           float64       `json:"entry"`
	StopLoss        float64       `json:"stop_loss"`
	TakeProfit      float64       `json:"take_profit"`
	RiskRewardRatio float64       `json:"risk_reward_ratio"`
	LotSize         float64       `json:"lot_size"`
	SetupQuality    int           `json:"setup_quality"`
	Reasons         []string      `json:"reasons"`
	Analysis        *smc.Analysis `json:"analysis,omitempty"`
	AIValidated     *bool         `json:"ai_validated,omitempty"`
	AIConfidence    *float64      `json:"ai_confidence,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
}

// IsActionable reports whether the signal recommends opening a position.
func (s *Signal) IsActionable() bool {
	return s.Direction == DirectionBuy || s.Direction == DirectionSell
}
