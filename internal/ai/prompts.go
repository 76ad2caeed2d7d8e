package ai

import (
	"fmt"
	"strings"

	"gold-trading-bot/internal/signal"
	"gold-trading-bot/internal/smc"
)

// SystemPromptValidation instructs the model to act as a second-opinion gate
// on the technical signal and reply in the expected structure.
const SystemPromptValidation = `You are a professional gold (XAU/USD) trading analyst reviewing a Smart Money Concepts setup.
Evaluate whether the proposed trade is justified by the supplied market context.
You may corroborate, weaken or veto the signal. Do not propose trades the setup does not support.

Respond ONLY with a JSON object:
{
  "decision": "BUY" | "SELL" | "HOLD",
  "confidence": 0.0-1.0,
  "entry": number or null,
  "stop_loss": number or null,
  "take_profit": number or null,
  "reasoning": "one or two sentences"
}`

// PromptContext is the compact market context sent alongside the signal.
type PromptContext struct {
	Symbol         string
	Timeframe      string
	Session        string
	CurrentPrice   float64
	Balance        float64
	RiskPercentage float64
	Analysis       *smc.Analysis
	Signal         *signal.Signal
}

// BuildValidationPrompt renders the structured validation template. The same
// context always renders the same prompt, which makes caching by prompt hash
// effective.
func BuildValidationPrompt(pc PromptContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Symbol: %s\nTimeframe: %s\nSession: %s\nCurrent price: %.2f\n\n",
		pc.Symbol, pc.Timeframe, pc.Session, pc.CurrentPrice)

	fmt.Fprintf(&b, "Account balance: %.2f USD\nRisk per trade: %.2f%%\n\n",
		pc.Balance, pc.RiskPercentage*100)

	a := pc.Analysis
	fmt.Fprintf(&b, "Trend: %s\nSetup quality: %d/10\n", a.Trend, a.SetupQuality)
	fmt.Fprintf(&b, "Indicators: VWAP=%.2f EMA21=%.2f EMA50=%.2f EMA200=%.2f RSI=%.1f ATR=%.2f\n",
		a.Indicators.VWAP, a.Indicators.EMA21, a.Indicators.EMA50, a.Indicators.EMA200, a.Indicators.RSI, a.Indicators.ATR)
	fmt.Fprintf(&b, "Session levels: high=%.2f low=%.2f prev-day high=%.2f low=%.2f weekly high=%.2f low=%.2f\n\n",
		a.SessionLevels.SessionHigh, a.SessionLevels.SessionLow,
		a.SessionLevels.PrevDayHigh, a.SessionLevels.PrevDayLow,
		a.SessionLevels.WeeklyHigh, a.SessionLevels.WeeklyLow)

	b.WriteString("SMC findings:\n")
	if a.BOS.Detected {
		fmt.Fprintf(&b, "- Break of structure %s at %.2f (strength %.0f)\n", a.BOS.Direction, a.BOS.BreakPrice, a.BOS.Strength)
	} else {
		b.WriteString("- No break of structure\n")
	}
	for _, ob := range a.OrderBlocks {
		fmt.Fprintf(&b, "- %s order block %.2f-%.2f (%s, strength %.1f)\n", ob.Kind, ob.Bottom, ob.Top, ob.Status, ob.Strength)
	}
	for _, g := range a.LiquidityGrabs {
		fmt.Fprintf(&b, "- %s liquidity grab at %.2f (strength %.1f)\n", g.Kind, g.Price, g.Strength)
	}

	s := pc.Signal
	fmt.Fprintf(&b, "\nTechnical signal: %s entry=%.2f stop_loss=%.2f take_profit=%.2f R:R=%.2f confidence=%.2f\n",
		s.Direction, s.Entry, s.StopLoss, s.TakeProfit, s.RiskRewardRatio, s.Confidence)
	fmt.Fprintf(&b, "Signal reasoning: %s\n", strings.Join(s.Reasons, "; "))

	return b.String()
}
