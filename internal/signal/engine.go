package signal

import (
	"errors"
	"fmt"
	"math"

	"gold-trading-bot/internal/sizing"
	"gold-trading-bot/internal/smc"
)

// MinRiskReward is the floor below which a setup is not worth taking.
const MinRiskReward = 1.5

const (
	baseConfidence = 0.60
	maxConfidence  = 0.95

	// Stop loss sits five pips beyond the far edge of the order block.
	stopBufferPips = 5
)

// Config carries the account and risk parameters the engine sizes against.
// MinConfidence of zero disables the confidence floor.
type Config struct {
	Balance        float64
	RiskPercentage float64 // fraction, 0.01 for 1%
	MaxRiskAmount  float64
	MinConfidence  float64
}

// Engine composes an SMC analysis into a trade signal. Pure and
// deterministic: same analysis plus same config yields the same signal.
type Engine struct{}

// NewEngine creates a signal engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Evaluate runs the four mandatory SMC gates in order and, when all pass,
// derives direction, levels, confidence and lot size. Any failed gate or
// sizing rejection yields a HOLD signal carrying the failing reason.
func (e *Engine) Evaluate(analysis *smc.Analysis, cfg Config) *Signal {
	sig := &Signal{
		Direction:    DirectionHold,
		SetupQuality: analysis.SetupQuality,
		Analysis:     analysis,
		Timestamp:    analysis.At,
	}

	// Gate 1: session levels identified.
	if analysis.SessionLevels.SessionHigh <= 0 || analysis.SessionLevels.SessionLow <= 0 {
		sig.Reasons = append(sig.Reasons, "no session levels identified")
		return sig
	}
	sig.Reasons = append(sig.Reasons, "session levels identified")

	// Gate 2: a liquidity grab within the last two recorded.
	recentGrabs := lastGrabs(analysis.LiquidityGrabs, 2)
	if len(recentGrabs) == 0 {
		sig.Reasons = append(sig.Reasons, "no recent liquidity grab")
		return sig
	}
	sig.Reasons = append(sig.Reasons, fmt.Sprintf("liquidity grab detected (%s)", recentGrabs[len(recentGrabs)-1].Kind))

	// Gate 3: break of structure with a non-neutral direction.
	if !analysis.BOS.Detected || analysis.BOS.Direction == smc.DirectionNeutral {
		sig.Reasons = append(sig.Reasons, "no break of structure")
		return sig
	}
	sig.Reasons = append(sig.Reasons, fmt.Sprintf("break of structure %s at %.2f", analysis.BOS.Direction, analysis.BOS.BreakPrice))

	// Gate 4: a fresh order block aligned with the BOS direction.
	block := strongestAlignedBlock(analysis.OrderBlocks, analysis.BOS.Direction)
	if block == nil {
		sig.Reasons = append(sig.Reasons, "no aligned fresh order block")
		return sig
	}
	sig.Reasons = append(sig.Reasons, fmt.Sprintf("fresh %s order block %.2f-%.2f", block.Kind, block.Bottom, block.Top))

	e.fillLevels(sig, analysis, block)
	e.fillConfidence(sig, analysis)

	if cfg.MinConfidence > 0 && sig.Confidence < cfg.MinConfidence {
		return hold(sig, fmt.Sprintf("confidence %.2f below minimum %.2f", sig.Confidence, cfg.MinConfidence))
	}

	size, err := sizing.Calculate(cfg.Balance, cfg.RiskPercentage, cfg.MaxRiskAmount, sig.Entry, sig.StopLoss)
	if err != nil {
		if errors.Is(err, sizing.ErrInvalidStop) {
			return hold(sig, "invalid stop: zero stop distance")
		}
		return hold(sig, fmt.Sprintf("position sizing failed: %v", err))
	}
	if size.LotSize < sizing.MinLot {
		return hold(sig, fmt.Sprintf("lot size %.2f below minimum %.2f", size.LotSize, sizing.MinLot))
	}
	if sig.RiskRewardRatio < MinRiskReward {
		return hold(sig, fmt.Sprintf("risk:reward %.2f below minimum %.2f", sig.RiskRewardRatio, MinRiskReward))
	}
	sig.LotSize = size.LotSize
	return sig
}

// fillLevels derives entry, stop and take profit from the order block edges,
// capping the target at VWAP when VWAP sits on the profitable side.
func (e *Engine) fillLevels(sig *Signal, analysis *smc.Analysis, block *smc.OrderBlock) {
	vwap := analysis.Indicators.VWAP
	buffer := stopBufferPips * sizing.Pip

	if analysis.BOS.Direction == smc.DirectionBullish {
		sig.Direction = DirectionBuy
		sig.Entry = block.Top
		sig.StopLoss = block.Bottom - buffer
		risk := sig.Entry - sig.StopLoss
		tpRatio := sig.Entry + 2*risk
		if vwap > sig.Entry {
			sig.TakeProfit = math.Min(vwap, tpRatio)
		} else {
			sig.TakeProfit = tpRatio
		}
	} else {
		sig.Direction = DirectionSell
		sig.Entry = block.Bottom
		sig.StopLoss = block.Top + buffer
		risk := sig.StopLoss - sig.Entry
		tpRatio := sig.Entry - 2*risk
		if vwap < sig.Entry {
			sig.TakeProfit = math.Max(vwap, tpRatio)
		} else {
			sig.TakeProfit = tpRatio
		}
	}

	if stopDist := math.Abs(sig.Entry - sig.StopLoss); stopDist > 0 {
		sig.RiskRewardRatio = math.Abs(sig.TakeProfit-sig.Entry) / stopDist
	}
}

// fillConfidence scores the passing setup from its confluence factors.
func (e *Engine) fillConfidence(sig *Signal, analysis *smc.Analysis) {
	confidence := baseConfidence
	confidence += 0.05 * float64(analysis.SetupQuality-5)
	if len(analysis.LiquidityGrabs) >= 2 {
		confidence += 0.10
	}
	if analysis.BOS.Strength >= 7 {
		confidence += 0.10
	}
	if confidence > maxConfidence {
		confidence = maxConfidence
	}
	if confidence < 0 {
		confidence = 0
	}
	sig.Confidence = confidence
}

func hold(sig *Signal, reason string) *Signal {
	sig.Direction = DirectionHold
	sig.Confidence = 0
	sig.LotSize = 0
	sig.Reasons = append(sig.Reasons, reason)
	return sig
}

func lastGrabs(grabs []smc.LiquidityGrab, n int) []smc.LiquidityGrab {
	if len(grabs) <= n {
		return grabs
	}
	return grabs[len(grabs)-n:]
}

// strongestAlignedBlock returns the strongest fresh block matching the BOS
// direction: bullish blocks for a bullish break, bearish for bearish.
func strongestAlignedBlock(blocks []smc.OrderBlock, dir smc.Direction) *smc.OrderBlock {
	want := smc.BlockBearish
	if dir == smc.DirectionBullish {
		want = smc.BlockBullish
	}
	var best *smc.OrderBlock
	for i := range blocks {
		b := &blocks[i]
		if b.Status != smc.BlockFresh || b.Kind != want {
			continue
		}
		if best == nil || b.Strength > best.Strength {
			best = b
		}
	}
	return best
}
