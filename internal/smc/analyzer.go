package smc

import (
	"fmt"
	"math"
	"sort"

	"gold-trading-bot/internal/market"
)

const (
	rsiPeriod = 14
	atrPeriod = 14

	// An order block candle must span at least this many ATRs.
	blockATRMultiple = 1.5

	// A liquidity grab must sweep the prior extreme by 0.2%.
	grabSweepFactor = 0.002

	maxOrderBlocks    = 5
	maxLiquidityGrabs = 3
)

// Analyzer turns a bar series into a structured SMC market analysis. It is a
// pure function of its input: same bars, same analysis.
type Analyzer struct {
	symbol    market.Symbol
	timeframe market.Timeframe
}

// NewAnalyzer creates an analyzer for one symbol and timeframe.
func NewAnalyzer(symbol market.Symbol, tf market.Timeframe) *Analyzer {
	return &Analyzer{symbol: symbol, timeframe: tf}
}

// Analyze produces a fully populated Analysis for the last bar of the series.
// The series must hold at least market.MinAnalysisBars sorted, strictly
// increasing bars; anything else fails with market.ErrInvalidSeries.
func (a *Analyzer) Analyze(bars []market.Bar) (*Analysis, error) {
	if err := market.ValidateSeries(bars); err != nil {
		return nil, err
	}
	if len(bars) < market.MinAnalysisBars {
		return nil, fmt.Errorf("%w: need %d bars, got %d", market.ErrInvalidSeries, market.MinAnalysisBars, len(bars))
	}

	last := bars[len(bars)-1]
	ind := Indicators{
		VWAP:   VWAP(bars),
		EMA21:  EMA(bars, 21),
		EMA50:  EMA(bars, 50),
		EMA200: EMA(bars, 200),
		RSI:    RSI(bars, rsiPeriod),
		ATR:    ATR(bars, atrPeriod),
	}

	analysis := &Analysis{
		At:             last.Time,
		Symbol:         a.symbol,
		Timeframe:      a.timeframe,
		CurrentPrice:   last.Close,
		SessionLevels:  sessionLevels(bars),
		OrderBlocks:    a.orderBlocks(bars),
		BOS:            breakOfStructure(bars),
		LiquidityGrabs: liquidityGrabs(bars),
		Indicators:     ind,
	}
	analysis.Trend = trend(last.Close, ind.EMA50, ind.EMA200)
	analysis.SetupQuality = setupQuality(analysis)
	return analysis, nil
}

// VWAP is the cumulative volume-weighted average of typical prices. Missing
// volume is substituted with 1 so the divisor can never be zero.
func VWAP(bars []market.Bar) float64 {
	var pvSum, vSum float64
	for _, b := range bars {
		v := float64(b.Volume)
		if v <= 0 {
			v = 1
		}
		typical := (b.High + b.Low + b.Close) / 3
		pvSum += typical * v
		vSum += v
	}
	return pvSum / vSum
}

// EMA computes a standard exponential moving average over the full series. If
// the series is shorter than the span it falls back to the last close.
func EMA(bars []market.Bar, span int) float64 {
	if len(bars) < span {
		return bars[len(bars)-1].Close
	}
	multiplier := 2.0 / float64(span+1)
	ema := bars[0].Close
	for _, b := range bars[1:] {
		ema = (b.Close-ema)*multiplier + ema
	}
	return ema
}

// RSI computes the relative strength index with Wilder-style smoothing of
// average gains and losses. Undefined values map to the neutral 50.
func RSI(bars []market.Bar, period int) float64 {
	if len(bars) <= period {
		return 50
	}
	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := bars[i].Close - bars[i-1].Close
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(bars); i++ {
		change := bars[i].Close - bars[i-1].Close
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	rsi := 100 - 100/(1+rs)
	if math.IsNaN(rsi) {
		return 50
	}
	return rsi
}

// ATR is the mean true range over the trailing period.
func ATR(bars []market.Bar, period int) float64 {
	return atrAt(bars, len(bars)-1, period)
}

// atrAt computes the mean true range for the window ending at index i.
func atrAt(bars []market.Bar, i, period int) float64 {
	tr := trueRange(bars, i)
	start := i - period + 1
	if start < 1 {
		start = 1
	}
	var sum float64
	n := 0
	for j := start; j <= i; j++ {
		sum += trueRange(bars, j)
		n++
	}
	if n == 0 {
		return tr
	}
	atr := sum / float64(n)
	if math.IsNaN(atr) || atr == 0 {
		return tr
	}
	return atr
}

func trueRange(bars []market.Bar, i int) float64 {
	b := bars[i]
	if i == 0 {
		return b.High - b.Low
	}
	prevClose := bars[i-1].Close
	return math.Max(b.High-b.Low, math.Max(math.Abs(b.High-prevClose), math.Abs(b.Low-prevClose)))
}

// sessionLevels computes rolling window extremes: session over the last 50
// bars, previous day over the last 24, weekly over the last 50.
func sessionLevels(bars []market.Bar) SessionLevels {
	sessHigh, sessLow := windowExtremes(bars, 50)
	dayHigh, dayLow := sessHigh, sessLow
	if len(bars) >= 24 {
		dayHigh, dayLow = windowExtremes(bars, 24)
	}
	weekHigh, weekLow := windowExtremes(bars, 50)
	return SessionLevels{
		SessionHigh: sessHigh,
		SessionLow:  sessLow,
		PrevDayHigh: dayHigh,
		PrevDayLow:  dayLow,
		WeeklyHigh:  weekHigh,
		WeeklyLow:   weekLow,
	}
}

func windowExtremes(bars []market.Bar, n int) (high, low float64) {
	if n > len(bars) {
		n = len(bars)
	}
	window := bars[len(bars)-n:]
	high, low = window[0].High, window[0].Low
	for _, b := range window[1:] {
		high = math.Max(high, b.High)
		low = math.Min(low, b.Low)
	}
	return high, low
}

// orderBlocks scans for candles whose range exceeds 1.5 ATR and keeps the
// five most recent, strongest first within the same bar time.
func (a *Analyzer) orderBlocks(bars []market.Bar) []OrderBlock {
	var blocks []OrderBlock
	for i := 10; i < len(bars)-6; i++ {
		b := bars[i]
		atr := atrAt(bars, i, atrPeriod)
		if atr <= 0 {
			continue
		}
		candleRange := b.High - b.Low
		if candleRange <= blockATRMultiple*atr {
			continue
		}
		kind := BlockBearish
		if b.Close > b.Open {
			kind = BlockBullish
		}
		blocks = append(blocks, OrderBlock{
			Kind:      kind,
			Top:       b.High,
			Bottom:    b.Low,
			FormedAt:  b.Time,
			Strength:  clampFloat(2*candleRange/atr, 1, 10),
			Status:    BlockFresh,
			Timeframe: a.timeframe,
		})
	}

	sort.Slice(blocks, func(i, j int) bool {
		if !blocks[i].FormedAt.Equal(blocks[j].FormedAt) {
			return blocks[i].FormedAt.After(blocks[j].FormedAt)
		}
		return blocks[i].Strength > blocks[j].Strength
	})
	if len(blocks) > maxOrderBlocks {
		blocks = blocks[:maxOrderBlocks]
	}
	return blocks
}

// breakOfStructure compares the extremes of the last five bars against the
// prior five-bar swing window.
func breakOfStructure(bars []market.Bar) BOSFinding {
	if len(bars) < 20 {
		return BOSFinding{Direction: DirectionNeutral}
	}
	last := bars[len(bars)-1]
	recent := bars[len(bars)-5:]
	prior := bars[len(bars)-10 : len(bars)-5]

	recentHigh, recentLow := extremes(recent)
	priorHigh, priorLow := extremes(prior)

	switch {
	case recentHigh > priorHigh:
		return BOSFinding{Detected: true, Direction: DirectionBullish, BreakPrice: recentHigh, At: last.Time, Strength: 7}
	case recentLow < priorLow:
		return BOSFinding{Detected: true, Direction: DirectionBearish, BreakPrice: recentLow, At: last.Time, Strength: 7}
	default:
		return BOSFinding{Direction: DirectionNeutral}
	}
}

func extremes(bars []market.Bar) (high, low float64) {
	high, low = bars[0].High, bars[0].Low
	for _, b := range bars[1:] {
		high = math.Max(high, b.High)
		low = math.Min(low, b.Low)
	}
	return high, low
}

// liquidityGrabs finds wicks that swept a prior extreme and immediately
// reversed on the following bar. The last three are kept.
func liquidityGrabs(bars []market.Bar) []LiquidityGrab {
	var grabs []LiquidityGrab
	for i := 5; i < len(bars)-2; i++ {
		cur, prev, next := bars[i], bars[i-1], bars[i+1]
		if cur.High > prev.High*(1+grabSweepFactor) && next.Close < cur.Open {
			grabs = append(grabs, LiquidityGrab{
				Kind:     GrabUpward,
				Price:    cur.High,
				At:       cur.Time,
				Strength: grabStrength(cur.High, prev.High),
			})
		}
		if cur.Low < prev.Low*(1-grabSweepFactor) && next.Close > cur.Open {
			grabs = append(grabs, LiquidityGrab{
				Kind:     GrabDownward,
				Price:    cur.Low,
				At:       cur.Time,
				Strength: grabStrength(prev.Low, cur.Low),
			})
		}
	}
	if len(grabs) > maxLiquidityGrabs {
		grabs = grabs[len(grabs)-maxLiquidityGrabs:]
	}
	return grabs
}

// grabStrength scales the sweep excess in per-mille into the 1..10 band.
func grabStrength(above, below float64) float64 {
	if below <= 0 {
		return 1
	}
	return clampFloat((above/below-1)*1000, 1, 10)
}

func trend(close, ema50, ema200 float64) Direction {
	switch {
	case close > ema50 && ema50 > ema200:
		return DirectionBullish
	case close < ema50 && ema50 < ema200:
		return DirectionBearish
	default:
		return DirectionNeutral
	}
}

// setupQuality scores the confluence of SMC findings on a 1..10 scale.
func setupQuality(a *Analysis) int {
	score := 5
	if a.Trend != DirectionNeutral {
		score += 2
	}
	if len(a.OrderBlocks) > 0 {
		score++
	}
	if a.BOS.Detected {
		score += 2
	}
	if len(a.LiquidityGrabs) > 0 {
		score++
	}
	rsi := a.Indicators.RSI
	if rsi >= 30 && rsi <= 70 {
		score++
	} else if rsi < 20 || rsi > 80 {
		score--
	}
	if score < 1 {
		score = 1
	}
	if score > 10 {
		score = 10
	}
	return score
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
