package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gold-trading-bot/internal/signal"
	"gold-trading-bot/internal/sizing"
)

// Config holds the hard risk limits.
type Config struct {
	RiskPercentage  float64 // fraction of balance risked per trade (0.01 = 1%)
	MaxRiskAmount   float64 // absolute risk cap per trade, USD
	MaxRiskPerTrade float64 // fraction of balance, absolute ceiling (default 0.02)
	MaxDailyLoss    float64 // USD (default 500)
	MaxTradesPerDay int     // default 4
	MaxPositions    int     // default 3
	MaxDrawdown     float64 // (balance-equity)/balance fraction (default 0.10)
}

// DefaultConfig returns the documented limit defaults.
func DefaultConfig() Config {
	return Config{
		RiskPercentage:  0.01,
		MaxRiskAmount:   1000,
		MaxRiskPerTrade: 0.02,
		MaxDailyLoss:    500,
		MaxTradesPerDay: 4,
		MaxPositions:    3,
		MaxDrawdown:     0.10,
	}
}

// AccountInfo is the broker account snapshot the gate judges against.
type AccountInfo struct {
	Balance  float64 `json:"balance"`
	Equity   float64 `json:"equity"`
	Currency string  `json:"currency"`
}

// Decision is the gate's verdict on a signal. LimitBreach marks rejections
// caused by a hard account-level limit rather than a defect in the setup.
type Decision struct {
	Approved        bool     `json:"approved"`
	Reasons         []string `json:"reasons"`
	AdjustedLotSize float64  `json:"adjusted_lot_size"`
	RiskScore       int      `json:"risk_score"` // 1..10
	LimitBreach     bool     `json:"limit_breach,omitempty"`
}

// Gate applies sizing and hard risk limits to signals. Its daily counters are
// mutated only from the supervisor tick, so a read lock suffices elsewhere.
type Gate struct {
	cfg Config
	log zerolog.Logger

	mu            sync.RWMutex
	dailyPnL      float64
	tradesToday   int
	openPositions int
	counterDate   time.Time // UTC date the counters belong to
}

// NewGate creates a risk gate.
func NewGate(cfg Config, log zerolog.Logger) *Gate {
	return &Gate{
		cfg:         cfg,
		log:         log.With().Str("component", "risk_gate").Logger(),
		counterDate: utcDate(time.Now()),
	}
}

// Check runs the hard blockers in order; the first failure blocks. An
// approved decision carries the sized lot and a 1..10 risk score.
func (g *Gate) Check(sig *signal.Signal, account AccountInfo) *Decision {
	g.mu.RLock()
	cfg := g.cfg
	dailyPnL := g.dailyPnL
	tradesToday := g.tradesToday
	openPositions := g.openPositions
	g.mu.RUnlock()

	decision := &Decision{}

	// 1. Daily loss limit.
	if dailyPnL <= -cfg.MaxDailyLoss {
		return breached(decision, fmt.Sprintf("Daily loss limit reached: $%.2f", cfg.MaxDailyLoss))
	}

	// 2. Drawdown.
	if account.Balance > 0 {
		drawdown := (account.Balance - account.Equity) / account.Balance
		if drawdown >= cfg.MaxDrawdown {
			return breached(decision, fmt.Sprintf("Drawdown %.1f%% exceeds limit %.1f%%", drawdown*100, cfg.MaxDrawdown*100))
		}
	}

	// 3. Daily trade count and concurrent position cap.
	if tradesToday >= cfg.MaxTradesPerDay {
		return breached(decision, fmt.Sprintf("Daily trade limit reached: %d", cfg.MaxTradesPerDay))
	}
	if openPositions >= cfg.MaxPositions {
		return breached(decision, fmt.Sprintf("Max open positions reached: %d", cfg.MaxPositions))
	}

	// 4. Entry/SL/TP present and sane.
	if sig.Entry <= 0 || sig.StopLoss <= 0 || sig.TakeProfit <= 0 {
		return blocked(decision, "Missing or invalid entry/stop/target levels")
	}

	// 5. Risk:reward floor.
	if sig.RiskRewardRatio < signal.MinRiskReward {
		return blocked(decision, fmt.Sprintf("Risk:reward %.2f below minimum %.2f", sig.RiskRewardRatio, signal.MinRiskReward))
	}

	// 6. Sizing under the per-trade risk ceiling.
	size, err := sizing.Calculate(account.Balance, cfg.RiskPercentage, cfg.MaxRiskAmount, sig.Entry, sig.StopLoss)
	if err != nil {
		return blocked(decision, fmt.Sprintf("Position sizing failed: %v", err))
	}
	if size.LotSize < sizing.MinLot {
		return blocked(decision, "Computed lot size is zero")
	}
	if size.RiskAmount > account.Balance*cfg.MaxRiskPerTrade {
		return blocked(decision, fmt.Sprintf("Risk $%.2f exceeds %.1f%% of balance", size.RiskAmount, cfg.MaxRiskPerTrade*100))
	}

	decision.Approved = true
	decision.AdjustedLotSize = size.LotSize
	decision.RiskScore = riskScore(cfg, sig, account)
	decision.Reasons = append(decision.Reasons, "All risk checks passed")
	return decision
}

// riskScore grades an approved trade on a 1..10 scale.
func riskScore(cfg Config, sig *signal.Signal, account AccountInfo) int {
	score := 5

	switch {
	case sig.RiskRewardRatio >= 3:
		score += 2
	case sig.RiskRewardRatio >= 2:
		score++
	}

	switch {
	case sig.SetupQuality >= 8:
		score += 2
	case sig.SetupQuality >= 6:
		score++
	}

	if sig.Confidence >= 0.8 {
		score++
	}

	riskPercent := cfg.RiskPercentage * 100
	if riskPercent <= 0.5 {
		score++
	} else if riskPercent >= 2.0 {
		score--
	}

	if account.Balance > 0 {
		ratio := account.Equity / account.Balance
		if ratio >= 0.98 {
			score++
		} else if ratio <= 0.90 {
			score -= 2
		}
	}

	if score < 1 {
		score = 1
	}
	if score > 10 {
		score = 10
	}
	return score
}

// RecordOpen registers an opened position against the daily counters.
func (g *Gate) RecordOpen() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tradesToday++
	g.openPositions++
}

// RecordClose registers a closed position and its realized P&L.
func (g *Gate) RecordClose(pnl float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.openPositions--
	if g.openPositions < 0 {
		g.openPositions = 0
	}
	g.dailyPnL += pnl
}

// ResetDailyIfNeeded zeroes the per-day counters on a UTC date change and
// reports whether a reset happened.
func (g *Gate) ResetDailyIfNeeded(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	today := utcDate(now)
	if today.Equal(g.counterDate) {
		return false
	}
	g.log.Info().Time("date", today).Float64("prev_daily_pnl", g.dailyPnL).Int("prev_trades", g.tradesToday).Msg("resetting daily risk counters")
	g.dailyPnL = 0
	g.tradesToday = 0
	g.counterDate = today
	return true
}

// RestoreCounters seeds the counters from persistence after a restart.
func (g *Gate) RestoreCounters(dailyPnL float64, tradesToday, openPositions int, date time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dailyPnL = dailyPnL
	g.tradesToday = tradesToday
	g.openPositions = openPositions
	g.counterDate = utcDate(date)
}

// SetRiskLimits overrides the per-trade risk inputs for the next session.
// Non-positive values leave the current setting unchanged.
func (g *Gate) SetRiskLimits(riskPercentage, maxRiskAmount float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if riskPercentage > 0 {
		g.cfg.RiskPercentage = riskPercentage
	}
	if maxRiskAmount > 0 {
		g.cfg.MaxRiskAmount = maxRiskAmount
	}
}

// RiskLimits returns the active per-trade risk inputs.
func (g *Gate) RiskLimits() (riskPercentage, maxRiskAmount float64) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg.RiskPercentage, g.cfg.MaxRiskAmount
}

// MaxDailyLoss returns the configured daily loss limit.
func (g *Gate) MaxDailyLoss() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg.MaxDailyLoss
}

// Counters returns the current daily counters.
func (g *Gate) Counters() (dailyPnL float64, tradesToday, openPositions int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dailyPnL, g.tradesToday, g.openPositions
}

func blocked(d *Decision, reason string) *Decision {
	d.Approved = false
	d.Reasons = append(d.Reasons, reason)
	return d
}

func breached(d *Decision, reason string) *Decision {
	d.LimitBreach = true
	return blocked(d, reason)
}

func utcDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
