package daemon

import (
	"context"
	"time"

	"gold-trading-bot/internal/broker"
	"gold-trading-bot/internal/market"
)

// OverallStatus is the single word summary of system health, derived from
// the in-process loop and the persisted state row together.
type OverallStatus string

const (
	StatusOnline   OverallStatus = "ONLINE"
	StatusStarting OverallStatus = "STARTING"
	StatusStopping OverallStatus = "STOPPING"
	StatusOffline  OverallStatus = "OFFLINE"
	StatusError    OverallStatus = "ERROR"
)

// StatusSnapshot is the full daemon status as reported to operators.
type StatusSnapshot struct {
	Overall         OverallStatus      `json:"overall_status"`
	DaemonRunning   bool               `json:"daemon_running"`
	DatabaseRunning bool               `json:"database_running"`
	SessionID       string             `json:"session_id,omitempty"`
	TradingMode     string             `json:"trading_mode"`
	RiskPercentage  float64            `json:"risk_percentage"`
	MaxRiskAmount   float64            `json:"max_risk_amount"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	UptimeSeconds   int64              `json:"uptime_seconds"`
	LastTick        *time.Time         `json:"last_tick,omitempty"`
	LastHeartbeat   *time.Time         `json:"last_heartbeat,omitempty"`
	LastError       string             `json:"last_error,omitempty"`
	MarketOpen      bool               `json:"market_open"`
	Session         market.Session     `json:"current_session"`
	OpenPositions   []*broker.Position `json:"open_positions"`
	DailyPnL        float64            `json:"daily_pnl"`
	TradesToday     int                `json:"trades_today"`
	Balance         float64            `json:"balance"`
	Equity          float64            `json:"equity"`
	EventsDropped   int64              `json:"events_dropped"`
}

// Status assembles the current snapshot. ONLINE requires both a live loop
// and a running state row; the off-diagonal combinations surface as
// STARTING (row on, loop not yet up) and STOPPING (loop up, row switched
// off). An unreachable database, a lost data feed or stalled ticks report
// ERROR.
func (s *Supervisor) Status(ctx context.Context) *StatusSnapshot {
	now := s.now()

	s.mu.Lock()
	running := s.running
	sessionID := s.sessionID
	startedAt := s.startedAt
	lastTick := s.lastTick
	lastError := s.lastError
	connLost := s.connLost
	s.mu.Unlock()

	snap := &StatusSnapshot{
		DaemonRunning: running,
		TradingMode:   s.cfg.TradingMode,
		MarketOpen:    s.port.MarketOpen(s.cfg.Symbol, now),
		Session:       market.CurrentSession(now),
	}
	snap.RiskPercentage, snap.MaxRiskAmount = s.gate.RiskLimits()

	stateOn := false
	if state, err := s.store.GetBotState(ctx); err == nil {
		snap.DatabaseRunning = true
		snap.LastHeartbeat = state.HeartbeatAt
		stateOn = state.Running
	}

	if running {
		snap.SessionID = sessionID
		snap.StartedAt = &startedAt
		snap.UptimeSeconds = int64(now.Sub(startedAt).Seconds())
		if !lastTick.IsZero() {
			snap.LastTick = &lastTick
		}
		snap.LastError = lastError
		snap.OpenPositions = s.executor.OpenPositions()
		snap.DailyPnL, snap.TradesToday, _ = s.gate.Counters()
		snap.EventsDropped = s.bus.Dropped()

		if account, err := s.port.AccountInfo(ctx); err == nil {
			snap.Balance = account.Balance
			snap.Equity = account.Equity
		}
	}

	// Stalled ticks count against health only while the market is open.
	stalled := running && snap.MarketOpen && !lastTick.IsZero() && now.Sub(lastTick) > 3*s.cfg.HeartbeatInterval

	switch {
	case !snap.DatabaseRunning:
		snap.Overall = StatusError
	case running && stateOn:
		if connLost || stalled {
			snap.Overall = StatusError
		} else {
			snap.Overall = StatusOnline
		}
	case stateOn:
		snap.Overall = StatusStarting
	case running:
		snap.Overall = StatusStopping
	default:
		snap.Overall = StatusOffline
	}
	return snap
}
