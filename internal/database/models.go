package database

import "time"

// Trade is one persisted trade row.
type Trade struct {
	ID           int64      `json:"id"`
	Ticket       uint64     `json:"ticket"`
	SessionID    *string    `json:"session_id,omitempty"`
	Symbol       string     `json:"symbol"`
	Direction    string     `json:"direction"`
	LotSize      float64    `json:"lot_size"`
	EntryPrice   float64    `json:"entry_price"`
	ExitPrice    *float64   `json:"exit_price,omitempty"`
	StopLoss     float64    `json:"stop_loss"`
	TakeProfit   float64    `json:"take_profit"`
	OpenTime     time.Time  `json:"open_time"`
	CloseTime    *time.Time `json:"close_time,omitempty"`
	PnL          *float64   `json:"pnl,omitempty"`
	Status       string     `json:"status"`
	Confidence   float64    `json:"confidence"`
	SetupQuality int        `json:"setup_quality"`
	RiskScore    int        `json:"risk_score"`
	AIValidated  *bool      `json:"ai_validated,omitempty"`
	AIConfidence *float64   `json:"ai_confidence,omitempty"`
	Reasons      []string   `json:"reasons,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// DailyMetrics is the per-day performance rollup.
type DailyMetrics struct {
	Date          time.Time `json:"date"`
	TradesCount   int       `json:"trades_count"`
	Wins          int       `json:"wins"`
	Losses        int       `json:"losses"`
	GrossProfit   float64   `json:"gross_profit"`
	GrossLoss     float64   `json:"gross_loss"`
	NetPnL        float64   `json:"net_pnl"`
	EndingBalance *float64  `json:"ending_balance,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// WinRate derives the fraction of winning trades.
func (m *DailyMetrics) WinRate() float64 {
	if m.TradesCount == 0 {
		return 0
	}
	return float64(m.Wins) / float64(m.TradesCount)
}

// MarketAnalysis is one persisted analysis snapshot. Analysis holds the full
// finding set as a JSON document.
type MarketAnalysis struct {
	ID           int64     `json:"id"`
	SessionID    *string   `json:"session_id,omitempty"`
	Symbol       string    `json:"symbol"`
	Timeframe    string    `json:"timeframe"`
	Price        float64   `json:"price"`
	Trend        string    `json:"trend"`
	SetupQuality int       `json:"setup_quality"`
	Analysis     []byte    `json:"analysis,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// SystemEvent is one persisted event row.
type SystemEvent struct {
	ID        int64                  `json:"id"`
	SessionID *string                `json:"session_id,omitempty"`
	Type      string                 `json:"event_type"`
	Name      string                 `json:"name"`
	Severity  string                 `json:"severity"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// BotState is the singleton daemon state row. RiskPercentage, MaxRiskAmount
// and Configuration capture the session's effective settings so start-time
// overrides survive a restart.
type BotState struct {
	Running        bool       `json:"running"`
	PID            *int       `json:"pid,omitempty"`
	SessionID      *string    `json:"session_id,omitempty"`
	TradingMode    string     `json:"trading_mode"`
	RiskPercentage float64    `json:"risk_percentage"`
	MaxRiskAmount  float64    `json:"max_risk_amount"`
	Configuration  []byte     `json:"configuration,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	HeartbeatAt    *time.Time `json:"heartbeat_at,omitempty"`
	DailyPnL       float64    `json:"daily_pnl"`
	TradesToday    int        `json:"trades_today"`
	CounterDate    *time.Time `json:"counter_date,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
