package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Repository provides data access for trades, metrics, analysis snapshots,
// events and daemon state.
type Repository struct {
	db *DB
}

// NewRepository creates a repository over db.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck pings the database.
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// CreateTrade inserts an opened trade.
func (r *Repository) CreateTrade(ctx context.Context, trade *Trade) error {
	reasons, err := json.Marshal(trade.Reasons)
	if err != nil {
		return fmt.Errorf("marshal reasons: %w", err)
	}
	query := `
		INSERT INTO trades (ticket, session_id, symbol, direction, lot_size, entry_price,
		                    stop_loss, take_profit, open_time, status, confidence,
		                    setup_quality, risk_score, ai_validated, ai_confidence, reasons)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id, created_at, updated_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		trade.Ticket, trade.SessionID, trade.Symbol, trade.Direction, trade.LotSize,
		trade.EntryPrice, trade.StopLoss, trade.TakeProfit, trade.OpenTime, trade.Status,
		trade.Confidence, trade.SetupQuality, trade.RiskScore, trade.AIValidated,
		trade.AIConfidence, reasons,
	).Scan(&trade.ID, &trade.CreatedAt, &trade.UpdatedAt)
}

// CloseTrade records the exit on the open trade row and folds the result
// into the daily rollup in the same transaction, so a crash between the two
// writes cannot leave the rollup behind.
func (r *Repository) CloseTrade(ctx context.Context, ticket uint64, exitPrice, pnl float64, status string, closedAt time.Time) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin close trade: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE trades
		SET exit_price = $2, close_time = $3, pnl = $4, status = $5, updated_at = NOW()
		WHERE ticket = $1 AND status = 'OPEN'
	`, ticket, exitPrice, closedAt, pnl, status)
	if err != nil {
		return fmt.Errorf("update trade: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("close trade ticket %d: %w", ticket, ErrNotFound)
	}

	wins, losses := 0, 0
	grossProfit, grossLoss := 0.0, 0.0
	if pnl >= 0 {
		wins = 1
		grossProfit = pnl
	} else {
		losses = 1
		grossLoss = -pnl
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO daily_metrics (date, trades_count, wins, losses, gross_profit, gross_loss, net_pnl)
		VALUES ($1, 1, $2, $3, $4, $5, $6)
		ON CONFLICT (date) DO UPDATE SET
			trades_count = daily_metrics.trades_count + 1,
			wins = daily_metrics.wins + EXCLUDED.wins,
			losses = daily_metrics.losses + EXCLUDED.losses,
			gross_profit = daily_metrics.gross_profit + EXCLUDED.gross_profit,
			gross_loss = daily_metrics.gross_loss + EXCLUDED.gross_loss,
			net_pnl = daily_metrics.net_pnl + EXCLUDED.net_pnl,
			updated_at = NOW()
	`, closedAt.UTC().Truncate(24*time.Hour), wins, losses, grossProfit, grossLoss, pnl)
	if err != nil {
		return fmt.Errorf("update daily metrics: %w", err)
	}

	return tx.Commit(ctx)
}

// UpdateEndingBalance records the account balance on the day's rollup.
func (r *Repository) UpdateEndingBalance(ctx context.Context, date time.Time, balance float64) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO daily_metrics (date, ending_balance)
		VALUES ($1, $2)
		ON CONFLICT (date) DO UPDATE SET ending_balance = EXCLUDED.ending_balance, updated_at = NOW()
	`, date.UTC().Truncate(24*time.Hour), balance)
	return err
}

const tradeColumns = `id, ticket, session_id, symbol, direction, lot_size, entry_price,
	exit_price, stop_loss, take_profit, open_time, close_time, pnl, status,
	confidence, setup_quality, risk_score, ai_validated, ai_confidence, reasons,
	created_at, updated_at`

// GetOpenTrades lists trades still marked OPEN, used for crash recovery.
func (r *Repository) GetOpenTrades(ctx context.Context) ([]*Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE status = 'OPEN' ORDER BY open_time`
	return r.queryTrades(ctx, query)
}

// GetTradeHistory lists closed trades, newest first.
func (r *Repository) GetTradeHistory(ctx context.Context, limit, offset int) ([]*Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE status <> 'OPEN'
		ORDER BY close_time DESC LIMIT $1 OFFSET $2`
	return r.queryTrades(ctx, query, limit, offset)
}

func (r *Repository) queryTrades(ctx context.Context, query string, args ...interface{}) ([]*Trade, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		trade := &Trade{}
		var reasons []byte
		err := rows.Scan(
			&trade.ID, &trade.Ticket, &trade.SessionID, &trade.Symbol, &trade.Direction,
			&trade.LotSize, &trade.EntryPrice, &trade.ExitPrice, &trade.StopLoss,
			&trade.TakeProfit, &trade.OpenTime, &trade.CloseTime, &trade.PnL, &trade.Status,
			&trade.Confidence, &trade.SetupQuality, &trade.RiskScore, &trade.AIValidated,
			&trade.AIConfidence, &reasons, &trade.CreatedAt, &trade.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		if len(reasons) > 0 {
			if err := json.Unmarshal(reasons, &trade.Reasons); err != nil {
				return nil, fmt.Errorf("unmarshal reasons: %w", err)
			}
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

// GetDailyMetrics returns one day's rollup.
func (r *Repository) GetDailyMetrics(ctx context.Context, date time.Time) (*DailyMetrics, error) {
	m := &DailyMetrics{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT date, trades_count, wins, losses, gross_profit, gross_loss, net_pnl, ending_balance, updated_at
		FROM daily_metrics WHERE date = $1
	`, date.UTC().Truncate(24*time.Hour)).Scan(
		&m.Date, &m.TradesCount, &m.Wins, &m.Losses,
		&m.GrossProfit, &m.GrossLoss, &m.NetPnL, &m.EndingBalance, &m.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListDailyMetrics returns recent rollups, newest first.
func (r *Repository) ListDailyMetrics(ctx context.Context, limit int) ([]*DailyMetrics, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT date, trades_count, wins, losses, gross_profit, gross_loss, net_pnl, ending_balance, updated_at
		FROM daily_metrics ORDER BY date DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DailyMetrics
	for rows.Next() {
		m := &DailyMetrics{}
		if err := rows.Scan(
			&m.Date, &m.TradesCount, &m.Wins, &m.Losses,
			&m.GrossProfit, &m.GrossLoss, &m.NetPnL, &m.EndingBalance, &m.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveAnalysis stores one analysis snapshot.
func (r *Repository) SaveAnalysis(ctx context.Context, a *MarketAnalysis) error {
	return r.db.Pool.QueryRow(ctx, `
		INSERT INTO market_analysis (session_id, symbol, timeframe, price, trend, setup_quality, analysis, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, a.SessionID, a.Symbol, a.Timeframe, a.Price, a.Trend, a.SetupQuality, a.Analysis, a.Timestamp).Scan(&a.ID)
}

// SaveEvent stores one system event.
func (r *Repository) SaveEvent(ctx context.Context, ev *SystemEvent) error {
	var data []byte
	if ev.Data != nil {
		var err error
		if data, err = json.Marshal(ev.Data); err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
	}
	return r.db.Pool.QueryRow(ctx, `
		INSERT INTO system_events (session_id, event_type, name, severity, message, data, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, ev.SessionID, ev.Type, ev.Name, ev.Severity, ev.Message, data, ev.Timestamp).Scan(&ev.ID)
}

// GetRecentEvents lists recent events, newest first.
func (r *Repository) GetRecentEvents(ctx context.Context, limit int) ([]*SystemEvent, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, session_id, event_type, name, severity, message, data, timestamp
		FROM system_events ORDER BY timestamp DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SystemEvent
	for rows.Next() {
		ev := &SystemEvent{}
		var data []byte
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Type, &ev.Name, &ev.Severity, &ev.Message, &data, &ev.Timestamp); err != nil {
			return nil, err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &ev.Data); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GetBotState reads the singleton daemon state row.
func (r *Repository) GetBotState(ctx context.Context) (*BotState, error) {
	s := &BotState{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT running, pid, session_id, trading_mode, risk_percentage, max_risk_amount,
		       configuration, started_at, heartbeat_at,
		       daily_pnl, trades_today, counter_date, updated_at
		FROM bot_state WHERE id = 1
	`).Scan(
		&s.Running, &s.PID, &s.SessionID, &s.TradingMode, &s.RiskPercentage, &s.MaxRiskAmount,
		&s.Configuration, &s.StartedAt, &s.HeartbeatAt,
		&s.DailyPnL, &s.TradesToday, &s.CounterDate, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// SessionStart is the state written when a trading session begins.
type SessionStart struct {
	PID            int
	SessionID      string
	TradingMode    string
	RiskPercentage float64
	MaxRiskAmount  float64
	Configuration  []byte
	StartedAt      time.Time
}

// MarkStarted flips the state row to running with a fresh session.
func (r *Repository) MarkStarted(ctx context.Context, start SessionStart) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE bot_state
		SET running = TRUE, pid = $1, session_id = $2, trading_mode = $3,
		    risk_percentage = $4, max_risk_amount = $5, configuration = $6,
		    started_at = $7, heartbeat_at = $7, updated_at = NOW()
		WHERE id = 1
	`, start.PID, start.SessionID, start.TradingMode,
		start.RiskPercentage, start.MaxRiskAmount, start.Configuration, start.StartedAt)
	return err
}

// MarkStopped flips the state row to stopped. The session id is kept for the
// post-mortem trail.
func (r *Repository) MarkStopped(ctx context.Context) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE bot_state
		SET running = FALSE, pid = NULL, updated_at = NOW()
		WHERE id = 1
	`)
	return err
}

// Heartbeat refreshes heartbeat_at and the persisted daily counters.
func (r *Repository) Heartbeat(ctx context.Context, dailyPnL float64, tradesToday int, counterDate time.Time) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE bot_state
		SET heartbeat_at = NOW(), daily_pnl = $1, trades_today = $2, counter_date = $3, updated_at = NOW()
		WHERE id = 1
	`, dailyPnL, tradesToday, counterDate.UTC().Truncate(24*time.Hour))
	return err
}
