package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

// Config holds database connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB opens a connection pool and verifies connectivity.
func NewDB(cfg Config, log zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	l := log.With().Str("component", "database").Logger()
	l.Info().Str("database", cfg.Database).Msg("connected to PostgreSQL")

	return &DB{Pool: pool, log: l}, nil
}

// Close shuts down the pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.log.Info().Msg("database connection closed")
	}
}

// RunMigrations creates or upgrades the schema.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.log.Info().Msg("running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id BIGSERIAL PRIMARY KEY,
			ticket BIGINT NOT NULL,
			session_id UUID,
			symbol VARCHAR(20) NOT NULL,
			direction VARCHAR(4) NOT NULL,
			lot_size DECIMAL(10, 2) NOT NULL,
			entry_price DECIMAL(12, 2) NOT NULL,
			exit_price DECIMAL(12, 2),
			stop_loss DECIMAL(12, 2) NOT NULL,
			take_profit DECIMAL(12, 2) NOT NULL,
			open_time TIMESTAMPTZ NOT NULL,
			close_time TIMESTAMPTZ,
			pnl DECIMAL(14, 2),
			status VARCHAR(20) NOT NULL DEFAULT 'OPEN',
			confidence DECIMAL(5, 4),
			setup_quality SMALLINT,
			risk_score SMALLINT,
			ai_validated BOOLEAN,
			ai_confidence DECIMAL(5, 4),
			reasons JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_open_time ON trades(open_time)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_session ON trades(session_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_ticket_open ON trades(ticket) WHERE status = 'OPEN'`,

		`CREATE TABLE IF NOT EXISTS daily_metrics (
			date DATE PRIMARY KEY,
			trades_count INT NOT NULL DEFAULT 0,
			wins INT NOT NULL DEFAULT 0,
			losses INT NOT NULL DEFAULT 0,
			gross_profit DECIMAL(14, 2) NOT NULL DEFAULT 0,
			gross_loss DECIMAL(14, 2) NOT NULL DEFAULT 0,
			net_pnl DECIMAL(14, 2) NOT NULL DEFAULT 0,
			ending_balance DECIMAL(14, 2),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS market_analysis (
			id BIGSERIAL PRIMARY KEY,
			session_id UUID,
			symbol VARCHAR(20) NOT NULL,
			timeframe VARCHAR(5) NOT NULL,
			price DECIMAL(12, 2) NOT NULL,
			trend VARCHAR(10),
			setup_quality SMALLINT,
			analysis JSONB,
			timestamp TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_market_analysis_timestamp ON market_analysis(timestamp)`,

		`CREATE TABLE IF NOT EXISTS system_events (
			id BIGSERIAL PRIMARY KEY,
			session_id UUID,
			event_type VARCHAR(20) NOT NULL,
			name VARCHAR(50) NOT NULL,
			severity VARCHAR(10) NOT NULL,
			message TEXT,
			data JSONB,
			timestamp TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_system_events_type ON system_events(event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_system_events_timestamp ON system_events(timestamp)`,

		// Single-row daemon state. id is fixed at 1.
		`CREATE TABLE IF NOT EXISTS bot_state (
			id SMALLINT PRIMARY KEY CHECK (id = 1),
			running BOOLEAN NOT NULL DEFAULT FALSE,
			pid INT,
			session_id UUID,
			trading_mode VARCHAR(10) NOT NULL DEFAULT 'paper',
			risk_percentage DECIMAL(6, 4) NOT NULL DEFAULT 0,
			max_risk_amount DECIMAL(14, 2) NOT NULL DEFAULT 0,
			configuration JSONB,
			started_at TIMESTAMPTZ,
			heartbeat_at TIMESTAMPTZ,
			daily_pnl DECIMAL(14, 2) NOT NULL DEFAULT 0,
			trades_today INT NOT NULL DEFAULT 0,
			counter_date DATE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`INSERT INTO bot_state (id) VALUES (1) ON CONFLICT (id) DO NOTHING`,
		`ALTER TABLE bot_state ADD COLUMN IF NOT EXISTS risk_percentage DECIMAL(6, 4) NOT NULL DEFAULT 0`,
		`ALTER TABLE bot_state ADD COLUMN IF NOT EXISTS max_risk_amount DECIMAL(14, 2) NOT NULL DEFAULT 0`,
		`ALTER TABLE bot_state ADD COLUMN IF NOT EXISTS configuration JSONB`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.log.Info().Msg("database migrations completed")
	return nil
}

// HealthCheck pings the database.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
