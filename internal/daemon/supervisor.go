package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"gold-trading-bot/internal/ai"
	"gold-trading-bot/internal/broker"
	"gold-trading-bot/internal/database"
	"gold-trading-bot/internal/events"
	"gold-trading-bot/internal/market"
	"gold-trading-bot/internal/risk"
	"gold-trading-bot/internal/signal"
	"gold-trading-bot/internal/sizing"
	"gold-trading-bot/internal/smc"
)

var (
	// ErrAlreadyRunning is returned when start finds a live instance.
	ErrAlreadyRunning = errors.New("daemon already running")
	// ErrNotRunning is returned when stop finds no live instance.
	ErrNotRunning = errors.New("daemon not running")
	// ErrStateCorrupt is returned when the persisted daemon state cannot
	// be reconciled.
	ErrStateCorrupt = errors.New("daemon state corrupt")
)

// ShutdownPolicy decides what happens to open positions on stop.
type ShutdownPolicy string

const (
	ShutdownHold      ShutdownPolicy = "hold"
	ShutdownLiquidate ShutdownPolicy = "liquidate"
)

// Config holds the supervisor settings. The loop ticks on
// HeartbeatInterval; fresh market analysis runs on the slower
// AnalysisInterval cadence.
type Config struct {
	Symbol            market.Symbol
	Timeframe         market.Timeframe
	HeartbeatInterval time.Duration
	AnalysisInterval  time.Duration
	BarCount          int
	TradingMode       string // "paper" or "live"
	ShutdownPolicy    ShutdownPolicy
	StaleHeartbeat    time.Duration
	Signal            signal.Config
	RiskPercentage    float64
}

// DefaultConfig returns the standard supervisor settings.
func DefaultConfig() Config {
	return Config{
		Symbol:            market.SymbolXAUUSD,
		Timeframe:         market.TimeframeM5,
		HeartbeatInterval: 30 * time.Second,
		AnalysisInterval:  60 * time.Second,
		BarCount:          100,
		TradingMode:       "paper",
		ShutdownPolicy:    ShutdownHold,
		StaleHeartbeat:    5 * time.Minute,
	}
}

// Store is the persistence surface the supervisor needs.
type Store interface {
	GetBotState(ctx context.Context) (*database.BotState, error)
	MarkStarted(ctx context.Context, start database.SessionStart) error
	MarkStopped(ctx context.Context) error
	Heartbeat(ctx context.Context, dailyPnL float64, tradesToday int, counterDate time.Time) error
	CreateTrade(ctx context.Context, trade *database.Trade) error
	CloseTrade(ctx context.Context, ticket uint64, exitPrice, pnl float64, status string, closedAt time.Time) error
	GetOpenTrades(ctx context.Context) ([]*database.Trade, error)
	SaveAnalysis(ctx context.Context, a *database.MarketAnalysis) error
	UpdateEndingBalance(ctx context.Context, date time.Time, balance float64) error
}

var _ Store = (*database.Repository)(nil)

// Supervisor runs the decision loop: analyze, validate, gate, execute. It
// owns the daemon lifecycle and the persisted bot state.
type Supervisor struct {
	cfg       Config
	source    market.DataSource
	analyzer  *smc.Analyzer
	engine    *signal.Engine
	validator *ai.Validator // nil disables AI validation
	gate      *risk.Gate
	executor  *broker.Executor
	port      broker.Port
	store     Store
	bus       *events.Bus
	log       zerolog.Logger
	now       func() time.Time

	mu           sync.Mutex
	running      bool
	sessionID    string
	startedAt    time.Time
	lastTick     time.Time
	lastAnalysis time.Time
	lastError    string
	connLost     bool
	stopChan     chan struct{}
	wg           sync.WaitGroup
}

// New creates a supervisor. validator may be nil when AI validation is
// disabled.
func New(cfg Config, source market.DataSource, analyzer *smc.Analyzer, engine *signal.Engine,
	validator *ai.Validator, gate *risk.Gate, executor *broker.Executor, port broker.Port,
	store Store, bus *events.Bus, log zerolog.Logger) *Supervisor {

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.AnalysisInterval <= 0 {
		cfg.AnalysisInterval = 60 * time.Second
	}
	if cfg.BarCount < market.MinAnalysisBars {
		cfg.BarCount = 100
	}
	if cfg.StaleHeartbeat <= 0 {
		cfg.StaleHeartbeat = 5 * time.Minute
	}
	if cfg.ShutdownPolicy == "" {
		cfg.ShutdownPolicy = ShutdownHold
	}

	return &Supervisor{
		cfg:       cfg,
		source:    source,
		analyzer:  analyzer,
		engine:    engine,
		validator: validator,
		gate:      gate,
		executor:  executor,
		port:      port,
		store:     store,
		bus:       bus,
		log:       log.With().Str("component", "supervisor").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// StartOptions carries optional per-session overrides from the control
// surface. Nil pointers and zero values mean "keep the configured setting".
type StartOptions struct {
	Paper          *bool   `json:"paper,omitempty"`
	RiskPercentage float64 `json:"risk_percentage,omitempty"`
	MaxRiskAmount  float64 `json:"max_risk_amount,omitempty"`
}

// Start brings the daemon up with the configured settings. A stale running
// record from a crashed instance triggers recovery; a fresh one means
// another instance is live.
func (s *Supervisor) Start(ctx context.Context) error {
	return s.StartWithOptions(ctx, nil)
}

// StartWithOptions starts the daemon with per-session overrides applied.
func (s *Supervisor) StartWithOptions(ctx context.Context, opts *StartOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	if opts != nil {
		// The broker port is built at boot, so the trading mode cannot
		// flip at runtime; a conflicting request is rejected outright.
		if opts.Paper != nil && *opts.Paper != (s.cfg.TradingMode == "paper") {
			return fmt.Errorf("trading mode is fixed at %s for this process", s.cfg.TradingMode)
		}
	}

	state, err := s.store.GetBotState(ctx)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("%w: missing bot_state row", ErrStateCorrupt)
		}
		return fmt.Errorf("read bot state: %w", err)
	}

	if state.Running {
		if state.HeartbeatAt != nil && s.now().Sub(*state.HeartbeatAt) < s.cfg.StaleHeartbeat {
			return ErrAlreadyRunning
		}
		s.log.Warn().Msg("stale running state found, recovering from crash")
		if err := s.recover(ctx, state); err != nil {
			return fmt.Errorf("crash recovery: %w", err)
		}
	}

	// Risk limits persisted by the previous session carry over; explicit
	// start-time overrides win.
	s.gate.SetRiskLimits(state.RiskPercentage, state.MaxRiskAmount)
	if opts != nil {
		s.gate.SetRiskLimits(opts.RiskPercentage, opts.MaxRiskAmount)
	}

	s.sessionID = uuid.New().String()
	s.startedAt = s.now()
	riskPct, maxRisk := s.gate.RiskLimits()
	cfgDoc, err := json.Marshal(map[string]interface{}{
		"symbol":          string(s.cfg.Symbol),
		"timeframe":       string(s.cfg.Timeframe),
		"bar_count":       s.cfg.BarCount,
		"shutdown_policy": string(s.cfg.ShutdownPolicy),
	})
	if err != nil {
		return fmt.Errorf("marshal session configuration: %w", err)
	}
	if err := s.store.MarkStarted(ctx, database.SessionStart{
		PID:            os.Getpid(),
		SessionID:      s.sessionID,
		TradingMode:    s.cfg.TradingMode,
		RiskPercentage: riskPct,
		MaxRiskAmount:  maxRisk,
		Configuration:  cfgDoc,
		StartedAt:      s.startedAt,
	}); err != nil {
		return fmt.Errorf("mark started: %w", err)
	}

	// Carry today's counters across a same-day restart.
	if state.CounterDate != nil && sameUTCDate(*state.CounterDate, s.startedAt) {
		s.gate.RestoreCounters(state.DailyPnL, state.TradesToday, s.executor.OpenCount(), *state.CounterDate)
	}

	s.running = true
	s.lastError = ""
	s.lastAnalysis = time.Time{}
	s.stopChan = make(chan struct{})
	s.wg.Add(1)
	go s.run()

	s.bus.PublishLifecycle(events.DaemonStarted, "daemon started", map[string]interface{}{
		"session_id": s.sessionID, "trading_mode": s.cfg.TradingMode, "pid": os.Getpid(),
	})
	s.log.Info().Str("session_id", s.sessionID).Str("mode", s.cfg.TradingMode).Msg("daemon started")
	return nil
}

// recover reconciles persisted open trades with the broker's book after a
// crash. Trades the broker still holds are adopted; orphans are force-closed
// at the last known price so their realized P&L is accounted for.
func (s *Supervisor) recover(ctx context.Context, state *database.BotState) error {
	dbTrades, err := s.store.GetOpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("load open trades: %w", err)
	}
	brokerPositions, err := s.port.Positions(ctx)
	if err != nil {
		return fmt.Errorf("load broker positions: %w", err)
	}
	byTicket := make(map[uint64]*broker.Position, len(brokerPositions))
	for _, p := range brokerPositions {
		byTicket[p.Ticket] = p
	}

	lastPrice := 0.0
	if quote, err := s.port.CurrentPrice(ctx, s.cfg.Symbol); err == nil {
		lastPrice = quote.Mid()
	}

	now := s.now()
	adopted := 0
	var orphans []uint64
	for _, t := range dbTrades {
		if pos, ok := byTicket[t.Ticket]; ok {
			s.executor.Adopt(pos)
			adopted++
			continue
		}
		exit := lastPrice
		if exit <= 0 {
			exit = t.EntryPrice
		}
		pnl := orphanPnL(t, exit)
		if err := s.store.CloseTrade(ctx, t.Ticket, exit, pnl, string(broker.StatusClosedForced), now); err != nil {
			return fmt.Errorf("orphan trade %d: %w", t.Ticket, err)
		}
		orphans = append(orphans, t.Ticket)
		s.log.Warn().Uint64("ticket", t.Ticket).Float64("exit", exit).Float64("pnl", pnl).Msg("orphaned trade force-closed")
	}

	if len(orphans) > 0 {
		s.bus.Publish(events.Event{
			Type: events.EventError, Name: events.StateReconciliation, Severity: events.SeverityCritical,
			Message: fmt.Sprintf("%d orphaned trades force-closed during crash recovery", len(orphans)),
			Data:    map[string]interface{}{"tickets": orphans, "exit_price": lastPrice},
		})
	}

	s.log.Info().Int("adopted", adopted).Int("orphaned", len(orphans)).Msg("crash recovery complete")
	return nil
}

// orphanPnL values an orphaned trade at the given exit price.
func orphanPnL(t *database.Trade, exit float64) float64 {
	pnl := (exit - t.EntryPrice) * t.LotSize * sizing.ContractSize
	if t.Direction == string(signal.DirectionSell) {
		pnl = -pnl
	}
	return pnl
}

// Stop brings the daemon down per the shutdown policy.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	stopChan := s.stopChan
	s.mu.Unlock()

	close(stopChan)
	s.wg.Wait()

	if s.cfg.ShutdownPolicy == ShutdownLiquidate {
		closed := s.executor.CloseAll(ctx, broker.StatusClosedForced)
		for _, pos := range closed {
			s.persistClose(ctx, pos)
		}
		s.log.Info().Int("liquidated", len(closed)).Msg("open positions liquidated on shutdown")
	}

	if err := s.store.MarkStopped(ctx); err != nil {
		s.log.Error().Err(err).Msg("failed to persist stopped state")
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.bus.PublishLifecycle(events.DaemonStopped, "daemon stopped", map[string]interface{}{
		"session_id": s.sessionID, "policy": string(s.cfg.ShutdownPolicy),
	})
	s.log.Info().Msg("daemon stopped")
	return nil
}

// ForceCleanup closes every position and clears the running state. It works
// whether or not the daemon is running, as the recovery of last resort.
func (s *Supervisor) ForceCleanup(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	var stopChan chan struct{}
	if running {
		stopChan = s.stopChan
	}
	s.mu.Unlock()

	if running {
		close(stopChan)
		s.wg.Wait()
	}

	closed := s.executor.CloseAll(ctx, broker.StatusClosedForced)
	for _, pos := range closed {
		s.persistClose(ctx, pos)
	}

	// Any rows still OPEN have no broker position behind them.
	if trades, err := s.store.GetOpenTrades(ctx); err == nil {
		now := s.now()
		for _, t := range trades {
			if err := s.store.CloseTrade(ctx, t.Ticket, t.EntryPrice, 0, string(broker.StatusClosedForced), now); err != nil {
				s.log.Error().Err(err).Uint64("ticket", t.Ticket).Msg("force cleanup: close row failed")
			}
		}
	}

	if err := s.store.MarkStopped(ctx); err != nil {
		return fmt.Errorf("mark stopped: %w", err)
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.bus.PublishLifecycle(events.DaemonStopped, "force cleanup completed", map[string]interface{}{
		"closed_positions": len(closed),
	})
	s.log.Warn().Int("closed", len(closed)).Msg("force cleanup completed")
	return nil
}

func (s *Supervisor) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	// First tick immediately rather than waiting a full interval.
	if s.tick(context.Background()) {
		s.haltExternal()
		return
	}

	for {
		select {
		case <-ticker.C:
			if s.tick(context.Background()) {
				s.haltExternal()
				return
			}
		case <-s.stopChan:
			return
		}
	}
}

// haltExternal winds the loop down after the state row was switched off
// outside this process.
func (s *Supervisor) haltExternal() {
	s.mu.Lock()
	s.running = false
	sessionID := s.sessionID
	s.mu.Unlock()

	s.bus.PublishLifecycle(events.DaemonStopped, "stopped by external state change", map[string]interface{}{
		"session_id": sessionID,
	})
	s.log.Warn().Msg("daemon stopped by external state change")
}

// tick runs one decision cycle. It reports true when the loop must halt
// because the state row was switched off externally. Protective exits are
// evaluated on every tick, weekends included; new entries only while the
// market is open inside a trading session, on the analysis cadence.
func (s *Supervisor) tick(ctx context.Context) (halt bool) {
	now := s.now()

	s.gate.ResetDailyIfNeeded(now)

	// External kill switch: the control surface flips the row off and this
	// loop follows.
	if state, err := s.store.GetBotState(ctx); err == nil && !state.Running {
		return true
	}

	marketOpen := s.port.MarketOpen(s.cfg.Symbol, now)
	session := market.CurrentSession(now)

	defer func() {
		s.updateTick(now)
		s.heartbeat(ctx, now)
		s.bus.Publish(events.Event{
			Type: events.EventLifecycle, Name: events.DaemonHeartbeat, Severity: events.SeverityLow,
			Message: "tick complete",
			Data:    map[string]interface{}{"market_open": marketOpen, "session": string(session)},
		})
	}()

	// Protective levels first so an exit frees capacity for a new entry.
	if s.executor.OpenCount() > 0 {
		quote, err := s.port.CurrentPrice(ctx, s.cfg.Symbol)
		if err != nil {
			s.noteConnectivity(false, err)
			return false
		}
		s.noteConnectivity(true, nil)
		bar := market.Bar{Time: now, Open: quote.Mid(), High: quote.Ask, Low: quote.Bid, Close: quote.Mid()}
		for _, pos := range s.executor.EvaluateTick(ctx, bar) {
			s.persistClose(ctx, pos)
		}
	}

	if !marketOpen || session == market.SessionOffHours {
		return false
	}

	s.mu.Lock()
	due := s.lastAnalysis.IsZero() || now.Sub(s.lastAnalysis) >= s.cfg.AnalysisInterval
	s.mu.Unlock()
	if !due {
		return false
	}

	bars, err := s.source.Bars(ctx, s.cfg.Symbol, s.cfg.Timeframe, s.cfg.BarCount)
	if err != nil {
		s.noteConnectivity(false, err)
		return false
	}
	s.noteConnectivity(true, nil)

	last := bars[len(bars)-1]

	analysis, err := s.analyzer.Analyze(bars)
	if err != nil {
		s.setLastError(fmt.Errorf("analysis: %w", err))
		return false
	}
	s.persistAnalysis(ctx, analysis, last.Close)
	s.mu.Lock()
	s.lastAnalysis = now
	s.mu.Unlock()

	account, err := s.port.AccountInfo(ctx)
	if err != nil {
		s.setLastError(fmt.Errorf("account info: %w", err))
		return false
	}

	// Size against the live balance, not the configured starting one.
	sigCfg := s.cfg.Signal
	sigCfg.Balance = account.Balance
	sig := s.engine.Evaluate(analysis, sigCfg)

	if sig.IsActionable() && s.validator != nil {
		sig = s.validator.Validate(ctx, sig, ai.PromptContext{
			Symbol:         string(s.cfg.Symbol),
			Timeframe:      string(s.cfg.Timeframe),
			Session:        string(session),
			CurrentPrice:   last.Close,
			Balance:        account.Balance,
			RiskPercentage: s.cfg.RiskPercentage,
			Analysis:       analysis,
		})
	}

	if !sig.IsActionable() {
		return false
	}

	decision := s.gate.Check(sig, *account)
	if !decision.Approved {
		s.bus.PublishSignalRejected(string(sig.Direction), decision.Reasons)
		if decision.LimitBreach && len(decision.Reasons) > 0 {
			s.bus.PublishRiskBreach(decision.Reasons[0])
		}
		s.log.Info().Strs("reasons", decision.Reasons).Msg("signal rejected by risk gate")
		return false
	}

	pos, err := s.executor.Open(ctx, s.cfg.Symbol, sig, decision.AdjustedLotSize, "smc:"+s.sessionID)
	if err != nil {
		s.setLastError(fmt.Errorf("open position: %w", err))
		s.bus.PublishError("executor", err)
		return false
	}

	s.gate.RecordOpen()
	s.persistOpen(ctx, pos, sig, decision)
	s.bus.PublishTradeOpened(pos.Ticket, string(pos.Direction), pos.LotSize, pos.EntryPrice)
	return false
}

func (s *Supervisor) persistOpen(ctx context.Context, pos *broker.Position, sig *signal.Signal, decision *risk.Decision) {
	sid := s.sessionID
	trade := &database.Trade{
		Ticket:       pos.Ticket,
		SessionID:    &sid,
		Symbol:       string(pos.Symbol),
		Direction:    string(pos.Direction),
		LotSize:      pos.LotSize,
		EntryPrice:   pos.EntryPrice,
		StopLoss:     pos.StopLoss,
		TakeProfit:   pos.TakeProfit,
		OpenTime:     pos.OpenedAt,
		Status:       string(broker.StatusOpen),
		Confidence:   sig.Confidence,
		SetupQuality: sig.SetupQuality,
		RiskScore:    decision.RiskScore,
		AIValidated:  sig.AIValidated,
		AIConfidence: sig.AIConfidence,
		Reasons:      sig.Reasons,
	}
	if err := s.store.CreateTrade(ctx, trade); err != nil {
		s.log.Error().Err(err).Uint64("ticket", pos.Ticket).Msg("failed to persist opened trade")
	}
}

func (s *Supervisor) persistClose(ctx context.Context, pos *broker.Position) {
	exit, pnl := 0.0, 0.0
	if pos.ExitPrice != nil {
		exit = *pos.ExitPrice
	}
	if pos.RealizedPnL != nil {
		pnl = *pos.RealizedPnL
	}
	closedAt := s.now()
	if pos.ClosedAt != nil {
		closedAt = *pos.ClosedAt
	}

	if err := s.store.CloseTrade(ctx, pos.Ticket, exit, pnl, string(pos.Status), closedAt); err != nil {
		s.log.Error().Err(err).Uint64("ticket", pos.Ticket).Msg("failed to persist closed trade")
	}
	s.gate.RecordClose(pnl)
	s.bus.PublishTradeClosed(pos.Ticket, string(pos.Status), exit, pnl)

	if account, err := s.port.AccountInfo(ctx); err == nil {
		if err := s.store.UpdateEndingBalance(ctx, closedAt, account.Balance); err != nil {
			s.log.Warn().Err(err).Msg("failed to update ending balance")
		}
	}

	dailyPnL, _, _ := s.gate.Counters()
	if dailyPnL <= -s.gate.MaxDailyLoss() {
		s.bus.PublishRiskBreach(fmt.Sprintf("daily loss limit breached: $%.2f", -dailyPnL))
	}
}

func (s *Supervisor) persistAnalysis(ctx context.Context, analysis *smc.Analysis, price float64) {
	doc, err := json.Marshal(analysis)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to marshal analysis")
		return
	}
	sid := s.sessionID
	snap := &database.MarketAnalysis{
		SessionID:    &sid,
		Symbol:       string(s.cfg.Symbol),
		Timeframe:    string(s.cfg.Timeframe),
		Price:        price,
		Trend:        string(analysis.Trend),
		SetupQuality: analysis.SetupQuality,
		Analysis:     doc,
		Timestamp:    analysis.At,
	}
	if err := s.store.SaveAnalysis(ctx, snap); err != nil {
		s.log.Warn().Err(err).Msg("failed to persist analysis snapshot")
	}
}

func (s *Supervisor) heartbeat(ctx context.Context, now time.Time) {
	dailyPnL, tradesToday, _ := s.gate.Counters()
	if err := s.store.Heartbeat(ctx, dailyPnL, tradesToday, now); err != nil {
		s.log.Warn().Err(err).Msg("heartbeat write failed")
	}
}

func (s *Supervisor) noteConnectivity(up bool, err error) {
	s.mu.Lock()
	was := s.connLost
	s.connLost = !up
	if err != nil {
		s.lastError = err.Error()
	}
	s.mu.Unlock()

	if up && was {
		s.bus.Publish(events.Event{
			Type: events.EventInfo, Name: events.ConnectivityRestored,
			Severity: events.SeverityMedium, Message: "market data feed restored",
		})
	}
	if !up && !was {
		s.log.Error().Err(err).Msg("market data feed lost")
		s.bus.Publish(events.Event{
			Type: events.EventError, Name: events.ConnectivityLost,
			Severity: events.SeverityHigh, Message: err.Error(),
		})
	}
}

func (s *Supervisor) setLastError(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
	s.log.Error().Err(err).Msg("tick error")
}

func (s *Supervisor) updateTick(now time.Time) {
	s.mu.Lock()
	s.lastTick = now
	s.mu.Unlock()
}

func sameUTCDate(a, b time.Time) bool {
	a, b = a.UTC(), b.UTC()
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}
