package daemon

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gold-trading-bot/internal/broker"
	"gold-trading-bot/internal/database"
	"gold-trading-bot/internal/events"
	"gold-trading-bot/internal/market"
	"gold-trading-bot/internal/risk"
	"gold-trading-bot/internal/signal"
	"gold-trading-bot/internal/smc"
)

// testNow is a Tuesday inside the New York session.
var testNow = time.Date(2026, 3, 3, 14, 30, 0, 0, time.UTC)

type closeRecord struct {
	status string
	exit   float64
	pnl    float64
}

// fakeStore keeps the persistence surface in memory.
type fakeStore struct {
	mu         sync.Mutex
	state      database.BotState
	missing    bool
	openTrades []*database.Trade
	created    []*database.Trade
	closed     map[uint64]closeRecord
	heartbeats int
	analyses   int
	stops      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{closed: make(map[uint64]closeRecord)}
}

func (f *fakeStore) GetBotState(context.Context) (*database.BotState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing {
		return nil, database.ErrNotFound
	}
	state := f.state
	return &state, nil
}

func (f *fakeStore) MarkStarted(_ context.Context, start database.SessionStart) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Running = true
	f.state.PID = &start.PID
	f.state.SessionID = &start.SessionID
	f.state.TradingMode = start.TradingMode
	f.state.RiskPercentage = start.RiskPercentage
	f.state.MaxRiskAmount = start.MaxRiskAmount
	f.state.Configuration = start.Configuration
	f.state.StartedAt = &start.StartedAt
	f.state.HeartbeatAt = &start.StartedAt
	return nil
}

func (f *fakeStore) MarkStopped(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Running = false
	f.stops++
	return nil
}

func (f *fakeStore) Heartbeat(_ context.Context, dailyPnL float64, tradesToday int, counterDate time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.HeartbeatAt = &counterDate
	f.state.DailyPnL = dailyPnL
	f.state.TradesToday = tradesToday
	f.state.CounterDate = &counterDate
	f.heartbeats++
	return nil
}

func (f *fakeStore) CreateTrade(_ context.Context, trade *database.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, trade)
	f.openTrades = append(f.openTrades, trade)
	return nil
}

func (f *fakeStore) CloseTrade(_ context.Context, ticket uint64, exitPrice, pnl float64, status string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[ticket] = closeRecord{status: status, exit: exitPrice, pnl: pnl}
	kept := f.openTrades[:0]
	for _, t := range f.openTrades {
		if t.Ticket != ticket {
			kept = append(kept, t)
		}
	}
	f.openTrades = kept
	return nil
}

func (f *fakeStore) GetOpenTrades(context.Context) ([]*database.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*database.Trade(nil), f.openTrades...), nil
}

func (f *fakeStore) SaveAnalysis(context.Context, *database.MarketAnalysis) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyses++
	return nil
}

func (f *fakeStore) UpdateEndingBalance(context.Context, time.Time, float64) error { return nil }

func (f *fakeStore) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats
}

func (f *fakeStore) analysisCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.analyses
}

func (f *fakeStore) closedRecord(ticket uint64) (closeRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.closed[ticket]
	return rec, ok
}

func (f *fakeStore) setRunning(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Running = on
}

var _ Store = (*fakeStore)(nil)

// stubPort is a broker with a fixed quote and a switchable market calendar.
type stubPort struct {
	mu           sync.Mutex
	positions    []*broker.Position
	closes       map[uint64]bool
	marketClosed bool
}

func newStubPort() *stubPort {
	return &stubPort{closes: make(map[uint64]bool)}
}

func (p *stubPort) Open(context.Context, broker.OrderRequest) (*broker.Fill, error) {
	return &broker.Fill{Ticket: 9001, FillPrice: 2655.00, FilledAt: testNow}, nil
}

func (p *stubPort) Close(_ context.Context, ticket uint64) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes[ticket] = true
	return 2655.00, nil
}

func (p *stubPort) Modify(context.Context, uint64, float64, float64) error { return nil }

func (p *stubPort) CurrentPrice(_ context.Context, symbol market.Symbol) (*market.Quote, error) {
	return &market.Quote{Symbol: symbol, Bid: 2654.85, Ask: 2655.15}, nil
}

func (p *stubPort) Positions(context.Context) ([]*broker.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*broker.Position(nil), p.positions...), nil
}

func (p *stubPort) AccountInfo(context.Context) (*risk.AccountInfo, error) {
	return &risk.AccountInfo{Balance: 10000, Equity: 10000, Currency: "USD"}, nil
}

func (p *stubPort) MarketOpen(market.Symbol, time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.marketClosed
}

var _ broker.Port = (*stubPort)(nil)

// stubSource replays a fixed quiet series.
type stubSource struct{ bars []market.Bar }

func (s *stubSource) Bars(context.Context, market.Symbol, market.Timeframe, int) ([]market.Bar, error) {
	return s.bars, nil
}

func quietBars(n int) []market.Bar {
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	bars := make([]market.Bar, n)
	for i := range bars {
		bars[i] = market.Bar{
			Time: start.Add(time.Duration(i) * 5 * time.Minute),
			Open: 2650, High: 2650.5, Low: 2649.5, Close: 2650, Volume: 100,
		}
	}
	return bars
}

// eventTap collects bus events for assertions.
type eventTap struct {
	mu     sync.Mutex
	events []events.Event
}

func (e *eventTap) sub(ev events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventTap) find(name string) (events.Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.events {
		if ev.Name == name {
			return ev, true
		}
	}
	return events.Event{}, false
}

type harness struct {
	sup   *Supervisor
	store *fakeStore
	port  *stubPort
	bus   *events.Bus
	tap   *eventTap
}

func newHarness(t *testing.T, mutate func(*fakeStore, *stubPort, *Config)) *harness {
	return newHarnessAt(t, testNow, mutate)
}

func newHarnessAt(t *testing.T, at time.Time, mutate func(*fakeStore, *stubPort, *Config)) *harness {
	t.Helper()

	store := newFakeStore()
	port := newStubPort()
	tap := &eventTap{}
	bus := events.NewBus(0, zerolog.Nop())
	bus.SubscribeAll(tap.sub)
	bus.Start()
	t.Cleanup(bus.Stop)

	cfg := Config{
		Symbol:            market.SymbolXAUUSD,
		Timeframe:         market.TimeframeM5,
		HeartbeatInterval: time.Hour, // only the immediate first tick runs
		AnalysisInterval:  time.Hour,
		BarCount:          60,
		TradingMode:       "paper",
		ShutdownPolicy:    ShutdownHold,
		StaleHeartbeat:    5 * time.Minute,
		Signal:            signal.Config{Balance: 10000, RiskPercentage: 0.01, MaxRiskAmount: 1000},
		RiskPercentage:    0.01,
	}
	if mutate != nil {
		mutate(store, port, &cfg)
	}

	gate := risk.NewGate(risk.DefaultConfig(), zerolog.Nop())
	executor := broker.NewExecutor(port, zerolog.Nop())
	sup := New(cfg, &stubSource{bars: quietBars(60)}, smc.NewAnalyzer(cfg.Symbol, cfg.Timeframe),
		signal.NewEngine(), nil, gate, executor, port, store, bus, zerolog.Nop())
	sup.now = func() time.Time { return at }

	return &harness{sup: sup, store: store, port: port, bus: bus, tap: tap}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartRunStop(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.sup.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start err = %v, want ErrAlreadyRunning", err)
	}

	waitFor(t, func() bool { return h.store.heartbeatCount() >= 1 }, "first heartbeat")

	snap := h.sup.Status(ctx)
	if snap.Overall != StatusOnline || !snap.DaemonRunning {
		t.Errorf("status = %s, want ONLINE", snap.Overall)
	}
	if !snap.DatabaseRunning {
		t.Error("database not reported running")
	}
	if snap.LastHeartbeat == nil {
		t.Error("no last heartbeat reported")
	}
	if snap.SessionID == "" {
		t.Error("no session id assigned")
	}
	if snap.Balance != 10000 {
		t.Errorf("balance = %.2f", snap.Balance)
	}
	if h.store.analysisCount() < 1 {
		t.Error("no analysis ran during an active session")
	}

	if err := h.sup.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if snap := h.sup.Status(ctx); snap.Overall != StatusOffline {
		t.Errorf("status after stop = %s, want OFFLINE", snap.Overall)
	}
	h.store.mu.Lock()
	persisted := h.store.state.Running
	h.store.mu.Unlock()
	if persisted {
		t.Error("persisted state still running after Stop")
	}
}

func TestStopNotRunning(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.sup.Stop(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

func TestStartMissingStateRow(t *testing.T) {
	h := newHarness(t, func(store *fakeStore, _ *stubPort, _ *Config) {
		store.missing = true
	})
	if err := h.sup.Start(context.Background()); !errors.Is(err, ErrStateCorrupt) {
		t.Fatalf("err = %v, want ErrStateCorrupt", err)
	}
}

func TestStartBlockedByFreshHeartbeat(t *testing.T) {
	h := newHarness(t, func(store *fakeStore, _ *stubPort, _ *Config) {
		fresh := testNow.Add(-time.Minute)
		store.state.Running = true
		store.state.HeartbeatAt = &fresh
	})
	if err := h.sup.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning against a live instance", err)
	}
}

func TestStartRecoversFromStaleCrash(t *testing.T) {
	h := newHarness(t, func(store *fakeStore, port *stubPort, _ *Config) {
		stale := testNow.Add(-10 * time.Minute)
		store.state.Running = true
		store.state.HeartbeatAt = &stale

		// The broker still holds 2001; 2002 is an orphaned row.
		port.positions = []*broker.Position{{
			Ticket: 2001, Symbol: market.SymbolXAUUSD, Direction: signal.DirectionBuy,
			LotSize: 0.20, EntryPrice: 2650.00, StopLoss: 2645.00, TakeProfit: 2665.00,
			Status: broker.StatusOpen,
		}}
		store.openTrades = []*database.Trade{
			{Ticket: 2001, Direction: "BUY", LotSize: 0.20, EntryPrice: 2650.00, Status: "OPEN"},
			{Ticket: 2002, Direction: "BUY", LotSize: 0.20, EntryPrice: 2648.00, Status: "OPEN"},
		}
	})
	ctx := context.Background()

	if err := h.sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.sup.Stop(ctx)

	// The orphan closes at the current mid, not its entry, so its loss or
	// gain is realized.
	rec, ok := h.store.closedRecord(2002)
	if !ok || rec.status != string(broker.StatusClosedForced) {
		t.Fatalf("orphan 2002 closed as %q, want CLOSED_FORCED", rec.status)
	}
	if math.Abs(rec.exit-2655.00) > 1e-9 {
		t.Errorf("orphan exit = %.2f, want last known price 2655.00", rec.exit)
	}
	if math.Abs(rec.pnl-140.00) > 1e-6 {
		t.Errorf("orphan pnl = %.2f, want 140.00 for 0.20 lots over 7.00", rec.pnl)
	}
	if _, ok := h.store.closedRecord(2001); ok {
		t.Error("broker-held 2001 was closed instead of adopted")
	}

	waitFor(t, func() bool {
		_, ok := h.tap.find(events.StateReconciliation)
		return ok
	}, "reconciliation event for the orphaned trade")
	ev, _ := h.tap.find(events.StateReconciliation)
	if ev.Severity != events.SeverityCritical {
		t.Errorf("reconciliation severity = %s, want CRITICAL", ev.Severity)
	}
	if price, _ := ev.Data["exit_price"].(float64); math.Abs(price-2655.00) > 1e-9 {
		t.Errorf("reconciliation exit_price = %v, want 2655.00", ev.Data["exit_price"])
	}

	snap := h.sup.Status(ctx)
	if len(snap.OpenPositions) != 1 || snap.OpenPositions[0].Ticket != 2001 {
		t.Errorf("open positions = %+v, want adopted ticket 2001", snap.OpenPositions)
	}
}

func TestStartRestoresSameDayCounters(t *testing.T) {
	h := newHarness(t, func(store *fakeStore, _ *stubPort, _ *Config) {
		today := testNow
		store.state.DailyPnL = -120
		store.state.TradesToday = 2
		store.state.CounterDate = &today
	})
	ctx := context.Background()

	if err := h.sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.sup.Stop(ctx)

	waitFor(t, func() bool { return h.store.heartbeatCount() >= 1 }, "first heartbeat")
	snap := h.sup.Status(ctx)
	if snap.DailyPnL != -120 || snap.TradesToday != 2 {
		t.Errorf("counters = %.2f/%d, want restored -120/2", snap.DailyPnL, snap.TradesToday)
	}
}

func TestTickEvaluatesExitsWhileMarketClosed(t *testing.T) {
	// A Saturday: the calendar is closed, but an adopted stop must still
	// fire off the live quote.
	saturday := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)
	h := newHarnessAt(t, saturday, func(_ *fakeStore, port *stubPort, _ *Config) {
		port.marketClosed = true
	})
	ctx := context.Background()

	h.sup.executor.Adopt(&broker.Position{
		Ticket: 5001, Symbol: market.SymbolXAUUSD, Direction: signal.DirectionBuy,
		LotSize: 0.20, EntryPrice: 2660.00, StopLoss: 2655.00, TakeProfit: 2670.00,
	})

	if err := h.sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.sup.Stop(ctx)

	waitFor(t, func() bool {
		_, ok := h.tap.find(events.DaemonHeartbeat)
		return ok
	}, "closed-market tick")

	rec, ok := h.store.closedRecord(5001)
	if !ok || rec.status != string(broker.StatusClosedSL) {
		t.Errorf("closed as %q, want CLOSED_SL", rec.status)
	}
	if h.store.analysisCount() != 0 {
		t.Error("analysis ran while the market was closed")
	}

	ev, _ := h.tap.find(events.DaemonHeartbeat)
	if open, _ := ev.Data["market_open"].(bool); open {
		t.Error("heartbeat event reports market_open=true on a Saturday")
	}
}

func TestTickSkipsEntriesOffHours(t *testing.T) {
	// Tuesday 11:00 UTC sits between the London and New York sessions. The
	// market is open but no new setups are analyzed.
	offHours := time.Date(2026, 3, 3, 11, 0, 0, 0, time.UTC)
	h := newHarnessAt(t, offHours, nil)
	ctx := context.Background()

	if err := h.sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.sup.Stop(ctx)

	waitFor(t, func() bool { return h.store.heartbeatCount() >= 1 }, "first heartbeat")
	if h.store.analysisCount() != 0 {
		t.Error("analysis ran between trading sessions")
	}
}

func TestExternalStopHaltsLoop(t *testing.T) {
	h := newHarness(t, func(_ *fakeStore, _ *stubPort, cfg *Config) {
		cfg.HeartbeatInterval = 20 * time.Millisecond
	})
	ctx := context.Background()

	if err := h.sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return h.store.heartbeatCount() >= 1 }, "first heartbeat")

	// Another process flips the state row off; the loop must follow.
	h.store.setRunning(false)
	waitFor(t, func() bool { return !h.sup.Status(ctx).DaemonRunning }, "loop halt")

	if snap := h.sup.Status(ctx); snap.Overall != StatusOffline {
		t.Errorf("status after external stop = %s, want OFFLINE", snap.Overall)
	}
	waitFor(t, func() bool {
		_, ok := h.tap.find(events.DaemonStopped)
		return ok
	}, "stopped event after the external halt")
}

func TestStatusStarting(t *testing.T) {
	h := newHarness(t, func(store *fakeStore, _ *stubPort, _ *Config) {
		store.state.Running = true
	})
	if snap := h.sup.Status(context.Background()); snap.Overall != StatusStarting {
		t.Errorf("status = %s, want STARTING with the row on and no loop", snap.Overall)
	}
}

func TestStatusDatabaseUnreachable(t *testing.T) {
	h := newHarness(t, func(store *fakeStore, _ *stubPort, _ *Config) {
		store.missing = true
	})
	snap := h.sup.Status(context.Background())
	if snap.Overall != StatusError {
		t.Errorf("status = %s, want ERROR without the database", snap.Overall)
	}
	if snap.DatabaseRunning {
		t.Error("database reported running while unreachable")
	}
}

func TestStopLiquidatePolicy(t *testing.T) {
	h := newHarness(t, func(_ *fakeStore, _ *stubPort, cfg *Config) {
		cfg.ShutdownPolicy = ShutdownLiquidate
	})
	ctx := context.Background()

	if err := h.sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.sup.executor.Adopt(&broker.Position{
		Ticket: 4001, Symbol: market.SymbolXAUUSD, Direction: signal.DirectionBuy,
		LotSize: 0.10, EntryPrice: 2650.00,
	})

	if err := h.sup.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if rec, ok := h.store.closedRecord(4001); !ok || rec.status != string(broker.StatusClosedForced) {
		t.Errorf("position closed as %q, want CLOSED_FORCED on liquidate", rec.status)
	}
	h.port.mu.Lock()
	brokerClosed := h.port.closes[4001]
	h.port.mu.Unlock()
	if !brokerClosed {
		t.Error("broker close never issued for the liquidated position")
	}
}

func TestForceCleanup(t *testing.T) {
	h := newHarness(t, func(store *fakeStore, _ *stubPort, _ *Config) {
		store.openTrades = []*database.Trade{{Ticket: 3001, EntryPrice: 2650.00, Status: "OPEN"}}
	})
	ctx := context.Background()

	// Works without a running daemon.
	if err := h.sup.ForceCleanup(ctx); err != nil {
		t.Fatalf("ForceCleanup: %v", err)
	}
	if rec, ok := h.store.closedRecord(3001); !ok || rec.status != string(broker.StatusClosedForced) {
		t.Errorf("leftover row closed as %q, want CLOSED_FORCED", rec.status)
	}
	h.store.mu.Lock()
	stops := h.store.stops
	h.store.mu.Unlock()
	if stops != 1 {
		t.Errorf("MarkStopped calls = %d, want 1", stops)
	}
}

func TestStartWithOptionsModeConflict(t *testing.T) {
	h := newHarness(t, nil)

	live := false
	err := h.sup.StartWithOptions(context.Background(), &StartOptions{Paper: &live})
	if err == nil {
		t.Fatal("live-mode request accepted by a paper-mode process")
	}
	if h.sup.Status(context.Background()).Overall != StatusOffline {
		t.Error("daemon running after a rejected start")
	}
}

func TestStartWithOptionsRiskOverride(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	paper := true
	err := h.sup.StartWithOptions(ctx, &StartOptions{Paper: &paper, RiskPercentage: 0.015, MaxRiskAmount: 300})
	if err != nil {
		t.Fatalf("StartWithOptions: %v", err)
	}

	snap := h.sup.Status(ctx)
	if snap.Overall != StatusOnline {
		t.Errorf("status = %s, want ONLINE after start with overrides", snap.Overall)
	}
	if snap.RiskPercentage != 0.015 || snap.MaxRiskAmount != 300 {
		t.Errorf("effective limits = %.4f/%.0f, want 0.0150/300", snap.RiskPercentage, snap.MaxRiskAmount)
	}

	h.store.mu.Lock()
	persistedPct, persistedAmt := h.store.state.RiskPercentage, h.store.state.MaxRiskAmount
	configured := len(h.store.state.Configuration) > 0
	h.store.mu.Unlock()
	if persistedPct != 0.015 || persistedAmt != 300 {
		t.Errorf("persisted limits = %.4f/%.0f, want 0.0150/300", persistedPct, persistedAmt)
	}
	if !configured {
		t.Error("no configuration document persisted with the session")
	}

	if err := h.sup.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// A fresh process with default limits picks the overrides back up from
	// the state row.
	gate := risk.NewGate(risk.DefaultConfig(), zerolog.Nop())
	executor := broker.NewExecutor(h.port, zerolog.Nop())
	cfg := h.sup.cfg
	next := New(cfg, &stubSource{bars: quietBars(60)}, smc.NewAnalyzer(cfg.Symbol, cfg.Timeframe),
		signal.NewEngine(), nil, gate, executor, h.port, h.store, h.bus, zerolog.Nop())
	next.now = func() time.Time { return testNow }

	if err := next.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer next.Stop(ctx)

	if pct, amt := gate.RiskLimits(); pct != 0.015 || amt != 300 {
		t.Errorf("restored limits = %.4f/%.0f, want 0.0150/300 after restart", pct, amt)
	}
}
