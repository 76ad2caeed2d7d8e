package broker

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gold-trading-bot/internal/market"
	"gold-trading-bot/internal/risk"
	"gold-trading-bot/internal/signal"
)

// fakePort fills everything at fixed prices and can be told to fail closes.
type fakePort struct {
	mu         sync.Mutex
	fillPrice  float64
	closePrice float64
	closeErr   error
	nextTicket uint64
	closes     map[uint64]float64 // ticket -> exit price
}

func newFakePort() *fakePort {
	return &fakePort{
		fillPrice:  2655.00,
		closePrice: 2656.00,
		nextTicket: 5000,
		closes:     make(map[uint64]float64),
	}
}

func (f *fakePort) Open(_ context.Context, req OrderRequest) (*Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTicket++
	return &Fill{Ticket: f.nextTicket, FillPrice: f.fillPrice, FilledAt: time.Now().UTC()}, nil
}

func (f *fakePort) Close(_ context.Context, ticket uint64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeErr != nil {
		return 0, f.closeErr
	}
	f.closes[ticket] = f.closePrice
	return f.closePrice, nil
}

func (f *fakePort) CloseAt(_ context.Context, ticket uint64, price float64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeErr != nil {
		return 0, f.closeErr
	}
	f.closes[ticket] = price
	return price, nil
}

func (f *fakePort) setCloseErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeErr = err
}

func (f *fakePort) Modify(context.Context, uint64, float64, float64) error { return nil }

func (f *fakePort) CurrentPrice(_ context.Context, symbol market.Symbol) (*market.Quote, error) {
	return &market.Quote{Symbol: symbol, Bid: f.fillPrice, Ask: f.fillPrice}, nil
}

func (f *fakePort) Positions(context.Context) ([]*Position, error) { return nil, nil }

func (f *fakePort) AccountInfo(context.Context) (*risk.AccountInfo, error) {
	return &risk.AccountInfo{Balance: 10000, Equity: 10000, Currency: "USD"}, nil
}

func (f *fakePort) MarketOpen(market.Symbol, time.Time) bool { return true }

var _ Port = (*fakePort)(nil)
var _ MarketCloser = (*fakePort)(nil)

func buySignal() *signal.Signal {
	return &signal.Signal{
		Direction:       signal.DirectionBuy,
		Confidence:      0.90,
		Entry:           2655.00,
		StopLoss:        2649.95,
		TakeProfit:      2665.10,
		RiskRewardRatio: 2.0,
		SetupQuality:    7,
		Reasons:         []string{"session levels identified"},
	}
}

func openOne(t *testing.T, e *Executor, sig *signal.Signal) *Position {
	t.Helper()
	pos, err := e.Open(context.Background(), market.SymbolXAUUSD, sig, 0.20, "test")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return pos
}

func bar(low, high, closePrice float64) market.Bar {
	return market.Bar{
		Time: time.Now().UTC(), Open: closePrice,
		High: high, Low: low, Close: closePrice, Volume: 100,
	}
}

func TestOpenRecordsPosition(t *testing.T) {
	e := NewExecutor(newFakePort(), zerolog.Nop())
	pos := openOne(t, e, buySignal())

	if pos.EntryPrice != 2655.00 || pos.StopLoss != 2649.95 || pos.TakeProfit != 2665.10 {
		t.Errorf("levels = %.2f/%.2f/%.2f", pos.EntryPrice, pos.StopLoss, pos.TakeProfit)
	}
	if pos.ConfidenceAtEntry != 0.90 || pos.SetupQualityAtEntry != 7 {
		t.Errorf("entry metadata not carried: %.2f, %d", pos.ConfidenceAtEntry, pos.SetupQualityAtEntry)
	}
	if e.OpenCount() != 1 {
		t.Errorf("open count = %d, want 1", e.OpenCount())
	}
}

func TestEvaluateTickStopLoss(t *testing.T) {
	e := NewExecutor(newFakePort(), zerolog.Nop())
	openOne(t, e, buySignal())

	closed := e.EvaluateTick(context.Background(), bar(2649.50, 2652.00, 2650.00))
	if len(closed) != 1 {
		t.Fatalf("closed %d positions, want 1", len(closed))
	}
	pos := closed[0]
	if pos.Status != StatusClosedSL {
		t.Errorf("status = %s, want CLOSED_SL", pos.Status)
	}
	if *pos.ExitPrice != 2649.95 {
		t.Errorf("exit = %.2f, want fill at the stop level", *pos.ExitPrice)
	}
	// 0.20 lots = 20 oz, 5.05 against.
	if math.Abs(*pos.RealizedPnL+101.00) > 1e-9 {
		t.Errorf("pnl = %.2f, want -101.00", *pos.RealizedPnL)
	}
	if e.OpenCount() != 0 {
		t.Errorf("open count = %d after close", e.OpenCount())
	}
}

func TestEvaluateTickTakeProfit(t *testing.T) {
	e := NewExecutor(newFakePort(), zerolog.Nop())
	openOne(t, e, buySignal())

	closed := e.EvaluateTick(context.Background(), bar(2660.00, 2666.00, 2664.00))
	if len(closed) != 1 {
		t.Fatalf("closed %d positions, want 1", len(closed))
	}
	pos := closed[0]
	if pos.Status != StatusClosedTP {
		t.Errorf("status = %s, want CLOSED_TP", pos.Status)
	}
	if *pos.ExitPrice != 2665.10 {
		t.Errorf("exit = %.2f, want fill at the target", *pos.ExitPrice)
	}
	if math.Abs(*pos.RealizedPnL-202.00) > 1e-9 {
		t.Errorf("pnl = %.2f, want 202.00", *pos.RealizedPnL)
	}
}

func TestEvaluateTickStopWinsWhenBarSpansBoth(t *testing.T) {
	e := NewExecutor(newFakePort(), zerolog.Nop())
	openOne(t, e, buySignal())

	closed := e.EvaluateTick(context.Background(), bar(2649.00, 2666.00, 2660.00))
	if len(closed) != 1 {
		t.Fatalf("closed %d positions, want 1", len(closed))
	}
	if closed[0].Status != StatusClosedSL {
		t.Errorf("status = %s, want the stop to win the spanning bar", closed[0].Status)
	}
}

func TestEvaluateTickSellExit(t *testing.T) {
	e := NewExecutor(newFakePort(), zerolog.Nop())
	sig := buySignal()
	sig.Direction = signal.DirectionSell
	sig.StopLoss = 2660.05
	sig.TakeProfit = 2644.90
	openOne(t, e, sig)

	closed := e.EvaluateTick(context.Background(), bar(2644.00, 2650.00, 2646.00))
	if len(closed) != 1 {
		t.Fatalf("closed %d positions, want 1", len(closed))
	}
	pos := closed[0]
	if pos.Status != StatusClosedTP {
		t.Errorf("status = %s, want CLOSED_TP", pos.Status)
	}
	// SELL from 2655.00 to 2644.90 on 20 oz.
	if math.Abs(*pos.RealizedPnL-202.00) > 1e-9 {
		t.Errorf("pnl = %.2f, want 202.00", *pos.RealizedPnL)
	}
}

func TestEvaluateTickRefreshesSurvivors(t *testing.T) {
	e := NewExecutor(newFakePort(), zerolog.Nop())
	openOne(t, e, buySignal())

	closed := e.EvaluateTick(context.Background(), bar(2653.00, 2658.00, 2657.50))
	if len(closed) != 0 {
		t.Fatalf("closed %d positions, want none", len(closed))
	}
	pos := e.OpenPositions()[0]
	if pos.CurrentPrice != 2657.50 {
		t.Errorf("mark = %.2f, want bar close", pos.CurrentPrice)
	}
	if math.Abs(pos.UnrealizedPnL-50.00) > 1e-9 {
		t.Errorf("unrealized = %.2f, want 50.00", pos.UnrealizedPnL)
	}
}

func TestFailedCloseRetriesNextTick(t *testing.T) {
	port := newFakePort()
	e := NewExecutor(port, zerolog.Nop())
	openOne(t, e, buySignal())

	port.setCloseErr(errors.New("venue unavailable"))
	closed := e.EvaluateTick(context.Background(), bar(2649.50, 2652.00, 2650.00))
	if len(closed) != 0 {
		t.Fatalf("close reported despite broker failure")
	}
	if e.OpenCount() != 1 {
		t.Fatalf("position left the book on a failed close")
	}

	port.setCloseErr(nil)
	closed = e.EvaluateTick(context.Background(), bar(2653.00, 2656.00, 2655.00))
	if len(closed) != 1 {
		t.Fatalf("retry closed %d positions, want 1", len(closed))
	}
	if closed[0].Status != StatusClosedSL {
		t.Errorf("status = %s, want the original CLOSED_SL kept through retry", closed[0].Status)
	}
}

func TestCloseAll(t *testing.T) {
	e := NewExecutor(newFakePort(), zerolog.Nop())
	openOne(t, e, buySignal())
	openOne(t, e, buySignal())

	closed := e.CloseAll(context.Background(), StatusClosedForced)
	if len(closed) != 2 {
		t.Fatalf("closed %d positions, want 2", len(closed))
	}
	for _, pos := range closed {
		if pos.Status != StatusClosedForced {
			t.Errorf("status = %s, want CLOSED_FORCED", pos.Status)
		}
	}
	if e.OpenCount() != 0 {
		t.Errorf("open count = %d after CloseAll", e.OpenCount())
	}
}

func TestCloseUnknownTicket(t *testing.T) {
	e := NewExecutor(newFakePort(), zerolog.Nop())
	if _, err := e.Close(context.Background(), 42, StatusClosedManual); !errors.Is(err, ErrUnknownTicket) {
		t.Fatalf("err = %v, want ErrUnknownTicket", err)
	}
}

func TestAdopt(t *testing.T) {
	e := NewExecutor(newFakePort(), zerolog.Nop())
	e.Adopt(&Position{
		Ticket: 7001, Symbol: market.SymbolXAUUSD, Direction: signal.DirectionBuy,
		LotSize: 0.10, EntryPrice: 2650.00, StopLoss: 2645.00, TakeProfit: 2660.00,
	})

	if e.OpenCount() != 1 {
		t.Fatalf("open count = %d, want 1", e.OpenCount())
	}
	pos := e.OpenPositions()[0]
	if pos.Ticket != 7001 || pos.Status != StatusOpen {
		t.Errorf("adopted position = %d/%s", pos.Ticket, pos.Status)
	}
}
