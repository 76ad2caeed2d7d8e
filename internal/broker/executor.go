package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gold-trading-bot/internal/market"
	"gold-trading-bot/internal/signal"
)

// MarketCloser is implemented by venues that can fill an exit at an exact
// price. The executor uses it so stop and target exits fill at their trigger
// level instead of the post-trigger market price.
type MarketCloser interface {
	CloseAt(ctx context.Context, ticket uint64, price float64) (float64, error)
}

// Executor owns the live position book. It opens positions from approved
// signals, evaluates protective levels on every price tick, and closes
// positions through the broker port. Nothing else mutates position state.
type Executor struct {
	port Port
	log  zerolog.Logger

	mu     sync.Mutex
	open   map[uint64]*Position
	failed map[uint64]PositionStatus // closes that errored, retried next tick
}

// NewExecutor creates an executor over port with an empty book.
func NewExecutor(port Port, log zerolog.Logger) *Executor {
	return &Executor{
		port:   port,
		log:    log.With().Str("component", "executor").Logger(),
		open:   make(map[uint64]*Position),
		failed: make(map[uint64]PositionStatus),
	}
}

// Open submits a market order for an approved signal and records the
// resulting position. lotSize is the risk-gate adjusted size.
func (e *Executor) Open(ctx context.Context, symbol market.Symbol, sig *signal.Signal, lotSize float64, comment string) (*Position, error) {
	fill, err := e.port.Open(ctx, OrderRequest{
		Symbol:     symbol,
		Direction:  sig.Direction,
		LotSize:    lotSize,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		Comment:    comment,
	})
	if err != nil {
		return nil, fmt.Errorf("open order: %w", err)
	}

	pos := &Position{
		Ticket:              fill.Ticket,
		Symbol:              symbol,
		Direction:           sig.Direction,
		LotSize:             lotSize,
		EntryPrice:          fill.FillPrice,
		StopLoss:            sig.StopLoss,
		TakeProfit:          sig.TakeProfit,
		OpenedAt:            fill.FilledAt,
		Comment:             comment,
		CurrentPrice:        fill.FillPrice,
		Status:              StatusOpen,
		ConfidenceAtEntry:   sig.Confidence,
		SetupQualityAtEntry: sig.SetupQuality,
		ReasonsAtEntry:      append([]string(nil), sig.Reasons...),
	}

	e.mu.Lock()
	e.open[pos.Ticket] = pos
	e.mu.Unlock()

	e.log.Info().Uint64("ticket", pos.Ticket).Str("direction", string(pos.Direction)).
		Float64("lot", lotSize).Float64("entry", pos.EntryPrice).
		Float64("sl", pos.StopLoss).Float64("tp", pos.TakeProfit).Msg("position opened")
	return pos, nil
}

// EvaluateTick checks every open position's protective levels against the
// latest bar and closes the ones that triggered. When a bar spans both
// levels the stop loss wins. Closed positions are returned for persistence;
// surviving positions get their mark refreshed.
func (e *Executor) EvaluateTick(ctx context.Context, bar market.Bar) []*Position {
	closed := e.retryFailed(ctx)

	e.mu.Lock()
	tickets := make([]uint64, 0, len(e.open))
	for t := range e.open {
		tickets = append(tickets, t)
	}
	e.mu.Unlock()
	sort.Slice(tickets, func(i, j int) bool { return tickets[i] < tickets[j] })

	for _, ticket := range tickets {
		e.mu.Lock()
		pos, ok := e.open[ticket]
		e.mu.Unlock()
		if !ok {
			continue
		}

		price, status := triggeredExit(pos, bar)
		if status == StatusOpen {
			e.mu.Lock()
			pos.CurrentPrice = bar.Close
			pos.UnrealizedPnL = pos.PnLAt(bar.Close)
			e.mu.Unlock()
			continue
		}

		if done := e.closeAt(ctx, pos, price, status); done != nil {
			closed = append(closed, done)
		}
	}
	return closed
}

// triggeredExit returns the exit price and closing status if the bar crossed
// a protective level, or StatusOpen if the position survives.
func triggeredExit(pos *Position, bar market.Bar) (float64, PositionStatus) {
	if pos.Direction == signal.DirectionBuy {
		if pos.StopLoss > 0 && bar.Low <= pos.StopLoss {
			return pos.StopLoss, StatusClosedSL
		}
		if pos.TakeProfit > 0 && bar.High >= pos.TakeProfit {
			return pos.TakeProfit, StatusClosedTP
		}
		return 0, StatusOpen
	}
	if pos.StopLoss > 0 && bar.High >= pos.StopLoss {
		return pos.StopLoss, StatusClosedSL
	}
	if pos.TakeProfit > 0 && bar.Low <= pos.TakeProfit {
		return pos.TakeProfit, StatusClosedTP
	}
	return 0, StatusOpen
}

// closeAt closes pos at price with the given status. A broker failure leaves
// the position open and queues the close for retry on the next tick.
func (e *Executor) closeAt(ctx context.Context, pos *Position, price float64, status PositionStatus) *Position {
	var exit float64
	var err error
	if mc, ok := e.port.(MarketCloser); ok && price > 0 {
		exit, err = mc.CloseAt(ctx, pos.Ticket, price)
	} else {
		exit, err = e.port.Close(ctx, pos.Ticket)
	}
	if err != nil {
		e.log.Error().Err(err).Uint64("ticket", pos.Ticket).Str("status", string(status)).
			Msg("close failed, will retry")
		e.mu.Lock()
		e.failed[pos.Ticket] = status
		e.mu.Unlock()
		return nil
	}

	pnl := pos.PnLAt(exit)
	now := time.Now().UTC()

	e.mu.Lock()
	pos.Status = status
	pos.ExitPrice = &exit
	pos.RealizedPnL = &pnl
	pos.ClosedAt = &now
	pos.CurrentPrice = exit
	pos.UnrealizedPnL = 0
	delete(e.open, pos.Ticket)
	delete(e.failed, pos.Ticket)
	e.mu.Unlock()

	e.log.Info().Uint64("ticket", pos.Ticket).Str("status", string(status)).
		Float64("exit", exit).Float64("pnl", pnl).Msg("position closed")
	return pos
}

// retryFailed reattempts closes that errored on a previous tick and returns
// the ones that succeeded so they reach persistence.
func (e *Executor) retryFailed(ctx context.Context) []*Position {
	e.mu.Lock()
	pending := make(map[uint64]PositionStatus, len(e.failed))
	for t, s := range e.failed {
		pending[t] = s
	}
	e.mu.Unlock()

	var closed []*Position
	for ticket, status := range pending {
		e.mu.Lock()
		pos, ok := e.open[ticket]
		e.mu.Unlock()
		if !ok {
			e.mu.Lock()
			delete(e.failed, ticket)
			e.mu.Unlock()
			continue
		}
		if done := e.closeAt(ctx, pos, 0, status); done != nil {
			closed = append(closed, done)
		}
	}
	return closed
}

// Close exits one position at market with the given status.
func (e *Executor) Close(ctx context.Context, ticket uint64, status PositionStatus) (*Position, error) {
	e.mu.Lock()
	pos, ok := e.open[ticket]
	e.mu.Unlock()
	if !ok {
		return nil, ErrUnknownTicket
	}
	done := e.closeAt(ctx, pos, 0, status)
	if done == nil {
		return nil, fmt.Errorf("close ticket %d: broker call failed", ticket)
	}
	return done, nil
}

// CloseAll exits every open position, used on liquidating shutdown and
// force cleanup. It returns the positions that closed; tickets that failed
// stay queued for retry.
func (e *Executor) CloseAll(ctx context.Context, status PositionStatus) []*Position {
	e.mu.Lock()
	tickets := make([]uint64, 0, len(e.open))
	for t := range e.open {
		tickets = append(tickets, t)
	}
	e.mu.Unlock()
	sort.Slice(tickets, func(i, j int) bool { return tickets[i] < tickets[j] })

	var closed []*Position
	for _, ticket := range tickets {
		e.mu.Lock()
		pos, ok := e.open[ticket]
		e.mu.Unlock()
		if !ok {
			continue
		}
		if done := e.closeAt(ctx, pos, 0, status); done != nil {
			closed = append(closed, done)
		}
	}
	return closed
}

// Adopt inserts a position recovered from persistence or the broker after a
// restart.
func (e *Executor) Adopt(pos *Position) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos.Status = StatusOpen
	e.open[pos.Ticket] = pos
	e.log.Info().Uint64("ticket", pos.Ticket).Msg("position adopted into book")
}

// OpenPositions returns a snapshot of the live book ordered by ticket.
func (e *Executor) OpenPositions() []*Position {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*Position, 0, len(e.open))
	for _, pos := range e.open {
		cp := *pos
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out
}

// OpenCount returns the number of live positions.
func (e *Executor) OpenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.open)
}
