package events

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// collector gathers delivered events behind a mutex so tests can poll.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) sub(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *collector) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := c.snapshot(); len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, have %d", n, len(c.snapshot()))
	return nil
}

func TestBusDeliversByType(t *testing.T) {
	bus := NewBus(0, zerolog.Nop())
	bus.Start()
	defer bus.Stop()

	var trades, all collector
	bus.Subscribe(EventTrade, trades.sub)
	bus.SubscribeAll(all.sub)

	bus.PublishTradeOpened(1001, "BUY", 0.20, 2655.00)
	bus.PublishRiskBreach("Daily loss limit reached: $500.00")

	got := all.waitFor(t, 2)
	if got[0].Name != TradeOpened || got[1].Name != RiskBreach {
		t.Errorf("all-subscriber order = %s, %s", got[0].Name, got[1].Name)
	}
	if got[1].Severity != SeverityHigh {
		t.Errorf("risk breach severity = %s, want HIGH", got[1].Severity)
	}

	typed := trades.waitFor(t, 1)
	if len(typed) != 1 || typed[0].Name != TradeOpened {
		t.Errorf("typed subscriber got %v, want only the trade event", typed)
	}
}

func TestBusFillsDefaults(t *testing.T) {
	bus := NewBus(0, zerolog.Nop())
	bus.Start()
	defer bus.Stop()

	var all collector
	bus.SubscribeAll(all.sub)
	bus.Publish(Event{Type: EventInfo, Name: "PING"})

	got := all.waitFor(t, 1)
	if got[0].Timestamp.IsZero() {
		t.Error("timestamp not defaulted")
	}
	if got[0].Severity != SeverityLow {
		t.Errorf("severity = %s, want LOW default", got[0].Severity)
	}
}

func TestBusOverflowDropsOldest(t *testing.T) {
	// Not started: the queue only fills, so overflow is deterministic.
	bus := NewBus(2, zerolog.Nop())

	bus.Publish(Event{Type: EventInfo, Name: "FIRST"})
	bus.Publish(Event{Type: EventInfo, Name: "SECOND"})
	bus.Publish(Event{Type: EventInfo, Name: "THIRD"})

	if bus.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", bus.Dropped())
	}

	var all collector
	bus.SubscribeAll(all.sub)
	bus.Start()
	bus.Stop()

	got := all.snapshot()
	names := make([]string, len(got))
	for i, ev := range got {
		names[i] = ev.Name
	}
	if len(got) != 3 {
		t.Fatalf("delivered %v, want SECOND, overflow warning, THIRD", names)
	}
	if got[0].Name != "SECOND" {
		t.Errorf("first delivered = %s, want SECOND (FIRST dropped)", got[0].Name)
	}
	if got[1].Name != QueueOverflow {
		t.Errorf("second delivered = %s, want the overflow warning", got[1].Name)
	}
	if got[2].Name != "THIRD" {
		t.Errorf("third delivered = %s, want THIRD kept as newest", got[2].Name)
	}
}

func TestBusStopDrainsQueue(t *testing.T) {
	bus := NewBus(8, zerolog.Nop())
	var all collector
	bus.SubscribeAll(all.sub)

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: EventInfo, Name: "QUEUED"})
	}
	bus.Start()
	bus.Stop()

	if n := len(all.snapshot()); n != 5 {
		t.Errorf("delivered %d events, want all 5 drained on stop", n)
	}
}

func TestPublishTradeClosedSeverity(t *testing.T) {
	bus := NewBus(0, zerolog.Nop())
	bus.Start()
	defer bus.Stop()

	var all collector
	bus.SubscribeAll(all.sub)

	bus.PublishTradeClosed(1001, "CLOSED_TP", 2665.10, 202.00)
	bus.PublishTradeClosed(1002, "CLOSED_SL", 2649.95, -101.00)

	got := all.waitFor(t, 2)
	if got[0].Severity != SeverityMedium {
		t.Errorf("winning close severity = %s, want MEDIUM", got[0].Severity)
	}
	if got[1].Severity != SeverityHigh {
		t.Errorf("losing close severity = %s, want HIGH", got[1].Severity)
	}
}
