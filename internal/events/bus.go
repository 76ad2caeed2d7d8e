package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Type classifies system events.
type Type string

const (
	EventTrade     Type = "TRADE"
	EventSignal    Type = "SIGNAL"
	EventError     Type = "ERROR"
	EventWarning   Type = "WARNING"
	EventInfo      Type = "INFO"
	EventLifecycle Type = "LIFECYCLE"
)

// Severity grades how urgent an event is.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Well known event names carried in Event.Name.
const (
	TradeOpened          = "TRADE_OPENED"
	TradeClosed          = "TRADE_CLOSED"
	SignalGenerated      = "SIGNAL_GENERATED"
	SignalRejected       = "SIGNAL_REJECTED"
	DaemonStarted        = "DAEMON_STARTED"
	DaemonStopped        = "DAEMON_STOPPED"
	DaemonHeartbeat      = "DAEMON_HEARTBEAT"
	RiskBreach           = "RISK_BREACH"
	StateReconciliation  = "STATE_RECONCILIATION"
	ConnectivityLost     = "CONNECTIVITY_LOST"
	ConnectivityRestored = "CONNECTIVITY_RESTORED"
	QueueOverflow        = "QUEUE_OVERFLOW"
)

// Event is one system occurrence.
type Event struct {
	Type      Type                   `json:"type"`
	Name      string                 `json:"name"`
	Severity  Severity               `json:"severity"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Subscriber handles events. Subscribers run on the bus dispatch goroutine
// and must not block.
type Subscriber func(Event)

const defaultQueueSize = 256

// Bus fans events out to subscribers through a bounded queue. When the
// queue fills the oldest event is dropped and a WARNING is emitted in its
// place.
type Bus struct {
	mu      sync.RWMutex
	byType  map[Type][]Subscriber
	allSubs []Subscriber

	queue    chan Event
	stop     chan struct{}
	wg       sync.WaitGroup
	dropped  atomic.Int64
	overflow atomic.Bool
	log      zerolog.Logger
}

// NewBus creates a bus with the given queue capacity (0 means default).
func NewBus(queueSize int, log zerolog.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Bus{
		byType: make(map[Type][]Subscriber),
		queue:  make(chan Event, queueSize),
		stop:   make(chan struct{}),
		log:    log.With().Str("component", "event_bus").Logger(),
	}
}

// Start launches the dispatch loop.
func (b *Bus) Start() {
	b.wg.Add(1)
	go b.dispatch()
}

// Stop drains remaining events and stops dispatch.
func (b *Bus) Stop() {
	close(b.stop)
	b.wg.Wait()
}

// Subscribe registers a subscriber for one event type.
func (b *Bus) Subscribe(t Type, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byType[t] = append(b.byType[t], sub)
}

// SubscribeAll registers a subscriber for every event.
func (b *Bus) SubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, sub)
}

// Publish enqueues an event. A full queue drops its oldest entry to make
// room and replaces it with an overflow warning.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityLow
	}

	select {
	case b.queue <- event:
		return
	default:
	}

	// Queue full: drop the oldest to keep the newest. The dispatcher emits
	// the overflow warning so it never competes for queue space.
	select {
	case old := <-b.queue:
		n := b.dropped.Add(1)
		b.overflow.Store(true)
		b.log.Warn().Str("dropped", old.Name).Int64("total_dropped", n).Msg("event queue full, dropped oldest")
	default:
	}

	select {
	case b.queue <- event:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns the number of events lost to overflow.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bus) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case ev := <-b.queue:
			b.deliver(ev)
		case <-b.stop:
			for {
				select {
				case ev := <-b.queue:
					b.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(ev Event) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.byType[ev.Type]...)
	subs = append(subs, b.allSubs...)
	b.mu.RUnlock()

	for _, sub := range subs {
		sub(ev)
	}

	if b.overflow.CompareAndSwap(true, false) {
		b.deliver(Event{
			Type:      EventWarning,
			Name:      QueueOverflow,
			Severity:  SeverityMedium,
			Message:   "event queue overflow, oldest event dropped",
			Timestamp: time.Now().UTC(),
			Data:      map[string]interface{}{"total_dropped": b.dropped.Load()},
		})
	}
}

// PublishTradeOpened publishes a trade opened event.
func (b *Bus) PublishTradeOpened(ticket uint64, direction string, lot, entry float64) {
	b.Publish(Event{
		Type: EventTrade, Name: TradeOpened, Severity: SeverityMedium,
		Message: "position opened",
		Data: map[string]interface{}{
			"ticket": ticket, "direction": direction, "lot_size": lot, "entry_price": entry,
		},
	})
}

// PublishTradeClosed publishes a trade closed event.
func (b *Bus) PublishTradeClosed(ticket uint64, status string, exit, pnl float64) {
	sev := SeverityMedium
	if pnl < 0 {
		sev = SeverityHigh
	}
	b.Publish(Event{
		Type: EventTrade, Name: TradeClosed, Severity: sev,
		Message: "position closed",
		Data: map[string]interface{}{
			"ticket": ticket, "status": status, "exit_price": exit, "pnl": pnl,
		},
	})
}

// PublishSignalRejected publishes a risk-gate rejection.
func (b *Bus) PublishSignalRejected(direction string, reasons []string) {
	b.Publish(Event{
		Type: EventSignal, Name: SignalRejected, Severity: SeverityLow,
		Message: "signal rejected by risk gate",
		Data:    map[string]interface{}{"direction": direction, "reasons": reasons},
	})
}

// PublishRiskBreach publishes a hard risk limit breach.
func (b *Bus) PublishRiskBreach(reason string) {
	b.Publish(Event{
		Type: EventError, Name: RiskBreach, Severity: SeverityHigh,
		Message: reason,
	})
}

// PublishLifecycle publishes a daemon lifecycle event.
func (b *Bus) PublishLifecycle(name, message string, data map[string]interface{}) {
	b.Publish(Event{
		Type: EventLifecycle, Name: name, Severity: SeverityMedium,
		Message: message, Data: data,
	})
}

// PublishError publishes an error event.
func (b *Bus) PublishError(source string, err error) {
	b.Publish(Event{
		Type: EventError, Name: "ERROR", Severity: SeverityHigh,
		Message: err.Error(),
		Data:    map[string]interface{}{"source": source},
	})
}
