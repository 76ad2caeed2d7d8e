package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"gold-trading-bot/internal/events"
)

// Notification is one outbound message.
type Notification struct {
	Title     string
	Message   string
	Severity  events.Severity
	Timestamp time.Time
}

// Notifier delivers notifications to one channel.
type Notifier interface {
	Send(n *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans notifications out to the configured providers and bridges
// bus events into messages.
type Manager struct {
	notifiers []Notifier
	minLevel  events.Severity
	log       zerolog.Logger
}

// NewManager creates a manager that forwards events at or above minLevel.
func NewManager(minLevel events.Severity, log zerolog.Logger) *Manager {
	if minLevel == "" {
		minLevel = events.SeverityMedium
	}
	return &Manager{
		minLevel: minLevel,
		log:      log.With().Str("component", "notification").Logger(),
	}
}

// AddNotifier registers a provider.
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
	m.log.Info().Str("provider", n.Name()).Bool("enabled", n.IsEnabled()).Msg("notifier registered")
}

// AttachBus subscribes the manager to every bus event.
func (m *Manager) AttachBus(bus *events.Bus) {
	bus.SubscribeAll(m.handleEvent)
}

// Send pushes a notification to all enabled providers. Provider failures
// are logged, not returned: a dead webhook must never stall trading.
func (m *Manager) Send(n *Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	for _, p := range m.notifiers {
		if !p.IsEnabled() {
			continue
		}
		go func(p Notifier) {
			if err := p.Send(n); err != nil {
				m.log.Warn().Err(err).Str("provider", p.Name()).Msg("notification delivery failed")
			}
		}(p)
	}
}

var severityRank = map[events.Severity]int{
	events.SeverityLow:      0,
	events.SeverityMedium:   1,
	events.SeverityHigh:     2,
	events.SeverityCritical: 3,
}

func (m *Manager) handleEvent(ev events.Event) {
	if severityRank[ev.Severity] < severityRank[m.minLevel] {
		return
	}
	m.Send(&Notification{
		Title:     titleFor(ev),
		Message:   renderEvent(ev),
		Severity:  ev.Severity,
		Timestamp: ev.Timestamp,
	})
}

func titleFor(ev events.Event) string {
	switch ev.Name {
	case events.TradeOpened:
		return "Trade Opened: XAU/USD"
	case events.TradeClosed:
		if pnl, ok := ev.Data["pnl"].(float64); ok && pnl < 0 {
			return "Trade Closed (loss): XAU/USD"
		}
		return "Trade Closed: XAU/USD"
	case events.RiskBreach:
		return "Risk Limit Breach"
	case events.DaemonStarted:
		return "Bot Started"
	case events.DaemonStopped:
		return "Bot Stopped"
	case events.ConnectivityLost:
		return "Connectivity Lost"
	case events.ConnectivityRestored:
		return "Connectivity Restored"
	default:
		return fmt.Sprintf("%s: %s", ev.Type, ev.Name)
	}
}

func renderEvent(ev events.Event) string {
	switch ev.Name {
	case events.TradeOpened:
		return fmt.Sprintf("%v %v lots @ %.2f",
			ev.Data["direction"], ev.Data["lot_size"], num(ev.Data["entry_price"]))
	case events.TradeClosed:
		return fmt.Sprintf("Exit %.2f (%v)\nP&L: $%.2f",
			num(ev.Data["exit_price"]), ev.Data["status"], num(ev.Data["pnl"]))
	default:
		return ev.Message
	}
}

func num(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

// Telegram delivers through the Telegram bot API.
type Telegram struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// TelegramConfig holds Telegram credentials.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
}

// NewTelegram creates a Telegram notifier. It stays disabled without
// credentials.
func NewTelegram(cfg TelegramConfig) *Telegram {
	return &Telegram{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *Telegram) Name() string    { return "telegram" }
func (t *Telegram) IsEnabled() bool { return t.enabled }

func (t *Telegram) Send(n *Notification) error {
	if !t.enabled {
		return nil
	}
	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n\n%s", n.Title, n.Message),
		"parse_mode": "Markdown",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// Discord delivers through a Discord webhook.
type Discord struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds the webhook endpoint.
type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

// NewDiscord creates a Discord notifier.
func NewDiscord(cfg DiscordConfig) *Discord {
	return &Discord{
		webhookURL: cfg.WebhookURL,
		enabled:    cfg.Enabled && cfg.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *Discord) Name() string    { return "discord" }
func (d *Discord) IsEnabled() bool { return d.enabled }

func (d *Discord) Send(n *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x2ECC71
	switch n.Severity {
	case events.SeverityHigh:
		color = 0xE67E22
	case events.SeverityCritical:
		color = 0xE74C3C
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{{
			"title":       n.Title,
			"description": n.Message,
			"color":       color,
			"timestamp":   n.Timestamp.Format(time.RFC3339),
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}
	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("send discord message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}
	return nil
}
