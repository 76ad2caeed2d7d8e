package market

import "time"

// Session names the trading session a UTC instant falls into.
type Session string

const (
	SessionAsian    Session = "ASIAN"
	SessionLondon   Session = "LONDON"
	SessionNewYork  Session = "NEW_YORK"
	SessionOffHours Session = "OFF_HOURS"
)

// CurrentSession maps a UTC instant to its trading session:
// Asian 22:00-07:00, London 07:00-10:00, New York 13:30-16:00.
func CurrentSession(now time.Time) Session {
	now = now.UTC()
	minutes := now.Hour()*60 + now.Minute()

	switch {
	case minutes >= 22*60 || minutes < 7*60:
		return SessionAsian
	case minutes < 10*60:
		return SessionLondon
	case minutes >= 13*60+30 && minutes < 16*60:
		return SessionNewYork
	default:
		return SessionOffHours
	}
}

// IsMarketOpen reports whether spot gold trades at the given UTC instant.
// The market is closed all Saturday, from Friday 22:00, and until Sunday
// 22:00.
func IsMarketOpen(now time.Time) bool {
	now = now.UTC()
	switch now.Weekday() {
	case time.Saturday:
		return false
	case time.Friday:
		return now.Hour() < 22
	case time.Sunday:
		return now.Hour() >= 22
	default:
		return true
	}
}
