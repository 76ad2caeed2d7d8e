package market

import (
	"context"
	"errors"
	"fmt"
)

// MinAnalysisBars is the minimum series length the analyzer accepts.
const MinAnalysisBars = 50

// ErrInvalidSeries indicates a malformed bar series: empty, non-monotonic
// times, or missing OHLC values.
var ErrInvalidSeries = errors.New("invalid bar series")

// DataSource produces OHLCV bars on demand for a symbol and timeframe.
type DataSource interface {
	// Bars returns up to count bars sorted ascending by time, ending at the
	// most recent completed bar.
	Bars(ctx context.Context, symbol Symbol, tf Timeframe, count int) ([]Bar, error)
}

// ValidateSeries checks that a bar series is usable for analysis: non-empty,
// strictly increasing times, and fully populated OHLC. Gaps are permitted.
func ValidateSeries(bars []Bar) error {
	if len(bars) == 0 {
		return fmt.Errorf("%w: empty series", ErrInvalidSeries)
	}
	for i, b := range bars {
		if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
			return fmt.Errorf("%w: bar %d has missing OHLC", ErrInvalidSeries, i)
		}
		if b.High < b.Low {
			return fmt.Errorf("%w: bar %d has high < low", ErrInvalidSeries, i)
		}
		if i > 0 && !bars[i-1].Time.Before(b.Time) {
			return fmt.Errorf("%w: bar %d time not increasing", ErrInvalidSeries, i)
		}
	}
	return nil
}
