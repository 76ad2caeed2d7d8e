package sizing

import (
	"errors"
	"math"
)

// Spot gold (XAU/USD) contract constants.
const (
	ContractSize   = 100.0 // ounces per 1.00 lot
	MinLot         = 0.01
	LotStep        = 0.01
	MaxLot         = 50.0
	Pip            = 0.01 // price increment
	PipValuePerLot = 10.0 // USD per pip per 1.00 lot
)

// ErrInvalidStop indicates a zero stop-loss distance.
var ErrInvalidStop = errors.New("invalid stop: entry equals stop loss")

// PositionSize is the result of sizing a trade under a risk budget. The actual
// figures are recomputed from the step-rounded lot.
type PositionSize struct {
	LotSize              float64 `json:"lot_size"`
	Ounces               float64 `json:"ounces"`
	RiskAmount           float64 `json:"risk_amount"`
	PipValue             float64 `json:"pip_value"`
	StopLossDistancePips float64 `json:"stop_loss_distance_pips"`
	PositionValue        float64 `json:"position_value"`
}

// Calculate sizes a position so the loss at the stop does not exceed the risk
// budget: min(balance * riskPercentage, maxRiskAmount). riskPercentage is a
// fraction (0.01 for 1%).
func Calculate(balance, riskPercentage, maxRiskAmount, entry, stopLoss float64) (*PositionSize, error) {
	stopDistance := math.Abs(entry - stopLoss)
	if stopDistance == 0 {
		return nil, ErrInvalidStop
	}

	riskAmount := balance * riskPercentage
	if riskAmount > maxRiskAmount {
		riskAmount = maxRiskAmount
	}

	// A lot that rounds below the minimum is reported as-is; callers reject
	// undersized positions rather than trade more risk than budgeted.
	ounces := riskAmount / stopDistance
	lot := roundToStep(ounces/ContractSize, LotStep)
	if lot > MaxLot {
		lot = MaxLot
	}

	actualOunces := lot * ContractSize
	return &PositionSize{
		LotSize:              lot,
		Ounces:               actualOunces,
		RiskAmount:           actualOunces * stopDistance,
		PipValue:             lot * PipValuePerLot,
		StopLossDistancePips: stopDistance / Pip,
		PositionValue:        actualOunces * entry,
	}, nil
}

func roundToStep(v, step float64) float64 {
	return math.Round(v/step) * step
}
