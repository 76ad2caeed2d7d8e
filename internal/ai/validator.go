package ai

import (
	"context"

	"github.com/rs/zerolog"

	"gold-trading-bot/internal/signal"
)

// ValidatorConfig carries the tunable adjustment constants. The defaults
// match the historically used values.
type ValidatorConfig struct {
	ConfidenceBoost   float64 // added when the AI corroborates
	ConfidencePenalty float64 // subtracted when the AI says HOLD
	DemoteThreshold   float64 // below this a penalized signal becomes HOLD
}

// DefaultValidatorConfig returns the standard adjustment constants.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		ConfidenceBoost:   0.20,
		ConfidencePenalty: 0.30,
		DemoteThreshold:   0.30,
	}
}

// Validator is the second-opinion gate. It may corroborate, weaken, or veto a
// non-HOLD signal; it never promotes HOLD to BUY or SELL, and an AI outage
// never blocks trading.
type Validator struct {
	port *Port
	cfg  ValidatorConfig
	log  zerolog.Logger
}

// NewValidator creates a validator over port.
func NewValidator(port *Port, cfg ValidatorConfig, log zerolog.Logger) *Validator {
	return &Validator{
		port: port,
		cfg:  cfg,
		log:  log.With().Str("component", "ai_validator").Logger(),
	}
}

// Validate consults the AI about a non-HOLD signal and applies the adjustment
// rules in place. HOLD signals pass through untouched. On any port failure
// the signal proceeds technical-only: ai_validated=false, confidence
// unchanged, reason appended.
func (v *Validator) Validate(ctx context.Context, sig *signal.Signal, pc PromptContext) *signal.Signal {
	if !sig.IsActionable() {
		return sig
	}

	pc.Signal = sig
	prompt := BuildValidationPrompt(pc)

	decision, err := v.port.Validate(ctx, SystemPromptValidation, prompt)
	if err != nil {
		v.log.Warn().Err(err).Msg("AI validation unavailable, proceeding technical-only")
		validated := false
		sig.AIValidated = &validated
		sig.Reasons = append(sig.Reasons, "AI unavailable, technical signal only")
		return sig
	}

	aiConfidence := decision.Confidence
	sig.AIConfidence = &aiConfidence

	if decision.Decision != string(signal.DirectionHold) {
		validated := true
		sig.AIValidated = &validated
		sig.Confidence = min1(sig.Confidence + v.cfg.ConfidenceBoost)
		sig.Reasons = append(sig.Reasons, "AI corroborated: "+decision.Reasoning)
		return sig
	}

	validated := false
	sig.AIValidated = &validated
	sig.Confidence = sig.Confidence - v.cfg.ConfidencePenalty
	if sig.Confidence < 0 {
		sig.Confidence = 0
	}
	if sig.Confidence < v.cfg.DemoteThreshold {
		sig.Direction = signal.DirectionHold
		sig.LotSize = 0
		sig.Reasons = append(sig.Reasons, "AI validation failed")
	} else {
		sig.Reasons = append(sig.Reasons, "AI advised caution: "+decision.Reasoning)
	}
	return sig
}

func min1(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	return v
}
