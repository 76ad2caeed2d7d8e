package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrParse marks a reply that neither the strict nor the permissive parser
// could turn into a decision.
var ErrParse = errors.New("unparseable AI response")

// Decision is the typed outcome of an AI validation call.
type Decision struct {
	Decision   string   `json:"decision"` // BUY, SELL or HOLD
	Confidence float64  `json:"confidence"`
	Entry      *float64 `json:"entry,omitempty"`
	StopLoss   *float64 `json:"stop_loss,omitempty"`
	TakeProfit *float64 `json:"take_profit,omitempty"`
	Reasoning  string   `json:"reasoning,omitempty"`
}

var codeBlockRe = regexp.MustCompile("(?s)^```(?:json)?\\s*\\n?(.*?)\\n?```$")

// stripCodeBlock removes markdown fencing that some models wrap JSON in.
func stripCodeBlock(response string) string {
	response = strings.TrimSpace(response)
	if matches := codeBlockRe.FindStringSubmatch(response); len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}
	return response
}

// ParseDecision turns a raw model reply into a Decision. The strict branch
// expects a JSON object; the permissive branch accepts tagged key/value text
// ("DECISION: BUY", "CONFIDENCE: 0.8"). Both produce the same typed result.
func ParseDecision(raw string) (*Decision, error) {
	cleaned := stripCodeBlock(raw)

	if d, err := parseStrict(cleaned); err == nil {
		return d, nil
	}
	if d, err := parseTagged(cleaned); err == nil {
		return d, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrParse, truncate(raw, 200))
}

func parseStrict(cleaned string) (*Decision, error) {
	// Tolerate prose around the object by extracting the outermost braces.
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object", ErrParse)
	}

	var d Decision
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return normalize(&d)
}

var taggedLineRe = regexp.MustCompile(`(?im)^\s*\*{0,2}(decision|confidence|entry|stop[_ ]?loss|take[_ ]?profit|reasoning)\*{0,2}\s*[:=]\s*(.+?)\s*$`)

func parseTagged(cleaned string) (*Decision, error) {
	matches := taggedLineRe.FindAllStringSubmatch(cleaned, -1)
	if len(matches) == 0 {
		return nil, ErrParse
	}

	d := &Decision{}
	seenDecision := false
	for _, m := range matches {
		key := strings.ToLower(strings.ReplaceAll(strings.ReplaceAll(m[1], " ", "_"), "-", "_"))
		value := strings.Trim(m[2], "*` ")
		switch key {
		case "decision":
			d.Decision = value
			seenDecision = true
		case "confidence":
			d.Confidence = parsePercentOrFraction(value)
		case "entry":
			d.Entry = parsePricePtr(value)
		case "stop_loss", "stoploss":
			d.StopLoss = parsePricePtr(value)
		case "take_profit", "takeprofit":
			d.TakeProfit = parsePricePtr(value)
		case "reasoning":
			d.Reasoning = value
		}
	}
	if !seenDecision {
		return nil, ErrParse
	}
	return normalize(d)
}

// normalize validates and canonicalizes a parsed decision.
func normalize(d *Decision) (*Decision, error) {
	decision := strings.ToUpper(strings.TrimSpace(d.Decision))
	switch decision {
	case "BUY", "LONG":
		d.Decision = "BUY"
	case "SELL", "SHORT":
		d.Decision = "SELL"
	case "HOLD", "WAIT", "NONE", "SKIP":
		d.Decision = "HOLD"
	default:
		return nil, fmt.Errorf("%w: unknown decision %q", ErrParse, d.Decision)
	}

	if d.Confidence < 0 {
		d.Confidence = 0
	}
	if d.Confidence > 1 {
		// Models occasionally answer in percent.
		if d.Confidence <= 100 {
			d.Confidence /= 100
		} else {
			d.Confidence = 1
		}
	}
	return d, nil
}

func parsePercentOrFraction(s string) float64 {
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func parsePricePtr(s string) *float64 {
	s = strings.TrimPrefix(strings.TrimSpace(s), "$")
	s = strings.ReplaceAll(s, ",", "")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return nil
	}
	return &v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
