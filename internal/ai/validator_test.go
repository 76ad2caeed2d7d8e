package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gold-trading-bot/internal/signal"
	"gold-trading-bot/internal/smc"
)

// geminiStub serves canned gemini-shaped replies.
func geminiStub(t *testing.T, reply string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status >= 400 {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error": {"code": `+fmt.Sprint(status)+`, "message": "stubbed failure"}}`)
			return
		}
		resp := map[string]interface{}{
			"candidates": []map[string]interface{}{
				{"content": map[string]interface{}{
					"role":  "model",
					"parts": []map[string]string{{"text": reply}},
				}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func testPort(baseURL string) *Port {
	client := NewClient(&ClientConfig{
		Provider: ProviderGemini,
		APIKey:   "test-key",
		Model:    "gemini-2.0-flash",
		BaseURL:  baseURL,
		Timeout:  2 * time.Second,
	})
	return NewPort(client, NewMemoryCache(), PortConfig{
		Timeout:           2 * time.Second,
		CacheTTL:          time.Minute,
		RequestsPerMinute: 600,
		MaxRetries:        2,
		RetryDelay:        10 * time.Millisecond,
	}, zerolog.Nop())
}

func testPromptContext() PromptContext {
	return PromptContext{
		Symbol: "XAUUSD", Timeframe: "M5", Session: "NEW_YORK",
		CurrentPrice: 2656.00, Balance: 10000, RiskPercentage: 0.01,
		Analysis: &smc.Analysis{
			Trend:        smc.DirectionBullish,
			SetupQuality: 7,
			BOS:          smc.BOSFinding{Detected: true, Direction: smc.DirectionBullish, BreakPrice: 2672, Strength: 7},
		},
	}
}

func actionableSignal() *signal.Signal {
	return &signal.Signal{
		Direction:       signal.DirectionBuy,
		Confidence:      0.70,
		Entry:           2655.00,
		StopLoss:        2649.95,
		TakeProfit:      2665.10,
		RiskRewardRatio: 2.0,
		LotSize:         0.20,
		SetupQuality:    7,
	}
}

func TestValidateCorroborationBoost(t *testing.T) {
	srv := geminiStub(t, `{"decision": "BUY", "confidence": 0.8, "reasoning": "structure agrees"}`, 200)
	defer srv.Close()

	v := NewValidator(testPort(srv.URL), DefaultValidatorConfig(), zerolog.Nop())
	sig := v.Validate(context.Background(), actionableSignal(), testPromptContext())

	if sig.AIValidated == nil || !*sig.AIValidated {
		t.Fatal("signal not marked AI validated")
	}
	if math.Abs(sig.Confidence-0.90) > 1e-9 {
		t.Errorf("confidence = %.2f, want 0.70 + 0.20 boost", sig.Confidence)
	}
	if sig.AIConfidence == nil || *sig.AIConfidence != 0.8 {
		t.Errorf("ai confidence = %v, want 0.8 recorded", sig.AIConfidence)
	}
	if sig.Direction != signal.DirectionBuy {
		t.Errorf("direction = %s, want BUY kept", sig.Direction)
	}
}

func TestValidateHoldPenaltyKeepsSignal(t *testing.T) {
	srv := geminiStub(t, `{"decision": "HOLD", "confidence": 0.6, "reasoning": "choppy session"}`, 200)
	defer srv.Close()

	v := NewValidator(testPort(srv.URL), DefaultValidatorConfig(), zerolog.Nop())
	sig := actionableSignal() // 0.70 - 0.30 = 0.40, above the demote threshold
	sig = v.Validate(context.Background(), sig, testPromptContext())

	if sig.Direction != signal.DirectionBuy {
		t.Fatalf("direction = %s, want BUY kept above threshold", sig.Direction)
	}
	if math.Abs(sig.Confidence-0.40) > 1e-9 {
		t.Errorf("confidence = %.2f, want 0.40", sig.Confidence)
	}
	if sig.AIValidated == nil || *sig.AIValidated {
		t.Error("signal should be marked not validated")
	}
}

func TestValidateHoldPenaltyDemotes(t *testing.T) {
	srv := geminiStub(t, `{"decision": "HOLD", "confidence": 0.9, "reasoning": "no edge"}`, 200)
	defer srv.Close()

	v := NewValidator(testPort(srv.URL), DefaultValidatorConfig(), zerolog.Nop())
	sig := actionableSignal()
	sig.Confidence = 0.55 // 0.55 - 0.30 = 0.25, below 0.30
	sig = v.Validate(context.Background(), sig, testPromptContext())

	if sig.Direction != signal.DirectionHold {
		t.Fatalf("direction = %s, want demoted to HOLD", sig.Direction)
	}
	if sig.LotSize != 0 {
		t.Errorf("lot size = %.2f, want zeroed on demotion", sig.LotSize)
	}
	if !hasReason(sig.Reasons, "AI validation failed") {
		t.Errorf("reasons %v missing demotion marker", sig.Reasons)
	}
}

func TestValidateOutageFallsBackTechnicalOnly(t *testing.T) {
	srv := geminiStub(t, "", http.StatusInternalServerError)
	defer srv.Close()

	v := NewValidator(testPort(srv.URL), DefaultValidatorConfig(), zerolog.Nop())
	sig := v.Validate(context.Background(), actionableSignal(), testPromptContext())

	if sig.Direction != signal.DirectionBuy {
		t.Fatalf("direction = %s, want BUY preserved through outage", sig.Direction)
	}
	if math.Abs(sig.Confidence-0.70) > 1e-9 {
		t.Errorf("confidence = %.2f, want unchanged", sig.Confidence)
	}
	if sig.AIValidated == nil || *sig.AIValidated {
		t.Error("ai_validated should be false on outage")
	}
	if !hasReason(sig.Reasons, "AI unavailable, technical signal only") {
		t.Errorf("reasons %v missing fallback marker", sig.Reasons)
	}
}

func TestValidateHoldSignalPassesThrough(t *testing.T) {
	// No server: a HOLD signal must never reach the AI.
	v := NewValidator(testPort("http://127.0.0.1:1"), DefaultValidatorConfig(), zerolog.Nop())
	sig := &signal.Signal{Direction: signal.DirectionHold, Reasons: []string{"no break of structure"}}
	out := v.Validate(context.Background(), sig, testPromptContext())

	if out.Direction != signal.DirectionHold || out.AIValidated != nil {
		t.Errorf("HOLD signal modified: %s, %v", out.Direction, out.AIValidated)
	}
}

func TestPortCachesByPromptHash(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"candidates": []map[string]interface{}{
				{"content": map[string]interface{}{
					"parts": []map[string]string{{"text": `{"decision": "BUY", "confidence": 0.8}`}},
				}},
			},
		})
	}))
	defer srv.Close()

	port := testPort(srv.URL)
	for i := 0; i < 3; i++ {
		if _, err := port.Validate(context.Background(), "system", "same prompt"); err != nil {
			t.Fatalf("Validate: %v", err)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("backend calls = %d, want 1 with cache hits after", calls.Load())
	}
}

func TestPortRetriesTransient(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"candidates": []map[string]interface{}{
				{"content": map[string]interface{}{
					"parts": []map[string]string{{"text": `{"decision": "SELL", "confidence": 0.6}`}},
				}},
			},
		})
	}))
	defer srv.Close()

	d, err := testPort(srv.URL).Validate(context.Background(), "system", "retry prompt")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if d.Decision != "SELL" {
		t.Errorf("decision = %s after retry", d.Decision)
	}
	if calls.Load() != 2 {
		t.Errorf("backend calls = %d, want 2", calls.Load())
	}
}

func hasReason(reasons []string, substr string) bool {
	for _, r := range reasons {
		if strings.Contains(r, substr) {
			return true
		}
	}
	return false
}

func TestPortPermanentErrorNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := testPort(srv.URL).Validate(context.Background(), "system", "auth prompt")
	if err == nil {
		t.Fatal("expected an error")
	}
	if calls.Load() != 1 {
		t.Errorf("backend calls = %d, want no retry on auth failure", calls.Load())
	}
}
