package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Port wraps the provider client with the operational policies the decision
// loop depends on: per-call timeout, response caching by prompt hash, bounded
// retries on transient failures, a requests-per-minute budget, and a circuit
// breaker so a dead AI service fails fast instead of eating the tick budget.
type Port struct {
	client  *Client
	cache   DecisionCache
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	cfg     PortConfig
	log     zerolog.Logger
}

// PortConfig holds the operational policy knobs.
type PortConfig struct {
	Timeout           time.Duration // per attempt
	CacheTTL          time.Duration
	RequestsPerMinute int
	MaxRetries        int
	RetryDelay        time.Duration
}

// DefaultPortConfig returns the defaults from the configuration contract.
func DefaultPortConfig() PortConfig {
	return PortConfig{
		Timeout:           20 * time.Second,
		CacheTTL:          300 * time.Second,
		RequestsPerMinute: 60,
		MaxRetries:        3,
		RetryDelay:        time.Second,
	}
}

// NewPort creates an AI port around client using cache.
func NewPort(client *Client, cache DecisionCache, cfg PortConfig, log zerolog.Logger) *Port {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 300 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ai-port",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("AI circuit breaker state change")
		},
	})

	return &Port{
		client:  client,
		cache:   cache,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute),
		breaker: breaker,
		cfg:     cfg,
		log:     log.With().Str("component", "ai_port").Logger(),
	}
}

// Validate sends the prompt to the AI and returns the parsed decision.
// Identical prompts within the cache TTL return the cached decision without a
// network call. Transient failures are retried up to MaxRetries with a fixed
// base delay; a final failure is reported as ErrTransient (retryable by the
// next tick) or ErrPermanent.
func (p *Port) Validate(ctx context.Context, systemPrompt, userPrompt string) (*Decision, error) {
	key := PromptKey(systemPrompt + "\n" + userPrompt)
	if d, ok := p.cache.Get(ctx, key); ok {
		p.log.Debug().Str("key", key[:24]).Msg("AI decision served from cache")
		return d, nil
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %v", ErrTransient, err)
	}

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		decision, err := p.attempt(ctx, systemPrompt, userPrompt)
		if err == nil {
			p.cache.Set(ctx, key, decision, p.cfg.CacheTTL)
			return decision, nil
		}
		lastErr = err

		if errors.Is(err, ErrPermanent) || ctx.Err() != nil {
			break
		}
		p.log.Warn().Err(err).Int("attempt", attempt).Msg("AI call failed, retrying")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrTransient, ctx.Err())
		case <-time.After(p.cfg.RetryDelay):
		}
	}
	return nil, lastErr
}

// attempt makes one bounded call through the breaker and parses the reply.
// Parse failures count as transient so malformed replies get retried.
func (p *Port) attempt(ctx context.Context, systemPrompt, userPrompt string) (*Decision, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	result, err := p.breaker.Execute(func() (interface{}, error) {
		raw, err := p.client.Complete(callCtx, systemPrompt, userPrompt)
		if err != nil {
			return nil, err
		}
		decision, err := ParseDecision(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return decision, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return nil, err
	}
	return result.(*Decision), nil
}
