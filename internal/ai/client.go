package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Provider selects the generative-AI backend.
type Provider string

const (
	ProviderGemini Provider = "gemini"
	ProviderOpenAI Provider = "openai"
)

// ErrTransient marks failures worth retrying: network errors, timeouts,
// rate limiting, 5xx replies.
var ErrTransient = errors.New("transient AI error")

// ErrPermanent marks failures that retrying cannot fix (auth, forbidden).
var ErrPermanent = errors.New("permanent AI error")

// ClientConfig holds the provider HTTP client configuration.
type ClientConfig struct {
	Provider    Provider      `json:"provider"`
	APIKey      string        `json:"api_key"`
	Model       string        `json:"model"`
	BaseURL     string        `json:"base_url"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Timeout     time.Duration `json:"timeout"`
}

// DefaultClientConfig returns the default Gemini configuration.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Provider:    ProviderGemini,
		Model:       "gemini-2.0-flash",
		MaxTokens:   1024,
		Temperature: 0.3,
		Timeout:     20 * time.Second,
	}
}

// Client is the generative-AI HTTP client.
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
}

// NewClient creates a new AI client.
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// IsConfigured checks whether an API key is present.
func (c *Client) IsConfigured() bool {
	return c.config.APIKey != ""
}

// Complete sends a completion request and returns the raw text reply.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	switch c.config.Provider {
	case ProviderGemini:
		return c.completeGemini(ctx, systemPrompt, userPrompt)
	case ProviderOpenAI:
		return c.completeOpenAI(ctx, systemPrompt, userPrompt)
	default:
		return "", fmt.Errorf("%w: unsupported provider %q", ErrPermanent, c.config.Provider)
	}
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"system_instruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  struct {
		Temperature     float64 `json:"temperature,omitempty"`
		MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

func (c *Client) completeGemini(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	req := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: userPrompt}}},
		},
	}
	if systemPrompt != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: systemPrompt}}}
	}
	req.GenerationConfig.Temperature = c.config.Temperature
	req.GenerationConfig.MaxOutputTokens = c.config.MaxTokens

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	baseURL := c.config.BaseURL
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	url := fmt.Sprintf("%s/models/%s:generateContent", baseURL, c.config.Model)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.config.APIKey)

	respBody, err := c.do(httpReq)
	if err != nil {
		return "", err
	}

	var geminiResp geminiResponse
	if err := json.Unmarshal(respBody, &geminiResp); err != nil {
		return "", fmt.Errorf("%w: failed to unmarshal response: %v", ErrTransient, err)
	}
	if geminiResp.Error != nil {
		return "", apiError(geminiResp.Error.Code, geminiResp.Error.Message)
	}
	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("%w: empty response from Gemini", ErrTransient)
	}
	return geminiResp.Candidates[0].Content.Parts[0].Text, nil
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

func (c *Client) completeOpenAI(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	req := openAIRequest{
		Model: c.config.Model,
		Messages: []openAIMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	baseURL := c.config.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	respBody, err := c.do(httpReq)
	if err != nil {
		return "", err
	}

	var openAIResp openAIResponse
	if err := json.Unmarshal(respBody, &openAIResp); err != nil {
		return "", fmt.Errorf("%w: failed to unmarshal response: %v", ErrTransient, err)
	}
	if openAIResp.Error != nil {
		return "", fmt.Errorf("%w: %s - %s", ErrPermanent, openAIResp.Error.Type, openAIResp.Error.Message)
	}
	if len(openAIResp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty response", ErrTransient)
	}
	return openAIResp.Choices[0].Message.Content, nil
}

// do executes the request and classifies HTTP-level failures.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrTransient, err)
	}
	if resp.StatusCode >= 400 {
		return nil, apiError(resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

func apiError(code int, message string) error {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", ErrPermanent, code, message)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrTransient, code, message)
	}
}
