// Copyright 2025 James Ross
// Package adapters is the External Adapters boundary: thin HTTP clients
// for the LLM endpoint, the hybrid search index, the taxonomic search
// index, and PubMed — every one of them an explicit non-goal to *own*,
// only to *reach*. Nothing here does retrieval or language modeling; it
// transports requests and reshapes responses into the contracts
// internal/stagedriver and internal/stages expect.
package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// LLMFormat selects the chat-completion wire shape.
type LLMFormat string

const (
	FormatOllama LLMFormat = "ollama"
	FormatOpenAI LLMFormat = "openai"
)

// LLMConfig configures one LLM endpoint client.
type LLMConfig struct {
	APIKey      string
	URL         string
	ModelName   string
	Format      LLMFormat
	RemoveThink bool
	Temperature *float64
	ProxyURL    string
	// RateLimit bounds client-side request pacing ahead of the shared
	// cross-process internal/ratelimit acquire; zero disables pacing.
	RateLimit rate.Limit
	Timeout   time.Duration
}

// LLMClient is a single chat-completion endpoint handle. It satisfies
// internal/stagedriver.LLM by structure.
type LLMClient struct {
	cfg     LLMConfig
	http    *http.Client
	limiter *rate.Limiter
}

// NewLLMClient builds a client for one configured endpoint.
func NewLLMClient(cfg LLMConfig) *LLMClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Format == "" {
		cfg.Format = FormatOllama
	}
	transport := http.DefaultTransport
	if cfg.ProxyURL != "" {
		if u, err := url.Parse(cfg.ProxyURL); err == nil {
			transport = &http.Transport{Proxy: http.ProxyURL(u)}
		}
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(cfg.RateLimit, 1)
	}
	return &LLMClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout, Transport: transport},
		limiter: limiter,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type ollamaResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Query sends one non-streamed chat completion and returns the model's
// text response, with any <think>...</think> segment stripped when
// RemoveThink is set.
func (c *LLMClient) Query(ctx context.Context, prompt string) (string, error) {
	return c.QueryWithSystem(ctx, prompt, "")
}

// QueryWithSystem is Query with an explicit system prompt.
func (c *LLMClient) QueryWithSystem(ctx context.Context, prompt, systemPrompt string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	body := chatRequest{
		Model: c.cfg.ModelName,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Stream:      false,
		Temperature: c.cfg.Temperature,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("adapters: encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("adapters: build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("adapters: chat request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("adapters: read chat response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("adapters: chat endpoint returned status %d: %s", resp.StatusCode, truncate(string(raw), 500))
	}

	var text string
	switch c.cfg.Format {
	case FormatOpenAI:
		var out openAIResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", fmt.Errorf("adapters: decode openai response: %w", err)
		}
		if len(out.Choices) > 0 {
			text = out.Choices[0].Message.Content
		}
	default:
		var out ollamaResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", fmt.Errorf("adapters: decode ollama response: %w", err)
		}
		text = out.Message.Content
	}

	if c.cfg.RemoveThink {
		text = removeThink(text)
	}
	return text, nil
}

// removeThink strips a single <think>...</think> segment, mirroring the
// reference client's string-search (not regex) approach. An unterminated
// <think> drops everything from the tag to the end of the text.
func removeThink(text string) string {
	const startTag, endTag = "<think>", "</think>"
	start := strings.Index(text, startTag)
	if start == -1 {
		return strings.TrimSpace(text)
	}
	end := strings.Index(text[start+len(startTag):], endTag)
	if end == -1 {
		return strings.TrimSpace(text[:start])
	}
	end += start + len(startTag)
	return strings.TrimSpace(text[:start] + text[end+len(endTag):])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
