package sentiment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// SearchLLMConfig configures the primary backend: an online-search LLM that
// answers with a score and a short summary.
type SearchLLMConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// SearchLLMBackend queries an online-search chat completion API for current
// sentiment on a symbol.
type SearchLLMBackend struct {
	cfg        SearchLLMConfig
	httpClient *http.Client
}

// NewSearchLLMBackend creates the primary sentiment backend.
func NewSearchLLMBackend(cfg SearchLLMConfig) *SearchLLMBackend {
	return &SearchLLMBackend{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (b *SearchLLMBackend) Name() string { return "search-llm" }

// Fetch asks the model for a sentiment read on the symbol's base asset.
func (b *SearchLLMBackend) Fetch(ctx context.Context, symbol string) (*Fetched, error) {
	if b.cfg.APIKey == "" {
		return nil, fmt.Errorf("sentiment API key not configured")
	}

	asset := baseAsset(symbol)
	payload := map[string]interface{}{
		"model": b.cfg.Model,
		"messages": []map[string]string{
			{
				"role":    "system",
				"content": "You are a financial analyst. Analyze sentiment concisely with a score from -1 (very bearish) to +1 (very bullish) and brief reasoning.",
			},
			{
				"role": "user",
				"content": fmt.Sprintf(
					"Analyze current market sentiment for %s cryptocurrency. Provide: 1) sentiment score from -1 (bearish) to +1 (bullish), 2) brief summary of recent news/developments. Keep response under 100 words.",
					asset),
			},
		},
		"max_tokens":  200,
		"temperature": 0.2,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sentiment request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read sentiment response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sentiment API error %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Citations []string `json:"citations"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse sentiment response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("empty sentiment response")
	}

	content := parsed.Choices[0].Message.Content
	sources := parsed.Citations
	if len(sources) > 3 {
		sources = sources[:3]
	}

	return &Fetched{
		Score:   ExtractScore(content),
		Burst:   burstFromSources(len(parsed.Citations)),
		Summary: content,
		Sources: sources,
	}, nil
}

// ExtractScore pulls a sentiment score out of free-form analyst text: first
// by tone keywords, then by scanning score-labelled lines for a number in
// [-1, 1].
func ExtractScore(content string) float64 {
	lower := strings.ToLower(content)

	strong := strings.Contains(lower, "very") || strings.Contains(lower, "strong")
	switch {
	case strings.Contains(lower, "bullish") || strings.Contains(lower, "positive"):
		if strong {
			return 0.7
		}
		return 0.4
	case strings.Contains(lower, "bearish") || strings.Contains(lower, "negative"):
		if strong {
			return -0.7
		}
		return -0.4
	case strings.Contains(lower, "neutral") || strings.Contains(lower, "mixed"):
		return 0
	}

	for _, line := range strings.Split(content, "\n") {
		lineLower := strings.ToLower(line)
		if !strings.Contains(lineLower, "score") && !strings.Contains(lineLower, "sentiment") {
			continue
		}
		for _, word := range strings.Fields(line) {
			cleaned := strings.Trim(word, ",:()[]")
			score, err := strconv.ParseFloat(cleaned, 64)
			if err == nil && score >= -1 && score <= 1 {
				return score
			}
		}
	}

	return 0
}

func burstFromSources(n int) float64 {
	burst := float64(n) / 10
	if burst > 1 {
		burst = 1
	}
	return burst
}
