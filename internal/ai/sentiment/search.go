package sentiment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SearchBackend is the keyless fallback: an instant-answer search whose text
// snippets get keyword-scored. Coarse, but always available.
type SearchBackend struct {
	endpoint   string
	httpClient *http.Client
}

// NewSearchBackend creates the fallback backend.
func NewSearchBackend() *SearchBackend {
	return &SearchBackend{
		endpoint:   "https://api.duckduckgo.com/",
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (b *SearchBackend) Name() string { return "search" }

// Fetch searches for recent coverage of the symbol's base asset.
func (b *SearchBackend) Fetch(ctx context.Context, symbol string) (*Fetched, error) {
	asset := baseAsset(symbol)

	params := url.Values{}
	params.Set("q", asset+" cryptocurrency news")
	params.Set("format", "json")
	params.Set("no_html", "1")
	params.Set("skip_disambig", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; TradingBot/1.0)")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search API error %d", resp.StatusCode)
	}

	var parsed struct {
		Abstract      string `json:"Abstract"`
		RelatedTopics []struct {
			Text     string `json:"Text"`
			FirstURL string `json:"FirstURL"`
		} `json:"RelatedTopics"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	var snippets []string
	var sources []string
	if parsed.Abstract != "" {
		snippets = append(snippets, parsed.Abstract)
	}
	for i, topic := range parsed.RelatedTopics {
		if i >= 5 {
			break
		}
		if topic.Text != "" {
			snippets = append(snippets, topic.Text)
		}
		if topic.FirstURL != "" {
			sources = append(sources, topic.FirstURL)
		}
	}

	combined := strings.TrimSpace(strings.Join(snippets, " "))
	if len(combined) < 20 {
		return nil, fmt.Errorf("no recent coverage found for %s", asset)
	}

	summary := combined
	if len(summary) > 400 {
		summary = summary[:400] + "..."
	}

	return &Fetched{
		Score:   scoreKeywords(combined),
		Burst:   burstFromSources(len(sources)),
		Summary: fmt.Sprintf("search analysis for %s (keyword-based sentiment): %s", asset, summary),
		Sources: sources,
	}, nil
}

var (
	positiveWords = []string{"surge", "rally", "gain", "bullish", "adoption", "breakthrough", "soar", "record", "upgrade", "growth"}
	negativeWords = []string{"crash", "plunge", "drop", "bearish", "hack", "ban", "lawsuit", "fraud", "decline", "selloff"}
)

// scoreKeywords derives a coarse score from hit counts of tone words.
func scoreKeywords(text string) float64 {
	lower := strings.ToLower(text)
	score := 0.0
	for _, w := range positiveWords {
		score += 0.1 * float64(strings.Count(lower, w))
	}
	for _, w := range negativeWords {
		score -= 0.1 * float64(strings.Count(lower, w))
	}
	if score > 1 {
		score = 1
	}
	if score < -1 {
		score = -1
	}
	return score
}
