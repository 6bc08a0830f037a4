package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

const advisorSystemPrompt = `You are an expert cryptocurrency trading advisor. Analyze the provided market data and produce a trading recommendation as JSON with exactly these fields:
- symbol: the trading pair symbol
- side: "long", "short", or "flat"
- confidence: number between 0 and 1
- reasons: array of brief reasons (max 3)
- entry: {"type": "market"}
- stop: {"type": "atr", "multiplier": number > 0}
- take_profit: {"rr": risk-reward ratio > 0}
- max_hold_bars: integer > 0

You cannot set prices, sizes, or P&L; those are computed deterministically. Only respond with valid JSON, no additional text.`

const consultantSystemPrompt = `You are a senior trading consultant reviewing cryptocurrency trading proposals. Approve, reject, or modify each proposal based on risk management principles.

Response format (valid JSON only):
{
  "recommendation": "approve" | "reject" | "modify",
  "concerns": ["..."],
  "modifications": {"stop": number, "size": number} or null,
  "confidence": number between 0 and 1,
  "reasoning": "1-2 sentences"
}

Guidelines:
- approve: strong technical alignment, appropriate risk/reward, no red flags
- reject: clear risk violations, poor timing, or major concerns
- modify: only to tighten the stop or reduce the size

Only respond with valid JSON, no additional text.`

func buildAdvisorPrompt(pctx ProposalContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Symbol: %s\n", pctx.Symbol)
	fmt.Fprintf(&b, "Market Regime: %s\n", pctx.Regime)

	if snapshot, err := json.MarshalIndent(pctx.Snapshot, "", "  "); err == nil {
		fmt.Fprintf(&b, "\nTechnical Signals: %s\n", snapshot)
	}

	if pctx.Sentiment != nil {
		b.WriteString("\nSentiment Analysis:\n")
		fmt.Fprintf(&b, "  Score (24h): %.2f (-1 to +1)\n", pctx.Sentiment.Sent24h)
		fmt.Fprintf(&b, "  Trend: %.2f\n", pctx.Sentiment.SentTrend)
		fmt.Fprintf(&b, "  Burst: %.2f\n", pctx.Sentiment.Burst)
		if pctx.Sentiment.Summary != "" {
			fmt.Fprintf(&b, "  Summary: %.200s\n", pctx.Sentiment.Summary)
		}
	}

	if pctx.Position != nil {
		b.WriteString("\nCurrent Position:\n")
		fmt.Fprintf(&b, "  Side: %s\n", pctx.Position.Side)
		fmt.Fprintf(&b, "  Quantity: %.8f\n", pctx.Position.Qty)
		fmt.Fprintf(&b, "  Avg Price: $%.2f\n", pctx.Position.AvgPrice)
	} else {
		b.WriteString("\nCurrent Position: None\n")
	}

	fmt.Fprintf(&b, "\nRisk caps: max %.2f%% of NAV at risk per trade, max %.2f%% exposure per symbol.\n",
		pctx.RiskPerTrade*100, pctx.MaxExposure*100)
	b.WriteString("\nProvide your trading recommendation as JSON.")
	return b.String()
}

func buildConsultantPrompt(proposal *Proposal, mctx MarketContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Symbol: %s\n", proposal.Symbol)
	fmt.Fprintf(&b, "Market Regime: %s\n", mctx.Regime)
	fmt.Fprintf(&b, "Volatility Band: %s\n", mctx.VolatilityBand)

	b.WriteString("\nProposal to Review:\n")
	fmt.Fprintf(&b, "  Side: %s\n", proposal.Side)
	fmt.Fprintf(&b, "  Confidence: %.2f\n", proposal.Confidence)
	fmt.Fprintf(&b, "  Stop: %s x%.2f ATR\n", proposal.Stop.Type, proposal.Stop.Multiplier)
	fmt.Fprintf(&b, "  Take Profit: RR %.2f\n", proposal.TakeProfit.RR)
	fmt.Fprintf(&b, "  Max Hold: %d bars\n", proposal.MaxHoldBars)
	fmt.Fprintf(&b, "  Reasons: %s\n", strings.Join(proposal.Reasons, "; "))

	fmt.Fprintf(&b, "\nSentiment (24h): %.2f, trend %.2f\n", mctx.Sent24h, mctx.SentTrend)

	b.WriteString("\nReview this proposal. Consider:\n")
	b.WriteString("- Risk/reward alignment\n")
	b.WriteString("- Market conditions vs proposal\n")
	b.WriteString("- Stop and size appropriateness\n")
	return b.String()
}

// extractJSON strips markdown code fences that models wrap around JSON.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	parts := strings.SplitN(content, "```", 3)
	if len(parts) < 2 {
		return content
	}
	inner := parts[1]
	inner = strings.TrimPrefix(inner, "json")
	return strings.TrimSpace(inner)
}
