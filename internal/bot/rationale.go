package bot

import (
	"encoding/json"

	"paper-trading-daemon/internal/ai/llm"
	"paper-trading-daemon/internal/database"
	"paper-trading-daemon/internal/indicators"
	"paper-trading-daemon/internal/risk"
	"paper-trading-daemon/internal/signal"
)

// DecisionRationale is the audit blob stored on each trade: everything the
// daemon knew and decided at the moment of trade creation. It is written
// once, never read back for control flow.
type DecisionRationale struct {
	Indicators indicators.Snapshot   `json:"indicators"`
	Regime     string                `json:"regime"`
	Sentiment  *sentimentSummary     `json:"sentiment,omitempty"`
	Proposal   *llm.Proposal         `json:"proposal,omitempty"`
	Review     *llm.Review           `json:"review,omitempty"`
	Final      finalDecision         `json:"final"`
}

type sentimentSummary struct {
	Sent24h   float64 `json:"sent_24h"`
	Sent7d    float64 `json:"sent_7d"`
	SentTrend float64 `json:"sent_trend"`
	Burst     float64 `json:"burst"`
	Summary   string  `json:"summary,omitempty"`
}

type finalDecision struct {
	Outcome string   `json:"outcome"` // "executed" or "modified-and-executed"
	NewStop *float64 `json:"new_stop,omitempty"`
	NewQty  *float64 `json:"new_qty,omitempty"`
}

func buildRationale(snap indicators.Snapshot, regime signal.Regime, sent *database.SentimentRow,
	proposal *llm.Proposal, review *llm.Review, decision risk.Decision) json.RawMessage {

	r := DecisionRationale{
		Indicators: snap,
		Regime:     string(regime),
		Proposal:   proposal,
		Review:     review,
		Final:      finalDecision{Outcome: "executed"},
	}
	if sent != nil {
		r.Sentiment = &sentimentSummary{
			Sent24h:   sent.Sent24h,
			Sent7d:    sent.Sent7d,
			SentTrend: sent.SentTrend,
			Burst:     sent.Burst,
			Summary:   sent.Summary,
		}
	}
	if decision.Kind == risk.DecisionModified {
		r.Final.Outcome = "modified-and-executed"
		r.Final.NewStop = decision.NewStop
		r.Final.NewQty = decision.NewQty
	}

	data, err := json.Marshal(r)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
