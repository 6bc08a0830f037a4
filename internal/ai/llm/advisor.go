package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"paper-trading-daemon/internal/database"
	"paper-trading-daemon/internal/indicators"
)

// Proposal is the advisor's strictly-typed output. The advisor refines
// confidence and rationale; prices and sizes stay deterministic.
type Proposal struct {
	Symbol      string   `json:"symbol"`
	Side        string   `json:"side"` // "long", "short", or "flat"
	Confidence  float64  `json:"confidence"`
	Reasons     []string `json:"reasons"`
	Entry       struct {
		Type string `json:"type"`
	} `json:"entry"`
	Stop struct {
		Type       string  `json:"type"`
		Multiplier float64 `json:"multiplier"`
	} `json:"stop"`
	TakeProfit struct {
		RR float64 `json:"rr"`
	} `json:"take_profit"`
	MaxHoldBars int `json:"max_hold_bars"`
}

// Validate checks every schema constraint the validator later relies on.
func (p *Proposal) Validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("missing symbol")
	}
	switch p.Side {
	case "long", "short", "flat":
	default:
		return fmt.Errorf("invalid side %q", p.Side)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("confidence %.2f out of range", p.Confidence)
	}
	if len(p.Reasons) == 0 {
		return fmt.Errorf("missing reasons")
	}
	if p.Entry.Type != "market" {
		return fmt.Errorf("invalid entry type %q", p.Entry.Type)
	}
	if p.Stop.Type != "atr" || p.Stop.Multiplier <= 0 {
		return fmt.Errorf("invalid stop %q x%.2f", p.Stop.Type, p.Stop.Multiplier)
	}
	if p.TakeProfit.RR <= 0 {
		return fmt.Errorf("invalid take_profit rr %.2f", p.TakeProfit.RR)
	}
	if p.MaxHoldBars <= 0 {
		return fmt.Errorf("invalid max_hold_bars %d", p.MaxHoldBars)
	}
	return nil
}

// ProposalContext is everything the advisor sees.
type ProposalContext struct {
	Symbol       string
	Regime       string
	Snapshot     indicators.Snapshot
	Sentiment    *database.SentimentRow
	Position     *database.Position
	RiskPerTrade float64
	MaxExposure  float64
}

// AdvisorConfig holds the model policy.
type AdvisorConfig struct {
	PrimaryModel  string
	FallbackModel string
	Timeout       time.Duration
}

// Advisor turns a deterministic signal plus context into a typed proposal.
// On HTTP error, timeout, or a schema-invalid response it retries once with
// the fallback model; if both fail the caller skips entry for the cycle.
type Advisor struct {
	transport Transport
	cfg       AdvisorConfig
	logger    zerolog.Logger
}

// NewAdvisor creates an advisor.
func NewAdvisor(transport Transport, cfg AdvisorConfig, logger zerolog.Logger) *Advisor {
	return &Advisor{
		transport: transport,
		cfg:       cfg,
		logger:    logger.With().Str("component", "advisor").Logger(),
	}
}

// Propose requests a proposal, falling back once on failure.
func (a *Advisor) Propose(ctx context.Context, pctx ProposalContext) (*Proposal, error) {
	prompt := buildAdvisorPrompt(pctx)

	proposal, err := a.callModel(ctx, a.cfg.PrimaryModel, prompt)
	if err == nil {
		return proposal, nil
	}
	a.logger.Warn().Err(err).Str("model", a.cfg.PrimaryModel).Msg("primary model failed, trying fallback")

	proposal, err = a.callModel(ctx, a.cfg.FallbackModel, prompt)
	if err != nil {
		return nil, fmt.Errorf("advisor failed on both models: %w", err)
	}
	return proposal, nil
}

func (a *Advisor) callModel(ctx context.Context, model, prompt string) (*Proposal, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	content, err := a.transport.Complete(callCtx, model, advisorSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	var proposal Proposal
	if err := json.Unmarshal([]byte(extractJSON(content)), &proposal); err != nil {
		return nil, fmt.Errorf("failed to parse proposal: %w", err)
	}
	if err := proposal.Validate(); err != nil {
		return nil, fmt.Errorf("proposal failed schema validation: %w", err)
	}
	return &proposal, nil
}
