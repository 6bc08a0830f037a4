package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Review is the consultant's second opinion on a proposal.
type Review struct {
	Recommendation string         `json:"recommendation"` // "approve", "reject", or "modify"
	Concerns       []string       `json:"concerns"`
	Modifications  *Modifications `json:"modifications"`
	Confidence     float64        `json:"confidence"`
	Reasoning      string         `json:"reasoning"`
}

// Modifications are the only fields a consultant may adjust.
type Modifications struct {
	Stop *float64 `json:"stop,omitempty"`
	Size *float64 `json:"size,omitempty"`
}

// Validate checks the review schema.
func (r *Review) Validate() error {
	switch r.Recommendation {
	case "approve", "reject", "modify":
	default:
		return fmt.Errorf("invalid recommendation %q", r.Recommendation)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %.2f out of range", r.Confidence)
	}
	if r.Recommendation == "modify" && (r.Modifications == nil ||
		(r.Modifications.Stop == nil && r.Modifications.Size == nil)) {
		return fmt.Errorf("modify without modifications")
	}
	return nil
}

// MarketContext is the condensed state the consultant reviews against.
type MarketContext struct {
	Regime         string  `json:"regime"`
	Sent24h        float64 `json:"sent_24h"`
	SentTrend      float64 `json:"sent_trend"`
	VolatilityBand string  `json:"volatility_band"` // "low", "normal", or "elevated"
}

// ConsultantConfig holds the review policy.
type ConsultantConfig struct {
	Model   string
	Timeout time.Duration
}

// Consultant gives an independent second opinion. Trading never blocks on it:
// a timeout or transport error yields an auto-approve.
type Consultant struct {
	transport Transport
	cfg       ConsultantConfig
	logger    zerolog.Logger
}

// NewConsultant creates a consultant.
func NewConsultant(transport Transport, cfg ConsultantConfig, logger zerolog.Logger) *Consultant {
	return &Consultant{
		transport: transport,
		cfg:       cfg,
		logger:    logger.With().Str("component", "consultant").Logger(),
	}
}

// Review asks for a second opinion. autoApproved reports that the returned
// review is the failure-path fallback, not a real opinion.
func (c *Consultant) Review(ctx context.Context, proposal *Proposal, mctx MarketContext) (review *Review, autoApproved bool) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	content, err := c.transport.Complete(callCtx, c.cfg.Model, consultantSystemPrompt, buildConsultantPrompt(proposal, mctx))
	if err != nil {
		c.logger.Warn().Err(err).Msg("consultant unavailable, auto-approving")
		return autoApproveReview(err.Error()), true
	}

	var parsed Review
	if err := json.Unmarshal([]byte(extractJSON(content)), &parsed); err != nil {
		c.logger.Warn().Err(err).Msg("consultant response unparseable, auto-approving")
		return autoApproveReview("invalid JSON response"), true
	}
	if err := parsed.Validate(); err != nil {
		c.logger.Warn().Err(err).Msg("consultant response failed schema validation, auto-approving")
		return autoApproveReview(err.Error()), true
	}

	return &parsed, false
}

func autoApproveReview(reason string) *Review {
	return &Review{
		Recommendation: "approve",
		Concerns:       []string{},
		Confidence:     0.5,
		Reasoning:      "Auto-approved: consultant unavailable (" + reason + ")",
	}
}
