package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConsultant(transport Transport, timeout time.Duration) *Consultant {
	return NewConsultant(transport, ConsultantConfig{Model: "reviewer", Timeout: timeout}, zerolog.Nop())
}

func testProposal() *Proposal {
	p := &Proposal{Symbol: "BTCUSDT", Side: "long", Confidence: 0.7, Reasons: []string{"breakout"}, MaxHoldBars: 40}
	p.Entry.Type = "market"
	p.Stop.Type = "atr"
	p.Stop.Multiplier = 2
	p.TakeProfit.RR = 2
	return p
}

func TestReviewApprove(t *testing.T) {
	ft := &fakeTransport{responses: map[string]string{
		"reviewer": `{"recommendation": "approve", "concerns": [], "modifications": null, "confidence": 0.8, "reasoning": "clean breakout"}`,
	}}
	c := testConsultant(ft, time.Second)

	review, auto := c.Review(context.Background(), testProposal(), MarketContext{Regime: "trend"})
	assert.False(t, auto)
	assert.Equal(t, "approve", review.Recommendation)
	assert.Equal(t, 0.8, review.Confidence)
}

func TestReviewRejectWithConcerns(t *testing.T) {
	ft := &fakeTransport{responses: map[string]string{
		"reviewer": `{"recommendation": "reject", "concerns": ["late entry", "thin book"], "modifications": null, "confidence": 0.9, "reasoning": "chasing"}`,
	}}
	c := testConsultant(ft, time.Second)

	review, auto := c.Review(context.Background(), testProposal(), MarketContext{})
	assert.False(t, auto)
	assert.Equal(t, "reject", review.Recommendation)
	assert.Len(t, review.Concerns, 2)
}

func TestReviewModify(t *testing.T) {
	ft := &fakeTransport{responses: map[string]string{
		"reviewer": `{"recommendation": "modify", "concerns": ["size too large"], "modifications": {"size": 5}, "confidence": 0.7, "reasoning": "halve it"}`,
	}}
	c := testConsultant(ft, time.Second)

	review, auto := c.Review(context.Background(), testProposal(), MarketContext{})
	assert.False(t, auto)
	require.NotNil(t, review.Modifications)
	require.NotNil(t, review.Modifications.Size)
	assert.Equal(t, 5.0, *review.Modifications.Size)
}

func TestReviewTimeoutAutoApproves(t *testing.T) {
	ft := &fakeTransport{
		delay:     200 * time.Millisecond,
		responses: map[string]string{"reviewer": `{}`},
	}
	c := testConsultant(ft, 20*time.Millisecond)

	review, auto := c.Review(context.Background(), testProposal(), MarketContext{})
	assert.True(t, auto)
	assert.Equal(t, "approve", review.Recommendation)
}

func TestReviewTransportErrorAutoApproves(t *testing.T) {
	ft := &fakeTransport{errs: map[string]error{"reviewer": errors.New("connection refused")}}
	c := testConsultant(ft, time.Second)

	review, auto := c.Review(context.Background(), testProposal(), MarketContext{})
	assert.True(t, auto)
	assert.Equal(t, "approve", review.Recommendation)
}

func TestReviewGarbageAutoApproves(t *testing.T) {
	ft := &fakeTransport{responses: map[string]string{"reviewer": "I think this trade looks fine."}}
	c := testConsultant(ft, time.Second)

	review, auto := c.Review(context.Background(), testProposal(), MarketContext{})
	assert.True(t, auto)
	assert.Equal(t, "approve", review.Recommendation)
}

func TestReviewValidate(t *testing.T) {
	size := 5.0
	tests := []struct {
		name    string
		review  Review
		wantErr bool
	}{
		{"approve", Review{Recommendation: "approve", Confidence: 0.5}, false},
		{"modify with size", Review{Recommendation: "modify", Confidence: 0.5, Modifications: &Modifications{Size: &size}}, false},
		{"bad recommendation", Review{Recommendation: "escalate", Confidence: 0.5}, true},
		{"confidence out of range", Review{Recommendation: "approve", Confidence: 1.2}, true},
		{"modify without mods", Review{Recommendation: "modify", Confidence: 0.5}, true},
		{"modify with empty mods", Review{Recommendation: "modify", Confidence: 0.5, Modifications: &Modifications{}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.review.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
